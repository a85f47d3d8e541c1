package meter

import (
	"go.uber.org/zap"

	"github.com/abejarano/airouter"
)

// ZapMeter logs routing events with typed zap fields.
type ZapMeter struct {
	logger *zap.Logger
}

var _ airouter.Meter = (*ZapMeter)(nil)

// NewZapMeter creates a ZapMeter with the given logger.
// If logger is nil, zap.NewNop() is used.
func NewZapMeter(logger *zap.Logger) *ZapMeter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapMeter{logger: logger}
}

func (m *ZapMeter) OnRoute(e airouter.RouteEvent) {
	m.logger.Info("route",
		zap.String("provider", e.Provider),
		zap.String("model", e.Model),
		zap.Int("attempt", e.Attempt),
	)
}

func (m *ZapMeter) OnResult(e airouter.ResultEvent) {
	if e.Success {
		m.logger.Info("result",
			zap.String("provider", e.Provider),
			zap.String("model", e.Model),
			zap.Bool("repaired", e.Repaired),
			zap.Duration("duration", e.Duration),
			zap.Int64("prompt_tokens", e.Usage.PromptTokens),
			zap.Int64("completion_tokens", e.Usage.CompletionTokens),
		)
		return
	}
	m.logger.Warn("result_error",
		zap.String("provider", e.Provider),
		zap.String("model", e.Model),
		zap.Duration("duration", e.Duration),
		zap.Error(e.Err),
	)
}

func (m *ZapMeter) OnSkip(e airouter.SkipEvent) {
	m.logger.Debug("skip",
		zap.String("provider", e.Provider),
		zap.String("reason", string(e.Reason)),
	)
}
