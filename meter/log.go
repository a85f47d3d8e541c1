package meter

import (
	"log/slog"

	"github.com/abejarano/airouter"
)

// LogMeter logs routing events using slog.
type LogMeter struct {
	Logger *slog.Logger
}

var _ airouter.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogMeter(logger *slog.Logger) *LogMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnRoute(e airouter.RouteEvent) {
	m.Logger.Info("route",
		"provider", e.Provider,
		"model", e.Model,
		"attempt", e.Attempt,
	)
}

func (m *LogMeter) OnResult(e airouter.ResultEvent) {
	if e.Success {
		m.Logger.Info("result",
			"provider", e.Provider,
			"model", e.Model,
			"repaired", e.Repaired,
			"duration_ms", e.Duration.Milliseconds(),
			"prompt_tokens", e.Usage.PromptTokens,
			"completion_tokens", e.Usage.CompletionTokens,
		)
	} else {
		m.Logger.Warn("result_error",
			"provider", e.Provider,
			"model", e.Model,
			"duration_ms", e.Duration.Milliseconds(),
			"error", e.Err,
		)
	}
}

func (m *LogMeter) OnSkip(e airouter.SkipEvent) {
	m.Logger.Debug("skip",
		"provider", e.Provider,
		"reason", string(e.Reason),
	)
}
