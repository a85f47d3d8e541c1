// Package meter provides ready-made Meter implementations: a no-op, a
// slog logger, a zap logger, and a Prometheus collector.
package meter

import "github.com/abejarano/airouter"

// NoopMeter is a meter that does nothing.
type NoopMeter struct{}

var _ airouter.Meter = (*NoopMeter)(nil)

func (*NoopMeter) OnRoute(airouter.RouteEvent)   {}
func (*NoopMeter) OnResult(airouter.ResultEvent) {}
func (*NoopMeter) OnSkip(airouter.SkipEvent)     {}
