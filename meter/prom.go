package meter

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/abejarano/airouter"
)

// PromMeter exports routing events as Prometheus metrics.
type PromMeter struct {
	attempts *prometheus.CounterVec
	results  *prometheus.CounterVec
	skips    *prometheus.CounterVec
	repairs  *prometheus.CounterVec
	tokens   *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

var _ airouter.Meter = (*PromMeter)(nil)

// NewPromMeter creates the collectors and registers them with reg.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewPromMeter(reg prometheus.Registerer) *PromMeter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &PromMeter{
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "airouter",
				Name:      "attempts_total",
				Help:      "Total provider attempts started",
			},
			[]string{"provider"},
		),
		results: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "airouter",
				Name:      "results_total",
				Help:      "Total settled attempts by outcome",
			},
			[]string{"provider", "result"},
		),
		skips: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "airouter",
				Name:      "skips_total",
				Help:      "Total store refusals during fallback",
			},
			[]string{"provider", "reason"},
		),
		repairs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "airouter",
				Name:      "repairs_total",
				Help:      "Total successful attempts that needed a repair round-trip",
			},
			[]string{"provider"},
		),
		tokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "airouter",
				Name:      "tokens_total",
				Help:      "Total tokens consumed by successful attempts",
			},
			[]string{"provider", "kind"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "airouter",
				Name:      "call_duration_seconds",
				Help:      "Provider call latency in seconds",
				// LLM request latencies, 100ms to 30s.
				Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
			},
			[]string{"provider"},
		),
	}

	reg.MustRegister(m.attempts, m.results, m.skips, m.repairs, m.tokens, m.duration)
	return m
}

func (m *PromMeter) OnRoute(e airouter.RouteEvent) {
	m.attempts.WithLabelValues(e.Provider).Inc()
}

func (m *PromMeter) OnResult(e airouter.ResultEvent) {
	result := "success"
	if !e.Success {
		result = "failure"
	}
	m.results.WithLabelValues(e.Provider, result).Inc()
	m.duration.WithLabelValues(e.Provider).Observe(e.Duration.Seconds())

	if e.Success {
		m.tokens.WithLabelValues(e.Provider, "prompt").Add(float64(e.Usage.PromptTokens))
		m.tokens.WithLabelValues(e.Provider, "completion").Add(float64(e.Usage.CompletionTokens))
		if e.Repaired {
			m.repairs.WithLabelValues(e.Provider).Inc()
		}
	}
}

func (m *PromMeter) OnSkip(e airouter.SkipEvent) {
	m.skips.WithLabelValues(e.Provider, string(e.Reason)).Inc()
}
