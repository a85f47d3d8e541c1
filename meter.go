package airouter

import "time"

// Meter observes routing events for monitoring and logging. Implementations
// must be safe for concurrent use and must not block.
type Meter interface {
	// OnRoute is called when a provider is about to be tried.
	OnRoute(event RouteEvent)

	// OnResult is called when an attempt settles, success or failure.
	OnResult(event ResultEvent)

	// OnSkip is called when the store refuses a provider that the
	// ranking considered viable.
	OnSkip(event SkipEvent)
}

// RouteEvent describes an attempt about to start.
type RouteEvent struct {
	Provider string
	Model    string
	Attempt  int
}

// ResultEvent describes the outcome of an attempt.
type ResultEvent struct {
	Provider string
	Model    string
	Success  bool
	Repaired bool
	Duration time.Duration
	Usage    Usage
	Err      error // nil on success
}

// SkipEvent describes a store-level refusal during fallback.
type SkipEvent struct {
	Provider string
	Reason   Reason
}
