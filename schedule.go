package airouter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// SummaryScheduler emits the daily usage summary on a cron schedule. The
// schedule is interpreted in UTC because that is when budgets reset; a
// typical choice is "55 23 * * *", just before the reset.
type SummaryScheduler struct {
	router *Router
	cron   *cron.Cron
	spec   string
	emit   func(DailySummary)
	logger *slog.Logger

	mu      sync.Mutex
	running bool
}

// NewSummaryScheduler creates a scheduler that passes each generated
// summary to emit. A nil emit logs one line per provider instead.
func NewSummaryScheduler(r *Router, spec string, emit func(DailySummary)) *SummaryScheduler {
	return &SummaryScheduler{
		router: r,
		cron:   cron.New(cron.WithLocation(time.UTC)),
		spec:   spec,
		emit:   emit,
		logger: slog.Default().With("component", "airouter.summary"),
	}
}

// Start validates the schedule and begins running. The scheduler stops on
// its own when the context ends.
func (s *SummaryScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("airouter: summary scheduler already running")
	}
	if _, err := cron.ParseStandard(s.spec); err != nil {
		return fmt.Errorf("airouter: invalid summary schedule %q: %w", s.spec, err)
	}

	if _, err := s.cron.AddFunc(s.spec, func() { s.run(ctx) }); err != nil {
		return fmt.Errorf("airouter: schedule summary: %w", err)
	}

	s.cron.Start()
	s.running = true
	s.logger.Info("summary scheduler started", "schedule", s.spec)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return nil
}

// Stop halts the schedule and waits for a running summary to finish.
func (s *SummaryScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.logger.Info("summary scheduler stopped")
}

// IsRunning reports whether the schedule is active.
func (s *SummaryScheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRun returns the next scheduled summary time, if any.
func (s *SummaryScheduler) NextRun() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.cron.Entries()
	if len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}

func (s *SummaryScheduler) run(ctx context.Context) {
	summary, err := s.router.DailySummary(ctx)
	if err != nil {
		s.logger.Error("daily summary failed", "error", err)
		return
	}

	if s.emit != nil {
		s.emit(summary)
		return
	}

	for id, ps := range summary.Providers {
		s.logger.Info("daily usage",
			"provider", id,
			"requests_used", ps.RequestsUsed,
			"budget_requests", ps.BudgetRequests,
			"tokens_used", ps.TokensUsed,
			"budget_tokens", ps.BudgetTokens,
			"error_tally", ps.ErrorTally,
			"suspended", ps.Suspended,
		)
	}
}
