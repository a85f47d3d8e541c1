// Package quota provides an in-memory QuotaStore for single-process use
// and tests. Multi-instance deployments should use the redis or postgres
// backends, which share state across processes.
package quota

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/abejarano/airouter"
)

// MemoryStore is an in-memory QuotaStore. All decisions happen under one
// mutex, so the atomicity contract holds trivially; daily counters reset
// lazily at UTC midnight.
type MemoryStore struct {
	mu        sync.Mutex
	params    airouter.Params
	now       func() time.Time
	providers map[string]*providerState
}

type providerState struct {
	day      string // UTC day the counters belong to
	requests int64
	tokens   int64

	slice  int64 // rate-window index
	window int64 // reservations in that window

	leases map[string]time.Time // lease token → expiry

	cooldownUntil time.Time
	blockedUntil  time.Time
	tally         int64
	tallyAt       time.Time

	extRequests int64
	extTokens   int64
	extAt       time.Time
}

var _ airouter.QuotaStore = (*MemoryStore)(nil)

// Option configures MemoryStore.
type Option func(*MemoryStore)

// WithClock replaces the store's clock. Tests use it to pin time.
func WithClock(now func() time.Time) Option {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore creates an in-memory quota store. Params must match the
// ones the Router runs with, so both sides enforce the same limits.
func NewMemoryStore(params airouter.Params, opts ...Option) *MemoryStore {
	s := &MemoryStore{
		params:    params,
		now:       time.Now,
		providers: make(map[string]*providerState),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TryReserve admits one request for the provider or refuses it with a
// *airouter.Refusal. Checks and the reservation happen under one lock.
func (s *MemoryStore) TryReserve(_ context.Context, cfg airouter.ProviderConfig) (airouter.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	st := s.state(cfg.ID, now)

	if reason, refused := s.refuse(cfg, st, now); refused {
		return airouter.Lease{}, &airouter.Refusal{Provider: cfg.ID, Reason: reason}
	}

	// Admitted: take a window slot and register the lease in one step.
	st.window++
	token := uuid.New().String()
	st.leases[token] = now.Add(s.params.LeaseTTL)

	return airouter.Lease{Provider: cfg.ID, Token: token}, nil
}

func (s *MemoryStore) refuse(cfg airouter.ProviderConfig, st *providerState, now time.Time) (airouter.Reason, bool) {
	if now.Before(st.blockedUntil) {
		return airouter.ReasonBlocked, true
	}
	if now.Before(st.cooldownUntil) {
		return airouter.ReasonCooldown, true
	}

	active := int64(len(st.leases))

	// In-flight leases count against the request budget so concurrent
	// callers cannot over-commit the last few slots.
	if cfg.DailyBudgetRequests > 0 && st.requests+active >= cfg.DailyBudgetRequests {
		return airouter.ReasonBudgetRequests, true
	}
	if cfg.DailyBudgetTokens > 0 && st.tokens >= cfg.DailyBudgetTokens {
		return airouter.ReasonBudgetTokens, true
	}
	if cap := s.params.WindowCapacity(cfg); cap > 0 && st.window >= cap {
		return airouter.ReasonRateLimited, true
	}
	if cfg.MaxConcurrency > 0 && active >= cfg.MaxConcurrency {
		return airouter.ReasonConcurrency, true
	}
	return "", false
}

// Commit settles a lease after a successful call. An expired or unknown
// lease still records the usage: the upstream work happened.
func (s *MemoryStore) Commit(_ context.Context, lease airouter.Lease, tokensUsed int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(lease.Provider, s.now())
	delete(st.leases, lease.Token)

	st.requests++
	st.tokens += tokensUsed

	// A success walks the error tally back one step.
	if st.tally > 0 {
		st.tally--
	}
	return nil
}

// Release drops a lease without recording usage. The rate-window slot is
// intentionally kept: failed attempts count against the rate limit.
func (s *MemoryStore) Release(_ context.Context, lease airouter.Lease) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.providers[lease.Provider]; ok {
		delete(st.leases, lease.Token)
	}
	return nil
}

// ApplyFailure bumps the error tally and applies the cooldown or block the
// classification earns. Deadlines only move forward.
func (s *MemoryStore) ApplyFailure(_ context.Context, provider string, code airouter.Code, status int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	st := s.state(provider, now)

	// Failures outside the tally window restart the count.
	if now.Sub(st.tallyAt) > s.params.ErrorTallyWindow {
		st.tally = 1
	} else {
		st.tally++
	}
	st.tallyAt = now

	if until, block, ok := s.params.FailurePenalty(now, code, status); ok {
		if block {
			if until.After(st.blockedUntil) {
				st.blockedUntil = until
			}
		} else if until.After(st.cooldownUntil) {
			st.cooldownUntil = until
		}
	}
	return nil
}

// ApplySuccessSignal records backend-reported remaining quota.
func (s *MemoryStore) ApplySuccessSignal(_ context.Context, provider string, hint airouter.RemainingHint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(provider, s.now())
	st.extRequests = hint.RemainingRequests
	st.extTokens = hint.RemainingTokens
	st.extAt = s.now()
	return nil
}

// Snapshot returns the provider's current counters.
func (s *MemoryStore) Snapshot(_ context.Context, provider string) (airouter.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(provider), nil
}

// SnapshotAll returns snapshots for all named providers in one pass.
func (s *MemoryStore) SnapshotAll(_ context.Context, providers []string) (map[string]airouter.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]airouter.Snapshot, len(providers))
	for _, p := range providers {
		out[p] = s.snapshotLocked(p)
	}
	return out, nil
}

func (s *MemoryStore) snapshotLocked(provider string) airouter.Snapshot {
	now := s.now()
	st := s.state(provider, now)

	tally := st.tally
	if now.Sub(st.tallyAt) > s.params.ErrorTallyWindow {
		tally = 0
	}

	return airouter.Snapshot{
		RequestsUsed:         st.requests,
		TokensUsed:           st.tokens,
		WindowCount:          st.window,
		ActiveLeases:         int64(len(st.leases)),
		CooldownUntil:        st.cooldownUntil,
		BlockedUntil:         st.blockedUntil,
		ErrorTally:           tally,
		ExtRemainingRequests: st.extRequests,
		ExtRemainingTokens:   st.extTokens,
		ExtUpdatedAt:         st.extAt,
	}
}

// state returns the provider's entry, rolled forward to now: stale daily
// counters and rate windows reset, expired leases reclaimed.
func (s *MemoryStore) state(provider string, now time.Time) *providerState {
	st, ok := s.providers[provider]
	if !ok {
		st = &providerState{
			leases:      make(map[string]time.Time),
			extRequests: -1,
			extTokens:   -1,
		}
		s.providers[provider] = st
	}

	// Lazy daily reset.
	day := now.UTC().Format("20060102")
	if st.day != day {
		st.day = day
		st.requests = 0
		st.tokens = 0
	}

	slice := now.Unix() / s.params.WindowSeconds()
	if st.slice != slice {
		st.slice = slice
		st.window = 0
	}

	for token, expiry := range st.leases {
		if !now.Before(expiry) {
			delete(st.leases, token)
		}
	}

	return st
}
