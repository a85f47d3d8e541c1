package airouter

import (
	"context"
	"fmt"
	"time"
)

// QuotaStore is the shared admission ledger. All router processes that
// serve the same provider pool must point at the same store so that daily
// budgets, rate windows, and concurrency caps hold across processes.
//
// Implementations must make TryReserve atomic: the limit checks and the
// reservation happen as one step, never check-then-act.
type QuotaStore interface {
	// TryReserve admits one request for the provider or refuses it. On
	// admission it records a lease that counts against the provider's
	// daily request budget and concurrency cap until committed or
	// released. Refusals are reported as a *Refusal error; any other
	// error means the store itself failed.
	TryReserve(ctx context.Context, cfg ProviderConfig) (Lease, error)

	// Commit settles a lease after a successful call: the day's request
	// count grows by one, token usage by tokensUsed, and the provider's
	// error tally shrinks by one. Committing an expired lease still
	// records the usage.
	Commit(ctx context.Context, lease Lease, tokensUsed int64) error

	// Release drops a lease without recording usage. The rate-window
	// slot consumed at reservation time is intentionally not returned.
	Release(ctx context.Context, lease Lease) error

	// ApplyFailure records a failed call: the error tally grows and,
	// depending on code and status, the provider enters a cooldown or a
	// payment block.
	ApplyFailure(ctx context.Context, provider string, code Code, status int) error

	// ApplySuccessSignal stores backend-reported quota so the scorer can
	// prefer providers the backend says still have headroom.
	ApplySuccessSignal(ctx context.Context, provider string, hint RemainingHint) error

	// Snapshot returns the provider's current counters. It never mutates
	// state beyond expiring stale leases.
	Snapshot(ctx context.Context, provider string) (Snapshot, error)

	// SnapshotAll returns snapshots for all named providers.
	SnapshotAll(ctx context.Context, providers []string) (map[string]Snapshot, error)
}

// Lease is an admitted reservation. Leases expire on their own after the
// store's lease TTL, so a crashed process cannot pin budget forever.
type Lease struct {
	Provider string
	Token    string
}

// Snapshot is a point-in-time view of one provider's ledger.
type Snapshot struct {
	RequestsUsed int64 // committed requests today
	TokensUsed   int64 // committed tokens today
	WindowCount  int64 // reservations in the current rate window
	ActiveLeases int64 // admitted but unsettled requests

	CooldownUntil time.Time // zero when not cooling down
	BlockedUntil  time.Time // zero when not payment-blocked

	// ErrorTally is the rolling failure count used as a score penalty.
	ErrorTally int64

	// Backend-reported quota from the last success signal. Values below
	// zero mean never reported.
	ExtRemainingRequests int64
	ExtRemainingTokens   int64
	ExtUpdatedAt         time.Time
}

// Reason says why TryReserve refused a provider.
type Reason string

const (
	ReasonBudgetRequests Reason = "budget-requests"
	ReasonBudgetTokens   Reason = "budget-tokens"
	ReasonRateLimited    Reason = "rate-limit"
	ReasonConcurrency    Reason = "concurrency"
	ReasonCooldown       Reason = "cooldown"
	ReasonBlocked        Reason = "blocked"
)

// Refusal is the error returned by TryReserve when a provider cannot
// accept the request right now. It is an expected outcome, not a failure
// of the store.
type Refusal struct {
	Provider string
	Reason   Reason
}

func (r *Refusal) Error() string {
	return fmt.Sprintf("airouter: %s refused: %s", r.Provider, r.Reason)
}

// nextUTCMidnight returns the moment the daily budgets reset.
func nextUTCMidnight(now time.Time) time.Time {
	u := now.UTC()
	return time.Date(u.Year(), u.Month(), u.Day()+1, 0, 0, 0, 0, time.UTC)
}
