package airouter

import (
	"context"
	"time"
)

// ProviderSummary is one provider's line in the daily summary.
type ProviderSummary struct {
	Enabled bool `json:"enabled"`
	Reserve bool `json:"reserve"`

	RequestsUsed int64 `json:"requestsUsed"`
	TokensUsed   int64 `json:"tokensUsed"`
	ActiveLeases int64 `json:"activeLeases"`

	BudgetRequests int64 `json:"budgetRequests"` // 0 = unlimited
	BudgetTokens   int64 `json:"budgetTokens"`   // 0 = unlimited

	RemainingRequests int64 `json:"remainingRequests"` // -1 = unlimited
	RemainingTokens   int64 `json:"remainingTokens"`   // -1 = unlimited

	CooldownUntil time.Time `json:"cooldownUntil,omitempty"`
	BlockedUntil  time.Time `json:"blockedUntil,omitempty"`
	ErrorTally    int64     `json:"errorTally"`

	// Suspended reports a process-lifetime suspension and its cause.
	Suspended    bool   `json:"suspended"`
	SuspendedFor string `json:"suspendedFor,omitempty"`
}

// DailySummary reports consumption against budgets for the current quota
// day, keyed by provider id.
type DailySummary struct {
	GeneratedAt time.Time                  `json:"generatedAt"`
	ResetAt     time.Time                  `json:"resetAt"`
	Providers   map[string]ProviderSummary `json:"providers"`
}

// DailySummary builds the usage report for the current quota day.
func (r *Router) DailySummary(ctx context.Context) (DailySummary, error) {
	dir := r.dir.Load()

	snaps, err := r.store.SnapshotAll(ctx, dir.IDs())
	if err != nil {
		return DailySummary{}, infraError("quota snapshot", err)
	}

	now := r.now()
	out := DailySummary{
		GeneratedAt: now,
		ResetAt:     nextUTCMidnight(now),
		Providers:   make(map[string]ProviderSummary, dir.Len()),
	}

	for _, cfg := range dir.Providers() {
		snap := snaps[cfg.ID]
		ps := ProviderSummary{
			Enabled:           cfg.Enabled,
			Reserve:           cfg.Reserve,
			RequestsUsed:      snap.RequestsUsed,
			TokensUsed:        snap.TokensUsed,
			ActiveLeases:      snap.ActiveLeases,
			BudgetRequests:    cfg.DailyBudgetRequests,
			BudgetTokens:      cfg.DailyBudgetTokens,
			RemainingRequests: remaining(cfg.DailyBudgetRequests, snap.RequestsUsed+snap.ActiveLeases),
			RemainingTokens:   remaining(cfg.DailyBudgetTokens, snap.TokensUsed),
			CooldownUntil:     snap.CooldownUntil,
			BlockedUntil:      snap.BlockedUntil,
			ErrorTally:        snap.ErrorTally,
		}
		if derr, ok := r.dead.get(cfg.ID); ok {
			ps.Suspended = true
			ps.SuspendedFor = string(derr.Code)
		}
		out.Providers[cfg.ID] = ps
	}
	return out, nil
}

func remaining(budget, used int64) int64 {
	if budget <= 0 {
		return -1
	}
	rem := budget - used
	if rem < 0 {
		rem = 0
	}
	return rem
}
