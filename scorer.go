package airouter

import (
	"sort"
	"time"
)

// Candidate pairs a provider config with the ledger snapshot and score the
// ranking assigned to it.
type Candidate struct {
	Config   ProviderConfig
	Snapshot Snapshot
	Score    float64
}

// Scorer turns ledger snapshots into an ordered candidate list. It is pure
// computation over its inputs; all shared state lives in the quota store.
type Scorer struct {
	params Params
}

// NewScorer creates a Scorer with the given tuning.
func NewScorer(params Params) *Scorer {
	return &Scorer{params: params}
}

// Rank evaluates the pool against the snapshots and returns the providers
// worth trying, best first. Disabled providers and providers whose
// snapshot would be refused by the store are left out, except that a full
// concurrency slot does not exclude: in-flight bursts drain quickly and
// the reservation step re-checks anyway. The reserve provider joins only
// when the reserve policy admits it or no primary survived.
func (s *Scorer) Rank(pool []ProviderConfig, snaps map[string]Snapshot, now time.Time) []Candidate {
	var (
		primaries []Candidate
		ratios    []float64
		reserve   *ProviderConfig
	)

	for _, cfg := range pool {
		if !cfg.Enabled {
			continue
		}
		if cfg.Reserve {
			c := cfg
			reserve = &c
			continue
		}
		snap := snaps[cfg.ID]
		ratios = append(ratios, budgetRatio(cfg, snap))
		if _, refused := refusalReason(cfg, snap, now, s.params); refused {
			continue
		}
		primaries = append(primaries, Candidate{
			Config:   cfg,
			Snapshot: snap,
			Score:    s.score(cfg, snap, now),
		})
	}

	sortCandidates(primaries)

	if reserve == nil {
		return primaries
	}
	rsnap := snaps[reserve.ID]
	if _, refused := refusalReason(*reserve, rsnap, now, s.params); refused {
		return primaries
	}

	admit := len(primaries) == 0
	if !admit && s.params.Reserve.Enabled {
		admit = s.params.Reserve.Admit(now, nextUTCMidnight(now), ratios)
	}
	if !admit {
		return primaries
	}

	ranked := append(primaries, Candidate{
		Config:   *reserve,
		Snapshot: rsnap,
		Score:    s.score(*reserve, rsnap, now),
	})
	sortCandidates(ranked)
	return ranked
}

// score is the provider's configured priority minus accumulated penalties.
func (s *Scorer) score(cfg ProviderConfig, snap Snapshot, now time.Time) float64 {
	score := float64(cfg.Priority)
	score -= s.params.ErrorPenalty * float64(snap.ErrorTally)
	if s.hintLow(snap, now) {
		score -= s.params.HintPenalty
	}
	return score
}

// hintLow reports whether a fresh backend hint says the provider is close
// to exhaustion. Hints from before the current UTC day are stale: the
// backend's own budget has reset since.
func (s *Scorer) hintLow(snap Snapshot, now time.Time) bool {
	if snap.ExtUpdatedAt.IsZero() || snap.ExtRemainingRequests < 0 {
		return false
	}
	u := now.UTC()
	dayStart := time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
	if snap.ExtUpdatedAt.Before(dayStart) {
		return false
	}
	return snap.ExtRemainingRequests < s.params.ExtRemainingLowThreshold
}

// refusalReason mirrors the store's admission checks against a snapshot.
// Concurrency is deliberately absent, per Rank's contract.
func refusalReason(cfg ProviderConfig, snap Snapshot, now time.Time, p Params) (Reason, bool) {
	if !snap.BlockedUntil.IsZero() && now.Before(snap.BlockedUntil) {
		return ReasonBlocked, true
	}
	if !snap.CooldownUntil.IsZero() && now.Before(snap.CooldownUntil) {
		return ReasonCooldown, true
	}
	if cfg.DailyBudgetRequests > 0 && snap.RequestsUsed+snap.ActiveLeases >= cfg.DailyBudgetRequests {
		return ReasonBudgetRequests, true
	}
	if cfg.DailyBudgetTokens > 0 && snap.TokensUsed >= cfg.DailyBudgetTokens {
		return ReasonBudgetTokens, true
	}
	if cap := p.WindowCapacity(cfg); cap > 0 && snap.WindowCount >= cap {
		return ReasonRateLimited, true
	}
	return "", false
}

// budgetRatio is the fraction of a primary's daily budget still unused.
// Requests are the reference dimension; tokens stand in when only a token
// budget is configured. Providers without budgets report 1.
func budgetRatio(cfg ProviderConfig, snap Snapshot) float64 {
	switch {
	case cfg.DailyBudgetRequests > 0:
		rem := float64(cfg.DailyBudgetRequests-snap.RequestsUsed-snap.ActiveLeases) / float64(cfg.DailyBudgetRequests)
		if rem < 0 {
			rem = 0
		}
		return rem
	case cfg.DailyBudgetTokens > 0:
		rem := float64(cfg.DailyBudgetTokens-snap.TokensUsed) / float64(cfg.DailyBudgetTokens)
		if rem < 0 {
			rem = 0
		}
		return rem
	default:
		return 1
	}
}

// sortCandidates orders by score descending, then id ascending so equal
// scores rank deterministically.
func sortCandidates(cs []Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].Score != cs[j].Score {
			return cs[i].Score > cs[j].Score
		}
		return cs[i].Config.ID < cs[j].Config.ID
	})
}
