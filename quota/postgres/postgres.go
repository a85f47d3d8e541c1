// Package postgres provides a PostgreSQL-backed QuotaStore for airouter.
//
// Counters live in date-keyed rows, leases in their own table, and health
// state per provider. Admission runs in a transaction serialized per
// provider with an advisory lock, so the limit checks and the reservation
// are atomic across router instances and durable across restarts.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/abejarano/airouter"
)

// Store is a PostgreSQL-backed QuotaStore.
type Store struct {
	pool        *pgxpool.Pool
	params      airouter.Params
	tablePrefix string
	now         func() time.Time
}

var _ airouter.QuotaStore = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "airouter_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// WithClock replaces the store's clock. Tests use it to pin time.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a PostgreSQL-backed quota store. Params must match the ones
// the Router runs with.
func New(pool *pgxpool.Pool, params airouter.Params, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		params:      params,
		tablePrefix: "airouter_",
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) usageTable() string   { return s.tablePrefix + "usage" }
func (s *Store) windowsTable() string { return s.tablePrefix + "windows" }
func (s *Store) leasesTable() string  { return s.tablePrefix + "leases" }
func (s *Store) healthTable() string  { return s.tablePrefix + "health" }

// EnsureSchema creates the required tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			provider TEXT NOT NULL,
			day TEXT NOT NULL,
			requests BIGINT NOT NULL DEFAULT 0,
			tokens BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (provider, day)
		);
		CREATE TABLE IF NOT EXISTS %s (
			provider TEXT NOT NULL,
			slice BIGINT NOT NULL,
			count BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (provider, slice)
		);
		CREATE TABLE IF NOT EXISTS %s (
			token TEXT PRIMARY KEY,
			provider TEXT NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS %s_provider_idx ON %s (provider, expires_at);
		CREATE TABLE IF NOT EXISTS %s (
			provider TEXT PRIMARY KEY,
			cooldown_until TIMESTAMPTZ,
			blocked_until TIMESTAMPTZ,
			tally BIGINT NOT NULL DEFAULT 0,
			tally_at TIMESTAMPTZ,
			ext_requests BIGINT NOT NULL DEFAULT -1,
			ext_tokens BIGINT NOT NULL DEFAULT -1,
			ext_at TIMESTAMPTZ
		);
	`, s.usageTable(), s.windowsTable(), s.leasesTable(),
		s.leasesTable(), s.leasesTable(), s.healthTable())
	if _, err := s.pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("airouter/postgres: ensure schema: %w", err)
	}
	return nil
}

// day returns the UTC date key the daily counters live under.
func day(now time.Time) string {
	return now.UTC().Format("20060102")
}

// TryReserve admits one request for the provider or refuses it with a
// *airouter.Refusal. The whole decision runs in one transaction under a
// per-provider advisory lock.
func (s *Store) TryReserve(ctx context.Context, cfg airouter.ProviderConfig) (airouter.Lease, error) {
	now := s.now()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return airouter.Lease{}, fmt.Errorf("airouter/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, cfg.ID); err != nil {
		return airouter.Lease{}, fmt.Errorf("airouter/postgres: advisory lock: %w", err)
	}

	// Health gates come first.
	var cooldownUntil, blockedUntil *time.Time
	err = tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT cooldown_until, blocked_until FROM %s WHERE provider = $1`, s.healthTable()),
		cfg.ID,
	).Scan(&cooldownUntil, &blockedUntil)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return airouter.Lease{}, fmt.Errorf("airouter/postgres: read health: %w", err)
	}
	if blockedUntil != nil && now.Before(*blockedUntil) {
		return airouter.Lease{}, &airouter.Refusal{Provider: cfg.ID, Reason: airouter.ReasonBlocked}
	}
	if cooldownUntil != nil && now.Before(*cooldownUntil) {
		return airouter.Lease{}, &airouter.Refusal{Provider: cfg.ID, Reason: airouter.ReasonCooldown}
	}

	// Purge expired leases, then count the live ones.
	if _, err := tx.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE provider = $1 AND expires_at <= $2`, s.leasesTable()),
		cfg.ID, now,
	); err != nil {
		return airouter.Lease{}, fmt.Errorf("airouter/postgres: purge leases: %w", err)
	}

	var active int64
	err = tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE provider = $1`, s.leasesTable()),
		cfg.ID,
	).Scan(&active)
	if err != nil {
		return airouter.Lease{}, fmt.Errorf("airouter/postgres: count leases: %w", err)
	}

	var requests, tokens int64
	err = tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT requests, tokens FROM %s WHERE provider = $1 AND day = $2`, s.usageTable()),
		cfg.ID, day(now),
	).Scan(&requests, &tokens)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return airouter.Lease{}, fmt.Errorf("airouter/postgres: read usage: %w", err)
	}

	// In-flight leases count against the request budget.
	if cfg.DailyBudgetRequests > 0 && requests+active >= cfg.DailyBudgetRequests {
		return airouter.Lease{}, &airouter.Refusal{Provider: cfg.ID, Reason: airouter.ReasonBudgetRequests}
	}
	if cfg.DailyBudgetTokens > 0 && tokens >= cfg.DailyBudgetTokens {
		return airouter.Lease{}, &airouter.Refusal{Provider: cfg.ID, Reason: airouter.ReasonBudgetTokens}
	}

	slice := now.Unix() / s.params.WindowSeconds()
	if cap := s.params.WindowCapacity(cfg); cap > 0 {
		var window int64
		err = tx.QueryRow(ctx,
			fmt.Sprintf(`SELECT count FROM %s WHERE provider = $1 AND slice = $2`, s.windowsTable()),
			cfg.ID, slice,
		).Scan(&window)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return airouter.Lease{}, fmt.Errorf("airouter/postgres: read window: %w", err)
		}
		if window >= cap {
			return airouter.Lease{}, &airouter.Refusal{Provider: cfg.ID, Reason: airouter.ReasonRateLimited}
		}
	}

	if cfg.MaxConcurrency > 0 && active >= cfg.MaxConcurrency {
		return airouter.Lease{}, &airouter.Refusal{Provider: cfg.ID, Reason: airouter.ReasonConcurrency}
	}

	// Admitted: take a window slot and register the lease.
	if _, err := tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (provider, slice, count) VALUES ($1, $2, 1)
			ON CONFLICT (provider, slice) DO UPDATE SET count = %s.count + 1`,
			s.windowsTable(), s.windowsTable()),
		cfg.ID, slice,
	); err != nil {
		return airouter.Lease{}, fmt.Errorf("airouter/postgres: bump window: %w", err)
	}

	token := uuid.New().String()
	if _, err := tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (token, provider, expires_at) VALUES ($1, $2, $3)`, s.leasesTable()),
		token, cfg.ID, now.Add(s.params.LeaseTTL),
	); err != nil {
		return airouter.Lease{}, fmt.Errorf("airouter/postgres: insert lease: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return airouter.Lease{}, fmt.Errorf("airouter/postgres: commit tx: %w", err)
	}
	return airouter.Lease{Provider: cfg.ID, Token: token}, nil
}

// Commit settles a lease after a successful call. A lease the purge
// already dropped still records its usage: the upstream work happened.
func (s *Store) Commit(ctx context.Context, lease airouter.Lease, tokensUsed int64) error {
	now := s.now()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("airouter/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, lease.Provider); err != nil {
		return fmt.Errorf("airouter/postgres: advisory lock: %w", err)
	}

	if _, err := tx.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE token = $1`, s.leasesTable()),
		lease.Token,
	); err != nil {
		return fmt.Errorf("airouter/postgres: drop lease: %w", err)
	}

	if _, err := tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (provider, day, requests, tokens) VALUES ($1, $2, 1, $3)
			ON CONFLICT (provider, day) DO UPDATE
			SET requests = %s.requests + 1, tokens = %s.tokens + $3`,
			s.usageTable(), s.usageTable(), s.usageTable()),
		lease.Provider, day(now), tokensUsed,
	); err != nil {
		return fmt.Errorf("airouter/postgres: record usage: %w", err)
	}

	// A success walks the error tally back one step.
	if _, err := tx.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET tally = GREATEST(tally - 1, 0) WHERE provider = $1`, s.healthTable()),
		lease.Provider,
	); err != nil {
		return fmt.Errorf("airouter/postgres: decay tally: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("airouter/postgres: commit tx: %w", err)
	}
	return nil
}

// Release drops a lease without recording usage. The rate-window slot is
// intentionally kept.
func (s *Store) Release(ctx context.Context, lease airouter.Lease) error {
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE token = $1`, s.leasesTable()),
		lease.Token,
	)
	if err != nil {
		return fmt.Errorf("airouter/postgres: release: %w", err)
	}
	return nil
}

// ApplyFailure records a failed call against the provider's health.
// Deadlines only move forward; GREATEST ignores the NULL side.
func (s *Store) ApplyFailure(ctx context.Context, provider string, code airouter.Code, status int) error {
	now := s.now()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("airouter/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, provider); err != nil {
		return fmt.Errorf("airouter/postgres: advisory lock: %w", err)
	}

	var tally int64
	var tallyAt *time.Time
	err = tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT tally, tally_at FROM %s WHERE provider = $1`, s.healthTable()),
		provider,
	).Scan(&tally, &tallyAt)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("airouter/postgres: read health: %w", err)
	}

	// Failures outside the tally window restart the count.
	if tallyAt == nil || now.Sub(*tallyAt) > s.params.ErrorTallyWindow {
		tally = 1
	} else {
		tally++
	}

	var cooldown, blocked *time.Time
	if until, block, ok := s.params.FailurePenalty(now, code, status); ok {
		if block {
			blocked = &until
		} else {
			cooldown = &until
		}
	}

	if _, err := tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (provider, tally, tally_at, cooldown_until, blocked_until)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (provider) DO UPDATE SET
				tally = EXCLUDED.tally,
				tally_at = EXCLUDED.tally_at,
				cooldown_until = GREATEST(%s.cooldown_until, EXCLUDED.cooldown_until),
				blocked_until = GREATEST(%s.blocked_until, EXCLUDED.blocked_until)`,
			s.healthTable(), s.healthTable(), s.healthTable()),
		provider, tally, now, cooldown, blocked,
	); err != nil {
		return fmt.Errorf("airouter/postgres: record failure: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("airouter/postgres: commit tx: %w", err)
	}
	return nil
}

// ApplySuccessSignal records backend-reported remaining quota.
func (s *Store) ApplySuccessSignal(ctx context.Context, provider string, hint airouter.RemainingHint) error {
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (provider, ext_requests, ext_tokens, ext_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (provider) DO UPDATE SET
				ext_requests = EXCLUDED.ext_requests,
				ext_tokens = EXCLUDED.ext_tokens,
				ext_at = EXCLUDED.ext_at`,
			s.healthTable()),
		provider, hint.RemainingRequests, hint.RemainingTokens, s.now(),
	)
	if err != nil {
		return fmt.Errorf("airouter/postgres: apply success signal: %w", err)
	}
	return nil
}

// Snapshot returns the provider's current counters in one consistent read.
func (s *Store) Snapshot(ctx context.Context, provider string) (airouter.Snapshot, error) {
	now := s.now()
	slice := now.Unix() / s.params.WindowSeconds()

	q := fmt.Sprintf(`SELECT
		COALESCE((SELECT requests FROM %[1]s WHERE provider = $1 AND day = $2), 0),
		COALESCE((SELECT tokens FROM %[1]s WHERE provider = $1 AND day = $2), 0),
		COALESCE((SELECT count FROM %[2]s WHERE provider = $1 AND slice = $3), 0),
		(SELECT COUNT(*) FROM %[3]s WHERE provider = $1 AND expires_at > $4),
		(SELECT cooldown_until FROM %[4]s WHERE provider = $1),
		(SELECT blocked_until FROM %[4]s WHERE provider = $1),
		COALESCE((SELECT tally FROM %[4]s WHERE provider = $1), 0),
		(SELECT tally_at FROM %[4]s WHERE provider = $1),
		COALESCE((SELECT ext_requests FROM %[4]s WHERE provider = $1), -1),
		COALESCE((SELECT ext_tokens FROM %[4]s WHERE provider = $1), -1),
		(SELECT ext_at FROM %[4]s WHERE provider = $1)`,
		s.usageTable(), s.windowsTable(), s.leasesTable(), s.healthTable())

	var snap airouter.Snapshot
	var cooldownUntil, blockedUntil, tallyAt, extAt *time.Time
	err := s.pool.QueryRow(ctx, q, provider, day(now), slice, now).Scan(
		&snap.RequestsUsed, &snap.TokensUsed, &snap.WindowCount, &snap.ActiveLeases,
		&cooldownUntil, &blockedUntil, &snap.ErrorTally, &tallyAt,
		&snap.ExtRemainingRequests, &snap.ExtRemainingTokens, &extAt,
	)
	if err != nil {
		return airouter.Snapshot{}, fmt.Errorf("airouter/postgres: snapshot: %w", err)
	}

	if cooldownUntil != nil {
		snap.CooldownUntil = *cooldownUntil
	}
	if blockedUntil != nil {
		snap.BlockedUntil = *blockedUntil
	}
	if extAt != nil {
		snap.ExtUpdatedAt = *extAt
	}

	// Tally entries outside the window stop counting.
	if tallyAt != nil && now.Sub(*tallyAt) > s.params.ErrorTallyWindow {
		snap.ErrorTally = 0
	}
	return snap, nil
}

// SnapshotAll returns snapshots for all named providers.
func (s *Store) SnapshotAll(ctx context.Context, providers []string) (map[string]airouter.Snapshot, error) {
	out := make(map[string]airouter.Snapshot, len(providers))
	for _, p := range providers {
		snap, err := s.Snapshot(ctx, p)
		if err != nil {
			return nil, err
		}
		out[p] = snap
	}
	return out, nil
}

// Cleanup removes rows that stopped mattering: usage and window rows older
// than the cutoff, and leases that expired before it. It returns the number
// of rows removed, for operators running it on a schedule.
func (s *Store) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := s.now().Add(-olderThan)
	cutoffDay := day(cutoff)
	cutoffSlice := cutoff.Unix() / s.params.WindowSeconds()

	var total int64
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE day < $1`, s.usageTable()), cutoffDay)
	if err != nil {
		return 0, fmt.Errorf("airouter/postgres: cleanup usage: %w", err)
	}
	total += tag.RowsAffected()

	tag, err = s.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE slice < $1`, s.windowsTable()), cutoffSlice)
	if err != nil {
		return 0, fmt.Errorf("airouter/postgres: cleanup windows: %w", err)
	}
	total += tag.RowsAffected()

	tag, err = s.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE expires_at <= $1`, s.leasesTable()), cutoff)
	if err != nil {
		return 0, fmt.Errorf("airouter/postgres: cleanup leases: %w", err)
	}
	total += tag.RowsAffected()

	return total, nil
}
