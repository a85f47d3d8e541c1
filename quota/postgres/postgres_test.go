//go:build integration

package postgres_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/abejarano/airouter"
	quotapg "github.com/abejarano/airouter/quota/postgres"
)

func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		dsn = "postgres://localhost:5432/airouter_test?sslmode=disable"
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("pgxpool: %v", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		t.Fatalf("postgres not available: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	return pool
}

func newTestStore(t *testing.T, pool *pgxpool.Pool, params airouter.Params) *quotapg.Store {
	t.Helper()
	// Use a unique prefix per test to avoid collisions.
	prefix := fmt.Sprintf("test_%s_", t.Name())
	s := quotapg.New(pool, params, quotapg.WithTablePrefix(prefix))

	ctx := context.Background()
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	t.Cleanup(func() {
		pool.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %susage, %swindows, %sleases, %shealth",
			prefix, prefix, prefix, prefix))
	})
	return s
}

func testConfig(id string) airouter.ProviderConfig {
	return airouter.ProviderConfig{
		ID:                   id,
		DailyBudgetRequests:  100,
		DailyBudgetTokens:    100_000,
		MaxConcurrency:       10,
		MaxRequestsPerMinute: 60,
		Enabled:              true,
	}
}

func refusalReason(t *testing.T, err error) airouter.Reason {
	t.Helper()
	var refusal *airouter.Refusal
	if !errors.As(err, &refusal) {
		t.Fatalf("expected *Refusal, got %v", err)
	}
	return refusal.Reason
}

func TestReserveAndCommit(t *testing.T) {
	pool := newTestPool(t)
	store := newTestStore(t, pool, airouter.DefaultParams())
	ctx := context.Background()

	lease, err := store.TryReserve(ctx, testConfig("alpha"))
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if lease.Provider != "alpha" || lease.Token == "" {
		t.Fatalf("unexpected lease: %+v", lease)
	}

	if err := store.Commit(ctx, lease, 300); err != nil {
		t.Fatalf("commit: %v", err)
	}

	snap, err := store.Snapshot(ctx, "alpha")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.RequestsUsed != 1 {
		t.Fatalf("expected 1 request, got %d", snap.RequestsUsed)
	}
	if snap.TokensUsed != 300 {
		t.Fatalf("expected 300 tokens, got %d", snap.TokensUsed)
	}
	if snap.ActiveLeases != 0 {
		t.Fatalf("expected no active leases, got %d", snap.ActiveLeases)
	}
}

func TestBudgetRefusal(t *testing.T) {
	pool := newTestPool(t)
	store := newTestStore(t, pool, airouter.DefaultParams())
	ctx := context.Background()

	cfg := testConfig("alpha")
	cfg.DailyBudgetRequests = 1

	lease, err := store.TryReserve(ctx, cfg)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := store.Commit(ctx, lease, 10); err != nil {
		t.Fatalf("commit: %v", err)
	}

	_, err = store.TryReserve(ctx, cfg)
	if got := refusalReason(t, err); got != airouter.ReasonBudgetRequests {
		t.Fatalf("expected budget-requests refusal, got %s", got)
	}
}

func TestReleaseKeepsWindowSlot(t *testing.T) {
	pool := newTestPool(t)
	store := newTestStore(t, pool, airouter.DefaultParams())
	ctx := context.Background()

	cfg := testConfig("alpha")
	cfg.MaxRequestsPerMinute = 1

	lease, err := store.TryReserve(ctx, cfg)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := store.Release(ctx, lease); err != nil {
		t.Fatalf("release: %v", err)
	}

	snap, err := store.Snapshot(ctx, "alpha")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.ActiveLeases != 0 {
		t.Fatalf("expected no active leases, got %d", snap.ActiveLeases)
	}
	if snap.WindowCount != 1 {
		t.Fatalf("expected window count 1, got %d", snap.WindowCount)
	}
	if snap.RequestsUsed != 0 {
		t.Fatalf("release must not record usage, got %d requests", snap.RequestsUsed)
	}

	_, err = store.TryReserve(ctx, cfg)
	if got := refusalReason(t, err); got != airouter.ReasonRateLimited {
		t.Fatalf("expected rate-limit refusal, got %s", got)
	}
}

func TestConcurrentReservesNoOverAllocation(t *testing.T) {
	pool := newTestPool(t)
	store := newTestStore(t, pool, airouter.DefaultParams())
	ctx := context.Background()

	cfg := testConfig("alpha")
	cfg.MaxConcurrency = 10
	cfg.MaxRequestsPerMinute = 0
	cfg.DailyBudgetRequests = 0
	cfg.DailyBudgetTokens = 0

	var wg sync.WaitGroup
	var granted atomic.Int64

	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.TryReserve(ctx, cfg); err == nil {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	if granted.Load() != 10 {
		t.Fatalf("expected exactly 10 granted reserves, got %d", granted.Load())
	}
}

func TestLeaseExpiry(t *testing.T) {
	pool := newTestPool(t)
	params := airouter.DefaultParams()
	params.LeaseTTL = 200 * time.Millisecond
	store := newTestStore(t, pool, params)
	ctx := context.Background()

	cfg := testConfig("alpha")
	cfg.MaxConcurrency = 1
	cfg.MaxRequestsPerMinute = 0

	if _, err := store.TryReserve(ctx, cfg); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := store.TryReserve(ctx, cfg); err == nil {
		t.Fatal("expected concurrency refusal, got nil")
	}

	time.Sleep(300 * time.Millisecond)

	if _, err := store.TryReserve(ctx, cfg); err != nil {
		t.Fatalf("expected reserve after lease expiry, got: %v", err)
	}
}

func TestFailureCooldownAndBlock(t *testing.T) {
	pool := newTestPool(t)
	params := airouter.DefaultParams()
	params.RateLimitCooldown = 200 * time.Millisecond
	store := newTestStore(t, pool, params)
	ctx := context.Background()

	if err := store.ApplyFailure(ctx, "alpha", airouter.CodeLimitExceeded, 429); err != nil {
		t.Fatalf("apply failure: %v", err)
	}
	_, err := store.TryReserve(ctx, testConfig("alpha"))
	if got := refusalReason(t, err); got != airouter.ReasonCooldown {
		t.Fatalf("expected cooldown refusal, got %s", got)
	}

	time.Sleep(300 * time.Millisecond)
	if _, err := store.TryReserve(ctx, testConfig("alpha")); err != nil {
		t.Fatalf("expected reserve after cooldown, got: %v", err)
	}

	// 402 blocks the provider for the payment window.
	if err := store.ApplyFailure(ctx, "beta", airouter.CodeProviderError, 402); err != nil {
		t.Fatalf("apply failure: %v", err)
	}
	_, err = store.TryReserve(ctx, testConfig("beta"))
	if got := refusalReason(t, err); got != airouter.ReasonBlocked {
		t.Fatalf("expected blocked refusal, got %s", got)
	}
}

func TestSuccessSignal(t *testing.T) {
	pool := newTestPool(t)
	store := newTestStore(t, pool, airouter.DefaultParams())
	ctx := context.Background()

	hint := airouter.RemainingHint{RemainingRequests: 55, RemainingTokens: 7000}
	if err := store.ApplySuccessSignal(ctx, "alpha", hint); err != nil {
		t.Fatalf("apply success signal: %v", err)
	}

	snap, err := store.Snapshot(ctx, "alpha")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.ExtRemainingRequests != 55 || snap.ExtRemainingTokens != 7000 {
		t.Fatalf("unexpected ext hint: %+v", snap)
	}
	if snap.ExtUpdatedAt.IsZero() {
		t.Fatal("expected ext timestamp to be set")
	}
}

func TestTablePrefixIsolation(t *testing.T) {
	pool := newTestPool(t)
	ctx := context.Background()

	s1 := quotapg.New(pool, airouter.DefaultParams(), quotapg.WithTablePrefix("test_iso1_"))
	s2 := quotapg.New(pool, airouter.DefaultParams(), quotapg.WithTablePrefix("test_iso2_"))

	if err := s1.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema s1: %v", err)
	}
	if err := s2.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema s2: %v", err)
	}
	t.Cleanup(func() {
		pool.Exec(ctx, "DROP TABLE IF EXISTS test_iso1_usage, test_iso1_windows, test_iso1_leases, test_iso1_health, "+
			"test_iso2_usage, test_iso2_windows, test_iso2_leases, test_iso2_health")
	})

	lease, err := s1.TryReserve(ctx, testConfig("alpha"))
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := s1.Commit(ctx, lease, 77); err != nil {
		t.Fatalf("commit: %v", err)
	}

	snap1, _ := s1.Snapshot(ctx, "alpha")
	snap2, _ := s2.Snapshot(ctx, "alpha")
	if snap1.RequestsUsed != 1 {
		t.Fatalf("s1 expected 1 request, got %d", snap1.RequestsUsed)
	}
	if snap2.RequestsUsed != 0 {
		t.Fatalf("s2 expected 0 requests, got %d", snap2.RequestsUsed)
	}
}

func TestCleanup(t *testing.T) {
	pool := newTestPool(t)
	store := newTestStore(t, pool, airouter.DefaultParams())
	ctx := context.Background()

	// Seed stale rows directly.
	prefix := fmt.Sprintf("test_%s_", t.Name())
	oldDay := time.Now().UTC().AddDate(0, 0, -7).Format("20060102")
	if _, err := pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %susage (provider, day, requests, tokens) VALUES ('alpha', $1, 5, 500)`, prefix),
		oldDay,
	); err != nil {
		t.Fatalf("seed usage: %v", err)
	}
	if _, err := pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %sleases (token, provider, expires_at) VALUES ('stale', 'alpha', $1)`, prefix),
		time.Now().UTC().Add(-48*time.Hour),
	); err != nil {
		t.Fatalf("seed lease: %v", err)
	}

	// A fresh reservation must survive the sweep.
	if _, err := store.TryReserve(ctx, testConfig("alpha")); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	deleted, err := store.Cleanup(ctx, 72*time.Hour)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("expected 2 rows removed, got %d", deleted)
	}

	snap, err := store.Snapshot(ctx, "alpha")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.ActiveLeases != 1 {
		t.Fatalf("expected the fresh lease to survive, got %d", snap.ActiveLeases)
	}
}
