// Package redis provides a Redis-backed QuotaStore for airouter.
//
// Counters live in date-keyed hashes, rate windows in expiring counters,
// and leases in a sorted set scored by expiry. Admission runs as one Lua
// script, so the limit checks and the reservation are atomic and the store
// is safe for multi-instance deployments.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/abejarano/airouter"
)

// usage and health keys outlive their day so late commits and summaries
// still land, then fall out on their own.
const stateTTL = 48 * time.Hour

// Store is a Redis-backed QuotaStore.
type Store struct {
	client    goredis.Cmdable
	params    airouter.Params
	keyPrefix string
	now       func() time.Time
}

var _ airouter.QuotaStore = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "airouter:quota:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// WithClock replaces the store's clock. The scripts take the current time
// as an argument, so decisions stay deterministic regardless of server
// clocks; tests use this to pin time.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a Redis-backed quota store. The client must be a connected
// *goredis.Client or *goredis.ClusterClient; params must match the ones
// the Router runs with.
func New(client goredis.Cmdable, params airouter.Params, opts ...Option) *Store {
	s := &Store{
		client:    client,
		params:    params,
		keyPrefix: "airouter:quota:",
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) usageKey(provider string, now time.Time) string {
	return s.keyPrefix + "usage:" + provider + ":" + now.UTC().Format("20060102")
}

func (s *Store) windowKey(provider string, now time.Time) string {
	slice := now.Unix() / s.params.WindowSeconds()
	return s.keyPrefix + "window:" + provider + ":" + strconv.FormatInt(slice, 10)
}

func (s *Store) leasesKey(provider string) string {
	return s.keyPrefix + "leases:" + provider
}

func (s *Store) healthKey(provider string) string {
	return s.keyPrefix + "health:" + provider
}

// reserveScript admits one request or refuses it.
// KEYS[1] = usage hash (date-keyed)
// KEYS[2] = window counter
// KEYS[3] = leases zset (member = token, score = expiry unix ms)
// KEYS[4] = health hash
// ARGV[1] = now (unix ms)
// ARGV[2] = daily request budget (0 = unlimited)
// ARGV[3] = daily token budget (0 = unlimited)
// ARGV[4] = window capacity (0 = unlimited)
// ARGV[5] = max concurrency (0 = unlimited)
// ARGV[6] = lease token
// ARGV[7] = lease expiry (unix ms)
// ARGV[8] = window key TTL (seconds)
// ARGV[9] = leases key TTL (seconds)
//
// Returns "ok" on admission, otherwise the refusal reason.
var reserveScript = goredis.NewScript(`
local now = tonumber(ARGV[1])

-- Health gates come first.
local blocked = tonumber(redis.call("HGET", KEYS[4], "blocked_until_ms") or "0")
if now < blocked then
    return "blocked"
end
local cooldown = tonumber(redis.call("HGET", KEYS[4], "cooldown_until_ms") or "0")
if now < cooldown then
    return "cooldown"
end

-- Purge expired leases, then count the live ones.
redis.call("ZREMRANGEBYSCORE", KEYS[3], "-inf", ARGV[1])
local active = redis.call("ZCARD", KEYS[3])

-- In-flight leases count against the request budget.
local budget_requests = tonumber(ARGV[2])
if budget_requests > 0 then
    local requests = tonumber(redis.call("HGET", KEYS[1], "requests") or "0")
    if requests + active >= budget_requests then
        return "budget-requests"
    end
end

local budget_tokens = tonumber(ARGV[3])
if budget_tokens > 0 then
    local tokens = tonumber(redis.call("HGET", KEYS[1], "tokens") or "0")
    if tokens >= budget_tokens then
        return "budget-tokens"
    end
end

local window_cap = tonumber(ARGV[4])
if window_cap > 0 then
    local window = tonumber(redis.call("GET", KEYS[2]) or "0")
    if window >= window_cap then
        return "rate-limit"
    end
end

local max_concurrency = tonumber(ARGV[5])
if max_concurrency > 0 and active >= max_concurrency then
    return "concurrency"
end

-- Admitted: take a window slot and register the lease.
local window = redis.call("INCR", KEYS[2])
if window == 1 then
    redis.call("EXPIRE", KEYS[2], tonumber(ARGV[8]))
end
redis.call("ZADD", KEYS[3], tonumber(ARGV[7]), ARGV[6])
redis.call("EXPIRE", KEYS[3], tonumber(ARGV[9]))
return "ok"
`)

// commitScript settles a lease and records the usage. Committing a lease
// the purge already dropped still records it: the upstream work happened.
// KEYS[1] = usage hash
// KEYS[2] = leases zset
// KEYS[3] = health hash
// ARGV[1] = lease token
// ARGV[2] = tokens used
// ARGV[3] = usage key TTL (seconds)
var commitScript = goredis.NewScript(`
redis.call("ZREM", KEYS[2], ARGV[1])
redis.call("HINCRBY", KEYS[1], "requests", 1)
redis.call("HINCRBY", KEYS[1], "tokens", tonumber(ARGV[2]))
redis.call("EXPIRE", KEYS[1], tonumber(ARGV[3]))

-- A success walks the error tally back one step.
local tally = tonumber(redis.call("HGET", KEYS[3], "tally") or "0")
if tally > 0 then
    redis.call("HSET", KEYS[3], "tally", tally - 1)
end
return 1
`)

// failureScript bumps the error tally and applies the earned suspension.
// Deadlines only move forward.
// KEYS[1] = health hash
// ARGV[1] = now (unix ms)
// ARGV[2] = tally window (ms)
// ARGV[3] = penalty kind: "block", "cooldown", or "none"
// ARGV[4] = penalty deadline (unix ms)
// ARGV[5] = health key TTL (seconds)
var failureScript = goredis.NewScript(`
local now = tonumber(ARGV[1])

-- Failures outside the tally window restart the count.
local tally_at = tonumber(redis.call("HGET", KEYS[1], "tally_at_ms") or "0")
local tally = tonumber(redis.call("HGET", KEYS[1], "tally") or "0")
if now - tally_at > tonumber(ARGV[2]) then
    tally = 1
else
    tally = tally + 1
end
redis.call("HSET", KEYS[1], "tally", tally, "tally_at_ms", now)

local kind = ARGV[3]
local deadline = tonumber(ARGV[4])
if kind == "block" then
    local cur = tonumber(redis.call("HGET", KEYS[1], "blocked_until_ms") or "0")
    if deadline > cur then
        redis.call("HSET", KEYS[1], "blocked_until_ms", deadline)
    end
elseif kind == "cooldown" then
    local cur = tonumber(redis.call("HGET", KEYS[1], "cooldown_until_ms") or "0")
    if deadline > cur then
        redis.call("HSET", KEYS[1], "cooldown_until_ms", deadline)
    end
end
redis.call("EXPIRE", KEYS[1], tonumber(ARGV[5]))
return tally
`)

// snapshotScript reads one provider's counters without mutating state.
// KEYS[1..4] as in reserveScript; ARGV[1] = now (unix ms).
// Returns {requests, tokens, window, active, cooldown_ms, blocked_ms,
// tally, tally_at_ms, ext_requests, ext_tokens, ext_at_ms}.
var snapshotScript = goredis.NewScript(`
local requests = tonumber(redis.call("HGET", KEYS[1], "requests") or "0")
local tokens = tonumber(redis.call("HGET", KEYS[1], "tokens") or "0")
local window = tonumber(redis.call("GET", KEYS[2]) or "0")
local active = redis.call("ZCOUNT", KEYS[3], "(" .. ARGV[1], "+inf")
local h = redis.call("HMGET", KEYS[4],
    "cooldown_until_ms", "blocked_until_ms", "tally", "tally_at_ms",
    "ext_requests", "ext_tokens", "ext_at_ms")
return {requests, tokens, window, active,
    tonumber(h[1] or "0"), tonumber(h[2] or "0"),
    tonumber(h[3] or "0"), tonumber(h[4] or "0"),
    tonumber(h[5] or "-1"), tonumber(h[6] or "-1"),
    tonumber(h[7] or "0")}
`)

// TryReserve admits one request for the provider or refuses it with a
// *airouter.Refusal.
func (s *Store) TryReserve(ctx context.Context, cfg airouter.ProviderConfig) (airouter.Lease, error) {
	now := s.now()
	token := uuid.New().String()

	keys := []string{
		s.usageKey(cfg.ID, now),
		s.windowKey(cfg.ID, now),
		s.leasesKey(cfg.ID),
		s.healthKey(cfg.ID),
	}
	res, err := reserveScript.Run(ctx, s.client, keys,
		now.UnixMilli(),
		cfg.DailyBudgetRequests,
		cfg.DailyBudgetTokens,
		s.params.WindowCapacity(cfg),
		cfg.MaxConcurrency,
		token,
		now.Add(s.params.LeaseTTL).UnixMilli(),
		2*s.params.WindowSeconds(),
		int64((2 * s.params.LeaseTTL).Seconds()),
	).Text()
	if err != nil {
		return airouter.Lease{}, fmt.Errorf("airouter/redis: reserve: %w", err)
	}

	if res != "ok" {
		return airouter.Lease{}, &airouter.Refusal{Provider: cfg.ID, Reason: airouter.Reason(res)}
	}
	return airouter.Lease{Provider: cfg.ID, Token: token}, nil
}

// Commit settles a lease after a successful call.
func (s *Store) Commit(ctx context.Context, lease airouter.Lease, tokensUsed int64) error {
	now := s.now()
	keys := []string{
		s.usageKey(lease.Provider, now),
		s.leasesKey(lease.Provider),
		s.healthKey(lease.Provider),
	}
	_, err := commitScript.Run(ctx, s.client, keys,
		lease.Token, tokensUsed, int64(stateTTL.Seconds()),
	).Result()
	if err != nil {
		return fmt.Errorf("airouter/redis: commit: %w", err)
	}
	return nil
}

// Release drops a lease without recording usage. The rate-window slot is
// intentionally kept.
func (s *Store) Release(ctx context.Context, lease airouter.Lease) error {
	if err := s.client.ZRem(ctx, s.leasesKey(lease.Provider), lease.Token).Err(); err != nil {
		return fmt.Errorf("airouter/redis: release: %w", err)
	}
	return nil
}

// ApplyFailure records a failed call against the provider's health.
func (s *Store) ApplyFailure(ctx context.Context, provider string, code airouter.Code, status int) error {
	now := s.now()

	kind := "none"
	var deadline int64
	if until, block, ok := s.params.FailurePenalty(now, code, status); ok {
		kind = "cooldown"
		if block {
			kind = "block"
		}
		deadline = until.UnixMilli()
	}

	_, err := failureScript.Run(ctx, s.client, []string{s.healthKey(provider)},
		now.UnixMilli(),
		s.params.ErrorTallyWindow.Milliseconds(),
		kind,
		deadline,
		int64(stateTTL.Seconds()),
	).Result()
	if err != nil {
		return fmt.Errorf("airouter/redis: apply failure: %w", err)
	}
	return nil
}

// ApplySuccessSignal records backend-reported remaining quota.
func (s *Store) ApplySuccessSignal(ctx context.Context, provider string, hint airouter.RemainingHint) error {
	key := s.healthKey(provider)
	_, err := s.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"ext_requests", hint.RemainingRequests,
			"ext_tokens", hint.RemainingTokens,
			"ext_at_ms", s.now().UnixMilli(),
		)
		pipe.Expire(ctx, key, stateTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("airouter/redis: apply success signal: %w", err)
	}
	return nil
}

// Snapshot returns the provider's current counters.
func (s *Store) Snapshot(ctx context.Context, provider string) (airouter.Snapshot, error) {
	now := s.now()
	keys := []string{
		s.usageKey(provider, now),
		s.windowKey(provider, now),
		s.leasesKey(provider),
		s.healthKey(provider),
	}
	vals, err := snapshotScript.Run(ctx, s.client, keys, now.UnixMilli()).Int64Slice()
	if err != nil {
		return airouter.Snapshot{}, fmt.Errorf("airouter/redis: snapshot: %w", err)
	}
	if len(vals) != 11 {
		return airouter.Snapshot{}, fmt.Errorf("airouter/redis: snapshot: unexpected result length %d", len(vals))
	}

	snap := airouter.Snapshot{
		RequestsUsed:         vals[0],
		TokensUsed:           vals[1],
		WindowCount:          vals[2],
		ActiveLeases:         vals[3],
		ErrorTally:           vals[6],
		ExtRemainingRequests: vals[8],
		ExtRemainingTokens:   vals[9],
	}
	if vals[4] > 0 {
		snap.CooldownUntil = time.UnixMilli(vals[4])
	}
	if vals[5] > 0 {
		snap.BlockedUntil = time.UnixMilli(vals[5])
	}
	if vals[10] > 0 {
		snap.ExtUpdatedAt = time.UnixMilli(vals[10])
	}

	// Tally entries outside the window stop counting.
	if tallyAt := vals[7]; tallyAt > 0 && now.UnixMilli()-tallyAt > s.params.ErrorTallyWindow.Milliseconds() {
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
