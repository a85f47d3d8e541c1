package airouter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// Router routes structured-generation requests across the provider pool.
// All quota decisions go through the store, so any number of Router
// instances in any number of processes can share one pool safely.
type Router struct {
	dir      atomic.Pointer[Directory]
	store    QuotaStore
	scorer   *Scorer
	meter    Meter
	params   Params
	adapters map[string]Provider
	dead     *deadList
	now      func() time.Time
}

// Option configures a Router.
type Option func(*Router)

// WithMeter sets the meter.
func WithMeter(m Meter) Option {
	return func(r *Router) { r.meter = m }
}

// WithParams replaces the default tuning.
func WithParams(p Params) Option {
	return func(r *Router) { r.params = p }
}

// WithClock replaces the router's clock. Tests use it to pin time.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// NewRouter creates a Router over the given pool, quota store, and
// adapters. Each adapter serves the provider entry whose id matches its
// Name; entries without an adapter fail with CONFIG_ERROR when reached.
func NewRouter(dir *Directory, store QuotaStore, adapters []Provider, opts ...Option) (*Router, error) {
	if dir == nil || dir.Len() == 0 {
		return nil, fmt.Errorf("airouter: a provider directory is required")
	}
	if store == nil {
		return nil, fmt.Errorf("airouter: a quota store is required")
	}

	amap := make(map[string]Provider, len(adapters))
	for _, a := range adapters {
		amap[strings.ToLower(strings.TrimSpace(a.Name()))] = a
	}

	r := &Router{
		store:    store,
		adapters: amap,
		params:   DefaultParams(),
		dead:     newDeadList(),
		now:      time.Now,
	}
	r.dir.Store(dir)

	for _, opt := range opts {
		opt(r)
	}

	if err := r.params.Validate(); err != nil {
		return nil, err
	}
	if r.meter == nil {
		r.meter = noopMeter{}
	}
	r.scorer = NewScorer(r.params)

	return r, nil
}

// Directory returns the current provider pool view.
func (r *Router) Directory() *Directory {
	return r.dir.Load()
}

// ReplaceDirectory swaps the provider pool. Requests in flight finish on
// the view they started with. Process-lifetime suspensions are lifted for
// providers whose credential or model changed, since the recorded failure
// no longer applies to the new entry.
func (r *Router) ReplaceDirectory(dir *Directory) {
	old := r.dir.Swap(dir)
	if old == nil {
		return
	}
	for _, c := range dir.Providers() {
		prev, ok := old.Get(c.ID)
		if !ok || prev.APIKey != c.APIKey || prev.Model != c.Model {
			r.dead.forget(c.ID)
		}
	}
}

// Execute routes one request. Candidates are tried in rank order until one
// succeeds, the context ends, or the pool is exhausted. Per-provider
// failures are absorbed and drive fallback; only total exhaustion or an
// unreachable quota store surfaces to the caller.
func (r *Router) Execute(ctx context.Context, req Request) (*Result, error) {
	dir := r.dir.Load()

	snaps, err := r.store.SnapshotAll(ctx, dir.IDs())
	if err != nil {
		return nil, infraError("quota snapshot", err)
	}

	pool := make([]ProviderConfig, 0, dir.Len())
	for _, cfg := range dir.Providers() {
		if r.dead.contains(cfg.ID) {
			continue
		}
		pool = append(pool, cfg)
	}

	ranked := r.scorer.Rank(pool, snaps, r.now())

	var lastErr *Error
	attempts := 0
	for _, cand := range ranked {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		cfg := cand.Config

		adapter, ok := r.adapters[cfg.ID]
		if !ok {
			lastErr = &Error{Code: CodeConfigError, Provider: cfg.ID, Message: "no adapter registered"}
			r.dead.mark(cfg.ID, lastErr)
			continue
		}
		if cfg.APIKey == "" || cfg.Model == "" {
			lastErr = &Error{Code: CodeConfigError, Provider: cfg.ID, Message: "api key or model not configured"}
			r.dead.mark(cfg.ID, lastErr)
			continue
		}

		lease, err := r.store.TryReserve(ctx, cfg)
		if err != nil {
			var ref *Refusal
			if errors.As(err, &ref) {
				r.meter.OnSkip(SkipEvent{Provider: cfg.ID, Reason: ref.Reason})
				continue
			}
			return nil, infraError("quota reserve", err)
		}

		attempts++
		r.meter.OnRoute(RouteEvent{Provider: cfg.ID, Model: cfg.Model, Attempt: attempts})

		res, aerr := r.attempt(ctx, adapter, cfg, req, lease, attempts)
		if aerr == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = aerr
		_ = r.store.ApplyFailure(context.WithoutCancel(ctx), cfg.ID, aerr.Code, aerr.Status)
		if aerr.Code == CodeAuthError || aerr.Code == CodeConfigError {
			r.dead.mark(cfg.ID, aerr)
		}
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, &Error{
		Code:    CodeLimitExceeded,
		Message: "all providers are disabled, exhausted, or unavailable",
	}
}

// attempt runs one admitted try against a provider and settles the lease
// on every exit path: Commit after success, Release otherwise, including
// panics and caller cancellation.
func (r *Router) attempt(ctx context.Context, adapter Provider, cfg ProviderConfig, req Request, lease Lease, attempts int) (*Result, *Error) {
	start := time.Now()

	settled := false
	defer func() {
		if !settled {
			_ = r.store.Release(context.WithoutCancel(ctx), lease)
		}
	}()

	preq := ProviderRequest{
		APIKey:       cfg.APIKey,
		Model:        cfg.Model,
		SystemPrompt: req.SystemPrompt,
		UserPrompt:   req.UserPrompt,
		Schema:       req.Schema,
	}

	data, usage, hint, repaired, aerr := r.call(ctx, adapter, cfg, preq, req.Validate)
	duration := time.Since(start)

	if aerr != nil {
		r.meter.OnResult(ResultEvent{
			Provider: cfg.ID,
			Model:    cfg.Model,
			Success:  false,
			Repaired: repaired,
			Duration: duration,
			Err:      aerr,
		})
		return nil, aerr
	}

	bg := context.WithoutCancel(ctx)
	settled = true
	if err := r.store.Commit(bg, lease, usage.TotalTokens); err != nil {
		r.meter.OnResult(ResultEvent{
			Provider: InfraProvider,
			Success:  false,
			Err:      infraError("quota commit", err),
		})
	}
	if hint != nil {
		_ = r.store.ApplySuccessSignal(bg, cfg.ID, *hint)
	}

	r.meter.OnResult(ResultEvent{
		Provider: cfg.ID,
		Model:    cfg.Model,
		Success:  true,
		Repaired: repaired,
		Duration: duration,
		Usage:    usage,
	})

	return &Result{
		Data:  data,
		Usage: usage,
		Routing: RoutingInfo{
			Provider: cfg.ID,
			Model:    cfg.Model,
			Attempts: attempts,
			Repaired: repaired,
		},
	}, nil
}

// call runs the backend call and, when the first answer is invalid and the
// adapter supports repair, exactly one repair round.
func (r *Router) call(ctx context.Context, adapter Provider, cfg ProviderConfig, preq ProviderRequest, validate func(json.RawMessage) error) (json.RawMessage, Usage, *RemainingHint, bool, *Error) {
	data, usage, hint, aerr := r.once(ctx, adapter, cfg, preq, validate)
	if aerr == nil {
		return data, usage, hint, false, nil
	}
	if aerr.Code != CodeInvalidResponse {
		return nil, Usage{}, nil, false, aerr
	}
	rep, ok := adapter.(Repairer)
	if !ok {
		return nil, Usage{}, nil, false, aerr
	}

	callCtx, cancel := context.WithTimeout(ctx, r.params.CallTimeout)
	defer cancel()

	pres, err := rep.RepairInvalidResponse(callCtx, RepairRequest{
		ProviderRequest: preq,
		InvalidPayload:  aerr.Payload,
		Reason:          aerr.Message,
	})
	if err != nil {
		return nil, Usage{}, nil, true, r.normalizeCallErr(ctx, cfg.ID, err)
	}
	if validate != nil {
		if verr := validate(pres.Data); verr != nil {
			return nil, Usage{}, nil, true, &Error{
				Code:     CodeInvalidResponse,
				Provider: cfg.ID,
				Message:  "repaired response still invalid: " + verr.Error(),
				Err:      verr,
				Payload:  pres.Data,
			}
		}
	}
	return pres.Data, pres.Usage, pres.Hint, true, nil
}

// once performs a single bounded backend call and validates the result.
func (r *Router) once(ctx context.Context, adapter Provider, cfg ProviderConfig, preq ProviderRequest, validate func(json.RawMessage) error) (json.RawMessage, Usage, *RemainingHint, *Error) {
	callCtx, cancel := context.WithTimeout(ctx, r.params.CallTimeout)
	defer cancel()

	pres, err := adapter.Execute(callCtx, preq)
	if err != nil {
		return nil, Usage{}, nil, r.normalizeCallErr(ctx, cfg.ID, err)
	}
	if validate != nil {
		if verr := validate(pres.Data); verr != nil {
			return nil, Usage{}, nil, &Error{
				Code:     CodeInvalidResponse,
				Provider: cfg.ID,
				Message:  verr.Error(),
				Err:      verr,
				Payload:  pres.Data,
			}
		}
	}
	return pres.Data, pres.Usage, pres.Hint, nil
}

// normalizeCallErr distinguishes a per-call timeout from the caller's own
// deadline before classifying.
func (r *Router) normalizeCallErr(ctx context.Context, provider string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return &Error{
			Code:     CodeProviderError,
			Provider: provider,
			Message:  "provider call timed out",
			Err:      err,
		}
	}
	return Classify(provider, err)
}

// Generate routes a request and decodes the resulting document into T.
func Generate[T any](ctx context.Context, r *Router, req Request) (T, *Result, error) {
	var out T
	res, err := r.Execute(ctx, req)
	if err != nil {
		return out, nil, err
	}
	if err := json.Unmarshal(res.Data, &out); err != nil {
		return out, res, &Error{
			Code:     CodeInvalidResponse,
			Provider: res.Routing.Provider,
			Message:  "decode structured result: " + err.Error(),
			Err:      err,
			Payload:  res.Data,
		}
	}
	return out, res, nil
}

// noopMeter keeps the hot path quiet when no meter is configured.
type noopMeter struct{}

func (noopMeter) OnRoute(RouteEvent)   {}
func (noopMeter) OnResult(ResultEvent) {}
func (noopMeter) OnSkip(SkipEvent)     {}
