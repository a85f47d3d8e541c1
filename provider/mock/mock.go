package mock

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/abejarano/airouter"
)

// Provider is a mock backend adapter for testing. It does not implement
// the repair protocol; use Repairing for that.
type Provider struct {
	name      string
	latency   time.Duration
	staticErr error
	failFirst int
	failErr   error
	data      json.RawMessage
	usage     airouter.Usage
	hint      *airouter.RemainingHint
	execFn    func(context.Context, airouter.ProviderRequest) (airouter.ProviderResult, error)

	repairData json.RawMessage
	repairErr  error
	repairFn   func(context.Context, airouter.RepairRequest) (airouter.ProviderResult, error)

	callCount atomic.Int64
}

var _ airouter.Provider = (*Provider)(nil)

// Option configures a mock Provider.
type Option func(*Provider)

// New creates a mock provider with the given options.
func New(opts ...Option) *Provider {
	p := &Provider{
		name: "mock",
		data: json.RawMessage(`{"answer":"mock"}`),
		usage: airouter.Usage{
			PromptTokens:     10,
			CompletionTokens: 20,
			TotalTokens:      30,
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithName sets the provider name.
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// WithLatency adds simulated latency to each call.
func WithLatency(d time.Duration) Option {
	return func(p *Provider) { p.latency = d }
}

// WithError makes the provider always return this error.
func WithError(err error) Option {
	return func(p *Provider) { p.staticErr = err }
}

// WithFailFirst makes the first n calls return err, then succeed.
func WithFailFirst(n int, err error) Option {
	return func(p *Provider) {
		p.failFirst = n
		p.failErr = err
	}
}

// WithData sets the JSON document the mock returns.
func WithData(data json.RawMessage) Option {
	return func(p *Provider) { p.data = data }
}

// WithUsage sets the usage returned by the mock.
func WithUsage(u airouter.Usage) Option {
	return func(p *Provider) { p.usage = u }
}

// WithHint sets the backend-reported quota hint returned on success.
func WithHint(h airouter.RemainingHint) Option {
	return func(p *Provider) { p.hint = &h }
}

// WithExecuteFunc replaces the response logic entirely.
func WithExecuteFunc(fn func(context.Context, airouter.ProviderRequest) (airouter.ProviderResult, error)) Option {
	return func(p *Provider) { p.execFn = fn }
}

// WithRepairData sets the JSON document Repairing returns on repair.
func WithRepairData(data json.RawMessage) Option {
	return func(p *Provider) { p.repairData = data }
}

// WithRepairError makes Repairing fail repair calls with err.
func WithRepairError(err error) Option {
	return func(p *Provider) { p.repairErr = err }
}

// WithRepairFunc replaces Repairing's repair logic entirely.
func WithRepairFunc(fn func(context.Context, airouter.RepairRequest) (airouter.ProviderResult, error)) Option {
	return func(p *Provider) { p.repairFn = fn }
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) Execute(ctx context.Context, req airouter.ProviderRequest) (airouter.ProviderResult, error) {
	if p.latency > 0 {
		select {
		case <-time.After(p.latency):
		case <-ctx.Done():
			return airouter.ProviderResult{}, ctx.Err()
		}
	}

	count := p.callCount.Add(1)

	if p.execFn != nil {
		return p.execFn(ctx, req)
	}
	if p.staticErr != nil {
		return airouter.ProviderResult{}, p.staticErr
	}
	if p.failFirst > 0 && int(count) <= p.failFirst {
		return airouter.ProviderResult{}, p.failErr
	}

	return airouter.ProviderResult{
		Data:  p.data,
		Usage: p.usage,
		Hint:  p.hint,
	}, nil
}

// CallCount returns the number of Execute calls made so far.
func (p *Provider) CallCount() int64 { return p.callCount.Load() }

// Repairing is a mock adapter that also implements the repair protocol.
type Repairing struct {
	*Provider

	mu         sync.Mutex
	lastRepair airouter.RepairRequest
	repairs    atomic.Int64
}

var (
	_ airouter.Provider = (*Repairing)(nil)
	_ airouter.Repairer = (*Repairing)(nil)
)

// NewRepairing creates a mock provider that supports repair calls.
func NewRepairing(opts ...Option) *Repairing {
	return &Repairing{Provider: New(opts...)}
}

func (p *Repairing) RepairInvalidResponse(ctx context.Context, req airouter.RepairRequest) (airouter.ProviderResult, error) {
	p.repairs.Add(1)
	p.mu.Lock()
	p.lastRepair = req
	p.mu.Unlock()

	if p.repairFn != nil {
		return p.repairFn(ctx, req)
	}
	if p.repairErr != nil {
		return airouter.ProviderResult{}, p.repairErr
	}

	data := p.repairData
	if data == nil {
		data = p.data
	}
	return airouter.ProviderResult{Data: data, Usage: p.usage}, nil
}

// RepairCount returns the number of repair calls made so far.
func (p *Repairing) RepairCount() int64 { return p.repairs.Load() }

// LastRepair returns the most recent repair request.
func (p *Repairing) LastRepair() airouter.RepairRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastRepair
}
