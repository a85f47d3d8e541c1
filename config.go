package airouter

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// ProviderConfig describes one backend entry in the provider pool. Zero
// limits mean unlimited for that dimension.
type ProviderConfig struct {
	ID                   string `json:"id" validate:"required"`
	APIKey               string `json:"apiKey"`
	Model                string `json:"model"`
	Priority             int    `json:"priority"`
	DailyBudgetRequests  int64  `json:"dailyBudgetRequests" validate:"min=0"`
	DailyBudgetTokens    int64  `json:"dailyBudgetTokens" validate:"min=0"`
	MaxConcurrency       int64  `json:"maxConcurrency" validate:"min=0"`
	MaxRequestsPerMinute int64  `json:"maxRequestsPerMinute" validate:"min=0"`
	Enabled              bool   `json:"enabled"`
	Reserve              bool   `json:"reserve"`
}

// UnmarshalJSON defaults Enabled to true when the field is absent.
func (c *ProviderConfig) UnmarshalJSON(data []byte) error {
	type alias ProviderConfig
	aux := struct {
		Enabled *bool `json:"enabled"`
		*alias
	}{alias: (*alias)(c)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	c.Enabled = aux.Enabled == nil || *aux.Enabled
	return nil
}

// ParseProviders parses a JSON provider list, normalizes the entries, and
// validates them. Provider ids are trimmed and lowercased so lookups and
// store keys are case-insensitive.
func ParseProviders(data []byte) ([]ProviderConfig, error) {
	var cfgs []ProviderConfig
	if err := json.Unmarshal(data, &cfgs); err != nil {
		return nil, fmt.Errorf("airouter: parse providers: %w", err)
	}
	return normalizeProviders(cfgs)
}

// normalizeProviders canonicalizes ids and validates the pool as a whole.
func normalizeProviders(cfgs []ProviderConfig) ([]ProviderConfig, error) {
	if len(cfgs) == 0 {
		return nil, fmt.Errorf("airouter: config: at least one provider is required")
	}

	out := make([]ProviderConfig, len(cfgs))
	copy(out, cfgs)

	seen := make(map[string]bool, len(out))
	reserves := 0
	for i := range out {
		out[i].ID = strings.ToLower(strings.TrimSpace(out[i].ID))

		if err := validate.Struct(out[i]); err != nil {
			return nil, fmt.Errorf("airouter: config: providers[%d]: %w", i, err)
		}
		if seen[out[i].ID] {
			return nil, fmt.Errorf("airouter: config: duplicate provider id %q", out[i].ID)
		}
		seen[out[i].ID] = true

		if out[i].Reserve {
			reserves++
		}
	}
	if reserves > 1 {
		return nil, fmt.Errorf("airouter: config: at most one reserve provider is allowed, got %d", reserves)
	}

	return out, nil
}

// LoadProviders reads a JSON provider list from a file. Environment
// variables in the format ${VAR} are expanded before parsing, so files can
// reference credentials without embedding them.
func LoadProviders(path string) ([]ProviderConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("airouter: read providers: %w", err)
	}
	return ParseProviders([]byte(os.ExpandEnv(string(data))))
}

// ProvidersFromEnv parses the JSON provider list held in the named
// environment variable.
func ProvidersFromEnv(key string) ([]ProviderConfig, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return nil, fmt.Errorf("airouter: environment variable %s is empty", key)
	}
	return ParseProviders([]byte(raw))
}

// Params are the routing tunables shared by the router, the scorer, and
// the quota stores. Use DefaultParams as the baseline and override fields
// as needed, or load overrides from YAML with LoadParams.
type Params struct {
	// RateWindowMinutes is the width of the rate-limit accounting window.
	RateWindowMinutes int `validate:"min=1"`

	// BurstMultiplier scales the per-window request capacity above the
	// nominal per-minute rate.
	BurstMultiplier float64 `validate:"gt=0"`

	// ExtRemainingLowThreshold is the backend-reported remaining-request
	// count below which a provider is deprioritized.
	ExtRemainingLowThreshold int64 `validate:"min=0"`

	// ErrorPenalty is subtracted from a provider's score once per entry
	// in its rolling error tally.
	ErrorPenalty float64 `validate:"min=0"`

	// HintPenalty is subtracted when a fresh backend hint reports the
	// provider close to exhaustion.
	HintPenalty float64 `validate:"min=0"`

	// ErrorTallyWindow bounds how long failures count against a provider.
	ErrorTallyWindow time.Duration `validate:"gt=0"`

	// RateLimitCooldown is applied when a backend answers 429 or 427.
	RateLimitCooldown time.Duration `validate:"gt=0"`

	// ProviderCooldown is applied on other retryable provider errors.
	ProviderCooldown time.Duration `validate:"gt=0"`

	// PaymentBlock is applied when a backend answers 402.
	PaymentBlock time.Duration `validate:"gt=0"`

	// CallTimeout bounds a single backend call, repair calls included.
	CallTimeout time.Duration `validate:"gt=0"`

	// LeaseTTL is how long an unsettled reservation survives. It should
	// exceed CallTimeout so in-flight calls keep their slots.
	LeaseTTL time.Duration `validate:"gt=0"`

	// Reserve controls when the reserve provider may serve traffic.
	Reserve ReservePolicy
}

// DefaultParams returns the standard tuning.
func DefaultParams() Params {
	return Params{
		RateWindowMinutes:        1,
		BurstMultiplier:          1.0,
		ExtRemainingLowThreshold: 10,
		ErrorPenalty:             1.0,
		HintPenalty:              2.0,
		ErrorTallyWindow:         5 * time.Minute,
		RateLimitCooldown:        time.Minute,
		ProviderCooldown:         90 * time.Second,
		PaymentBlock:             24 * time.Hour,
		CallTimeout:              60 * time.Second,
		LeaseTTL:                 2 * time.Minute,
		Reserve: ReservePolicy{
			Enabled:          false,
			HoursBeforeReset: 4,
			PrimaryMinRatio:  0.2,
		},
	}
}

// WindowSeconds returns the rate-window width in seconds.
func (p Params) WindowSeconds() int64 {
	return int64(p.RateWindowMinutes) * 60
}

// WindowCapacity returns how many reservations fit in one rate window for
// the provider. Zero means unlimited.
func (p Params) WindowCapacity(cfg ProviderConfig) int64 {
	if cfg.MaxRequestsPerMinute <= 0 {
		return 0
	}
	c := int64(float64(cfg.MaxRequestsPerMinute) * float64(p.RateWindowMinutes) * p.BurstMultiplier)
	if c < 1 {
		c = 1
	}
	return c
}

// FailurePenalty maps a classified failure to the suspension it earns.
// Rate-limit statuses cool the provider down briefly, payment failures
// block it for the configured window, and other provider failures get the
// generic cooldown. Credential and configuration failures return ok=false:
// they only count toward the error tally, since the process-local dead
// list handles their suspension and new credentials need a reload anyway.
func (p Params) FailurePenalty(now time.Time, code Code, status int) (until time.Time, block, ok bool) {
	switch {
	case code == CodeAuthError || code == CodeConfigError:
		return time.Time{}, false, false
	case status == 402:
		return now.Add(p.PaymentBlock), true, true
	case rateLimited(status):
		return now.Add(p.RateLimitCooldown), false, true
	default:
		return now.Add(p.ProviderCooldown), false, true
	}
}

// Validate checks the params for consistency.
func (p Params) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("airouter: params: %w", err)
	}
	if p.Reserve.HoursBeforeReset < 0 {
		return fmt.Errorf("airouter: params: reserve hours_before_reset must not be negative")
	}
	if p.Reserve.PrimaryMinRatio < 0 || p.Reserve.PrimaryMinRatio > 1 {
		return fmt.Errorf("airouter: params: reserve primary_min_ratio must be in [0, 1]")
	}
	return nil
}

// paramsFile is the YAML form of Params. Durations are plain seconds so
// config files stay language-neutral. Zero values keep the default.
type paramsFile struct {
	RateWindowMinutes        int     `yaml:"rate_window_minutes"`
	BurstMultiplier          float64 `yaml:"burst_multiplier"`
	ExtRemainingLowThreshold int64   `yaml:"ext_remaining_low_threshold"`
	ErrorPenalty             float64 `yaml:"error_penalty"`
	HintPenalty              float64 `yaml:"hint_penalty"`
	ErrorTallyWindowSeconds  int     `yaml:"error_tally_window_seconds"`
	RateLimitCooldownSeconds int     `yaml:"rate_limit_cooldown_seconds"`
	ProviderCooldownSeconds  int     `yaml:"provider_cooldown_seconds"`
	PaymentBlockSeconds      int     `yaml:"payment_block_seconds"`
	CallTimeoutSeconds       int     `yaml:"call_timeout_seconds"`
	LeaseTTLSeconds          int     `yaml:"lease_ttl_seconds"`

	Reserve struct {
		Enabled          *bool   `yaml:"enabled"`
		HoursBeforeReset float64 `yaml:"hours_before_reset"`
		PrimaryMinRatio  float64 `yaml:"primary_min_ratio"`
	} `yaml:"reserve"`
}

// LoadParams reads YAML overrides and applies them on top of
// DefaultParams. Environment variables in the format ${VAR} are expanded
// before parsing.
func LoadParams(path string) (Params, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Params{}, fmt.Errorf("airouter: read params: %w", err)
	}

	var f paramsFile
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &f); err != nil {
		return Params{}, fmt.Errorf("airouter: parse params: %w", err)
	}

	p := DefaultParams()
	if f.RateWindowMinutes > 0 {
		p.RateWindowMinutes = f.RateWindowMinutes
	}
	if f.BurstMultiplier > 0 {
		p.BurstMultiplier = f.BurstMultiplier
	}
	if f.ExtRemainingLowThreshold > 0 {
		p.ExtRemainingLowThreshold = f.ExtRemainingLowThreshold
	}
	if f.ErrorPenalty > 0 {
		p.ErrorPenalty = f.ErrorPenalty
	}
	if f.HintPenalty > 0 {
		p.HintPenalty = f.HintPenalty
	}
	if f.ErrorTallyWindowSeconds > 0 {
		p.ErrorTallyWindow = time.Duration(f.ErrorTallyWindowSeconds) * time.Second
	}
	if f.RateLimitCooldownSeconds > 0 {
		p.RateLimitCooldown = time.Duration(f.RateLimitCooldownSeconds) * time.Second
	}
	if f.ProviderCooldownSeconds > 0 {
		p.ProviderCooldown = time.Duration(f.ProviderCooldownSeconds) * time.Second
	}
	if f.PaymentBlockSeconds > 0 {
		p.PaymentBlock = time.Duration(f.PaymentBlockSeconds) * time.Second
	}
	if f.CallTimeoutSeconds > 0 {
		p.CallTimeout = time.Duration(f.CallTimeoutSeconds) * time.Second
	}
	if f.LeaseTTLSeconds > 0 {
		p.LeaseTTL = time.Duration(f.LeaseTTLSeconds) * time.Second
	}
	if f.Reserve.Enabled != nil {
		p.Reserve.Enabled = *f.Reserve.Enabled
	}
	if f.Reserve.HoursBeforeReset > 0 {
		p.Reserve.HoursBeforeReset = f.Reserve.HoursBeforeReset
	}
	if f.Reserve.PrimaryMinRatio > 0 {
		p.Reserve.PrimaryMinRatio = f.Reserve.PrimaryMinRatio
	}

	if err := p.Validate(); err != nil {
		return Params{}, err
	}
	return p, nil
}
