package airouter_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	ar "github.com/abejarano/airouter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test: enabled defaults to true when absent and ids are canonicalized.
func TestParseProviders_Defaults(t *testing.T) {
	cfgs, err := ar.ParseProviders([]byte(`[
		{"id": "  Gemini-Main ", "apiKey": "k1", "model": "gemini-2.0-flash", "priority": 10},
		{"id": "openai", "apiKey": "k2", "model": "gpt-4o-mini", "enabled": false}
	]`))
	require.NoError(t, err)
	require.Len(t, cfgs, 2)

	assert.Equal(t, "gemini-main", cfgs[0].ID)
	assert.True(t, cfgs[0].Enabled)
	assert.False(t, cfgs[1].Enabled)
}

func TestParseProviders_Rejections(t *testing.T) {
	t.Run("empty list", func(t *testing.T) {
		_, err := ar.ParseProviders([]byte(`[]`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "at least one provider")
	})

	t.Run("missing id", func(t *testing.T) {
		_, err := ar.ParseProviders([]byte(`[{"apiKey": "k"}]`))
		assert.Error(t, err)
	})

	t.Run("duplicate id ignores case", func(t *testing.T) {
		_, err := ar.ParseProviders([]byte(`[
			{"id": "Alpha", "apiKey": "k1"},
			{"id": "alpha", "apiKey": "k2"}
		]`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "duplicate")
	})

	t.Run("two reserves", func(t *testing.T) {
		_, err := ar.ParseProviders([]byte(`[
			{"id": "a", "reserve": true},
			{"id": "b", "reserve": true}
		]`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "reserve")
	})

	t.Run("negative budget", func(t *testing.T) {
		_, err := ar.ParseProviders([]byte(`[{"id": "a", "dailyBudgetRequests": -1}]`))
		assert.Error(t, err)
	})

	t.Run("malformed json", func(t *testing.T) {
		_, err := ar.ParseProviders([]byte(`{`))
		assert.Error(t, err)
	})
}

// Test: provider files may reference credentials as ${VAR}.
func TestLoadProviders_ExpandsEnv(t *testing.T) {
	t.Setenv("AIROUTER_TEST_KEY", "secret-from-env")

	path := filepath.Join(t.TempDir(), "providers.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"id": "alpha", "apiKey": "${AIROUTER_TEST_KEY}", "model": "m"}
	]`), 0o600))

	cfgs, err := ar.LoadProviders(path)
	require.NoError(t, err)
	assert.Equal(t, "secret-from-env", cfgs[0].APIKey)
}

func TestLoadProviders_MissingFile(t *testing.T) {
	_, err := ar.LoadProviders(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestProvidersFromEnv(t *testing.T) {
	t.Setenv("AIROUTER_PROVIDERS", `[{"id": "alpha", "apiKey": "k", "model": "m"}]`)

	cfgs, err := ar.ProvidersFromEnv("AIROUTER_PROVIDERS")
	require.NoError(t, err)
	assert.Equal(t, "alpha", cfgs[0].ID)

	t.Setenv("AIROUTER_PROVIDERS", "")
	_, err = ar.ProvidersFromEnv("AIROUTER_PROVIDERS")
	assert.Error(t, err)
}

func TestDefaultParams_Valid(t *testing.T) {
	assert.NoError(t, ar.DefaultParams().Validate())
}

func TestParams_WindowCapacity(t *testing.T) {
	p := ar.DefaultParams()

	unlimited := cfg("a", 1)
	unlimited.MaxRequestsPerMinute = 0
	assert.Equal(t, int64(0), p.WindowCapacity(unlimited))

	capped := cfg("a", 1)
	capped.MaxRequestsPerMinute = 60
	assert.Equal(t, int64(60), p.WindowCapacity(capped))

	p.BurstMultiplier = 1.5
	assert.Equal(t, int64(90), p.WindowCapacity(capped))

	// A fractional capacity still admits at least one request.
	p.BurstMultiplier = 0.5
	tiny := cfg("a", 1)
	tiny.MaxRequestsPerMinute = 1
	assert.Equal(t, int64(1), p.WindowCapacity(tiny))
}

func TestParams_FailurePenalty(t *testing.T) {
	p := ar.DefaultParams()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	until, block, ok := p.FailurePenalty(now, ar.CodeProviderError, 429)
	assert.True(t, ok)
	assert.False(t, block)
	assert.Equal(t, now.Add(p.RateLimitCooldown), until)

	until, block, ok = p.FailurePenalty(now, ar.CodeProviderError, 427)
	assert.True(t, ok)
	assert.False(t, block)
	assert.Equal(t, now.Add(p.RateLimitCooldown), until)

	until, block, ok = p.FailurePenalty(now, ar.CodeProviderError, 402)
	assert.True(t, ok)
	assert.True(t, block)
	assert.Equal(t, now.Add(p.PaymentBlock), until)

	until, block, ok = p.FailurePenalty(now, ar.CodeProviderError, 500)
	assert.True(t, ok)
	assert.False(t, block)
	assert.Equal(t, now.Add(p.ProviderCooldown), until)

	// Credential problems are handled process-locally, never by cooldown.
	_, _, ok = p.FailurePenalty(now, ar.CodeAuthError, 401)
	assert.False(t, ok)
	_, _, ok = p.FailurePenalty(now, ar.CodeConfigError, 0)
	assert.False(t, ok)
}

func TestParams_ValidateBounds(t *testing.T) {
	p := ar.DefaultParams()
	p.Reserve.PrimaryMinRatio = 1.5
	assert.Error(t, p.Validate())

	p = ar.DefaultParams()
	p.Reserve.HoursBeforeReset = -1
	assert.Error(t, p.Validate())

	p = ar.DefaultParams()
	p.RateWindowMinutes = 0
	assert.Error(t, p.Validate())
}

// Test: YAML overrides apply on top of the defaults; absent keys keep
// their default.
func TestLoadParams(t *testing.T) {
	path := filepath.Join(t.TempDir(), "params.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rate_window_minutes: 2
error_penalty: 3.5
payment_block_seconds: 3600
reserve:
  enabled: true
  hours_before_reset: 6
`), 0o600))

	p, err := ar.LoadParams(path)
	require.NoError(t, err)

	assert.Equal(t, 2, p.RateWindowMinutes)
	assert.Equal(t, 3.5, p.ErrorPenalty)
	assert.Equal(t, time.Hour, p.PaymentBlock)
	assert.True(t, p.Reserve.Enabled)
	assert.Equal(t, 6.0, p.Reserve.HoursBeforeReset)

	// Untouched keys keep their defaults.
	def := ar.DefaultParams()
	assert.Equal(t, def.RateLimitCooldown, p.RateLimitCooldown)
	assert.Equal(t, def.LeaseTTL, p.LeaseTTL)
	assert.Equal(t, def.Reserve.PrimaryMinRatio, p.Reserve.PrimaryMinRatio)
}

func TestLoadParams_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "params.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`rate_window_minutes: [nope`), 0o600))

	_, err := ar.LoadParams(path)
	assert.Error(t, err)
}
