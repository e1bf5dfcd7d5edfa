package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdirTemp keeps godotenv from picking up a stray .env in the package dir.
func chdirTemp(t *testing.T) {
	t.Helper()
	t.Chdir(t.TempDir())
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)
	t.Setenv("PULSEFIT_DATA_DIR", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "auto", cfg.LogFormat)
	assert.Equal(t, 5*time.Minute, cfg.CacheTTL)
	assert.Equal(t, time.Minute, cfg.SweepInterval)
	assert.Equal(t, 3, cfg.RetryMax)
	assert.Equal(t, time.Second, cfg.RetryBaseDelay)
	assert.Equal(t, 5*time.Second, cfg.RetryMaxDelay)
	assert.Equal(t, 2.0, cfg.RetryMultiplier)
	assert.Equal(t, 20.0, cfg.StripeRateLimit)
	assert.True(t, cfg.AllowSynthesizedDefault)
	assert.Equal(t, 3, cfg.FreeUseLimit)
	assert.Empty(t, cfg.OTLPEndpoint)
	assert.Equal(t, 1.0, cfg.TraceSampleRatio)
}

func TestLoadOverrides(t *testing.T) {
	chdirTemp(t)
	t.Setenv("PULSEFIT_DATA_DIR", t.TempDir())
	t.Setenv("PULSEFIT_LOG_LEVEL", "DEBUG")
	t.Setenv("PULSEFIT_LOG_FORMAT", "json")
	t.Setenv("PULSEFIT_RECORD_STORE_URL", "https://records.example.com")
	t.Setenv("PULSEFIT_RECORD_STORE_TOKEN", "tok")
	t.Setenv("PULSEFIT_STRIPE_API_KEY", "sk_test_123")
	t.Setenv("PULSEFIT_CACHE_TTL", "30s")
	t.Setenv("PULSEFIT_RETRY_MAX", "5")
	t.Setenv("PULSEFIT_RETRY_BASE_DELAY", "250ms")
	t.Setenv("PULSEFIT_RETRY_MAX_DELAY", "2s")
	t.Setenv("PULSEFIT_ALLOW_SYNTHESIZED_DEFAULT", "false")
	t.Setenv("PULSEFIT_FREE_USE_LIMIT", "10")
	t.Setenv("PULSEFIT_METRICS_ADDR", "127.0.0.1:9091")
	t.Setenv("PULSEFIT_OTLP_ENDPOINT", "http://collector:4318")
	t.Setenv("PULSEFIT_TRACE_SAMPLE_RATIO", "0.25")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 30*time.Second, cfg.CacheTTL)
	assert.False(t, cfg.AllowSynthesizedDefault)
	assert.NoError(t, cfg.RequireBackends())

	policy := cfg.RetryPolicy()
	assert.Equal(t, 5, policy.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, policy.BaseDelay)
	assert.Equal(t, 2*time.Second, policy.MaxDelay)

	sub := cfg.Subscription()
	assert.Equal(t, 10, sub.FreeUseLimit)
	assert.Equal(t, 30*time.Second, sub.CacheTTL)
	assert.False(t, sub.AllowSynthesizedDefault)

	rs := cfg.RecordStore()
	assert.Equal(t, "https://records.example.com", rs.BaseURL)
	assert.Equal(t, "tok", rs.Token)

	lc := cfg.Logging("cli")
	assert.Equal(t, "cli", lc.Component)
	assert.Equal(t, "json", lc.Format)

	tc := cfg.Tracing("1.2.3")
	assert.Equal(t, "http://collector:4318", tc.Endpoint)
	assert.Equal(t, 0.25, tc.SampleRatio)
	assert.Equal(t, "1.2.3", tc.Version)
}

func TestLoadReportsEveryParseError(t *testing.T) {
	chdirTemp(t)
	t.Setenv("PULSEFIT_DATA_DIR", t.TempDir())
	t.Setenv("PULSEFIT_CACHE_TTL", "soon")
	t.Setenv("PULSEFIT_RETRY_MAX", "many")
	t.Setenv("PULSEFIT_ALLOW_SYNTHESIZED_DEFAULT", "maybe")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PULSEFIT_CACHE_TTL")
	assert.Contains(t, err.Error(), "PULSEFIT_RETRY_MAX")
	assert.Contains(t, err.Error(), "PULSEFIT_ALLOW_SYNTHESIZED_DEFAULT")
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			DataDir:              "/tmp/pulsefit",
			LogLevel:             "info",
			LogFormat:            "auto",
			CacheTTL:             time.Minute,
			SweepInterval:        time.Minute,
			RetryMax:             3,
			RetryBaseDelay:       time.Second,
			RetryMaxDelay:        5 * time.Second,
			RetryMultiplier:      2,
			VersionCheckInterval: time.Minute,
			FreeUseLimit:         3,
		}
	}
	require.NoError(t, base().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"bad level", func(c *Config) { c.LogLevel = "loud" }, "LogLevel"},
		{"bad format", func(c *Config) { c.LogFormat = "xml" }, "LogFormat"},
		{"too many retries", func(c *Config) { c.RetryMax = 11 }, "RetryMax"},
		{"max below base", func(c *Config) { c.RetryMaxDelay = time.Millisecond }, "RetryMaxDelay"},
		{"record store url", func(c *Config) { c.RecordStoreURL = "not a url" }, "RecordStoreURL"},
		{"metrics addr", func(c *Config) { c.MetricsAddr = "nohost" }, "MetricsAddr"},
		{"free limit", func(c *Config) { c.FreeUseLimit = 0 }, "FreeUseLimit"},
		{"missing data dir", func(c *Config) { c.DataDir = "" }, "DataDir"},
		{"otlp endpoint", func(c *Config) { c.OTLPEndpoint = "collector" }, "OTLPEndpoint"},
		{"sample ratio", func(c *Config) { c.TraceSampleRatio = 1.5 }, "TraceSampleRatio"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestRequireBackends(t *testing.T) {
	cfg := &Config{}
	err := cfg.RequireBackends()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PULSEFIT_RECORD_STORE_URL")
	assert.Contains(t, err.Error(), "PULSEFIT_STRIPE_API_KEY")

	cfg.RecordStoreURL = "https://records.example.com"
	err = cfg.RequireBackends()
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "RECORD_STORE_URL")
}
