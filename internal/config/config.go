// Package config loads pulsefit settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/rcourtman/pulsefit/internal/logging"
	"github.com/rcourtman/pulsefit/internal/recordstore"
	"github.com/rcourtman/pulsefit/internal/resilience"
	"github.com/rcourtman/pulsefit/internal/subscription"
	"github.com/rcourtman/pulsefit/internal/tracing"
)

// EnvPrefix prefixes every variable Load reads.
const EnvPrefix = "PULSEFIT_"

// Config holds all runtime settings.
type Config struct {
	DataDir   string `validate:"required"`
	LogLevel  string `validate:"oneof=debug info warn error"`
	LogFormat string `validate:"oneof=auto json console"`

	RecordStoreURL   string `validate:"omitempty,url"`
	RecordStoreToken string
	StripeAPIKey     string
	StripeRateLimit  float64 `validate:"gte=0"`

	CacheTTL      time.Duration `validate:"gt=0"`
	SweepInterval time.Duration `validate:"gt=0"`

	RetryMax        int           `validate:"gte=1,lte=10"`
	RetryBaseDelay  time.Duration `validate:"gt=0"`
	RetryMaxDelay   time.Duration `validate:"gtefield=RetryBaseDelay"`
	RetryMultiplier float64       `validate:"gte=1"`

	VersionCheckInterval time.Duration `validate:"gt=0"`
	ManifestPath         string
	MetricsAddr          string `validate:"omitempty,hostname_port"`

	OTLPEndpoint     string  `validate:"omitempty,url"`
	TraceSampleRatio float64 `validate:"gte=0,lte=1"`

	AllowSynthesizedDefault bool
	FreeUseLimit            int    `validate:"gte=1"`
	PortalReturnURL         string `validate:"omitempty,url"`
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first if present; real environment variables win.
func Load() (*Config, error) {
	// Best-effort .env loading (not required)
	_ = godotenv.Load()

	env := &envReader{}
	cfg := &Config{
		DataDir:                 envOrDefault("DATA_DIR", defaultDataDir()),
		LogLevel:                strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
		LogFormat:               strings.ToLower(envOrDefault("LOG_FORMAT", "auto")),
		RecordStoreURL:          envOrDefault("RECORD_STORE_URL", ""),
		RecordStoreToken:        envOrDefault("RECORD_STORE_TOKEN", ""),
		StripeAPIKey:            envOrDefault("STRIPE_API_KEY", ""),
		StripeRateLimit:         env.float("STRIPE_RATE_LIMIT", 20),
		CacheTTL:                env.duration("CACHE_TTL", 5*time.Minute),
		SweepInterval:           env.duration("SWEEP_INTERVAL", time.Minute),
		RetryMax:                env.int("RETRY_MAX", 3),
		RetryBaseDelay:          env.duration("RETRY_BASE_DELAY", time.Second),
		RetryMaxDelay:           env.duration("RETRY_MAX_DELAY", 5*time.Second),
		RetryMultiplier:         env.float("RETRY_MULTIPLIER", 2),
		VersionCheckInterval:    env.duration("VERSION_CHECK_INTERVAL", 5*time.Minute),
		ManifestPath:            envOrDefault("MANIFEST_PATH", ""),
		MetricsAddr:             envOrDefault("METRICS_ADDR", ""),
		OTLPEndpoint:            envOrDefault("OTLP_ENDPOINT", ""),
		TraceSampleRatio:        env.float("TRACE_SAMPLE_RATIO", 1),
		AllowSynthesizedDefault: env.bool("ALLOW_SYNTHESIZED_DEFAULT", true),
		FreeUseLimit:            env.int("FREE_USE_LIMIT", subscription.DefaultFreeUseLimit),
		PortalReturnURL:         envOrDefault("PORTAL_RETURN_URL", ""),
	}
	if err := errors.Join(env.errs...); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q (got %v)", fe.Field(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("invalid settings: %s", strings.Join(msgs, "; "))
}

// RequireBackends reports the variables commands that talk to the record
// store and processor cannot run without.
func (c *Config) RequireBackends() error {
	var missing []string
	if c.RecordStoreURL == "" {
		missing = append(missing, EnvPrefix+"RECORD_STORE_URL")
	}
	if c.StripeAPIKey == "" {
		missing = append(missing, EnvPrefix+"STRIPE_API_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Logging returns the logger settings.
func (c *Config) Logging(component string) logging.Config {
	return logging.Config{Format: c.LogFormat, Level: c.LogLevel, Component: component}
}

// RetryPolicy returns the executor retry policy.
func (c *Config) RetryPolicy() resilience.Policy {
	return resilience.Policy{
		MaxRetries: c.RetryMax,
		BaseDelay:  c.RetryBaseDelay,
		MaxDelay:   c.RetryMaxDelay,
		Multiplier: c.RetryMultiplier,
	}
}

// Subscription returns the subscription service settings.
func (c *Config) Subscription() subscription.Config {
	return subscription.Config{
		CacheTTL:                c.CacheTTL,
		Policy:                  c.RetryPolicy(),
		FreeUseLimit:            c.FreeUseLimit,
		AllowSynthesizedDefault: c.AllowSynthesizedDefault,
		PortalReturnURL:         c.PortalReturnURL,
	}
}

// RecordStore returns the record store client settings.
func (c *Config) RecordStore() recordstore.Config {
	return recordstore.Config{BaseURL: c.RecordStoreURL, Token: c.RecordStoreToken}
}

// Tracing returns the tracer provider settings.
func (c *Config) Tracing(version string) tracing.Config {
	return tracing.Config{
		Endpoint:    c.OTLPEndpoint,
		ServiceName: "pulsefit",
		Version:     version,
		SampleRatio: c.TraceSampleRatio,
	}
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "pulsefit")
	}
	return ".pulsefit"
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(EnvPrefix + key)); v != "" {
		return v
	}
	return fallback
}

// envReader parses typed variables, collecting every parse error so Load
// can report them together.
type envReader struct {
	errs []error
}

func (r *envReader) lookup(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(EnvPrefix + key))
	return v, v != ""
}

func (r *envReader) fail(key, want string, err error) {
	r.errs = append(r.errs, fmt.Errorf("%s%s must be %s: %w", EnvPrefix, key, want, err))
}

func (r *envReader) int(key string, fallback int) int {
	v, ok := r.lookup(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.fail(key, "a valid integer", err)
		return fallback
	}
	return n
}

func (r *envReader) float(key string, fallback float64) float64 {
	v, ok := r.lookup(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.fail(key, "a valid number", err)
		return fallback
	}
	return f
}

func (r *envReader) duration(key string, fallback time.Duration) time.Duration {
	v, ok := r.lookup(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.fail(key, "a valid duration", err)
		return fallback
	}
	return d
}

func (r *envReader) bool(key string, fallback bool) bool {
	v, ok := r.lookup(key)
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.fail(key, "true or false", err)
		return fallback
	}
	return b
}
