// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file, and a .env file, when present, is loaded
// into the environment first.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example OPENAI_API_KEY becomes
// openai_api_key in YAML. List values are comma separated.
//
// Only one LLM provider key is strictly required for the gateway to start.
// Redis is optional: the default in-process cache needs no external services.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/carlvisagie/purposeful-live-coaching-sub008/internal/gateway"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Provider API keys; at least one must be non-empty.
	OpenAI    ProviderConfig
	Anthropic ProviderConfig
	Gemini    ProviderConfig

	// DefaultTier serves requests that name no model. Default: gpt-4o.
	DefaultTier string

	// Redis holds the connection URL for the shared cache and the global RPM
	// ceiling.
	Redis RedisConfig

	Cache     CacheConfig
	RateLimit RateLimitConfig
	Retry     RetryConfig
	Fallback  FallbackConfig

	// RequestTimeout bounds one HTTP completion call end to end. Default: 2m.
	RequestTimeout time.Duration

	// CORSOrigins is the list of allowed CORS origins. Default: ["*"].
	CORSOrigins []string
}

// ProviderConfig holds configuration for a single LLM provider.
type ProviderConfig struct {
	// APIKey is the provider API key. Leave empty to disable the provider.
	APIKey string

	// BaseURL overrides the provider's default API endpoint.
	// Useful for local mocks and development. Leave empty to use the default.
	BaseURL string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	// Mode selects the cache backend:
	//   "memory": in-process LRU with TTL; not shared across replicas.
	//   "redis": Redis-backed cache shared by all replicas (requires REDIS_URL).
	//   "none": caching disabled.
	// Default: "memory".
	Mode string

	// TTL is the lifetime of cached responses. Default: 5m.
	TTL time.Duration

	// MaxEntries bounds the memory cache; 0 means unbounded. Default: 1000.
	MaxEntries int

	// SweepInterval is the memory cache expiry sweep period. Default: 1m.
	SweepInterval time.Duration

	// ExcludeExact lists tiers whose responses are never cached.
	ExcludeExact []string

	// ExcludePatterns lists regular expressions matched against tier names.
	// Example: ^ft:,.*-preview$
	ExcludePatterns []string
}

// RateLimitConfig controls upstream admission.
type RateLimitConfig struct {
	// Requests per Window sets the sustained send rate. Default: 60 per 1m.
	Requests int
	Window   time.Duration

	// Burst is the number of sends allowed back to back. Default: 10.
	Burst int

	// MaxConcurrent bounds simultaneous upstream calls. Default: 10.
	MaxConcurrent int

	// GlobalRPM is a requests-per-minute ceiling shared through Redis by all
	// replicas. 0 disables it.
	GlobalRPM int
}

// RetryConfig bounds the attempt loop.
type RetryConfig struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	Jitter         time.Duration
	AttemptTimeout time.Duration
}

// FallbackConfig controls tier degradation.
type FallbackConfig struct {
	// Chain maps a tier to its cheaper fallback.
	Chain map[string]string
	// Threshold is the number of throttles within Window that degrades a tier.
	Threshold int
	Window    time.Duration
}

// Policy converts the retry settings into a gateway.RetryPolicy.
// RETRY_JITTER=0 turns jitter off.
func (r RetryConfig) Policy() gateway.RetryPolicy {
	jitter := r.Jitter
	if jitter == 0 {
		jitter = -1
	}
	return gateway.RetryPolicy{
		MaxAttempts:    r.MaxAttempts,
		BaseDelay:      r.BaseDelay,
		MaxDelay:       r.MaxDelay,
		Jitter:         jitter,
		AttemptTimeout: r.AttemptTimeout,
	}
}

const defaultFallbackChain = "gpt-4o:gpt-4o-mini,gpt-4o-mini:gpt-4.1-mini,gpt-4.1-mini:gpt-4.1-nano"

// Load reads configuration from .env, config.yaml and the environment.
//
// At least one provider API key must be configured.
// REDIS_URL is only required when CACHE_MODE=redis or GLOBAL_RPM_LIMIT > 0.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	chain, err := gateway.ParseFallbackChain(stringList(v, "FALLBACK_CHAIN"))
	if err != nil {
		return nil, fmt.Errorf("config: FALLBACK_CHAIN: %w", err)
	}

	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		OpenAI:    ProviderConfig{APIKey: v.GetString("OPENAI_API_KEY"), BaseURL: v.GetString("OPENAI_BASE_URL")},
		Anthropic: ProviderConfig{APIKey: v.GetString("ANTHROPIC_API_KEY"), BaseURL: v.GetString("ANTHROPIC_BASE_URL")},
		Gemini:    ProviderConfig{APIKey: v.GetString("GOOGLE_API_KEY"), BaseURL: v.GetString("GEMINI_BASE_URL")},

		DefaultTier: strings.TrimSpace(v.GetString("DEFAULT_TIER")),

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Cache: CacheConfig{
			Mode:            strings.ToLower(v.GetString("CACHE_MODE")),
			TTL:             v.GetDuration("CACHE_TTL"),
			MaxEntries:      v.GetInt("CACHE_MAX_ENTRIES"),
			SweepInterval:   v.GetDuration("CACHE_SWEEP_INTERVAL"),
			ExcludeExact:    stringList(v, "CACHE_EXCLUDE_EXACT"),
			ExcludePatterns: stringList(v, "CACHE_EXCLUDE_PATTERNS"),
		},

		RateLimit: RateLimitConfig{
			Requests:      v.GetInt("RATE_LIMIT_REQUESTS"),
			Window:        v.GetDuration("RATE_LIMIT_WINDOW"),
			Burst:         v.GetInt("RATE_LIMIT_BURST"),
			MaxConcurrent: v.GetInt("MAX_CONCURRENT_REQUESTS"),
			GlobalRPM:     v.GetInt("GLOBAL_RPM_LIMIT"),
		},

		Retry: RetryConfig{
			MaxAttempts:    v.GetInt("RETRY_MAX_ATTEMPTS"),
			BaseDelay:      v.GetDuration("RETRY_BASE_DELAY"),
			MaxDelay:       v.GetDuration("RETRY_MAX_DELAY"),
			Jitter:         v.GetDuration("RETRY_JITTER"),
			AttemptTimeout: v.GetDuration("ATTEMPT_TIMEOUT"),
		},

		Fallback: FallbackConfig{
			Chain:     chain,
			Threshold: v.GetInt("FALLBACK_THRESHOLD"),
			Window:    v.GetDuration("FALLBACK_WINDOW"),
		},

		RequestTimeout: v.GetDuration("REQUEST_TIMEOUT"),
		CORSOrigins:    stringList(v, "CORS_ORIGINS"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DEFAULT_TIER", gateway.DefaultTier)

	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("CACHE_TTL", "5m")
	v.SetDefault("CACHE_MAX_ENTRIES", 1000)
	v.SetDefault("CACHE_SWEEP_INTERVAL", "1m")

	v.SetDefault("RATE_LIMIT_REQUESTS", 60)
	v.SetDefault("RATE_LIMIT_WINDOW", "1m")
	v.SetDefault("RATE_LIMIT_BURST", 10)
	v.SetDefault("MAX_CONCURRENT_REQUESTS", 10)
	v.SetDefault("GLOBAL_RPM_LIMIT", 0)

	v.SetDefault("RETRY_MAX_ATTEMPTS", gateway.DefaultMaxAttempts)
	v.SetDefault("RETRY_BASE_DELAY", gateway.DefaultBaseDelay.String())
	v.SetDefault("RETRY_MAX_DELAY", gateway.DefaultMaxDelay.String())
	v.SetDefault("RETRY_JITTER", gateway.DefaultJitter.String())
	v.SetDefault("ATTEMPT_TIMEOUT", gateway.DefaultAttemptTimeout.String())

	v.SetDefault("FALLBACK_CHAIN", defaultFallbackChain)
	v.SetDefault("FALLBACK_THRESHOLD", gateway.DefaultFallbackThreshold)
	v.SetDefault("FALLBACK_WINDOW", gateway.DefaultFallbackWindow.String())

	v.SetDefault("REQUEST_TIMEOUT", "2m")
	v.SetDefault("CORS_ORIGINS", "*")
}

// stringList reads a comma-separated env value or a YAML list.
func stringList(v *viper.Viper, key string) []string {
	var raw []string
	if s, ok := v.Get(key).(string); ok {
		raw = strings.Split(s, ",")
	} else {
		raw = v.GetStringSlice(key)
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if !c.AtLeastOneProviderKey() {
		return fmt.Errorf(
			"config: at least one provider API key is required " +
				"(OPENAI_API_KEY, ANTHROPIC_API_KEY or GOOGLE_API_KEY)",
		)
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: PORT must be in 1..65535, got %d", c.Port)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.DefaultTier == "" {
		return fmt.Errorf("config: DEFAULT_TIER must not be empty")
	}

	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf(
			"config: invalid CACHE_MODE %q; must be one of: redis, memory, none",
			c.Cache.Mode,
		)
	}
	if c.Cache.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when CACHE_MODE=redis; " +
				"set CACHE_MODE=memory to use the built-in in-process cache",
		)
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("config: CACHE_TTL must be a positive duration")
	}
	if c.Cache.MaxEntries < 0 {
		return fmt.Errorf("config: CACHE_MAX_ENTRIES must be ≥ 0, got %d", c.Cache.MaxEntries)
	}
	if c.Cache.SweepInterval <= 0 {
		return fmt.Errorf("config: CACHE_SWEEP_INTERVAL must be a positive duration")
	}

	if c.RateLimit.Requests < 1 {
		return fmt.Errorf("config: RATE_LIMIT_REQUESTS must be ≥ 1, got %d", c.RateLimit.Requests)
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("config: RATE_LIMIT_WINDOW must be a positive duration")
	}
	if c.RateLimit.Burst < 1 {
		return fmt.Errorf("config: RATE_LIMIT_BURST must be ≥ 1, got %d", c.RateLimit.Burst)
	}
	if c.RateLimit.MaxConcurrent < 1 {
		return fmt.Errorf("config: MAX_CONCURRENT_REQUESTS must be ≥ 1, got %d", c.RateLimit.MaxConcurrent)
	}
	if c.RateLimit.GlobalRPM < 0 {
		return fmt.Errorf("config: GLOBAL_RPM_LIMIT must be ≥ 0, got %d", c.RateLimit.GlobalRPM)
	}
	if c.RateLimit.GlobalRPM > 0 && c.Redis.URL == "" {
		return fmt.Errorf("config: REDIS_URL is required when GLOBAL_RPM_LIMIT > 0")
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("config: RETRY_MAX_ATTEMPTS must be ≥ 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay <= 0 || c.Retry.AttemptTimeout <= 0 {
		return fmt.Errorf("config: RETRY_BASE_DELAY, RETRY_MAX_DELAY and ATTEMPT_TIMEOUT must be positive durations")
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("config: RETRY_MAX_DELAY (%s) must be ≥ RETRY_BASE_DELAY (%s)", c.Retry.MaxDelay, c.Retry.BaseDelay)
	}
	if c.Retry.Jitter < 0 {
		return fmt.Errorf("config: RETRY_JITTER must not be negative")
	}

	if c.Fallback.Threshold < 1 {
		return fmt.Errorf("config: FALLBACK_THRESHOLD must be ≥ 1, got %d", c.Fallback.Threshold)
	}
	if c.Fallback.Window <= 0 {
		return fmt.Errorf("config: FALLBACK_WINDOW must be a positive duration")
	}

	if c.RequestTimeout <= 0 {
		return fmt.Errorf("config: REQUEST_TIMEOUT must be a positive duration")
	}

	return nil
}

// AtLeastOneProviderKey returns true if at least one provider is configured.
func (c *Config) AtLeastOneProviderKey() bool {
	return c.OpenAI.APIKey != "" ||
		c.Anthropic.APIKey != "" ||
		c.Gemini.APIKey != ""
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
