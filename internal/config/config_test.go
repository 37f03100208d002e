package config

import (
	"strings"
	"testing"
	"time"
)

// clearEnv blanks every key Load reads so the host environment cannot leak
// into a test. Viper treats empty env values as unset.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"PORT", "LOG_LEVEL", "DEFAULT_TIER",
		"OPENAI_API_KEY", "OPENAI_BASE_URL",
		"ANTHROPIC_API_KEY", "ANTHROPIC_BASE_URL",
		"GOOGLE_API_KEY", "GEMINI_BASE_URL",
		"REDIS_URL",
		"CACHE_MODE", "CACHE_TTL", "CACHE_MAX_ENTRIES", "CACHE_SWEEP_INTERVAL",
		"CACHE_EXCLUDE_EXACT", "CACHE_EXCLUDE_PATTERNS",
		"RATE_LIMIT_REQUESTS", "RATE_LIMIT_WINDOW", "RATE_LIMIT_BURST",
		"MAX_CONCURRENT_REQUESTS", "GLOBAL_RPM_LIMIT",
		"RETRY_MAX_ATTEMPTS", "RETRY_BASE_DELAY", "RETRY_MAX_DELAY",
		"RETRY_JITTER", "ATTEMPT_TIMEOUT",
		"FALLBACK_CHAIN", "FALLBACK_THRESHOLD", "FALLBACK_WINDOW",
		"REQUEST_TIMEOUT", "CORS_ORIGINS",
	} {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != 8080 || cfg.LogLevel != "info" || cfg.DefaultTier != "gpt-4o" {
		t.Errorf("server defaults = %d %q %q", cfg.Port, cfg.LogLevel, cfg.DefaultTier)
	}
	if cfg.Cache.Mode != "memory" || cfg.Cache.TTL != 5*time.Minute || cfg.Cache.MaxEntries != 1000 {
		t.Errorf("cache defaults = %+v", cfg.Cache)
	}
	if cfg.RateLimit.Requests != 60 || cfg.RateLimit.Window != time.Minute ||
		cfg.RateLimit.Burst != 10 || cfg.RateLimit.MaxConcurrent != 10 || cfg.RateLimit.GlobalRPM != 0 {
		t.Errorf("rate limit defaults = %+v", cfg.RateLimit)
	}
	if cfg.Retry.MaxAttempts != 5 || cfg.Retry.BaseDelay != time.Second ||
		cfg.Retry.MaxDelay != 30*time.Second || cfg.Retry.Jitter != 500*time.Millisecond {
		t.Errorf("retry defaults = %+v", cfg.Retry)
	}
	if got := cfg.Fallback.Chain["gpt-4o"]; got != "gpt-4o-mini" || len(cfg.Fallback.Chain) != 3 {
		t.Errorf("fallback chain = %v", cfg.Fallback.Chain)
	}
	if cfg.Fallback.Threshold != 3 || cfg.Fallback.Window != 2*time.Minute {
		t.Errorf("fallback = %+v", cfg.Fallback)
	}
	if cfg.RequestTimeout != 2*time.Minute {
		t.Errorf("request timeout = %s", cfg.RequestTimeout)
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "*" {
		t.Errorf("cors = %v", cfg.CORSOrigins)
	}
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("GOOGLE_API_KEY", "g-key")
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("CACHE_EXCLUDE_EXACT", "gpt-4o, o1 ,")
	t.Setenv("CACHE_EXCLUDE_PATTERNS", "^ft:")
	t.Setenv("FALLBACK_CHAIN", "a:b, b:c")
	t.Setenv("RETRY_MAX_ATTEMPTS", "3")
	t.Setenv("CORS_ORIGINS", "https://a.example.com,https://b.example.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != 9090 || cfg.LogLevel != "debug" {
		t.Errorf("port/level = %d %q", cfg.Port, cfg.LogLevel)
	}
	if strings.Join(cfg.Cache.ExcludeExact, "|") != "gpt-4o|o1" {
		t.Errorf("exclude exact = %q", cfg.Cache.ExcludeExact)
	}
	if len(cfg.Cache.ExcludePatterns) != 1 || cfg.Cache.ExcludePatterns[0] != "^ft:" {
		t.Errorf("exclude patterns = %q", cfg.Cache.ExcludePatterns)
	}
	if cfg.Fallback.Chain["a"] != "b" || cfg.Fallback.Chain["b"] != "c" || len(cfg.Fallback.Chain) != 2 {
		t.Errorf("chain = %v", cfg.Fallback.Chain)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("max attempts = %d", cfg.Retry.MaxAttempts)
	}
	if len(cfg.CORSOrigins) != 2 {
		t.Errorf("cors = %v", cfg.CORSOrigins)
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"no provider key", map[string]string{}, "at least one provider"},
		{"bad log level", map[string]string{"OPENAI_API_KEY": "k", "LOG_LEVEL": "loud"}, "LOG_LEVEL"},
		{"bad cache mode", map[string]string{"OPENAI_API_KEY": "k", "CACHE_MODE": "disk"}, "CACHE_MODE"},
		{"redis without url", map[string]string{"OPENAI_API_KEY": "k", "CACHE_MODE": "redis"}, "REDIS_URL"},
		{"global rpm without url", map[string]string{"OPENAI_API_KEY": "k", "GLOBAL_RPM_LIMIT": "100"}, "REDIS_URL"},
		{"zero attempts", map[string]string{"OPENAI_API_KEY": "k", "RETRY_MAX_ATTEMPTS": "-1"}, "RETRY_MAX_ATTEMPTS"},
		{"max below base", map[string]string{"OPENAI_API_KEY": "k", "RETRY_BASE_DELAY": "10s", "RETRY_MAX_DELAY": "1s"}, "RETRY_MAX_DELAY"},
		{"bad fallback pair", map[string]string{"OPENAI_API_KEY": "k", "FALLBACK_CHAIN": "gpt-4o"}, "FALLBACK_CHAIN"},
		{"self fallback", map[string]string{"OPENAI_API_KEY": "k", "FALLBACK_CHAIN": "a:a"}, "FALLBACK_CHAIN"},
		{"negative max entries", map[string]string{"OPENAI_API_KEY": "k", "CACHE_MAX_ENTRIES": "-5"}, "CACHE_MAX_ENTRIES"},
		{"bad port", map[string]string{"OPENAI_API_KEY": "k", "PORT": "70000"}, "PORT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoad_RedisModeWithURL(t *testing.T) {
	clearEnv(t)
	t.Setenv("ANTHROPIC_API_KEY", "k")
	t.Setenv("CACHE_MODE", "redis")
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("GLOBAL_RPM_LIMIT", "500")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Cache.Mode != "redis" || cfg.RateLimit.GlobalRPM != 500 {
		t.Errorf("cfg = %+v %+v", cfg.Cache, cfg.RateLimit)
	}
}

func TestRetryConfig_Policy(t *testing.T) {
	r := RetryConfig{MaxAttempts: 4, BaseDelay: time.Second, MaxDelay: 8 * time.Second, AttemptTimeout: time.Second}
	if p := r.Policy(); p.Jitter >= 0 || p.MaxAttempts != 4 {
		t.Errorf("zero jitter should disable jitter, got %+v", p)
	}
	r.Jitter = 200 * time.Millisecond
	if p := r.Policy(); p.Jitter != 200*time.Millisecond {
		t.Errorf("jitter = %s", p.Jitter)
	}
}

func TestLoadDotEnv_Missing(t *testing.T) {
	if err := loadDotEnv(t.TempDir() + "/absent.env"); err != nil {
		t.Errorf("missing .env should be ignored, got %v", err)
	}
}

func TestLoadDotEnv_Directory(t *testing.T) {
	if err := loadDotEnv(t.TempDir()); err == nil {
		t.Error("expected an error for a directory")
	}
}
