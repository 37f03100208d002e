package app

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/carlvisagie/purposeful-live-coaching-sub008/internal/cache"
	"github.com/carlvisagie/purposeful-live-coaching-sub008/internal/gateway"
	"github.com/carlvisagie/purposeful-live-coaching-sub008/internal/logger"
	"github.com/carlvisagie/purposeful-live-coaching-sub008/internal/metrics"
	"github.com/carlvisagie/purposeful-live-coaching-sub008/internal/ratelimit"
	"github.com/carlvisagie/purposeful-live-coaching-sub008/internal/server"
)

// initInfra establishes optional external connections.
// Redis is only required when CACHE_MODE=redis or GLOBAL_RPM_LIMIT > 0.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Cache.Mode != "redis" && a.cfg.RateLimit.GlobalRPM <= 0 {
		return nil
	}

	a.log.Info("redis_connecting", slog.String("url", redactURL(a.cfg.Redis.URL)))

	rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	a.rdb = rdb
	a.log.Info("redis_connected")

	return nil
}

// initProviders builds the LLM provider map. At least one provider must be
// configured: this is enforced by config validation before we reach here.
func (a *App) initProviders(_ context.Context) error {
	provs, err := buildProviders(a.baseCtx, a.cfg)
	if err != nil {
		return err
	}
	if len(provs) == 0 {
		return fmt.Errorf("no provider API keys configured")
	}
	a.provs = provs

	names := make([]string, 0, len(provs))
	for n := range provs {
		names = append(names, n)
	}
	sort.Strings(names)
	a.log.Info("providers_loaded", slog.Any("providers", names))

	return nil
}

// initServices creates the metrics registry, cache backend, admission
// scheduler and completion log.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	switch a.cfg.Cache.Mode {
	case "redis":
		rc := cache.NewRedisCacheFromClient(a.rdb)
		a.cache = rc
		a.cacheReady = func() bool { return rc.Ping(a.baseCtx) }
		a.log.Info("cache_backend", slog.String("mode", "redis"))

	case "memory":
		maxEntries := a.cfg.Cache.MaxEntries
		if maxEntries == 0 {
			maxEntries = -1
		}
		a.memCache = cache.NewMemoryCache(ctx, cache.MemoryOptions{
			MaxEntries:    maxEntries,
			SweepInterval: a.cfg.Cache.SweepInterval,
			OnEvict:       a.prom.CacheEviction,
		})
		a.cache = a.memCache
		a.log.Info("cache_backend",
			slog.String("mode", "memory"),
			slog.Int("max_entries", a.cfg.Cache.MaxEntries),
		)

	case "none":
		a.log.Info("cache_backend", slog.String("mode", "none"))

	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	if len(a.cfg.Cache.ExcludeExact) > 0 || len(a.cfg.Cache.ExcludePatterns) > 0 {
		el, err := cache.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
		if err != nil {
			return fmt.Errorf("cache exclusions: %w", err)
		}
		a.exclusions = el
		a.log.Info("cache_exclusions_loaded", slog.Int("rules", el.Len()))
	}

	schedOpts := ratelimit.Options{
		RequestsPerWindow: a.cfg.RateLimit.Requests,
		Window:            a.cfg.RateLimit.Window,
		Burst:             a.cfg.RateLimit.Burst,
		MaxConcurrent:     a.cfg.RateLimit.MaxConcurrent,
	}
	if a.rdb != nil && a.cfg.RateLimit.GlobalRPM > 0 {
		schedOpts.Global = ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.GlobalRPM)
		a.log.Info("global_rate_limit_enabled", slog.Int("rpm_limit", a.cfg.RateLimit.GlobalRPM))
	}
	sched, err := ratelimit.NewScheduler(schedOpts)
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	a.scheduler = sched

	reqLogger, err := logger.New(a.baseCtx, a.log)
	if err != nil {
		return fmt.Errorf("completion log: %w", err)
	}
	a.reqLogger = reqLogger

	return nil
}

// initGateway wires the gateway pipeline and its HTTP surface.
func (a *App) initGateway(_ context.Context) error {
	a.gw = gateway.New(a.baseCtx, a.provs, gateway.Options{
		Logger:          a.log,
		Cache:           a.cache,
		CacheTTL:        a.cfg.Cache.TTL,
		CacheExclusions: a.exclusions,
		Scheduler:       a.scheduler,
		Retry:           a.cfg.Retry.Policy(),
		Fallback: gateway.FallbackOptions{
			Chain:     a.cfg.Fallback.Chain,
			Threshold: a.cfg.Fallback.Threshold,
			Window:    a.cfg.Fallback.Window,
		},
		DefaultTier:   a.cfg.DefaultTier,
		Metrics:       a.prom,
		CompletionLog: a.reqLogger,
	})

	a.srv = server.New(a.baseCtx, a.gw, server.Options{
		Logger:         a.log,
		Metrics:        a.prom,
		CORSOrigins:    a.cfg.CORSOrigins,
		CacheReady:     a.cacheReady,
		RequestTimeout: a.cfg.RequestTimeout,
		RetryAfter:     a.cfg.Retry.MaxDelay,
	})

	return nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
