// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra: external connections (Redis when needed)
//  2. initProviders: LLM provider clients
//  3. initServices: metrics, cache, scheduler, completion log
//  4. initGateway: gateway pipeline + HTTP server
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/carlvisagie/purposeful-live-coaching-sub008/internal/cache"
	"github.com/carlvisagie/purposeful-live-coaching-sub008/internal/config"
	"github.com/carlvisagie/purposeful-live-coaching-sub008/internal/gateway"
	"github.com/carlvisagie/purposeful-live-coaching-sub008/internal/logger"
	"github.com/carlvisagie/purposeful-live-coaching-sub008/internal/metrics"
	"github.com/carlvisagie/purposeful-live-coaching-sub008/internal/providers"
	anthropicprov "github.com/carlvisagie/purposeful-live-coaching-sub008/internal/providers/anthropic"
	geminiprov "github.com/carlvisagie/purposeful-live-coaching-sub008/internal/providers/gemini"
	openaiprov "github.com/carlvisagie/purposeful-live-coaching-sub008/internal/providers/openai"
	"github.com/carlvisagie/purposeful-live-coaching-sub008/internal/ratelimit"
	"github.com/carlvisagie/purposeful-live-coaching-sub008/internal/server"
)

// shutdownTimeout bounds how long Run waits for open requests on exit.
const shutdownTimeout = 15 * time.Second

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections: nil when not configured.
	rdb *redis.Client

	prom       *metrics.Registry
	memCache   *cache.MemoryCache
	cache      cache.Cache
	cacheReady func() bool
	exclusions *cache.ExclusionList
	scheduler  *ratelimit.Scheduler
	reqLogger  *logger.Logger

	provs map[string]providers.Provider
	gw    *gateway.Gateway
	srv   *server.Server

	closeOnce sync.Once
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"providers", a.initProviders},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Gateway returns the wired gateway facade.
func (a *App) Gateway() *gateway.Gateway { return a.gw }

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := net.JoinHostPort("", strconv.Itoa(a.cfg.Port))

	a.log.Info("gateway_starting",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("cache_mode", a.cfg.Cache.Mode),
		slog.String("default_tier", a.cfg.DefaultTier),
		slog.Int("providers", len(a.provs)),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.srv.ListenAndServe(addr); err != nil {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()

		if err := a.srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server_shutdown_failed", slog.String("error", err.Error()))
		}
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		if a.reqLogger != nil {
			if err := a.reqLogger.Close(); err != nil {
				a.log.Error("completion_log_close_failed", slog.String("error", err.Error()))
			}
		}
		if a.memCache != nil {
			a.memCache.Close()
		}
		if a.rdb != nil {
			if err := a.rdb.Close(); err != nil {
				a.log.Error("redis_close_failed", slog.String("error", err.Error()))
			}
		}
	})
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
// Returns an error: callers decide whether to fatal or degrade.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// buildProviders creates a provider map from non-empty API keys.
func buildProviders(ctx context.Context, cfg *config.Config) (map[string]providers.Provider, error) {
	provs := make(map[string]providers.Provider)

	if cfg.OpenAI.APIKey != "" {
		var openaiOpts []openaiprov.Option
		if cfg.OpenAI.BaseURL != "" {
			openaiOpts = append(openaiOpts, openaiprov.WithBaseURL(cfg.OpenAI.BaseURL))
		}
		provs["openai"] = openaiprov.New(cfg.OpenAI.APIKey, openaiOpts...)
	}
	if cfg.Anthropic.APIKey != "" {
		var anthropicOpts []anthropicprov.Option
		if cfg.Anthropic.BaseURL != "" {
			anthropicOpts = append(anthropicOpts, anthropicprov.WithBaseURL(cfg.Anthropic.BaseURL))
		}
		provs["anthropic"] = anthropicprov.New(cfg.Anthropic.APIKey, anthropicOpts...)
	}
	if cfg.Gemini.APIKey != "" {
		var geminiOpts []geminiprov.Option
		if cfg.Gemini.BaseURL != "" {
			geminiOpts = append(geminiOpts, geminiprov.WithBaseURL(cfg.Gemini.BaseURL))
		}
		p, err := geminiprov.New(ctx, cfg.Gemini.APIKey, geminiOpts...)
		if err != nil {
			return nil, fmt.Errorf("gemini: %w", err)
		}
		provs["gemini"] = p
	}

	return provs, nil
}
