// Command gateway is the resilient AI request gateway.
//
// It fronts the OpenAI, Anthropic and Gemini completion APIs with a response
// cache, in-flight coalescing, a FIFO rate-limited scheduler, retry with
// exponential backoff and a per-tier fallback chain.
//
// Usage:
//
//	gateway [-version]
//
// Routes:
//
//	POST /v1/complete      run one completion (X-Cache: HIT | MISS | COALESCED)
//	GET  /v1/stats         usage counters and live scheduler state
//	POST /v1/cache/clear   drop every cached response
//	GET  /health           provider, cache and degraded-tier status
//	GET  /readiness        200 once the cache answers and a provider is healthy
//	GET  /metrics          Prometheus exposition
//
// Configuration comes from the environment, an optional .env file and an
// optional config.yaml. The most used variables:
//
//	OPENAI_API_KEY, ANTHROPIC_API_KEY, GEMINI_API_KEY   at least one required
//	PORT (8080), LOG_LEVEL (info), DEFAULT_TIER (gpt-4o)
//	CACHE_MODE (memory | redis | none), CACHE_TTL (5m), REDIS_URL
//	RATE_LIMIT_REQUESTS (60), RATE_LIMIT_WINDOW (1m), MAX_CONCURRENT_REQUESTS (10)
//	GLOBAL_RPM_LIMIT (0, needs REDIS_URL)
//	RETRY_MAX_ATTEMPTS (5), RETRY_BASE_DELAY (1s), RETRY_MAX_DELAY (30s)
//	FALLBACK_CHAIN, FALLBACK_THRESHOLD (3), FALLBACK_WINDOW (2m)
//
// Quick-start against the bundled mock upstreams:
//
//	go run ./mock/providers &
//	OPENAI_API_KEY=test OPENAI_BASE_URL=http://localhost:19001 ./gateway
//
// See .env.example for every variable and its default.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/carlvisagie/purposeful-live-coaching-sub008/internal/app"
	"github.com/carlvisagie/purposeful-live-coaching-sub008/internal/config"
)

// version is overridden at build time via -ldflags="-X main.version=x.y.z".
var version = "0.1.0"

func main() {
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Println(version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	gw, err := app.New(ctx, cfg, logger, version)
	if err != nil {
		logger.Error("startup_failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer gw.Close()

	if err := gw.Run(ctx); err != nil {
		logger.Error("gateway_stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("gateway_exited", slog.String("version", version))
}

// newLogger returns the JSON logger shared by every subsystem. config.Load
// has already validated level, so a parse failure cannot happen in practice
// and falls back to info.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     l,
		AddSource: l <= slog.LevelDebug,
	}))
}
