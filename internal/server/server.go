// Package server exposes the gateway over HTTP.
//
// Routes:
//
//	POST /v1/complete     one completion through the gateway pipeline
//	GET  /v1/stats        usage counters and live scheduler state
//	POST /v1/cache/clear  drop every cached response
//	GET  /health          component health snapshot
//	GET  /readiness       200 when the gateway can take traffic
//	GET  /metrics         Prometheus exposition (when a registry is set)
//
// Every route runs behind the same middleware chain: recovery, request id,
// timing, metrics, CORS and security headers.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/carlvisagie/purposeful-live-coaching-sub008/internal/gateway"
	"github.com/carlvisagie/purposeful-live-coaching-sub008/internal/metrics"
	"github.com/carlvisagie/purposeful-live-coaching-sub008/pkg/apierr"
)

const (
	routeComplete   = "/v1/complete"
	routeStats      = "/v1/stats"
	routeCacheClear = "/v1/cache/clear"
	routeHealth     = "/health"
	routeReadiness  = "/readiness"
	routeMetrics    = "/metrics"
)

const (
	// DefaultRequestTimeout bounds how long a client waits on /v1/complete.
	DefaultRequestTimeout = 2 * time.Minute

	maxRequestBodySize = 4 << 20
)

// Options holds optional server tuning. All fields can be omitted.
type Options struct {
	// Logger defaults to slog.Default() when nil.
	Logger *slog.Logger

	// Metrics enables /metrics and HTTP instrumentation. Nil disables both.
	Metrics *metrics.Registry

	// CORSOrigins lists allowed origins; empty or ["*"] allows all.
	CORSOrigins []string

	// CacheReady probes a shared cache backend for /health and /readiness.
	CacheReady func() bool

	// RequestTimeout bounds one /v1/complete call. Default: DefaultRequestTimeout.
	RequestTimeout time.Duration

	// RetryAfter is advertised on 429 responses. Default: apierr.DefaultRetryAfter.
	RetryAfter time.Duration
}

// Server is the HTTP surface of one gateway.
type Server struct {
	baseCtx context.Context
	gw      *gateway.Gateway
	health  *HealthChecker
	log     *slog.Logger
	metrics *metrics.Registry

	corsOrigins    []string
	requestTimeout time.Duration
	retryAfter     time.Duration

	srv *fasthttp.Server
}

// New creates a Server for gw. Background health probes start immediately
// when gw has providers and stop with baseCtx or Shutdown.
func New(baseCtx context.Context, gw *gateway.Gateway, opts Options) *Server {
	if baseCtx == nil {
		panic("server: context must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	retryAfter := opts.RetryAfter
	if retryAfter <= 0 {
		retryAfter = apierr.DefaultRetryAfter
	}

	s := &Server{
		baseCtx:        baseCtx,
		gw:             gw,
		log:            log,
		metrics:        opts.Metrics,
		corsOrigins:    opts.CORSOrigins,
		requestTimeout: timeout,
		retryAfter:     retryAfter,
	}

	if provs := gw.Providers(); len(provs) > 0 {
		s.health = NewHealthChecker(baseCtx, provs, opts.CacheReady, gw.Fallback().Degraded, opts.Metrics)
	}

	s.srv = &fasthttp.Server{
		Handler:            s.Handler(),
		Name:               "llm-gateway",
		ReadTimeout:        60 * time.Second,
		WriteTimeout:       timeout + 10*time.Second,
		MaxRequestBodySize: maxRequestBodySize,
	}

	return s
}

// Handler returns the routed handler wrapped in the middleware chain.
func (s *Server) Handler() fasthttp.RequestHandler {
	r := router.New()

	r.POST(routeComplete, s.handleComplete)
	r.GET(routeStats, s.handleStats)
	r.POST(routeCacheClear, s.handleCacheClear)
	r.GET(routeHealth, s.handleHealth)
	r.GET(routeReadiness, s.handleReadiness)

	if s.metrics != nil {
		r.GET(routeMetrics, s.metrics.Handler())
	}

	return applyMiddleware(r.Handler,
		recovery(s.log),
		requestID,
		timing,
		instrument(s.metrics),
		corsHandler(s.corsOrigins),
		securityHeaders,
	)
}

// ListenAndServe serves HTTP on addr (e.g. ":8080") until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	return s.srv.ListenAndServe(addr)
}

// Serve serves HTTP on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	return s.srv.Serve(ln)
}

// Shutdown stops accepting connections, waits for open requests up to ctx's
// deadline and stops the health probes.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.health != nil {
		s.health.Close()
	}
	return s.srv.ShutdownWithContext(ctx)
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
