// Package gateway is the single entry point through which the application
// talks to LLM completion APIs.
//
// Complete fingerprints the request, serves it from the response cache when
// possible, attaches to an identical in-flight call when one exists, and
// otherwise runs the upstream pipeline: fallback tier selection, scheduler
// admission, and an attempt loop with exponential backoff and jitter.
//
// Key design constraints:
//   - At most one upstream call is in flight per fingerprint.
//   - The leader's upstream work is detached from its caller's cancellation;
//     a caller that gives up only stops waiting.
//   - Cache, metrics and completion log are optional and nil-safe.
//   - Failures are never cached.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/carlvisagie/purposeful-live-coaching-sub008/internal/cache"
	"github.com/carlvisagie/purposeful-live-coaching-sub008/internal/coalesce"
	"github.com/carlvisagie/purposeful-live-coaching-sub008/internal/fingerprint"
	"github.com/carlvisagie/purposeful-live-coaching-sub008/internal/logger"
	"github.com/carlvisagie/purposeful-live-coaching-sub008/internal/metrics"
	"github.com/carlvisagie/purposeful-live-coaching-sub008/internal/providers"
	"github.com/carlvisagie/purposeful-live-coaching-sub008/internal/ratelimit"
)

// DefaultTier serves requests that name no tier.
const DefaultTier = "gpt-4o"

// Options holds optional dependencies and tuning for a Gateway. All fields
// have sensible defaults and can be omitted.
type Options struct {
	// Logger is the structured logger for gateway events.
	// Defaults to slog.Default() when nil.
	Logger *slog.Logger

	// Cache stores successful responses. Nil disables caching.
	Cache cache.Cache

	// CacheTTL is the lifetime of cached responses. Default: cache.DefaultTTL.
	CacheTTL time.Duration

	// CacheExclusions lists tiers whose responses are never cached.
	CacheExclusions *cache.ExclusionList

	// Scheduler admits upstream calls. Defaults to a scheduler with
	// ratelimit defaults.
	Scheduler *ratelimit.Scheduler

	// Retry bounds the attempt loop.
	Retry RetryPolicy

	// Fallback configures tier degradation.
	Fallback FallbackOptions

	// DefaultTier is used when a request names no model. Default: DefaultTier.
	DefaultTier string

	// Metrics enables Prometheus metrics collection. Nil disables metrics.
	Metrics *metrics.Registry

	// CompletionLog receives one entry per Complete call. Nil disables it.
	CompletionLog *logger.Logger
}

// Result is what a caller receives from Complete.
type Result struct {
	Text  string `json:"text"`
	ID    string `json:"id"`
	Model string `json:"model"`
	// Tier is the tier that produced the answer.
	Tier string `json:"tier"`
	// RequestedTier is the tier the caller asked for.
	RequestedTier   string               `json:"requested_tier"`
	Provider        string               `json:"provider"`
	Usage           providers.Usage      `json:"usage"`
	UsedFallback    bool                 `json:"used_fallback"`
	ServedFromCache bool                 `json:"served_from_cache"`
	Coalesced       bool                 `json:"coalesced"`
	Attempts        int                  `json:"attempts"`
	FinishReason    string               `json:"finish_reason,omitempty"`
	ToolCalls       []providers.ToolCall `json:"tool_calls,omitempty"`
}

// upstreamResult is the value shared by every waiter of one in-flight call.
type upstreamResult struct {
	resp         *providers.Response
	tier         string
	provider     string
	usedFallback bool
	attempts     int
}

// Gateway is the facade. All dependencies are injected via New so they can be
// replaced with doubles in tests; several gateways may coexist.
type Gateway struct {
	providers map[string]providers.Provider

	cache      cache.Cache
	cacheTTL   time.Duration
	exclusions *cache.ExclusionList

	inflight  *coalesce.Group[*upstreamResult]
	scheduler *ratelimit.Scheduler
	fallback  *FallbackPolicy
	retry     RetryPolicy

	defaultTier string

	baseCtx context.Context
	log     *slog.Logger
	metrics *metrics.Registry
	reqLog  *logger.Logger

	stats counters

	// Test hooks.
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(max time.Duration) time.Duration
}

// New creates a Gateway serving provs, keyed by provider name. baseCtx bounds
// all detached upstream work: cancelling it aborts in-flight retries.
func New(baseCtx context.Context, provs map[string]providers.Provider, opts Options) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	cacheTTL := opts.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = cache.DefaultTTL
	}

	sched := opts.Scheduler
	if sched == nil {
		// Zero options always validate.
		sched, _ = ratelimit.NewScheduler(ratelimit.Options{})
	}

	defaultTier := strings.TrimSpace(opts.DefaultTier)
	if defaultTier == "" {
		defaultTier = DefaultTier
	}

	g := &Gateway{
		providers:   provs,
		cache:       opts.Cache,
		cacheTTL:    cacheTTL,
		exclusions:  opts.CacheExclusions,
		inflight:    coalesce.NewGroup[*upstreamResult](),
		scheduler:   sched,
		retry:       opts.Retry.withDefaults(),
		defaultTier: defaultTier,
		baseCtx:     baseCtx,
		log:         log,
		metrics:     opts.Metrics,
		reqLog:      opts.CompletionLog,
		sleep:       sleepContext,
		jitter:      randomJitter,
	}
	g.fallback = NewFallbackPolicy(opts.Fallback, g.onTierChange)

	return g
}

// Complete returns a completion for req.
//
// Failures are *Error values, except when ctx ends while the caller is
// waiting: then ctx.Err() is returned and the upstream call carries on for
// any other waiters.
func (g *Gateway) Complete(ctx context.Context, req *providers.Request) (*Result, error) {
	start := time.Now()
	g.stats.requests.Add(1)

	r, err := g.normalize(req)
	if err != nil {
		g.stats.errors.Add(1)
		g.finish(r, nil, "invalid", start, err)
		return nil, err
	}

	fp, err := fingerprint.Of(r)
	if err != nil {
		err = &Error{Kind: KindFatal, Tier: r.Model, Err: fmt.Errorf("%w: %w", ErrInvalidRequest, err)}
		g.stats.errors.Add(1)
		g.finish(r, nil, "invalid", start, err)
		return nil, err
	}
	cacheable := g.cacheable(r)

	// 1. Cache fast path.
	if res, ok := g.lookup(ctx, r, fp, cacheable); ok {
		g.finish(r, res, "cache", start, nil)
		return res, nil
	}

	// 2. Coalesce with an identical in-flight call, or lead a new one.
	call, leader := g.inflight.Join(fp)
	g.setInFlight()
	if leader {
		g.log.DebugContext(ctx, "upstream_lead",
			slog.String("request_id", r.RequestID),
			slog.String("fingerprint", fp.String()),
			slog.String("tier", r.Model),
		)
		go g.lead(ctx, call, r, fp, cacheable)
	} else {
		g.stats.coalesced.Add(1)
		if g.metrics != nil {
			g.metrics.CoalescedFollower()
		}
		g.log.DebugContext(ctx, "coalesced_wait",
			slog.String("request_id", r.RequestID),
			slog.String("fingerprint", fp.String()),
			slog.Int("waiters", call.Waiters()),
			slog.Duration("leader_age", time.Since(call.StartedAt())),
		)
	}

	up, err := call.Wait(ctx)
	if err != nil {
		g.stats.errors.Add(1)
		g.finish(r, nil, sourceOf(leader), start, err)
		return nil, err
	}

	res := newResult(up, r.Model)
	res.Coalesced = !leader
	g.finish(r, res, sourceOf(leader), start, nil)
	return res, nil
}

func sourceOf(leader bool) string {
	if leader {
		return "upstream"
	}
	return "coalesced"
}

// lead runs the upstream pipeline for call on a context that ignores the
// triggering caller's cancellation but ends with the gateway's base context.
func (g *Gateway) lead(ctx context.Context, call *coalesce.Call[*upstreamResult], req *providers.Request, fp fingerprint.Fingerprint, cacheable bool) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	stop := context.AfterFunc(g.baseCtx, cancel)
	defer stop()

	var (
		up  *upstreamResult
		err error
	)
	defer func() {
		if p := recover(); p != nil {
			g.log.ErrorContext(runCtx, "upstream_panic",
				slog.String("request_id", req.RequestID),
				slog.Any("panic", p),
			)
			up, err = nil, &Error{Kind: KindTransient, Tier: req.Model, Err: fmt.Errorf("panic: %v", p)}
		}
		g.inflight.Resolve(call, up, err)
		g.setInFlight()
	}()

	// A call that resolved between our cache miss and Join may have filled
	// the cache already.
	if cacheable {
		if e, ok := g.cache.Get(runCtx, fp); ok {
			up = &upstreamResult{resp: &e.Response, tier: req.Model, provider: providers.ResolveProvider(req.Model)}
			return
		}
	}

	up, err = g.execute(runCtx, req)
	if err != nil || !cacheable {
		return
	}
	// Only answers from the requested tier are cached.
	if up.usedFallback {
		g.log.DebugContext(runCtx, "cache_skip_fallback",
			slog.String("request_id", req.RequestID),
			slog.String("requested_tier", req.Model),
			slog.String("tier", up.tier),
		)
		return
	}
	if !g.exclusions.Excludes(up.tier) {
		g.store(runCtx, fp, up.resp)
	}
}

// execute runs the attempt loop. Before every attempt the effective tier is
// re-selected, so a fallback decided mid-sequence applies to the remaining
// attempts.
func (g *Gateway) execute(ctx context.Context, req *providers.Request) (*upstreamResult, error) {
	requested := req.Model

	var (
		lastErr      error
		lastKind     Kind
		tier         string
		usedFallback bool
	)

	for attempt := 1; attempt <= g.retry.MaxAttempts; attempt++ {
		tier, usedFallback = g.fallback.SelectTier(requested)
		if usedFallback && g.metrics != nil {
			g.metrics.RecordFallback(requested, tier)
		}

		provName := providers.ResolveProvider(tier)
		prov, ok := g.providers[provName]
		if !ok {
			return nil, &Error{
				Kind:     KindFatal,
				Tier:     tier,
				Attempts: attempt - 1,
				Err:      fmt.Errorf("%w for tier %q (provider %s)", ErrNoProvider, tier, provName),
			}
		}

		tok, err := g.scheduler.Admit(ctx)
		if err != nil {
			return nil, g.aborted(tier, attempt-1, lastKind, lastErr, err)
		}
		if g.metrics != nil {
			g.metrics.ObserveAdmission(g.scheduler.Stats().Queued, tok.Waited())
		}

		attemptReq := *req
		attemptReq.Model = tier

		attemptCtx, cancel := context.WithTimeout(ctx, g.retry.AttemptTimeout)
		t0 := time.Now()
		resp, err := prov.Complete(attemptCtx, &attemptReq)
		dur := time.Since(t0)
		cancel()
		tok.Release()

		out := classify(err)
		if out == outcomeSuccess && resp == nil {
			out, err = outcomeTransient, fmt.Errorf("%s: empty response", provName)
		}
		if g.metrics != nil {
			g.metrics.ObserveUpstreamAttempt(provName, tier, out.String(), dur)
		}

		switch out {
		case outcomeSuccess:
			g.fallback.RecordSuccess(tier)
			if usedFallback {
				g.log.InfoContext(ctx, "fallback_success",
					slog.String("request_id", req.RequestID),
					slog.String("requested_tier", requested),
					slog.String("tier", tier),
					slog.Int("attempt", attempt),
				)
			}
			return &upstreamResult{
				resp:         resp,
				tier:         tier,
				provider:     provName,
				usedFallback: usedFallback,
				attempts:     attempt,
			}, nil

		case outcomeThrottled:
			g.stats.throttles.Add(1)
			g.fallback.RecordThrottle(tier)
			if g.metrics != nil {
				g.metrics.RecordThrottle(tier)
			}

		case outcomeTransient:

		case outcomeFatal:
			g.log.WarnContext(ctx, "upstream_fatal",
				slog.String("request_id", req.RequestID),
				slog.String("tier", tier),
				slog.String("provider", provName),
				slog.String("error", err.Error()),
			)
			return nil, &Error{Kind: KindFatal, Tier: tier, Attempts: attempt, Err: err}
		}

		lastErr, lastKind = err, out.kind()

		g.log.WarnContext(ctx, "upstream_attempt_failed",
			slog.String("request_id", req.RequestID),
			slog.String("tier", tier),
			slog.String("provider", provName),
			slog.String("reason", out.String()),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", g.retry.MaxAttempts),
			slog.Int64("latency_ms", dur.Milliseconds()),
			slog.String("error", err.Error()),
		)

		if attempt == g.retry.MaxAttempts {
			break
		}
		if ctx.Err() != nil {
			return nil, g.aborted(tier, attempt, lastKind, lastErr, ctx.Err())
		}

		delay := g.retry.Backoff(attempt-1, g.jitter(g.retry.Jitter))
		g.stats.retries.Add(1)
		if g.metrics != nil {
			g.metrics.RecordRetry(tier, out.String())
		}
		g.log.DebugContext(ctx, "retry_scheduled",
			slog.String("request_id", req.RequestID),
			slog.String("tier", tier),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
		)
		if err := g.sleep(ctx, delay); err != nil {
			return nil, g.aborted(tier, attempt, lastKind, lastErr, err)
		}
	}

	g.log.ErrorContext(ctx, "retries_exhausted",
		slog.String("request_id", req.RequestID),
		slog.String("requested_tier", requested),
		slog.String("tier", tier),
		slog.Int("attempts", g.retry.MaxAttempts),
		slog.String("last_reason", lastKind.String()),
		slog.String("error", lastErr.Error()),
	)
	return nil, &Error{
		Kind:     KindExhaustedRetries,
		Tier:     tier,
		Attempts: g.retry.MaxAttempts,
		LastKind: lastKind,
		Err:      lastErr,
	}
}

// aborted builds the error for an attempt loop stopped by its context
// (gateway shutdown) rather than by the upstream.
func (g *Gateway) aborted(tier string, attempts int, lastKind Kind, lastErr, cause error) *Error {
	if lastErr == nil {
		return &Error{Kind: KindTransient, Tier: tier, Attempts: attempts, Err: cause}
	}
	return &Error{Kind: lastKind, Tier: tier, Attempts: attempts, Err: lastErr}
}

// normalize validates req and returns a copy with the default tier applied.
func (g *Gateway) normalize(req *providers.Request) (*providers.Request, error) {
	if req == nil {
		return &providers.Request{Model: g.defaultTier}, invalid(g.defaultTier, "request is nil")
	}

	r := *req
	r.Model = strings.TrimSpace(r.Model)
	if r.Model == "" {
		r.Model = g.defaultTier
	}

	if len(r.Messages) == 0 {
		return &r, invalid(r.Model, "at least one message is required")
	}
	for i, m := range r.Messages {
		switch strings.ToLower(strings.TrimSpace(m.Role)) {
		case "system", "developer", "user", "assistant", "tool":
		default:
			return &r, invalid(r.Model, fmt.Sprintf("messages[%d]: unsupported role %q", i, m.Role))
		}
	}
	if r.MaxTokens < 0 {
		return &r, invalid(r.Model, "max_tokens must not be negative")
	}
	if r.Temperature != nil && (*r.Temperature < 0 || *r.Temperature > 2) {
		return &r, invalid(r.Model, "temperature must be between 0 and 2")
	}
	if r.TopP != nil && (*r.TopP < 0 || *r.TopP > 1) {
		return &r, invalid(r.Model, "top_p must be between 0 and 1")
	}
	for i, t := range r.Tools {
		if strings.TrimSpace(t.Name) == "" {
			return &r, invalid(r.Model, fmt.Sprintf("tools[%d]: name is required", i))
		}
	}
	return &r, nil
}

func invalid(tier, msg string) *Error {
	return &Error{Kind: KindFatal, Tier: tier, Err: fmt.Errorf("%w: %s", ErrInvalidRequest, msg)}
}

// cacheable reports whether req may be served from and written to the cache.
// Tool-bearing requests depend on external state and always go upstream.
func (g *Gateway) cacheable(req *providers.Request) bool {
	return g.cache != nil &&
		!req.SkipCache &&
		len(req.Tools) == 0 &&
		!g.exclusions.Excludes(req.Model)
}

// lookup serves req from the cache when possible.
func (g *Gateway) lookup(ctx context.Context, req *providers.Request, fp fingerprint.Fingerprint, cacheable bool) (*Result, bool) {
	if !cacheable {
		g.stats.cacheBypass.Add(1)
		if g.metrics != nil {
			g.metrics.CacheGetBypass()
		}
		return nil, false
	}

	e, ok := g.cache.Get(ctx, fp)
	if !ok {
		g.stats.cacheMisses.Add(1)
		if g.metrics != nil {
			g.metrics.CacheGetMiss()
		}
		return nil, false
	}

	g.stats.cacheHits.Add(1)
	if g.metrics != nil {
		g.metrics.CacheGetHit()
	}
	g.log.DebugContext(ctx, "cache_hit",
		slog.String("request_id", req.RequestID),
		slog.String("fingerprint", fp.String()),
		slog.String("tier", req.Model),
		slog.Duration("age", time.Since(e.CreatedAt)),
	)

	res := newResult(&upstreamResult{
		resp:     &e.Response,
		tier:     req.Model,
		provider: providers.ResolveProvider(req.Model),
	}, req.Model)
	res.ServedFromCache = true
	return res, true
}

func (g *Gateway) store(ctx context.Context, fp fingerprint.Fingerprint, resp *providers.Response) {
	if err := g.cache.Put(ctx, fp, resp, g.cacheTTL); err != nil {
		if g.metrics != nil {
			g.metrics.CacheSetError()
		}
		g.log.WarnContext(ctx, "cache_put_failed",
			slog.String("fingerprint", fp.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	if g.metrics != nil {
		g.metrics.CacheSetOK()
	}
}

func newResult(up *upstreamResult, requested string) *Result {
	resp := up.resp
	return &Result{
		Text:          resp.Content,
		ID:            resp.ID,
		Model:         resp.Model,
		Tier:          up.tier,
		RequestedTier: requested,
		Provider:      up.provider,
		Usage:         resp.Usage,
		UsedFallback:  up.usedFallback,
		Attempts:      up.attempts,
		FinishReason:  resp.FinishReason,
		ToolCalls:     resp.ToolCalls,
	}
}

// finish records stats, metrics and the completion log for one Complete call.
func (g *Gateway) finish(req *providers.Request, res *Result, source string, start time.Time, err error) {
	dur := time.Since(start)

	outcome := "success"
	if err != nil {
		outcome = errorOutcome(err)
	}

	entry := logger.CompletionLog{
		RequestID:     req.RequestID,
		RequestedTier: req.Model,
		LatencyMs:     uint32(min(dur.Milliseconds(), int64(^uint32(0)))),
		Outcome:       outcome,
		CreatedAt:     start,
	}
	if res != nil {
		entry.Tier = res.Tier
		entry.Provider = res.Provider
		entry.InputTokens = uint32(res.Usage.InputTokens)
		entry.OutputTokens = uint32(res.Usage.OutputTokens)
		entry.Attempts = uint8(min(res.Attempts, 255))
		entry.Cached = res.ServedFromCache
		entry.Coalesced = res.Coalesced
		entry.Fallback = res.UsedFallback

		if !res.ServedFromCache && !res.Coalesced {
			g.stats.inputTokens.Add(int64(res.Usage.InputTokens))
			g.stats.outputTokens.Add(int64(res.Usage.OutputTokens))
			if res.UsedFallback {
				g.stats.fallbacks.Add(1)
			}
		}
	}

	if g.metrics != nil {
		g.metrics.ObserveCompletion(req.Model, source, outcome, dur)
		if res != nil {
			g.metrics.AddTokens(res.Provider, res.Tier, res.Usage.InputTokens, res.Usage.OutputTokens, res.ServedFromCache)
		}
	}

	if g.reqLog != nil {
		g.reqLog.Log(entry)
	}
}

func errorOutcome(err error) string {
	var ge *Error
	switch {
	case errors.As(err, &ge):
		if errors.Is(ge, ErrInvalidRequest) {
			return "invalid"
		}
		return ge.Kind.String()
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}

func (g *Gateway) setInFlight() {
	if g.metrics != nil {
		g.metrics.SetInFlightFingerprints(g.inflight.Len())
	}
}

func (g *Gateway) onTierChange(tier string, degraded bool) {
	if degraded {
		next := DefaultFallbackChain[tier]
		if n, ok := g.fallback.chain[tier]; ok {
			next = n
		}
		g.log.Warn("tier_degraded",
			slog.String("tier", tier),
			slog.String("fallback", next),
			slog.Int("threshold", g.fallback.threshold),
			slog.Duration("window", g.fallback.window),
		)
	} else {
		g.log.Info("tier_restored", slog.String("tier", tier))
	}
	if g.metrics != nil {
		g.metrics.SetTierDegraded(tier, degraded)
	}
}

// ClearCache drops every cached response.
func (g *Gateway) ClearCache(ctx context.Context) error {
	if g.cache == nil {
		return nil
	}
	if err := g.cache.Clear(ctx); err != nil {
		return fmt.Errorf("gateway: clear cache: %w", err)
	}
	g.log.InfoContext(ctx, "cache_cleared")
	return nil
}

// Providers returns the configured upstream clients keyed by name.
func (g *Gateway) Providers() map[string]providers.Provider {
	return g.providers
}

// Fallback exposes the tier policy, for health and stats reporting.
func (g *Gateway) Fallback() *FallbackPolicy {
	return g.fallback
}
