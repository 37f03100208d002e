package gateway

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/carlvisagie/purposeful-live-coaching-sub008/internal/providers"
)

// counters are the cumulative usage counters behind Stats.
type counters struct {
	requests     atomic.Int64
	cacheHits    atomic.Int64
	cacheMisses  atomic.Int64
	cacheBypass  atomic.Int64
	coalesced    atomic.Int64
	retries      atomic.Int64
	throttles    atomic.Int64
	fallbacks    atomic.Int64
	errors       atomic.Int64
	inputTokens  atomic.Int64
	outputTokens atomic.Int64
}

// Stats is a point-in-time snapshot of gateway usage.
type Stats struct {
	TotalRequests int64 `json:"total_requests"`
	CacheHits     int64 `json:"cache_hits"`
	CacheMisses   int64 `json:"cache_misses"`
	CacheBypassed int64 `json:"cache_bypassed"`
	// CacheHitRate is hits over cache lookups, in [0, 1].
	CacheHitRate float64 `json:"cache_hit_rate"`
	CacheSize    int     `json:"cache_size"`

	Coalesced int64 `json:"coalesced"`
	Retries   int64 `json:"retries"`
	Throttles int64 `json:"throttles"`
	Fallbacks int64 `json:"fallbacks"`
	Errors    int64 `json:"errors"`

	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens"`

	InFlight      int      `json:"in_flight"`
	Queued        int      `json:"scheduler_queued"`
	Active        int      `json:"scheduler_active"`
	DegradedTiers []string `json:"degraded_tiers"`
}

// Stats returns a snapshot of the gateway counters and live state.
func (g *Gateway) Stats(ctx context.Context) Stats {
	s := Stats{
		TotalRequests: g.stats.requests.Load(),
		CacheHits:     g.stats.cacheHits.Load(),
		CacheMisses:   g.stats.cacheMisses.Load(),
		CacheBypassed: g.stats.cacheBypass.Load(),
		Coalesced:     g.stats.coalesced.Load(),
		Retries:       g.stats.retries.Load(),
		Throttles:     g.stats.throttles.Load(),
		Fallbacks:     g.stats.fallbacks.Load(),
		Errors:        g.stats.errors.Load(),
		InputTokens:   g.stats.inputTokens.Load(),
		OutputTokens:  g.stats.outputTokens.Load(),
		InFlight:      g.inflight.Len(),
		DegradedTiers: g.fallback.Degraded(),
	}
	s.TotalTokens = s.InputTokens + s.OutputTokens

	if lookups := s.CacheHits + s.CacheMisses; lookups > 0 {
		s.CacheHitRate = float64(s.CacheHits) / float64(lookups)
	}
	if g.cache != nil {
		s.CacheSize = g.cache.Len(ctx)
	}

	sched := g.scheduler.Stats()
	s.Queued, s.Active = sched.Queued, sched.Active
	if s.DegradedTiers == nil {
		s.DegradedTiers = []string{}
	}
	return s
}

// Prewarm completes reqs one after another, spacing the calls by spacing, so
// their responses are cached before real traffic asks for them. Failures are
// logged and skipped. It returns the number of requests that succeeded and
// stops early when ctx ends.
func (g *Gateway) Prewarm(ctx context.Context, reqs []*providers.Request, spacing time.Duration) int {
	warmed := 0
	for i, req := range reqs {
		if i > 0 {
			if err := g.sleep(ctx, spacing); err != nil {
				break
			}
		}

		res, err := g.Complete(ctx, req)
		if err != nil {
			tier := ""
			if req != nil {
				tier = req.Model
			}
			g.log.WarnContext(ctx, "prewarm_failed",
				slog.Int("index", i),
				slog.String("tier", tier),
				slog.String("error", err.Error()),
			)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		warmed++
		g.log.DebugContext(ctx, "prewarm_done",
			slog.Int("index", i),
			slog.String("tier", res.Tier),
			slog.Bool("served_from_cache", res.ServedFromCache),
		)
	}

	g.log.InfoContext(ctx, "prewarm_complete",
		slog.Int("requested", len(reqs)),
		slog.Int("warmed", warmed),
	)
	return warmed
}
