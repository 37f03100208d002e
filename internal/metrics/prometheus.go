// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

var latencyBuckets = []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60}

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// gateway_inflight_requests
	httpInFlight prometheus.Gauge

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// gateway_completions_total{tier,outcome}
	completionsTotal *prometheus.CounterVec

	// gateway_completion_duration_seconds{tier,source}
	completionDuration *prometheus.HistogramVec

	// gateway_cache_operations_total{op,result}
	cacheOps *prometheus.CounterVec

	// gateway_cache_evictions_total{reason}
	cacheEvictions *prometheus.CounterVec

	// gateway_coalesced_followers_total
	coalescedFollowers prometheus.Counter

	// gateway_inflight_fingerprints
	inFlightFingerprints prometheus.Gauge

	// gateway_scheduler_queue_depth
	queueDepth prometheus.Gauge

	// gateway_scheduler_wait_seconds
	queueWait prometheus.Histogram

	// gateway_upstream_attempts_total{provider,tier,outcome}
	upstreamAttempts *prometheus.CounterVec

	// gateway_upstream_attempt_duration_seconds{provider,tier,outcome}
	upstreamDuration *prometheus.HistogramVec

	// gateway_retries_total{tier,reason}
	retriesTotal *prometheus.CounterVec

	// gateway_throttles_total{tier}
	throttlesTotal *prometheus.CounterVec

	// gateway_fallback_activations_total{from,to}
	fallbackActivations *prometheus.CounterVec

	// gateway_tier_degraded{tier}: 1=degraded, 0=primary
	tierDegraded *prometheus.GaugeVec

	// gateway_tier_transitions_total{tier,to_state}
	tierTransitions *prometheus.CounterVec

	// gateway_tokens_total{provider,tier,direction,cache}
	tokensTotal *prometheus.CounterVec

	// gateway_provider_health{provider}
	providerHealth *prometheus.GaugeVec

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the gateway",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: latencyBuckets,
			},
			[]string{"route"},
		),

		completionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_completions_total",
				Help: "Completion calls by requested tier and outcome",
			},
			[]string{"tier", "outcome"},
		),

		completionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_completion_duration_seconds",
				Help:    "End-to-end completion duration by how it was served (cache, coalesced, upstream)",
				Buckets: latencyBuckets,
			},
			[]string{"tier", "source"},
		),

		cacheOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_cache_operations_total",
				Help: "Cache operations by type and result",
			},
			[]string{"op", "result"},
		),

		cacheEvictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_cache_evictions_total",
				Help: "Entries removed from the in-memory cache",
			},
			[]string{"reason"},
		),

		coalescedFollowers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_coalesced_followers_total",
			Help: "Calls that attached to an identical in-flight request instead of going upstream",
		}),

		inFlightFingerprints: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_fingerprints",
			Help: "Distinct requests currently in flight upstream",
		}),

		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_scheduler_queue_depth",
			Help: "Upstream calls waiting for admission",
		}),

		queueWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_scheduler_wait_seconds",
			Help:    "Time spent waiting for scheduler admission",
			Buckets: latencyBuckets,
		}),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_upstream_attempts_total",
				Help: "Total upstream provider attempts (includes retries)",
			},
			[]string{"provider", "tier", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_upstream_attempt_duration_seconds",
				Help:    "Upstream provider attempt duration in seconds",
				Buckets: latencyBuckets,
			},
			[]string{"provider", "tier", "outcome"},
		),

		retriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_retries_total",
				Help: "Retries scheduled after a throttled or transient attempt",
			},
			[]string{"tier", "reason"},
		),

		throttlesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_throttles_total",
				Help: "Throttle responses observed from upstream",
			},
			[]string{"tier"},
		),

		fallbackActivations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_fallback_activations_total",
				Help: "Attempts routed to a fallback tier",
			},
			[]string{"from", "to"},
		),

		tierDegraded: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_tier_degraded",
				Help: "Tier fallback state (1=degraded, 0=primary)",
			},
			[]string{"tier"},
		),

		tierTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tier_transitions_total",
				Help: "Tier transitions between primary and degraded",
			},
			[]string{"tier", "to_state"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tokens_total",
				Help: "Token usage totals derived from upstream usage fields",
			},
			[]string{"provider", "tier", "direction", "cache"},
		),

		providerHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_provider_health",
				Help: "Provider health status (1=ok, 0=degraded)",
			},
			[]string{"provider"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.httpInFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.completionsTotal,
		r.completionDuration,
		r.cacheOps,
		r.cacheEvictions,
		r.coalescedFollowers,
		r.inFlightFingerprints,
		r.queueDepth,
		r.queueWait,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.retriesTotal,
		r.throttlesTotal,
		r.fallbackActivations,
		r.tierDegraded,
		r.tierTransitions,
		r.tokensTotal,
		r.providerHealth,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.httpInFlight.Inc() }
func (r *Registry) DecInFlight() { r.httpInFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// ObserveCompletion records one Complete call. source is "cache",
// "coalesced" or "upstream"; outcome is "success" or an error kind.
func (r *Registry) ObserveCompletion(tier, source, outcome string, dur time.Duration) {
	r.completionsTotal.WithLabelValues(tier, outcome).Inc()
	r.completionDuration.WithLabelValues(tier, source).Observe(dur.Seconds())
}

func (r *Registry) CacheGetHit()    { r.cacheOps.WithLabelValues("get", "hit").Inc() }
func (r *Registry) CacheGetMiss()   { r.cacheOps.WithLabelValues("get", "miss").Inc() }
func (r *Registry) CacheGetBypass() { r.cacheOps.WithLabelValues("get", "bypass").Inc() }
func (r *Registry) CacheSetOK()     { r.cacheOps.WithLabelValues("set", "ok").Inc() }
func (r *Registry) CacheSetError()  { r.cacheOps.WithLabelValues("set", "error").Inc() }

func (r *Registry) CacheEviction(reason string) {
	r.cacheEvictions.WithLabelValues(reason).Inc()
}

func (r *Registry) CoalescedFollower() { r.coalescedFollowers.Inc() }

func (r *Registry) SetInFlightFingerprints(n int) { r.inFlightFingerprints.Set(float64(n)) }

// ObserveAdmission records scheduler queue depth and the wait of one admission.
func (r *Registry) ObserveAdmission(queued int, wait time.Duration) {
	r.queueDepth.Set(float64(queued))
	r.queueWait.Observe(wait.Seconds())
}

// ObserveUpstreamAttempt records one upstream provider attempt.
func (r *Registry) ObserveUpstreamAttempt(provider, tier, outcome string, dur time.Duration) {
	r.upstreamAttempts.WithLabelValues(provider, tier, outcome).Inc()
	r.upstreamDuration.WithLabelValues(provider, tier, outcome).Observe(dur.Seconds())
}

func (r *Registry) RecordRetry(tier, reason string) {
	r.retriesTotal.WithLabelValues(tier, reason).Inc()
}

func (r *Registry) RecordThrottle(tier string) {
	r.throttlesTotal.WithLabelValues(tier).Inc()
}

func (r *Registry) RecordFallback(from, to string) {
	r.fallbackActivations.WithLabelValues(from, to).Inc()
}

// SetTierDegraded sets the tier state gauge and counts the transition.
func (r *Registry) SetTierDegraded(tier string, degraded bool) {
	state := "primary"
	v := 0.0
	if degraded {
		state = "degraded"
		v = 1
	}
	r.tierDegraded.WithLabelValues(tier).Set(v)
	r.tierTransitions.WithLabelValues(tier, state).Inc()
}

func (r *Registry) AddTokens(provider, tier string, inputTokens, outputTokens int, cached bool) {
	cache := "miss"
	if cached {
		cache = "hit"
	}
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, tier, "input", cache).Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, tier, "output", cache).Add(float64(outputTokens))
	}
	if inputTokens+outputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, tier, "total", cache).Add(float64(inputTokens + outputTokens))
	}
}

func (r *Registry) SetProviderHealth(provider string, ok bool) {
	if ok {
		r.providerHealth.WithLabelValues(provider).Set(1)
		return
	}
	r.providerHealth.WithLabelValues(provider).Set(0)
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}
func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
