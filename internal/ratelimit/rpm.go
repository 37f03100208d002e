// Package ratelimit paces outgoing upstream calls.
//
// Scheduler is the per-process admission gate: a token bucket for request
// spacing plus a FIFO bound on concurrent calls. RPMLimiter is an optional
// Redis sliding-window ceiling shared by every replica.
package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript is an atomic Lua script that implements a sliding window
// rate limiter using a sorted set.
// KEYS[1] = Redis key
// ARGV[1] = current unix timestamp (nanoseconds as string)
// ARGV[2] = window size in nanoseconds
// ARGV[3] = limit (max requests per window)
// Returns: 1 if allowed, 0 if rate limited.
var slidingWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit  = tonumber(ARGV[3])

		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		local count = redis.call('ZCARD', key)
		if count >= limit then
			return 0
		end

		local member = tostring(now) .. tostring(math.random(1, 1000000))
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))  -- window is in ns; PEXPIRE wants ms
		return 1
`)

const (
	defaultRPMKey       = "ratelimit:llm:upstream"
	defaultPollInterval = 250 * time.Millisecond
)

// RPMLimiter enforces a requests-per-window ceiling on upstream calls across
// all gateway replicas sharing one Redis.
type RPMLimiter struct {
	rdb          *redis.Client
	key          string
	limit        int
	window       time.Duration
	pollInterval time.Duration
	now          func() time.Time
}

// NewRPMLimiter creates an RPMLimiter allowing limit calls per minute.
// limit must be > 0; values ≤ 0 deny every call.
func NewRPMLimiter(rdb *redis.Client, limit int) *RPMLimiter {
	return &RPMLimiter{
		rdb:          rdb,
		key:          defaultRPMKey,
		limit:        limit,
		window:       time.Minute,
		pollInterval: defaultPollInterval,
		now:          time.Now,
	}
}

// Allow records a call and reports whether it fits in the current window.
// When Redis is unavailable the call is allowed and the error is returned for
// observability only.
func (r *RPMLimiter) Allow(ctx context.Context) (bool, error) {
	result, err := slidingWindowScript.Run(ctx, r.rdb,
		[]string{r.key},
		r.now().UnixNano(), r.window.Nanoseconds(), r.limit,
	).Int()
	if err != nil {
		// Redis unavailable: allow request (graceful degradation).
		return true, err
	}

	return result == 1, nil
}

// Wait blocks until Allow admits a call or ctx is done. A denied call is
// re-checked every poll interval rather than failed.
func (r *RPMLimiter) Wait(ctx context.Context) error {
	for {
		allowed, err := r.Allow(ctx)
		if err != nil {
			slog.WarnContext(ctx, "global_rate_limit_unavailable",
				slog.String("error", err.Error()),
			)
		}
		if allowed {
			return nil
		}

		t := time.NewTimer(r.pollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
