package gateway

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// Retry defaults.
const (
	DefaultMaxAttempts    = 5
	DefaultBaseDelay      = time.Second
	DefaultMaxDelay       = 30 * time.Second
	DefaultJitter         = 500 * time.Millisecond
	DefaultAttemptTimeout = 30 * time.Second
)

// RetryPolicy bounds the attempt loop of one upstream call. Zero values use
// the defaults; a negative Jitter disables jitter.
type RetryPolicy struct {
	// MaxAttempts is the total attempt budget, first attempt included.
	MaxAttempts int
	// BaseDelay is the wait before the first retry; it doubles per retry.
	BaseDelay time.Duration
	// MaxDelay caps every wait.
	MaxDelay time.Duration
	// Jitter is the upper bound of the random extra wait. It is clamped to
	// BaseDelay so waits never shrink from one retry to the next.
	Jitter time.Duration
	// AttemptTimeout bounds a single upstream call.
	AttemptTimeout time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	switch {
	case p.Jitter == 0:
		p.Jitter = DefaultJitter
	case p.Jitter < 0:
		p.Jitter = 0
	}
	if p.Jitter > p.BaseDelay {
		p.Jitter = p.BaseDelay
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = DefaultAttemptTimeout
	}
	return p
}

// Validate rejects settings that cannot describe a usable policy.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 0 {
		return fmt.Errorf("gateway: max attempts must be positive, got %d", p.MaxAttempts)
	}
	if p.BaseDelay < 0 || p.MaxDelay < 0 || p.AttemptTimeout < 0 {
		return fmt.Errorf("gateway: retry delays and timeouts must not be negative")
	}
	return nil
}

// Backoff returns the wait before retry n (0 for the first retry):
// min(BaseDelay*2^n + jitter, MaxDelay). jitter must lie in [0, Jitter).
func (p RetryPolicy) Backoff(n int, jitter time.Duration) time.Duration {
	d := p.BaseDelay
	for i := 0; i < n && d < p.MaxDelay; i++ {
		d *= 2
	}
	d += jitter
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// randomJitter draws uniformly from [0, max).
func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(max)))
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
