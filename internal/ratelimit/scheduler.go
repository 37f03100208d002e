package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Defaults for Options fields left at zero.
const (
	DefaultRequestsPerWindow = 60
	DefaultWindow            = time.Minute
	DefaultBurst             = 10
	DefaultMaxConcurrent     = 10
)

// GlobalLimiter is a cross-replica ceiling consulted after local admission.
// *RPMLimiter implements it.
type GlobalLimiter interface {
	Wait(ctx context.Context) error
}

// Options configures a Scheduler. Zero values use the defaults.
type Options struct {
	// RequestsPerWindow and Window set the sustained send rate. A negative
	// RequestsPerWindow disables spacing.
	RequestsPerWindow int
	Window            time.Duration

	// Burst is the number of sends allowed back to back.
	Burst int

	// MaxConcurrent bounds simultaneous upstream calls.
	MaxConcurrent int

	// Global is optional.
	Global GlobalLimiter
}

// Stats is a point-in-time view of the scheduler.
type Stats struct {
	Queued   int   `json:"queued"`
	Active   int   `json:"active"`
	Admitted int64 `json:"admitted"`
}

// Scheduler admits upstream calls in arrival order. A call is admitted once a
// concurrency slot is free, the token bucket has a token, and the optional
// global limiter agrees. Only the head of the queue competes for those, so
// admission order equals arrival order.
type Scheduler struct {
	line    *semaphore.Weighted
	slots   *semaphore.Weighted
	limiter *rate.Limiter
	global  GlobalLimiter

	queued   atomic.Int64
	active   atomic.Int64
	admitted atomic.Int64
}

// NewScheduler builds a Scheduler from opts.
func NewScheduler(opts Options) (*Scheduler, error) {
	if opts.RequestsPerWindow == 0 {
		opts.RequestsPerWindow = DefaultRequestsPerWindow
	}
	if opts.Window == 0 {
		opts.Window = DefaultWindow
	}
	if opts.Burst == 0 {
		opts.Burst = DefaultBurst
	}
	if opts.MaxConcurrent == 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}

	if opts.Window < 0 {
		return nil, fmt.Errorf("ratelimit: window must be positive, got %s", opts.Window)
	}
	if opts.Burst < 0 {
		return nil, fmt.Errorf("ratelimit: burst must be positive, got %d", opts.Burst)
	}
	if opts.MaxConcurrent < 0 {
		return nil, fmt.Errorf("ratelimit: max concurrent must be positive, got %d", opts.MaxConcurrent)
	}

	limit := rate.Inf
	if opts.RequestsPerWindow > 0 {
		limit = rate.Every(opts.Window / time.Duration(opts.RequestsPerWindow))
	}

	return &Scheduler{
		line:    semaphore.NewWeighted(1),
		slots:   semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		limiter: rate.NewLimiter(limit, opts.Burst),
		global:  opts.Global,
	}, nil
}

// Admit blocks until the caller may send one upstream call, then returns a
// Token that must be released when the call finishes. If ctx is done while
// queued, Admit returns ctx.Err() and holds nothing.
func (s *Scheduler) Admit(ctx context.Context) (*Token, error) {
	start := time.Now()

	s.queued.Add(1)
	defer s.queued.Add(-1)

	if err := s.line.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.line.Release(1)

	if err := s.slots.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	if err := s.limiter.Wait(ctx); err != nil {
		s.slots.Release(1)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		// The limiter refuses waits that would outlive the deadline.
		return nil, fmt.Errorf("ratelimit: %w: %v", context.DeadlineExceeded, err)
	}

	if s.global != nil {
		if err := s.global.Wait(ctx); err != nil {
			s.slots.Release(1)
			return nil, err
		}
	}

	s.active.Add(1)
	s.admitted.Add(1)
	return &Token{s: s, waited: time.Since(start)}, nil
}

// Stats returns queued and active counts.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Queued:   int(s.queued.Load()),
		Active:   int(s.active.Load()),
		Admitted: s.admitted.Load(),
	}
}

// Token is an admission granted by Scheduler.Admit.
type Token struct {
	s      *Scheduler
	waited time.Duration
	once   sync.Once
}

// Waited returns how long the caller queued before admission.
func (t *Token) Waited() time.Duration { return t.waited }

// Release frees the concurrency slot. Extra calls are no-ops.
func (t *Token) Release() {
	t.once.Do(func() {
		t.s.active.Add(-1)
		t.s.slots.Release(1)
	})
}
