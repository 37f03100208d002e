// Package coalesce collapses concurrent identical requests into a single
// upstream call.
//
// The first caller to Join a fingerprint becomes the leader and must
// eventually call Resolve. Every concurrent caller of the same fingerprint is
// a follower that waits on the same Call and receives the identical result.
// Resolving removes the entry, so a later Join starts a fresh leader.
package coalesce

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/carlvisagie/purposeful-live-coaching-sub008/internal/fingerprint"
)

// Call is the in-flight entry for one fingerprint. Its result is written once
// and published by closing done.
type Call[V any] struct {
	fp        fingerprint.Fingerprint
	startedAt time.Time
	waiters   atomic.Int64

	done chan struct{}
	val  V
	err  error
}

// StartedAt returns when the leader joined.
func (c *Call[V]) StartedAt() time.Time { return c.startedAt }

// Waiters returns the number of callers still attached, leader included.
func (c *Call[V]) Waiters() int { return int(c.waiters.Load()) }

// Wait blocks until the call is resolved or ctx is done. Abandoning only
// detaches this waiter; the upstream call continues for the others.
func (c *Call[V]) Wait(ctx context.Context) (V, error) {
	select {
	case <-c.done:
		return c.val, c.err
	default:
	}

	select {
	case <-c.done:
		return c.val, c.err
	case <-ctx.Done():
		c.waiters.Add(-1)
		var zero V
		return zero, ctx.Err()
	}
}

// Group tracks in-flight calls by fingerprint. V is the shared result type.
// The zero value is not usable; create groups with NewGroup.
type Group[V any] struct {
	mu    sync.Mutex
	calls map[fingerprint.Fingerprint]*Call[V]
	now   func() time.Time
}

func NewGroup[V any]() *Group[V] {
	return &Group[V]{
		calls: make(map[fingerprint.Fingerprint]*Call[V]),
		now:   time.Now,
	}
}

// Join attaches the caller to the in-flight call for fp, creating it when
// none exists. leader is true for the caller that created the call.
func (g *Group[V]) Join(fp fingerprint.Fingerprint) (call *Call[V], leader bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if c, ok := g.calls[fp]; ok {
		c.waiters.Add(1)
		return c, false
	}

	c := &Call[V]{
		fp:        fp,
		startedAt: g.now(),
		done:      make(chan struct{}),
	}
	c.waiters.Store(1)
	g.calls[fp] = c
	return c, true
}

// Resolve publishes the result of call to every waiter and removes it from
// the group. Only the first Resolve of a call has any effect.
func (g *Group[V]) Resolve(call *Call[V], val V, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	select {
	case <-call.done:
		return
	default:
	}

	if g.calls[call.fp] == call {
		delete(g.calls, call.fp)
	}
	call.val, call.err = val, err
	close(call.done)
}

// Len returns the number of fingerprints currently in flight.
func (g *Group[V]) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}
