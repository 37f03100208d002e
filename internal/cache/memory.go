package cache

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/carlvisagie/purposeful-live-coaching-sub008/internal/fingerprint"
	"github.com/carlvisagie/purposeful-live-coaching-sub008/internal/providers"
	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// Eviction reasons reported to MemoryOptions.OnEvict.
const (
	EvictCapacity = "capacity"
	EvictExpired  = "expired"
)

const (
	DefaultMaxEntries    = 1000
	DefaultSweepInterval = time.Minute
)

// MemoryOptions tunes a MemoryCache. Zero values use the defaults.
type MemoryOptions struct {
	// MaxEntries bounds the cache; the least recently used entry is evicted
	// when a Put would exceed it. Negative means unbounded.
	MaxEntries int

	// SweepInterval is the period of the background expiry sweep.
	SweepInterval time.Duration

	// OnEvict, when set, is called once per removed entry with the reason.
	// It runs under the cache lock and must not call back into the cache.
	OnEvict func(reason string)
}

// MemoryCache is an in-process LRU cache with per-entry TTL.
//
// It is safe for concurrent use. Expired entries are removed lazily on Get
// and by a background sweep so memory does not grow with dead entries.
//
// Use this backend for single-instance deployments and tests. Multi-replica
// deployments should use RedisCache so all replicas share one cache.
type MemoryCache struct {
	mu  sync.Mutex
	lru *simplelru.LRU[fingerprint.Fingerprint, Entry]

	onEvict func(reason string)
	now     func() time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryCache creates a MemoryCache and starts the background sweep.
// The sweep stops when ctx is cancelled or Close is called.
func NewMemoryCache(ctx context.Context, opts MemoryOptions) *MemoryCache {
	size := opts.MaxEntries
	switch {
	case size == 0:
		size = DefaultMaxEntries
	case size < 0:
		size = math.MaxInt32
	}

	interval := opts.SweepInterval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}

	// NewLRU only fails for a non-positive size.
	l, _ := simplelru.NewLRU[fingerprint.Fingerprint, Entry](size, nil)

	c := &MemoryCache{
		lru:     l,
		onEvict: opts.OnEvict,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.sweep(ctx, interval)
	return c
}

// Get returns the entry for fp and marks it most recently used. An expired
// entry is removed and reported as a miss.
func (c *MemoryCache) Get(_ context.Context, fp fingerprint.Fingerprint) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(fp)
	if !ok {
		return Entry{}, false
	}
	if e.Expired(c.now()) {
		c.lru.Remove(fp)
		c.evicted(EvictExpired)
		return Entry{}, false
	}
	return e, true
}

// Put stores resp under fp. A non-positive ttl is treated as DefaultTTL.
func (c *MemoryCache) Put(_ context.Context, fp fingerprint.Fingerprint, resp *providers.Response, ttl time.Duration) error {
	if resp == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.lru.Add(fp, Entry{
		Fingerprint: fp,
		Response:    *resp,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}) {
		c.evicted(EvictCapacity)
	}
	return nil
}

// Delete removes fp from the cache. Returns nil if the key did not exist.
func (c *MemoryCache) Delete(_ context.Context, fp fingerprint.Fingerprint) error {
	c.mu.Lock()
	c.lru.Remove(fp)
	c.mu.Unlock()
	return nil
}

// Clear drops every entry.
func (c *MemoryCache) Clear(_ context.Context) error {
	c.mu.Lock()
	c.lru.Purge()
	c.mu.Unlock()
	return nil
}

// Len returns the number of entries currently held in the cache
// (including entries that may have expired but not yet been swept).
func (c *MemoryCache) Len(_ context.Context) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Close stops the background sweep. Safe to call more than once.
func (c *MemoryCache) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *MemoryCache) sweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.evictExpired()
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}

// evictExpired removes every expired entry and returns how many were dropped.
func (c *MemoryCache) evictExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for _, k := range c.lru.Keys() {
		e, ok := c.lru.Peek(k)
		if ok && e.Expired(now) {
			c.lru.Remove(k)
			c.evicted(EvictExpired)
			removed++
		}
	}
	return removed
}

func (c *MemoryCache) evicted(reason string) {
	if c.onEvict != nil {
		c.onEvict(reason)
	}
}
