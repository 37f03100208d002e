package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestMemoryCache(t *testing.T, opts MemoryOptions) (*MemoryCache, *fakeClock) {
	t.Helper()
	c := NewMemoryCache(context.Background(), opts)
	clk := newFakeClock()
	c.now = clk.Now
	t.Cleanup(c.Close)
	return c, clk
}

func TestMemoryCache_PutGet(t *testing.T) {
	c, _ := newTestMemoryCache(t, MemoryOptions{})
	ctx := context.Background()
	fp := testFingerprint("hello")

	if _, ok := c.Get(ctx, fp); ok {
		t.Fatal("expected miss on empty cache")
	}

	if err := c.Put(ctx, fp, testResponse("hi"), time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}

	e, ok := c.Get(ctx, fp)
	if !ok {
		t.Fatal("expected hit after Put")
	}
	if e.Response.Content != "hi" {
		t.Fatalf("Content = %q, want hi", e.Response.Content)
	}
	if got := e.ExpiresAt.Sub(e.CreatedAt); got != time.Minute {
		t.Fatalf("lifetime = %v, want 1m", got)
	}
}

func TestMemoryCache_LazyExpiry(t *testing.T) {
	var reasons []string
	c, clk := newTestMemoryCache(t, MemoryOptions{OnEvict: func(r string) { reasons = append(reasons, r) }})
	ctx := context.Background()
	fp := testFingerprint("expiring")

	_ = c.Put(ctx, fp, testResponse("x"), time.Minute)

	clk.Advance(59 * time.Second)
	if _, ok := c.Get(ctx, fp); !ok {
		t.Fatal("entry must be live before its TTL")
	}

	clk.Advance(time.Second)
	if _, ok := c.Get(ctx, fp); ok {
		t.Fatal("entry must be expired at its TTL")
	}
	if c.Len(ctx) != 0 {
		t.Fatalf("expired entry not removed, Len = %d", c.Len(ctx))
	}
	if len(reasons) != 1 || reasons[0] != EvictExpired {
		t.Fatalf("evictions = %v, want [expired]", reasons)
	}
}

func TestMemoryCache_DefaultTTL(t *testing.T) {
	c, clk := newTestMemoryCache(t, MemoryOptions{})
	ctx := context.Background()
	fp := testFingerprint("default-ttl")

	_ = c.Put(ctx, fp, testResponse("x"), 0)

	clk.Advance(DefaultTTL - time.Second)
	if _, ok := c.Get(ctx, fp); !ok {
		t.Fatal("entry must live for DefaultTTL")
	}
	clk.Advance(time.Second)
	if _, ok := c.Get(ctx, fp); ok {
		t.Fatal("entry must expire after DefaultTTL")
	}
}

func TestMemoryCache_LRUEviction(t *testing.T) {
	var evictions int
	c, _ := newTestMemoryCache(t, MemoryOptions{
		MaxEntries: 2,
		OnEvict: func(r string) {
			if r == EvictCapacity {
				evictions++
			}
		},
	})
	ctx := context.Background()
	a, b, d := testFingerprint("a"), testFingerprint("b"), testFingerprint("d")

	_ = c.Put(ctx, a, testResponse("a"), time.Hour)
	_ = c.Put(ctx, b, testResponse("b"), time.Hour)

	// Touch a so b becomes least recently used.
	if _, ok := c.Get(ctx, a); !ok {
		t.Fatal("a must be present")
	}

	_ = c.Put(ctx, d, testResponse("d"), time.Hour)

	if _, ok := c.Get(ctx, b); ok {
		t.Fatal("b should have been evicted as least recently used")
	}
	if _, ok := c.Get(ctx, a); !ok {
		t.Fatal("a should survive eviction")
	}
	if _, ok := c.Get(ctx, d); !ok {
		t.Fatal("d should be present")
	}
	if evictions != 1 {
		t.Fatalf("capacity evictions = %d, want 1", evictions)
	}
}

func TestMemoryCache_Unbounded(t *testing.T) {
	c, _ := newTestMemoryCache(t, MemoryOptions{MaxEntries: -1})
	ctx := context.Background()

	for i := 0; i < DefaultMaxEntries+10; i++ {
		_ = c.Put(ctx, testFingerprint(fmt.Sprintf("prompt-%d", i)), testResponse("x"), time.Hour)
	}
	if got := c.Len(ctx); got != DefaultMaxEntries+10 {
		t.Fatalf("Len = %d, want %d", got, DefaultMaxEntries+10)
	}
}

func TestMemoryCache_EvictExpiredSweep(t *testing.T) {
	c, clk := newTestMemoryCache(t, MemoryOptions{})
	ctx := context.Background()

	_ = c.Put(ctx, testFingerprint("short"), testResponse("x"), time.Second)
	_ = c.Put(ctx, testFingerprint("long"), testResponse("y"), time.Hour)

	clk.Advance(2 * time.Second)

	if removed := c.evictExpired(); removed != 1 {
		t.Fatalf("evictExpired removed %d, want 1", removed)
	}
	if got := c.Len(ctx); got != 1 {
		t.Fatalf("Len = %d, want 1", got)
	}
}

func TestMemoryCache_DeleteAndClear(t *testing.T) {
	c, _ := newTestMemoryCache(t, MemoryOptions{})
	ctx := context.Background()
	a, b := testFingerprint("a"), testFingerprint("b")

	_ = c.Put(ctx, a, testResponse("a"), time.Hour)
	_ = c.Put(ctx, b, testResponse("b"), time.Hour)

	_ = c.Delete(ctx, a)
	if _, ok := c.Get(ctx, a); ok {
		t.Fatal("a should be gone after Delete")
	}

	_ = c.Clear(ctx)
	if got := c.Len(ctx); got != 0 {
		t.Fatalf("Len after Clear = %d, want 0", got)
	}
}

func TestMemoryCache_ConcurrentAccess(t *testing.T) {
	c, _ := newTestMemoryCache(t, MemoryOptions{MaxEntries: 16})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			fp := testFingerprint(string(rune('a' + i%20)))
			_ = c.Put(ctx, fp, testResponse("x"), time.Hour)
			c.Get(ctx, fp)
		}(i)
	}
	wg.Wait()

	if got := c.Len(ctx); got > 16 {
		t.Fatalf("Len = %d exceeds capacity 16", got)
	}
}

func TestMemoryCache_CloseIdempotent(t *testing.T) {
	c := NewMemoryCache(context.Background(), MemoryOptions{SweepInterval: time.Millisecond})
	c.Close()
	c.Close()
}
