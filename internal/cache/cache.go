// Package cache stores successful completion responses keyed by request
// fingerprint.
//
// Two backends are available:
//   - MemoryCache: in-process LRU with per-entry TTL. Default.
//   - RedisCache: Redis-backed, shared by every gateway replica.
//
// Both implement the Cache interface so they are fully interchangeable.
// Lookups are exact-match only; failures are never stored.
package cache

import (
	"context"
	"time"

	"github.com/carlvisagie/purposeful-live-coaching-sub008/internal/fingerprint"
	"github.com/carlvisagie/purposeful-live-coaching-sub008/internal/providers"
)

// DefaultTTL is used when Put receives a non-positive ttl.
const DefaultTTL = 5 * time.Minute

// Entry is a cached response together with its lifetime.
type Entry struct {
	Fingerprint fingerprint.Fingerprint `json:"fingerprint"`
	Response    providers.Response      `json:"response"`
	CreatedAt   time.Time               `json:"created_at"`
	ExpiresAt   time.Time               `json:"expires_at"`
}

// Expired reports whether the entry is past its expiry at now.
func (e Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

type Cache interface {
	// Get returns the live entry for fp. Expired entries are reported as a miss.
	Get(ctx context.Context, fp fingerprint.Fingerprint) (Entry, bool)
	// Put stores resp under fp for ttl, overwriting any previous entry.
	Put(ctx context.Context, fp fingerprint.Fingerprint, resp *providers.Response, ttl time.Duration) error
	Delete(ctx context.Context, fp fingerprint.Fingerprint) error
	// Clear removes every entry.
	Clear(ctx context.Context) error
	// Len returns the number of stored entries.
	Len(ctx context.Context) int
}
