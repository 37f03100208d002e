package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/carlvisagie/purposeful-live-coaching-sub008/internal/fingerprint"
	"github.com/carlvisagie/purposeful-live-coaching-sub008/internal/providers"
	"github.com/redis/go-redis/v9"
)

const (
	defaultCacheTimeout = 500 * time.Millisecond
	clearTimeout        = 10 * time.Second
	scanBatch           = 500
)

// RedisCache is a Redis-backed cache shared across gateway replicas. Entries
// are JSON-encoded under fingerprint.Key and expire through the Redis TTL.
//
// All reads and writes degrade gracefully when Redis is unavailable:
//   - Get returns a miss on any error.
//   - Put returns nil even on error so a request never fails on the cache.
//   - Delete and Clear return the underlying error so callers can log it.
type RedisCache struct {
	client       *redis.Client
	queryTimeout time.Duration
	now          func() time.Time
}

// NewRedisCacheFromClient wraps an existing Redis client in a RedisCache.
// The caller owns the client lifecycle (creation and Close).
func NewRedisCacheFromClient(redisCli *redis.Client) *RedisCache {
	return &RedisCache{client: redisCli, queryTimeout: defaultCacheTimeout, now: time.Now}
}

// NewRedisCacheFromURL parses redisURL, creates a Redis client, verifies the
// connection with a PING, and returns a RedisCache.
func NewRedisCacheFromURL(ctx context.Context, redisURL string) (*RedisCache, error) {
	if ctx == nil {
		return nil, fmt.Errorf("cache: context must not be nil")
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("cache: parse url: %w", err)
	}

	cli := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("cache: ping: %w", err)
	}

	return NewRedisCacheFromClient(cli), nil
}

// Get retrieves the entry for fp. Redis errors and undecodable payloads are
// logged at WARN level and reported as a miss.
func (c *RedisCache) Get(ctx context.Context, fp fingerprint.Fingerprint) (Entry, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	key := fp.Key()
	val, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.WarnContext(ctx, "cache_get_error",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
		return Entry{}, false
	}

	var e Entry
	if err := json.Unmarshal(val, &e); err != nil {
		slog.WarnContext(ctx, "cache_decode_error",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return Entry{}, false
	}
	if e.Expired(c.now()) {
		return Entry{}, false
	}
	return e, true
}

// Put stores resp under fp with the given TTL (DefaultTTL when non-positive).
// Returns nil even on Redis error.
func (c *RedisCache) Put(ctx context.Context, fp fingerprint.Fingerprint, resp *providers.Response, ttl time.Duration) error {
	if resp == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	now := c.now()
	data, err := json.Marshal(Entry{
		Fingerprint: fp,
		Response:    *resp,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	})
	if err != nil {
		return fmt.Errorf("cache: encode entry: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	key := fp.Key()
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		slog.WarnContext(ctx, "cache_set_error",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}

	return nil // always nil: degrade gracefully
}

// Delete removes fp from Redis.
func (c *RedisCache) Delete(ctx context.Context, fp fingerprint.Fingerprint) error {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	if err := c.client.Del(ctx, fp.Key()).Err(); err != nil {
		return fmt.Errorf("cache: DEL %s: %w", fp.Key(), err)
	}

	return nil
}

// Clear deletes every gateway entry, leaving unrelated keys in the same
// database untouched.
func (c *RedisCache) Clear(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, clearTimeout)
	defer cancel()

	iter := c.client.Scan(ctx, 0, fingerprint.KeyPrefix+"*", scanBatch).Iterator()
	batch := make([]string, 0, scanBatch)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == scanBatch {
			if err := c.client.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("cache: clear: %w", err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("cache: clear scan: %w", err)
	}
	if len(batch) > 0 {
		if err := c.client.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("cache: clear: %w", err)
		}
	}
	return nil
}

// Len counts gateway entries with SCAN. It returns 0 when Redis is down.
func (c *RedisCache) Len(ctx context.Context) int {
	ctx, cancel := context.WithTimeout(ctx, clearTimeout)
	defer cancel()

	n := 0
	iter := c.client.Scan(ctx, 0, fingerprint.KeyPrefix+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		n++
	}
	if err := iter.Err(); err != nil {
		slog.WarnContext(ctx, "cache_len_error", slog.String("error", err.Error()))
		return 0
	}
	return n
}

// Ping reports whether Redis answers within the query timeout.
func (c *RedisCache) Ping(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()
	return c.client.Ping(ctx).Err() == nil
}

// Close releases the Redis connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
