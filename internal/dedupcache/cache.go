// Package dedupcache keeps a short-lived record of recently ingested
// checksums in Redis. It exists to spare the database a lookup per scan of an
// already-archived drop directory; the unique constraint on raw_files remains
// the only dedup authority. Every answer from this cache is advisory and a
// miss (or an error) simply falls through to the database.
package dedupcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache tracks seen checksums with a TTL.
type Cache struct {
	redis   *redis.Client
	enabled bool
	ttl     time.Duration
}

// New creates a checksum cache. A nil client or enabled=false yields a cache
// that reports nothing as seen and accepts writes silently.
func New(client *redis.Client, enabled bool, ttl time.Duration) *Cache {
	return &Cache{
		redis:   client,
		enabled: enabled,
		ttl:     ttl,
	}
}

// IsEnabled returns whether the cache is active.
func (c *Cache) IsEnabled() bool {
	return c.enabled && c.redis != nil
}

// Seen reports whether the checksum was marked recently. Errors are returned
// so callers can log them, but callers must treat any error as "not seen".
func (c *Cache) Seen(ctx context.Context, checksum string) (bool, error) {
	if !c.IsEnabled() {
		return false, nil
	}

	_, err := c.redis.Get(ctx, c.key(checksum)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check seen checksum: %w", err)
	}
	return true, nil
}

// MarkSeen records the checksum for the configured TTL.
func (c *Cache) MarkSeen(ctx context.Context, checksum string) error {
	if !c.IsEnabled() {
		return nil
	}

	if err := c.redis.Set(ctx, c.key(checksum), "1", c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to mark checksum seen: %w", err)
	}
	return nil
}

// key generates the Redis key for a checksum.
func (c *Cache) key(checksum string) string {
	return "ingested:" + checksum
}
