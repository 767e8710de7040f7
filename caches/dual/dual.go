// Package dual provides the two-tier credential cache with in-memory (L1) and
// Redis (L2). Writes go to both tiers, reads check L1 first then L2 with
// backfill. The remote tier is optional; a nil remote degrades to local-only.
package dual

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/prismgate/prismgate/caches/memory"
	"github.com/prismgate/prismgate/caches/redis"
	"github.com/prismgate/prismgate/pkg/cache"
)

// Cache implements cache.Cache across a local and a shared tier.
type Cache struct {
	local  *memory.Cache
	remote *redis.Cache
	config Config

	localHits  atomic.Int64
	remoteHits atomic.Int64
	misses     atomic.Int64
	backfills  atomic.Int64
}

// Config holds configuration for the dual cache.
type Config struct {
	LocalTTL  time.Duration // TTL for the local tier (default: 10 seconds)
	RemoteTTL time.Duration // TTL for the shared tier when the caller passes 0 (default: 1 minute)
}

// DefaultConfig returns sensible defaults. Local entries are deliberately
// short-lived so that management edits propagate without explicit
// invalidation fan-out.
func DefaultConfig() Config {
	return Config{
		LocalTTL:  10 * time.Second,
		RemoteTTL: time.Minute,
	}
}

// New creates a new dual-tier cache.
func New(local *memory.Cache, remote *redis.Cache, cfg Config) *Cache {
	if cfg.LocalTTL <= 0 {
		cfg.LocalTTL = 10 * time.Second
	}
	if cfg.RemoteTTL <= 0 {
		cfg.RemoteTTL = time.Minute
	}
	return &Cache{
		local:  local,
		remote: remote,
		config: cfg,
	}
}

// Get retrieves a value, checking the local tier first, then Redis.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	if val, err := c.local.Get(ctx, key); err == nil && val != nil {
		c.localHits.Add(1)
		return val, nil
	}

	if c.remote != nil {
		val, err := c.remote.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if val != nil {
			c.remoteHits.Add(1)
			// Backfill is best-effort, failure doesn't affect the main flow.
			_ = c.local.Set(ctx, key, val, c.config.LocalTTL)
			c.backfills.Add(1)
			return val, nil
		}
	}

	c.misses.Add(1)
	return nil, nil
}

// Set stores a value in both tiers. The per-call TTL applies to the shared
// tier; the local tier is capped at the configured local TTL.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	localTTL := c.config.LocalTTL
	if ttl > 0 && ttl < localTTL {
		localTTL = ttl
	}
	remoteTTL := ttl
	if remoteTTL <= 0 {
		remoteTTL = c.config.RemoteTTL
	}

	if err := c.local.Set(ctx, key, value, localTTL); err != nil {
		return err
	}
	if c.remote != nil {
		if err := c.remote.Set(ctx, key, value, remoteTTL); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes a key from both tiers.
func (c *Cache) Delete(ctx context.Context, key string) error {
	_ = c.local.Delete(ctx, key)
	if c.remote != nil {
		return c.remote.Delete(ctx, key)
	}
	return nil
}

// Ping checks both cache backends.
func (c *Cache) Ping(ctx context.Context) error {
	if err := c.local.Ping(ctx); err != nil {
		return err
	}
	if c.remote != nil {
		return c.remote.Ping(ctx)
	}
	return nil
}

// Close closes both cache backends.
func (c *Cache) Close() error {
	_ = c.local.Close()
	if c.remote != nil {
		return c.remote.Close()
	}
	return nil
}

// Flush clears the local tier. The shared tier is intentionally left alone.
func (c *Cache) Flush() {
	c.local.Flush()
}

// Stats returns combined cache statistics.
func (c *Cache) Stats() cache.Stats {
	localStats := c.local.Stats()
	var remoteStats cache.Stats
	if c.remote != nil {
		remoteStats = c.remote.Stats()
	}

	hits := c.localHits.Load() + c.remoteHits.Load()
	misses := c.misses.Load()
	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	return cache.Stats{
		Hits:    hits,
		Misses:  misses,
		Sets:    localStats.Sets + remoteStats.Sets,
		Errors:  remoteStats.Errors,
		HitRate: hitRate,
	}
}

// DetailedStats holds per-tier statistics.
type DetailedStats struct {
	LocalHits  int64       `json:"local_hits"`
	RemoteHits int64       `json:"remote_hits"`
	Misses     int64       `json:"misses"`
	Backfills  int64       `json:"backfills"`
	LocalStats cache.Stats `json:"local_stats"`
	RedisStats cache.Stats `json:"redis_stats"`
}

// GetDetailedStats returns detailed statistics for both cache tiers.
func (c *Cache) GetDetailedStats() DetailedStats {
	stats := DetailedStats{
		LocalHits:  c.localHits.Load(),
		RemoteHits: c.remoteHits.Load(),
		Misses:     c.misses.Load(),
		Backfills:  c.backfills.Load(),
		LocalStats: c.local.Stats(),
	}
	if c.remote != nil {
		stats.RedisStats = c.remote.Stats()
	}
	return stats
}
