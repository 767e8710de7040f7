// Package caches provides constructors for the credential cache tiers:
// memory (local), redis (shared), and dual (local + shared).
package caches

import (
	"github.com/prismgate/prismgate/caches/dual"
	"github.com/prismgate/prismgate/caches/memory"
	"github.com/prismgate/prismgate/caches/redis"
	"github.com/prismgate/prismgate/pkg/cache"
)

// Type re-exports cache types for convenience.
type Type = cache.Type

// Cache type constants.
const (
	TypeLocal = cache.TypeLocal
	TypeRedis = cache.TypeRedis
	TypeDual  = cache.TypeDual
)

// NewMemory creates a new in-memory cache with the given configuration.
func NewMemory(cfg memory.Config) *memory.Cache {
	return memory.New(cfg)
}

// NewMemoryDefault creates a new in-memory cache with default configuration.
func NewMemoryDefault() *memory.Cache {
	return memory.New(memory.DefaultConfig())
}

// NewRedis creates a new Redis cache with the given configuration.
func NewRedis(cfg redis.Config) (*redis.Cache, error) {
	return redis.New(cfg)
}

// NewDual creates a new dual-tier cache with memory (L1) and Redis (L2).
// remote may be nil for single-process deployments.
func NewDual(local *memory.Cache, remote *redis.Cache, cfg dual.Config) *dual.Cache {
	return dual.New(local, remote, cfg)
}

// NewDualLocalOnly creates a dual-tier cache with no shared tier.
func NewDualLocalOnly() *dual.Cache {
	return dual.New(memory.New(memory.DefaultConfig()), nil, dual.DefaultConfig())
}

// Re-export config types for convenience.
type (
	MemoryConfig = memory.Config
	RedisConfig  = redis.Config
	DualConfig   = dual.Config
)

// Re-export default config functions.
var (
	DefaultMemoryConfig = memory.DefaultConfig
	DefaultRedisConfig  = redis.DefaultConfig
	DefaultDualConfig   = dual.DefaultConfig
)
