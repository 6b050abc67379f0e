package session

import (
	"time"

	"github.com/redis/go-redis/v9"
)

// StoreOption is a functional option for configuring a session store.
type StoreOption func(*storeConfig)

// storeConfig holds configuration for session stores.
type storeConfig struct {
	capacity        int
	idleTTL         time.Duration
	janitorInterval time.Duration
	now             func() time.Time

	redisClient *redis.Client
	redisTTL    time.Duration
	keyPrefix   string
}

// WithCapacity bounds the number of sessions kept by the memory store.
func WithCapacity(n int) StoreOption {
	return func(c *storeConfig) {
		c.capacity = n
	}
}

// WithIdleTTL evicts memory sessions not touched for ttl. Zero disables the janitor.
func WithIdleTTL(ttl time.Duration) StoreOption {
	return func(c *storeConfig) {
		c.idleTTL = ttl
	}
}

// WithJanitorInterval overrides how often the memory store sweeps idle sessions.
func WithJanitorInterval(d time.Duration) StoreOption {
	return func(c *storeConfig) {
		c.janitorInterval = d
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) StoreOption {
	return func(c *storeConfig) {
		c.now = now
	}
}

// WithRedisClient sets the Redis client for the Redis store.
func WithRedisClient(client *redis.Client) StoreOption {
	return func(c *storeConfig) {
		c.redisClient = client
	}
}

// WithRedisTTL sets the TTL for Redis keys.
func WithRedisTTL(ttl time.Duration) StoreOption {
	return func(c *storeConfig) {
		c.redisTTL = ttl
	}
}

// WithKeyPrefix sets the Redis key prefix.
func WithKeyPrefix(prefix string) StoreOption {
	return func(c *storeConfig) {
		c.keyPrefix = prefix
	}
}
