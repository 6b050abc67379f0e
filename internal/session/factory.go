package session

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"convcore/internal/config"
)

// StoreType represents the type of session store.
type StoreType string

// Supported store drivers.
const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeRedis  StoreType = "redis"
)

const (
	defaultCapacity  = 10000
	defaultRedisTTL  = 24 * time.Hour
	defaultKeyPrefix = "convcore:session:"
)

// NewStore creates a new Store based on the given type.
// For Redis, requires WithRedisClient option.
func NewStore(storeType StoreType, opts ...StoreOption) (Store, error) {
	cfg := &storeConfig{
		capacity:  defaultCapacity,
		now:       time.Now,
		redisTTL:  defaultRedisTTL,
		keyPrefix: defaultKeyPrefix,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	switch storeType {
	case StoreTypeMemory:
		return newMemoryStore(cfg), nil

	case StoreTypeRedis:
		if cfg.redisClient == nil {
			return nil, ErrInvalidConfig
		}
		return newRedisStore(cfg), nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidStoreType, storeType)
	}
}

// Open builds the store described by the session section of the configuration.
func Open(cfg config.SessionConfig) (Store, error) {
	switch StoreType(cfg.Store) {
	case StoreTypeRedis:
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("%w: redis url: %v", ErrInvalidConfig, err)
		}
		return NewStore(StoreTypeRedis,
			WithRedisClient(redis.NewClient(redisOpts)),
			WithRedisTTL(cfg.RedisTTL),
		)
	default:
		return NewStore(StoreType(cfg.Store),
			WithCapacity(cfg.Capacity),
			WithIdleTTL(cfg.IdleTTL),
		)
	}
}
