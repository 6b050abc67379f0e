package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"convcore/pkg/convtypes"
)

// redisStore implements Store with one JSON document per session.
// Every read and write refreshes the key TTL, so idle sessions expire on their own.
type redisStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

func newRedisStore(cfg *storeConfig) *redisStore {
	ttl := cfg.redisTTL
	if ttl <= 0 {
		ttl = defaultRedisTTL
	}
	prefix := cfg.keyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &redisStore{
		client: cfg.redisClient,
		ttl:    ttl,
		prefix: prefix,
	}
}

// Get implements Store.
func (s *redisStore) Get(ctx context.Context, id string) (*convtypes.ConversationState, error) {
	key := s.key(id)
	val, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}

	var state convtypes.ConversationState
	if err := json.Unmarshal(val, &state); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}

	// Refresh TTL on read; a failed refresh only shortens the session's life.
	_ = s.client.Expire(ctx, key, s.ttl).Err()

	return &state, nil
}

// Save implements Store.
func (s *redisStore) Save(ctx context.Context, state *convtypes.ConversationState) error {
	val, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", state.SessionID, err)
	}
	if err := s.client.Set(ctx, s.key(state.SessionID), val, s.ttl).Err(); err != nil {
		return fmt.Errorf("save session %s: %w", state.SessionID, err)
	}
	return nil
}

// Delete implements Store.
func (s *redisStore) Delete(ctx context.Context, id string) error {
	return s.client.Del(ctx, s.key(id)).Err()
}

// Len implements Store by scanning the key prefix.
func (s *redisStore) Len(ctx context.Context) (int, error) {
	count := 0
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		count++
	}
	if err := iter.Err(); err != nil {
		return 0, err
	}
	return count, nil
}

// Close implements Store.
func (s *redisStore) Close() error {
	return s.client.Close()
}

// key constructs the Redis key for a session ID.
func (s *redisStore) key(id string) string {
	return s.prefix + id
}
