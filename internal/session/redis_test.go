package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convcore/internal/config"
	"convcore/pkg/convtypes"
)

func newRedis(t *testing.T, ttl time.Duration) (*miniredis.Miniredis, Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	store, err := NewStore(StoreTypeRedis, WithRedisClient(client), WithRedisTTL(ttl))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return mr, store
}

func TestRedisStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	mr, store := newRedis(t, time.Hour)

	created := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	state := &convtypes.ConversationState{
		SessionID:      "s1",
		ActiveMode:     convtypes.ModeVoice,
		CurrentContext: "Project: Atlas",
		CreatedAt:      created,
		Messages: []convtypes.ConversationMessage{
			{ID: "m1", Role: convtypes.RoleUser, Content: "Hello", InputMode: convtypes.ModeText, Timestamp: created},
		},
		Metadata: convtypes.StateMetadata{MessageCount: 1, TotalTokens: 42},
	}
	require.NoError(t, store.Save(ctx, state))
	assert.True(t, mr.Exists("convcore:session:s1"))

	got, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, convtypes.ModeVoice, got.ActiveMode)
	assert.Equal(t, "Project: Atlas", got.CurrentContext)
	assert.Equal(t, 42, got.Metadata.TotalTokens)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "Hello", got.Messages[0].Content)
	assert.True(t, created.Equal(got.CreatedAt))

	n, err := store.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRedisStore_MissingSessionReturnsNil(t *testing.T) {
	_, store := newRedis(t, time.Hour)

	got, err := store.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisStore_TTLExpiresAndRefreshes(t *testing.T) {
	ctx := context.Background()
	mr, store := newRedis(t, time.Minute)

	require.NoError(t, store.Save(ctx, &convtypes.ConversationState{SessionID: "s1"}))

	mr.FastForward(40 * time.Second)
	got, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, time.Minute, mr.TTL("convcore:session:s1"))

	mr.FastForward(61 * time.Second)
	got, err = store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisStore_Delete(t *testing.T) {
	ctx := context.Background()
	mr, store := newRedis(t, time.Hour)

	require.NoError(t, store.Save(ctx, &convtypes.ConversationState{SessionID: "s1"}))
	require.NoError(t, store.Delete(ctx, "s1"))
	assert.False(t, mr.Exists("convcore:session:s1"))
}

func TestOpen_FromConfig(t *testing.T) {
	mr := miniredis.RunT(t)

	store, err := Open(config.SessionConfig{Store: "redis", RedisURL: "redis://" + mr.Addr()})
	require.NoError(t, err)
	defer store.Close()
	_, isRedis := store.(*redisStore)
	assert.True(t, isRedis)

	mem, err := Open(config.SessionConfig{Store: "memory", Capacity: 3})
	require.NoError(t, err)
	defer mem.Close()
	assert.Equal(t, 3, mem.(*memoryStore).capacity)

	_, err = Open(config.SessionConfig{Store: "redis", RedisURL: "::not a url"})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
