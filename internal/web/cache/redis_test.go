package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStoreWithClient(client, DefaultConfig())
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestNewRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)

	config := DefaultRedisConfig()
	config.Addr = mr.Addr()
	store, err := NewRedisStore(context.Background(), config)
	require.NoError(t, err)
	require.NoError(t, store.Close())
}

func TestNewRedisStore_ConnectionError(t *testing.T) {
	config := DefaultRedisConfig()
	config.Addr = "127.0.0.1:1"
	config.DialTimeout = 200 * time.Millisecond

	_, err := NewRedisStore(context.Background(), config)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "127.0.0.1:1")
}

func TestRedisStore_SetGet(t *testing.T) {
	store, mr := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", []byte("v"), time.Minute))

	value, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), value)

	// keys carry the prefix
	raw, err := mr.Get("relay:k")
	require.NoError(t, err)
	assert.Equal(t, "v", raw)
	assert.Equal(t, time.Minute, mr.TTL("relay:k"))
}

func TestRedisStore_TTL(t *testing.T) {
	store, mr := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "default", []byte("1"), 0))
	require.NoError(t, store.Set(ctx, "forever", []byte("2"), -1))

	assert.Equal(t, 5*time.Minute, mr.TTL("relay:default"))
	assert.Zero(t, mr.TTL("relay:forever"))

	mr.FastForward(6 * time.Minute)
	_, err := store.Get(ctx, "default")
	assert.True(t, IsMiss(err))
	_, err = store.Get(ctx, "forever")
	assert.NoError(t, err)
}

func TestRedisStore_Miss(t *testing.T) {
	store, _ := setupTestRedis(t)

	_, err := store.Get(context.Background(), "absent")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestRedisStore_ServerError(t *testing.T) {
	store, mr := setupTestRedis(t)
	mr.SetError("LOADING")

	_, err := store.Get(context.Background(), "k")
	require.Error(t, err)
	assert.False(t, IsMiss(err))
}

func TestRedisStore_DeleteExists(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", []byte("v"), 0))
	exists, err := store.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, store.Delete(ctx, "k"))
	exists, err = store.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRedisStore_ClearKeepsOtherPrefixes(t *testing.T) {
	store, mr := setupTestRedis(t)
	ctx := context.Background()

	for i := 0; i < 3*clearBatch+7; i++ {
		require.NoError(t, store.Set(ctx, fmt.Sprintf("k%d", i), []byte("v"), 0))
	}
	require.NoError(t, mr.Set("other:key", "keep"))

	require.NoError(t, store.Clear(ctx))

	assert.Equal(t, []string{"other:key"}, mr.Keys())
}
