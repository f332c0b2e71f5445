package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newMemoryStore(t *testing.T) (*MemoryStore, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	store := NewMemoryStore(DefaultConfig(), 0)
	store.now = clock.Now
	t.Cleanup(func() { _ = store.Close() })
	return store, clock
}

func TestMemoryStore_SetGet(t *testing.T) {
	store, _ := newMemoryStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", []byte("v"), time.Minute))

	value, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), value)

	// the returned slice is a copy
	value[0] = 'x'
	again, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), again)
}

func TestMemoryStore_Miss(t *testing.T) {
	store, _ := newMemoryStore(t)

	_, err := store.Get(context.Background(), "absent")
	require.Error(t, err)
	assert.True(t, IsMiss(err))
	assert.ErrorIs(t, err, ErrMiss)
	assert.Contains(t, err.Error(), "absent")
}

func TestMemoryStore_Expiration(t *testing.T) {
	store, clock := newMemoryStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "short", []byte("1"), time.Second))
	require.NoError(t, store.Set(ctx, "default", []byte("2"), 0))
	require.NoError(t, store.Set(ctx, "forever", []byte("3"), -1))

	clock.Advance(2 * time.Second)
	_, err := store.Get(ctx, "short")
	assert.True(t, IsMiss(err))
	_, err = store.Get(ctx, "default")
	assert.NoError(t, err)

	clock.Advance(10 * time.Minute)
	_, err = store.Get(ctx, "default")
	assert.True(t, IsMiss(err))
	_, err = store.Get(ctx, "forever")
	assert.NoError(t, err)
}

func TestMemoryStore_Sweep(t *testing.T) {
	store, clock := newMemoryStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "a", []byte("1"), time.Second))
	require.NoError(t, store.Set(ctx, "b", []byte("2"), time.Hour))
	assert.Equal(t, 2, store.Len())

	clock.Advance(time.Minute)
	store.sweep()
	assert.Equal(t, 1, store.Len())
}

func TestMemoryStore_DeleteExistsClear(t *testing.T) {
	store, _ := newMemoryStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, store.Set(ctx, "b", []byte("2"), 0))

	exists, err := store.Exists(ctx, "a")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, store.Delete(ctx, "a"))
	exists, err = store.Exists(ctx, "a")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, store.Clear(ctx))
	assert.Zero(t, store.Len())
}

func TestMemoryStore_CancelledContext(t *testing.T) {
	store, _ := newMemoryStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, store.Set(ctx, "k", []byte("v"), 0), context.Canceled)
	_, err := store.Get(ctx, "k")
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, store.Delete(ctx, "k"), context.Canceled)
	assert.ErrorIs(t, store.Clear(ctx), context.Canceled)
}

func TestMemoryStore_BackgroundSweepStops(t *testing.T) {
	store := NewMemoryStore(DefaultConfig(), 10*time.Millisecond)
	require.NoError(t, store.Set(context.Background(), "k", []byte("v"), time.Millisecond))

	assert.Eventually(t, func() bool { return store.Len() == 0 }, time.Second, 10*time.Millisecond)
	require.NoError(t, store.Close())
}

func TestMemoryStore_Concurrent(t *testing.T) {
	store, _ := newMemoryStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := string(rune('a' + i))
			assert.NoError(t, store.Set(ctx, key, []byte{byte(i)}, 0))
			_, err := store.Get(ctx, key)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 20, store.Len())
}
