package ratelimit

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

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
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

func newBucket(t *testing.T, capacity int, refill time.Duration) (*TokenBucket, *fakeClock) {
	t.Helper()
	tb, err := NewTokenBucket(TokenBucketConfig{Capacity: capacity, RefillRate: refill})
	require.NoError(t, err)
	clock := newFakeClock()
	tb.now = clock.Now
	t.Cleanup(func() { _ = tb.Close() })
	return tb, clock
}

func TestNewTokenBucket_InvalidConfig(t *testing.T) {
	_, err := NewTokenBucket(TokenBucketConfig{Capacity: 0, RefillRate: time.Minute})
	assert.Error(t, err)
	_, err = NewTokenBucket(TokenBucketConfig{Capacity: 1, RefillRate: 0})
	assert.Error(t, err)
}

func TestTokenBucket_Allow_FirstRequest(t *testing.T) {
	tb, clock := newBucket(t, 10, time.Minute)

	info, err := tb.Allow(context.Background(), "client")
	require.NoError(t, err)
	assert.True(t, info.Allowed)
	assert.Equal(t, 10, info.Limit)
	assert.Equal(t, 9, info.Remaining)
	assert.Equal(t, clock.Now().Add(6*time.Second), info.ResetAt)
}

func TestTokenBucket_Allow_ExceedLimit(t *testing.T) {
	tb, _ := newBucket(t, 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		info, err := tb.Allow(ctx, "client")
		require.NoError(t, err)
		assert.True(t, info.Allowed, "request %d should be allowed", i)
		assert.Equal(t, 3-i-1, info.Remaining)
	}

	info, err := tb.Allow(ctx, "client")
	require.NoError(t, err)
	assert.False(t, info.Allowed)
	assert.Equal(t, 0, info.Remaining)
}

func TestTokenBucket_Refill(t *testing.T) {
	tb, clock := newBucket(t, 2, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := tb.Allow(ctx, "client")
		require.NoError(t, err)
	}
	info, err := tb.Allow(ctx, "client")
	require.NoError(t, err)
	require.False(t, info.Allowed)

	clock.Advance(30 * time.Second)
	info, err = tb.Allow(ctx, "client")
	require.NoError(t, err)
	assert.True(t, info.Allowed)
	assert.Equal(t, 0, info.Remaining)

	clock.Advance(10 * time.Minute)
	info, err = tb.Allow(ctx, "client")
	require.NoError(t, err)
	assert.True(t, info.Allowed)
	assert.Equal(t, 1, info.Remaining)
}

func TestTokenBucket_KeysAreIndependent(t *testing.T) {
	tb, _ := newBucket(t, 1, time.Minute)
	ctx := context.Background()

	info, err := tb.Allow(ctx, "a")
	require.NoError(t, err)
	assert.True(t, info.Allowed)

	info, err = tb.Allow(ctx, "b")
	require.NoError(t, err)
	assert.True(t, info.Allowed)

	info, err = tb.Allow(ctx, "a")
	require.NoError(t, err)
	assert.False(t, info.Allowed)
	assert.Equal(t, 2, tb.Len())
}

func TestTokenBucket_Cleanup(t *testing.T) {
	tb, clock := newBucket(t, 5, time.Minute)
	ctx := context.Background()

	_, err := tb.Allow(ctx, "old")
	require.NoError(t, err)
	clock.Advance(45 * time.Second)
	_, err = tb.Allow(ctx, "fresh")
	require.NoError(t, err)

	clock.Advance(30 * time.Second)
	tb.cleanup()
	assert.Equal(t, 1, tb.Len())
}

func TestTokenBucket_Concurrent(t *testing.T) {
	tb, _ := newBucket(t, 50, time.Hour)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			info, err := tb.Allow(ctx, "shared")
			if err == nil && info.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, allowed)
}

func TestTokenBucket_CloseTwice(t *testing.T) {
	tb, err := NewTokenBucket(TokenBucketConfig{Capacity: 1, RefillRate: time.Second, CleanupInterval: time.Millisecond})
	require.NoError(t, err)
	assert.NoError(t, tb.Close())
	assert.NoError(t, tb.Close())
}

func TestInfo_Headers(t *testing.T) {
	now := time.Now()
	info := &Info{Limit: 10, Remaining: 0, ResetAt: now.Add(1500 * time.Millisecond)}

	headers := info.Headers(now)
	assert.Equal(t, "10", headers["X-RateLimit-Limit"])
	assert.Equal(t, "0", headers["X-RateLimit-Remaining"])
	assert.Equal(t, "2", headers["X-RateLimit-Reset"])
	assert.Equal(t, "2", headers["Retry-After"])

	info.Allowed = true
	info.ResetAt = now.Add(-time.Second)
	headers = info.Headers(now)
	assert.Equal(t, "0", headers["X-RateLimit-Reset"])
	assert.NotContains(t, headers, "Retry-After")
}
