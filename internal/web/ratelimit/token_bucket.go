package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// TokenBucket is an in-memory Limiter. Each key owns a bucket of Capacity
// tokens refilled continuously at Capacity per RefillRate.
type TokenBucket struct {
	mu         sync.Mutex
	buckets    map[string]*bucket
	capacity   int
	refillRate time.Duration
	now        func() time.Time

	closeOnce sync.Once
	done      chan struct{}
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// TokenBucketConfig holds configuration for the token bucket limiter
type TokenBucketConfig struct {
	// Capacity is the burst size and the number of tokens per RefillRate
	Capacity int
	// RefillRate is the time to refill an empty bucket
	RefillRate time.Duration
	// CleanupInterval is how often idle buckets are dropped. Zero disables
	// the cleanup goroutine.
	CleanupInterval time.Duration
}

// DefaultTokenBucketConfig allows 100 requests per minute
func DefaultTokenBucketConfig() TokenBucketConfig {
	return TokenBucketConfig{
		Capacity:        100,
		RefillRate:      time.Minute,
		CleanupInterval: 5 * time.Minute,
	}
}

// NewTokenBucket creates a token bucket limiter
func NewTokenBucket(config TokenBucketConfig) (*TokenBucket, error) {
	if config.Capacity <= 0 {
		return nil, errors.New("capacity must be greater than 0")
	}
	if config.RefillRate <= 0 {
		return nil, errors.New("refill rate must be greater than 0")
	}

	tb := &TokenBucket{
		buckets:    make(map[string]*bucket),
		capacity:   config.Capacity,
		refillRate: config.RefillRate,
		now:        time.Now,
		done:       make(chan struct{}),
	}
	if config.CleanupInterval > 0 {
		go tb.cleanupLoop(config.CleanupInterval)
	}
	return tb, nil
}

// Allow implements Limiter
func (tb *TokenBucket) Allow(_ context.Context, key string) (*Info, error) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	b, ok := tb.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(tb.capacity), lastRefill: now}
		tb.buckets[key] = b
	} else if elapsed := now.Sub(b.lastRefill); elapsed > 0 {
		refill := float64(tb.capacity) * elapsed.Seconds() / tb.refillRate.Seconds()
		b.tokens = minFloat(float64(tb.capacity), b.tokens+refill)
		b.lastRefill = now
	}

	allowed := b.tokens >= 1
	if allowed {
		b.tokens--
	}

	return &Info{
		Limit:     tb.capacity,
		Remaining: int(b.tokens),
		ResetAt:   now.Add(tb.fullIn(b.tokens)),
		Allowed:   allowed,
	}, nil
}

// fullIn is the time until a bucket holding tokens is full again
func (tb *TokenBucket) fullIn(tokens float64) time.Duration {
	missing := float64(tb.capacity) - tokens
	return time.Duration(missing * float64(tb.refillRate) / float64(tb.capacity))
}

// Len returns the number of tracked keys
func (tb *TokenBucket) Len() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return len(tb.buckets)
}

func (tb *TokenBucket) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			tb.cleanup()
		case <-tb.done:
			return
		}
	}
}

// cleanup drops buckets idle long enough to have refilled completely
func (tb *TokenBucket) cleanup() {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	for key, b := range tb.buckets {
		if now.Sub(b.lastRefill) > tb.refillRate {
			delete(tb.buckets, key)
		}
	}
}

// Close stops the cleanup goroutine
func (tb *TokenBucket) Close() error {
	tb.closeOnce.Do(func() { close(tb.done) })
	return nil
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
