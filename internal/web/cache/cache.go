package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned when a key is absent or expired
var ErrMiss = errors.New("cache miss")

// Store is a byte-oriented cache backend
type Store interface {
	// Get returns ErrMiss when the key is absent
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value. A zero ttl uses the store default, a negative
	// one never expires.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	Delete(ctx context.Context, key string) error

	// Clear removes every key under the store's prefix
	Clear(ctx context.Context) error

	Exists(ctx context.Context, key string) (bool, error)

	Close() error
}

// Config holds common configuration for cache backends
type Config struct {
	// DefaultTTL is the default time-to-live for cached items
	DefaultTTL time.Duration
	// Prefix is prepended to all cache keys
	Prefix string
}

// DefaultConfig returns a default cache configuration
func DefaultConfig() Config {
	return Config{
		DefaultTTL: 5 * time.Minute,
		Prefix:     "relay:",
	}
}

// IsMiss reports whether err is a cache miss
func IsMiss(err error) bool {
	return errors.Is(err, ErrMiss)
}

func missError(key string) error {
	return &missErr{key: key}
}

type missErr struct {
	key string
}

func (e *missErr) Error() string {
	return "cache miss: " + e.key
}

func (e *missErr) Unwrap() error {
	return ErrMiss
}
