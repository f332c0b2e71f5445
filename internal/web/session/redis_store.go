package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces session keys
const DefaultRedisPrefix = "relay:session:"

// RedisStore is a Redis-backed session store. Expiry is delegated to
// Redis key TTLs.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore wraps an existing client. Close closes the client.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
	}
}

// Get retrieves a session from Redis
func (s *RedisStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	key := s.key(sessionID)

	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get error: %w", err)
	}

	session, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("json unmarshal error: %w", err)
	}
	return session, nil
}

// Set stores a session in Redis
func (s *RedisStore) Set(ctx context.Context, sessionID string, session *Session, ttl time.Duration) error {
	data, err := encode(session)
	if err != nil {
		return fmt.Errorf("json marshal error: %w", err)
	}
	if err := s.client.Set(ctx, s.key(sessionID), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set error: %w", err)
	}
	return nil
}

// Delete removes a session from Redis
func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("redis del error: %w", err)
	}
	return nil
}

// Refresh updates the expiration time of a session
func (s *RedisStore) Refresh(ctx context.Context, sessionID string, ttl time.Duration) error {
	ok, err := s.client.Expire(ctx, s.key(sessionID), ttl).Result()
	if err != nil {
		return fmt.Errorf("redis expire error: %w", err)
	}
	if !ok {
		return ErrSessionNotFound
	}
	return nil
}

// Close closes the Redis client
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) key(sessionID string) string {
	return s.prefix + sessionID
}
