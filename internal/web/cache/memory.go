package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Store with TTL support. Expired entries are
// dropped on read and by a background sweep.
type MemoryStore struct {
	mu     sync.RWMutex
	items  map[string]memoryItem
	config Config
	now    func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

type memoryItem struct {
	value      []byte
	expiration time.Time
}

func (i memoryItem) expired(now time.Time) bool {
	return !i.expiration.IsZero() && now.After(i.expiration)
}

// NewMemoryStore creates an in-memory store that sweeps expired entries
// every interval. A non-positive interval disables the sweep.
func NewMemoryStore(config Config, interval time.Duration) *MemoryStore {
	ctx, cancel := context.WithCancel(context.Background())
	m := &MemoryStore{
		items:  make(map[string]memoryItem),
		config: config,
		now:    time.Now,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	if interval > 0 {
		go m.sweepLoop(ctx, interval)
	} else {
		close(m.done)
	}
	return m
}

// Get retrieves a value from the cache
func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	full := m.config.Prefix + key
	m.mu.RLock()
	item, ok := m.items[full]
	m.mu.RUnlock()

	if !ok {
		return nil, missError(key)
	}
	if item.expired(m.now()) {
		m.mu.Lock()
		if current, ok := m.items[full]; ok && current.expired(m.now()) {
			delete(m.items, full)
		}
		m.mu.Unlock()
		return nil, missError(key)
	}

	out := make([]byte, len(item.value))
	copy(out, item.value)
	return out, nil
}

// Set stores a value in the cache with a TTL
func (m *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if ttl == 0 {
		ttl = m.config.DefaultTTL
	}
	item := memoryItem{value: append([]byte(nil), value...)}
	if ttl > 0 {
		item.expiration = m.now().Add(ttl)
	}

	m.mu.Lock()
	m.items[m.config.Prefix+key] = item
	m.mu.Unlock()
	return nil
}

// Delete removes a value from the cache
func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.items, m.config.Prefix+key)
	m.mu.Unlock()
	return nil
}

// Clear removes all values under the prefix
func (m *MemoryStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.items {
		if strings.HasPrefix(key, m.config.Prefix) {
			delete(m.items, key)
		}
	}
	return nil
}

// Exists checks if a live key exists
func (m *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := m.Get(ctx, key)
	if IsMiss(err) {
		return false, nil
	}
	return err == nil, err
}

// Len returns the number of stored entries, expired ones included
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// Close stops the background sweep
func (m *MemoryStore) Close() error {
	m.cancel()
	<-m.done
	return nil
}

func (m *MemoryStore) sweepLoop(ctx context.Context, interval time.Duration) {
	defer close(m.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep drops expired entries
func (m *MemoryStore) sweep() {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, item := range m.items {
		if item.expired(now) {
			delete(m.items, key)
		}
	}
}
