package session

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-memory session store suitable for development and
// single-instance deployments
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]memoryEntry
	now      func() time.Time

	closeOnce sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup
}

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

// NewMemoryStore creates a new in-memory session store. A positive
// cleanupInterval starts a goroutine that drops expired sessions.
func NewMemoryStore(cleanupInterval time.Duration) *MemoryStore {
	store := &MemoryStore{
		sessions: make(map[string]memoryEntry),
		now:      time.Now,
		stop:     make(chan struct{}),
	}
	if cleanupInterval > 0 {
		store.wg.Add(1)
		go store.cleanup(cleanupInterval)
	}
	return store
}

// Get retrieves a session from memory
func (s *MemoryStore) Get(_ context.Context, sessionID string) (*Session, error) {
	s.mu.Lock()
	entry, ok := s.sessions[sessionID]
	if ok && !entry.expiresAt.After(s.now()) {
		delete(s.sessions, sessionID)
		s.mu.Unlock()
		return nil, ErrSessionExpired
	}
	s.mu.Unlock()

	if !ok {
		return nil, ErrSessionNotFound
	}
	sess, err := decode(entry.data)
	if err != nil {
		return nil, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	return sess, nil
}

// Set stores a session in memory
func (s *MemoryStore) Set(_ context.Context, sessionID string, session *Session, ttl time.Duration) error {
	data, err := encode(session)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", sessionID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionID] = memoryEntry{data: data, expiresAt: s.now().Add(ttl)}
	return nil
}

// Delete removes a session from memory
func (s *MemoryStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

// Refresh updates the expiration time of a session
func (s *MemoryStore) Refresh(_ context.Context, sessionID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.sessions[sessionID]
	if !ok || !entry.expiresAt.After(s.now()) {
		return ErrSessionNotFound
	}
	entry.expiresAt = s.now().Add(ttl)
	s.sessions[sessionID] = entry
	return nil
}

// Close stops the cleanup goroutine and clears all sessions
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		s.wg.Wait()
		s.mu.Lock()
		s.sessions = make(map[string]memoryEntry)
		s.mu.Unlock()
	})
	return nil
}

func (s *MemoryStore) cleanup(interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *MemoryStore) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for id, entry := range s.sessions {
		if !entry.expiresAt.After(now) {
			delete(s.sessions, id)
		}
	}
}

// Count returns the number of stored sessions
func (s *MemoryStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
