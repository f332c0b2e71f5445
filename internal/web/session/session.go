// Package session keeps per-client state in a pluggable store, keyed by a
// cookie, and offers CSRF protection and flash messages on top of it.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrSessionNotFound is returned when a session is not found
var ErrSessionNotFound = errors.New("session not found")

// ErrSessionExpired is returned when a session has expired
var ErrSessionExpired = errors.New("session expired")

// Store defines the interface for session storage backends. Stores keep
// a serialized copy; callers never share a *Session through a store.
type Store interface {
	// Get retrieves a session by ID
	Get(ctx context.Context, sessionID string) (*Session, error)

	// Set stores a session with the given TTL
	Set(ctx context.Context, sessionID string, session *Session, ttl time.Duration) error

	// Delete removes a session
	Delete(ctx context.Context, sessionID string) error

	// Refresh updates the expiration time of a session
	Refresh(ctx context.Context, sessionID string, ttl time.Duration) error

	// Close cleans up any resources used by the store
	Close() error
}

// Session represents a client session
type Session struct {
	ID string `json:"id"`
	// UserID is the authenticated user ID (empty if not authenticated)
	UserID        string                 `json:"user_id,omitempty"`
	Data          map[string]interface{} `json:"data"`
	FlashMessages []FlashMessage         `json:"flash_messages,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	ExpiresAt     time.Time              `json:"expires_at"`
	CSRFToken     string                 `json:"csrf_token,omitempty"`

	// fresh sessions were created by this request
	fresh     bool
	modified  bool
	destroyed bool
	manager   *manager
}

// FlashMessage is a one-time message stored in the session
type FlashMessage struct {
	// Type indicates the message type (success, error, warning, info)
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewSession creates a new session with the given ID and TTL
func NewSession(id string, ttl time.Duration) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:        id,
		Data:      make(map[string]interface{}),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

// IsExpired checks if the session has expired
func (s *Session) IsExpired() bool {
	return time.Now().After(s.ExpiresAt)
}

// Get retrieves a value from session data. Values loaded from a store
// carry JSON types, so numbers come back as float64.
func (s *Session) Get(key string) (interface{}, bool) {
	val, ok := s.Data[key]
	return val, ok
}

// Set stores a value in session data
func (s *Session) Set(key string, value interface{}) {
	if s.Data == nil {
		s.Data = make(map[string]interface{})
	}
	s.Data[key] = value
	s.modified = true
}

// Delete removes a value from session data
func (s *Session) Delete(key string) {
	if _, ok := s.Data[key]; ok {
		delete(s.Data, key)
		s.modified = true
	}
}

// SetUser records the authenticated user
func (s *Session) SetUser(userID string) {
	s.UserID = userID
	s.modified = true
}

// AddFlash adds a flash message to the session
func (s *Session) AddFlash(messageType, message string) {
	s.FlashMessages = append(s.FlashMessages, FlashMessage{
		Type:    messageType,
		Message: message,
	})
	s.modified = true
}

// Flashes returns all flash messages and clears them from the session
func (s *Session) Flashes() []FlashMessage {
	messages := s.FlashMessages
	if len(messages) > 0 {
		s.FlashMessages = nil
		s.modified = true
	}
	return messages
}

// PeekFlashes returns the flash messages without clearing them
func (s *Session) PeekFlashes() []FlashMessage {
	return append([]FlashMessage(nil), s.FlashMessages...)
}

// Modified reports whether the session must be written back
func (s *Session) Modified() bool {
	return s.modified
}

func encode(s *Session) ([]byte, error) {
	return json.Marshal(s)
}

func decode(data []byte) (*Session, error) {
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	if s.Data == nil {
		s.Data = make(map[string]interface{})
	}
	return &s, nil
}
