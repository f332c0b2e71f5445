package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// DatabaseStore is a database/sql session store. The statements use $n
// placeholders and ON CONFLICT upserts, which PostgreSQL and SQLite both
// accept.
type DatabaseStore struct {
	db        *sql.DB
	tableName string
	log       *zap.Logger

	closeOnce sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup
}

// DatabaseConfig holds database session store configuration
type DatabaseConfig struct {
	// DB is the database connection. It is not closed by the store.
	DB *sql.DB

	// TableName is the name of the sessions table
	TableName string

	// CleanupInterval is how often to run cleanup (0 = no auto cleanup)
	CleanupInterval time.Duration

	Logger *zap.Logger
}

// DefaultDatabaseConfig returns default database configuration
func DefaultDatabaseConfig(db *sql.DB) DatabaseConfig {
	return DatabaseConfig{
		DB:              db,
		TableName:       "sessions",
		CleanupInterval: 5 * time.Minute,
	}
}

// NewDatabaseStore creates the sessions table if needed and returns the
// store
func NewDatabaseStore(ctx context.Context, config DatabaseConfig) (*DatabaseStore, error) {
	if config.DB == nil {
		return nil, errors.New("database is required")
	}
	if !tableNamePattern.MatchString(config.TableName) {
		return nil, fmt.Errorf("invalid sessions table name %q", config.TableName)
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	store := &DatabaseStore{
		db:        config.DB,
		tableName: config.TableName,
		log:       logger,
		stop:      make(chan struct{}),
	}
	if err := store.createTable(ctx); err != nil {
		return nil, fmt.Errorf("failed to create sessions table: %w", err)
	}

	if config.CleanupInterval > 0 {
		store.wg.Add(1)
		go store.cleanup(config.CleanupInterval)
	}
	return store, nil
}

func (s *DatabaseStore) createTable(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id VARCHAR(255) PRIMARY KEY,
			user_id VARCHAR(255),
			data JSONB NOT NULL,
			flash_messages JSONB,
			csrf_token VARCHAR(255),
			created_at TIMESTAMP NOT NULL,
			expires_at TIMESTAMP NOT NULL
		)
	`, s.tableName)
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return err
	}

	indexQuery := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_expires_at ON %s (expires_at)`, s.tableName, s.tableName)
	_, err := s.db.ExecContext(ctx, indexQuery)
	return err
}

// Get retrieves a session from the database
func (s *DatabaseStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	query := fmt.Sprintf(`
		SELECT id, user_id, data, flash_messages, csrf_token, created_at, expires_at
		FROM %s
		WHERE id = $1 AND expires_at > $2
	`, s.tableName)

	session := &Session{}
	var userID, csrfToken sql.NullString
	var dataJSON, flashJSON []byte

	err := s.db.QueryRowContext(ctx, query, sessionID, time.Now().UTC()).Scan(
		&session.ID,
		&userID,
		&dataJSON,
		&flashJSON,
		&csrfToken,
		&session.CreatedAt,
		&session.ExpiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("database query error: %w", err)
	}

	session.UserID = userID.String
	session.CSRFToken = csrfToken.String

	if err := json.Unmarshal(dataJSON, &session.Data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session data: %w", err)
	}
	if session.Data == nil {
		session.Data = make(map[string]interface{})
	}
	if len(flashJSON) > 0 {
		if err := json.Unmarshal(flashJSON, &session.FlashMessages); err != nil {
			return nil, fmt.Errorf("failed to unmarshal flash messages: %w", err)
		}
	}
	return session, nil
}

// Set stores a session in the database
func (s *DatabaseStore) Set(ctx context.Context, sessionID string, session *Session, ttl time.Duration) error {
	dataJSON, err := json.Marshal(session.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal session data: %w", err)
	}
	flashJSON, err := json.Marshal(session.FlashMessages)
	if err != nil {
		return fmt.Errorf("failed to marshal flash messages: %w", err)
	}

	expiresAt := time.Now().UTC().Add(ttl)
	query := fmt.Sprintf(`
		INSERT INTO %s (id, user_id, data, flash_messages, csrf_token, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			data = EXCLUDED.data,
			flash_messages = EXCLUDED.flash_messages,
			csrf_token = EXCLUDED.csrf_token,
			expires_at = EXCLUDED.expires_at
	`, s.tableName)

	_, err = s.db.ExecContext(ctx, query,
		sessionID,
		nullable(session.UserID),
		string(dataJSON),
		string(flashJSON),
		nullable(session.CSRFToken),
		session.CreatedAt.UTC(),
		expiresAt,
	)
	if err != nil {
		return fmt.Errorf("database insert error: %w", err)
	}
	return nil
}

// Delete removes a session from the database
func (s *DatabaseStore) Delete(ctx context.Context, sessionID string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.tableName)
	if _, err := s.db.ExecContext(ctx, query, sessionID); err != nil {
		return fmt.Errorf("database delete error: %w", err)
	}
	return nil
}

// Refresh updates the expiration time of a session
func (s *DatabaseStore) Refresh(ctx context.Context, sessionID string, ttl time.Duration) error {
	now := time.Now().UTC()
	query := fmt.Sprintf(`UPDATE %s SET expires_at = $1 WHERE id = $2 AND expires_at > $3`, s.tableName)

	result, err := s.db.ExecContext(ctx, query, now.Add(ttl), sessionID, now)
	if err != nil {
		return fmt.Errorf("database update error: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// DeleteExpired removes expired sessions and returns how many were removed
func (s *DatabaseStore) DeleteExpired(ctx context.Context) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE expires_at <= $1`, s.tableName)
	result, err := s.db.ExecContext(ctx, query, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("database cleanup error: %w", err)
	}
	return result.RowsAffected()
}

// Close stops the cleanup goroutine. The database stays open.
func (s *DatabaseStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		s.wg.Wait()
	})
	return nil
}

func (s *DatabaseStore) cleanup(interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			removed, err := s.DeleteExpired(context.Background())
			if err != nil {
				s.log.Warn("session cleanup failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				s.log.Debug("expired sessions removed", zap.Int64("count", removed))
			}
		}
	}
}

func nullable(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}
