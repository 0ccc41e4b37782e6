// ABOUTME: SQLite-backed persistence for session metadata and message history
// ABOUTME: using modernc.org/sqlite with automatic schema creation.

package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrSessionNotFound indicates the session id has no stored record.
var ErrSessionNotFound = errors.New("session not found")

// Session is one stored conversation session owned by an agent.
type Session struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agentId"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Message is one stored history entry within a session.
type Message struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"sessionId"`
	AgentID   string    `json:"agentId"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists sessions and their message history.
type Store interface {
	// UpsertSession creates the session on first sight and refreshes its
	// updated_at timestamp on every later call.
	UpsertSession(ctx context.Context, agentID, sessionID string) error

	// GetSession returns a stored session or ErrSessionNotFound.
	GetSession(ctx context.Context, sessionID string) (*Session, error)

	// ListSessions returns an agent's sessions, most recently updated
	// first. limit <= 0 means no limit.
	ListSessions(ctx context.Context, agentID string, limit int) ([]Session, error)

	// AppendMessage adds a history entry. CreatedAt defaults to now when
	// zero.
	AppendMessage(ctx context.Context, m Message) error

	// ListMessages returns a session's history in insertion order.
	// limit <= 0 means no limit.
	ListMessages(ctx context.Context, sessionID string, limit int) ([]Message, error)

	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "session-store")

	if !strings.HasPrefix(path, ":memory:") {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite session store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_agent
			ON sessions(agent_id, updated_at);

		CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_session
			ON messages(session_id, id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// UpsertSession implements Store.
func (s *SQLiteStore) UpsertSession(ctx context.Context, agentID, sessionID string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, agent_id, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at
	`, sessionID, agentID, now, now)
	if err != nil {
		return fmt.Errorf("upserting session: %w", err)
	}
	return nil
}

// GetSession implements Store.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var sess Session
	err := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, created_at, updated_at
		FROM sessions WHERE id = ?
	`, sessionID).Scan(&sess.ID, &sess.AgentID, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	return &sess, nil
}

// ListSessions implements Store.
func (s *SQLiteStore) ListSessions(ctx context.Context, agentID string, limit int) ([]Session, error) {
	query := `
		SELECT id, agent_id, created_at, updated_at
		FROM sessions WHERE agent_id = ?
		ORDER BY updated_at DESC
	`
	args := []any{agentID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.AgentID, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// AppendMessage implements Store.
func (s *SQLiteStore) AppendMessage(ctx context.Context, m Message) error {
	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (session_id, agent_id, role, content, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, m.SessionID, m.AgentID, m.Role, m.Content, createdAt)
	if err != nil {
		return fmt.Errorf("appending message: %w", err)
	}
	return nil
}

// ListMessages implements Store.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	query := `
		SELECT id, session_id, agent_id, role, content, created_at
		FROM messages WHERE session_id = ?
		ORDER BY id
	`
	args := []any{sessionID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.AgentID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
