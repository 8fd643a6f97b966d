// Package session persists conversation history in SQLite so that
// turns survive restarts and multiple sessions stay isolated.
package session

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultMaxTurns bounds stored history per session. Older turns are
// trimmed as new ones arrive.
const DefaultMaxTurns = 100

const schema = `
CREATE TABLE IF NOT EXISTS turns (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, created_at);
`

// Turn is one stored conversation message.
type Turn struct {
	ID        string
	SessionID string
	Role      string
	Content   string
	CreatedAt time.Time
}

// Store persists turns. The *sql.DB is injected so tests can supply an
// in-memory database.
type Store struct {
	db       *sql.DB
	logger   *slog.Logger
	maxTurns int
}

// Open opens the SQLite database at path with settings suited to a
// single long-running process.
func Open(path string) (*sql.DB, error) {
	if path == "" {
		path = "relay.db"
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}
	// SQLite serializes writers; a single connection avoids lock churn.
	db.SetMaxOpenConns(1)
	return db, nil
}

// NewStore creates a store over db and applies the schema. A maxTurns
// of zero or less uses the default.
func NewStore(db *sql.DB, maxTurns int, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("apply session schema: %w", err)
	}

	return &Store{db: db, logger: logger, maxTurns: maxTurns}, nil
}

// AddTurn appends a turn to a session and trims history beyond the
// per-session cap.
func (s *Store) AddTurn(ctx context.Context, sessionID, role, content string) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate turn id: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO turns (id, session_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		id.String(), sessionID, role, content, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}

	// Sliding window: keep the newest maxTurns rows. V7 IDs are
	// time-ordered, so the ID is a stable tiebreaker.
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM turns WHERE session_id = ? AND id NOT IN (
			SELECT id FROM turns WHERE session_id = ?
			ORDER BY created_at DESC, id DESC LIMIT ?
		)`,
		sessionID, sessionID, s.maxTurns,
	)
	if err != nil {
		return fmt.Errorf("trim session history: %w", err)
	}
	if n, _ := result.RowsAffected(); n > 0 {
		s.logger.Debug("trimmed session history", "session_id", sessionID, "removed", n)
	}

	return nil
}

// History returns a session's turns in chronological order.
func (s *Store) History(ctx context.Context, sessionID string) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, created_at FROM turns
		 WHERE session_id = ? ORDER BY created_at ASC, id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query session history: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Role, &t.Content, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// Clear removes all turns for a session.
func (s *Store) Clear(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM turns WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}
