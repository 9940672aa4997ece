package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"blueprint/pkg/logx"
)

// schemaVersion tracks the checkpoint schema for migration support.
const schemaVersion = 1

// SQLiteStore persists checkpoints in a local SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger *logx.Logger
}

// NewSQLiteStore opens (or creates) the checkpoint database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_foreign_keys=ON&_journal_mode=WAL&_busy_timeout=5000",
		dbPath,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initializeSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	logger := logx.NewLogger("store")
	logger.Info("checkpoint database ready: %s", dbPath)

	return &SQLiteStore{db: db, logger: logger}, nil
}

func initializeSchema(db *sql.DB) error {
	var current int
	if err := db.QueryRow("PRAGMA user_version").Scan(&current); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	if current == schemaVersion {
		return nil
	}
	if current > schemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", current, schemaVersion)
	}

	const createTable = `
CREATE TABLE IF NOT EXISTS checkpoints (
	session_id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	stage      TEXT NOT NULL,
	state      TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_project ON checkpoints(project_id);
`
	if _, err := db.Exec(createTable); err != nil {
		return fmt.Errorf("failed to create checkpoint table: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	return nil
}

// SaveCheckpoint upserts the checkpoint for cp.SessionID.
func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	now := time.Now().UTC()
	const query = `
INSERT INTO checkpoints (session_id, project_id, stage, state, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(session_id) DO UPDATE SET
	project_id = excluded.project_id,
	stage      = excluded.stage,
	state      = excluded.state,
	updated_at = excluded.updated_at
`
	_, err := s.db.ExecContext(ctx, query,
		cp.SessionID, cp.ProjectID, cp.Stage, string(cp.State), now, now)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint for session %s: %w", cp.SessionID, err)
	}
	s.logger.Debug("checkpoint saved: session=%s stage=%s", cp.SessionID, cp.Stage)
	return nil
}

// LoadCheckpoint returns the latest checkpoint for a session, or ErrNotFound.
func (s *SQLiteStore) LoadCheckpoint(ctx context.Context, sessionID string) (*Checkpoint, error) {
	const query = `
SELECT session_id, project_id, stage, state, created_at, updated_at
FROM checkpoints WHERE session_id = ?
`
	var cp Checkpoint
	var state string
	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(
		&cp.SessionID, &cp.ProjectID, &cp.Stage, &state, &cp.CreatedAt, &cp.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint for session %s: %w", sessionID, err)
	}
	cp.State = []byte(state)
	return &cp, nil
}

// ListSessions returns summaries of all stored sessions, most recently
// updated first.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	const query = `
SELECT session_id, project_id, stage, updated_at
FROM checkpoints ORDER BY updated_at DESC
`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []SessionInfo
	for rows.Next() {
		var info SessionInfo
		if err := rows.Scan(&info.SessionID, &info.ProjectID, &info.Stage, &info.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	return sessions, nil
}

// DeleteSession removes a session's checkpoint.
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM checkpoints WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", sessionID, err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
