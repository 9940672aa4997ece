// Package store provides durable checkpoint storage for workflow sessions.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when no checkpoint exists for a session.
var ErrNotFound = errors.New("checkpoint not found")

// Checkpoint is one durable snapshot of a workflow session. State carries
// the engine's full serialized state; Stage is duplicated as a column so
// sessions can be listed without decoding every blob.
type Checkpoint struct {
	SessionID string          `json:"session_id"`
	ProjectID string          `json:"project_id"`
	Stage     string          `json:"stage"`
	State     json.RawMessage `json:"state"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// SessionInfo summarizes a stored session for listings.
type SessionInfo struct {
	SessionID string    `json:"session_id"`
	ProjectID string    `json:"project_id"`
	Stage     string    `json:"stage"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is the checkpoint persistence interface. Save must be atomic per
// session: a reader sees either the previous checkpoint or the new one,
// never a partial write.
type Store interface {
	// SaveCheckpoint upserts the checkpoint for cp.SessionID.
	SaveCheckpoint(ctx context.Context, cp *Checkpoint) error

	// LoadCheckpoint returns the latest checkpoint for a session, or
	// ErrNotFound.
	LoadCheckpoint(ctx context.Context, sessionID string) (*Checkpoint, error)

	// ListSessions returns summaries of all stored sessions, most recently
	// updated first.
	ListSessions(ctx context.Context) ([]SessionInfo, error)

	// DeleteSession removes a session's checkpoint. Deleting a missing
	// session is not an error.
	DeleteSession(ctx context.Context, sessionID string) error

	// Close releases the underlying resources.
	Close() error
}
