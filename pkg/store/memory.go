package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests. FailNextSave lets tests
// exercise checkpoint failure handling.
type MemoryStore struct {
	mu           sync.Mutex
	checkpoints  map[string]*Checkpoint
	FailNextSave error
	SaveCount    int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{checkpoints: make(map[string]*Checkpoint)}
}

// SaveCheckpoint upserts the checkpoint, or fails once if FailNextSave is set.
func (m *MemoryStore) SaveCheckpoint(_ context.Context, cp *Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailNextSave != nil {
		err := m.FailNextSave
		m.FailNextSave = nil
		return err
	}

	m.SaveCount++
	now := time.Now().UTC()
	saved := *cp
	saved.State = append([]byte(nil), cp.State...)
	saved.UpdatedAt = now
	if existing, ok := m.checkpoints[cp.SessionID]; ok {
		saved.CreatedAt = existing.CreatedAt
	} else {
		saved.CreatedAt = now
	}
	m.checkpoints[cp.SessionID] = &saved
	return nil
}

// LoadCheckpoint returns a copy of the stored checkpoint, or ErrNotFound.
func (m *MemoryStore) LoadCheckpoint(_ context.Context, sessionID string) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp, ok := m.checkpoints[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *cp
	out.State = append([]byte(nil), cp.State...)
	return &out, nil
}

// ListSessions returns summaries sorted most recently updated first.
func (m *MemoryStore) ListSessions(_ context.Context) ([]SessionInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sessions := make([]SessionInfo, 0, len(m.checkpoints))
	for _, cp := range m.checkpoints {
		sessions = append(sessions, SessionInfo{
			SessionID: cp.SessionID,
			ProjectID: cp.ProjectID,
			Stage:     cp.Stage,
			UpdatedAt: cp.UpdatedAt,
		})
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})
	return sessions, nil
}

// DeleteSession removes a session's checkpoint.
func (m *MemoryStore) DeleteSession(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checkpoints, sessionID)
	return nil
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error { return nil }
