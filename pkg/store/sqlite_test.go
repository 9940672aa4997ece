package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "checkpoints.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveAndLoadCheckpoint(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	cp := &Checkpoint{
		SessionID: "sess-1",
		ProjectID: "billing",
		Stage:     "parse_requirements",
		State:     []byte(`{"session_id":"sess-1"}`),
	}
	require.NoError(t, s.SaveCheckpoint(ctx, cp))

	got, err := s.LoadCheckpoint(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", got.SessionID)
	assert.Equal(t, "billing", got.ProjectID)
	assert.Equal(t, "parse_requirements", got.Stage)
	assert.JSONEq(t, `{"session_id":"sess-1"}`, string(got.State))
	assert.False(t, got.UpdatedAt.IsZero())
}

func TestSaveCheckpointUpserts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	first := &Checkpoint{SessionID: "sess-1", ProjectID: "billing", Stage: "analyze_existing", State: []byte(`{"v":1}`)}
	require.NoError(t, s.SaveCheckpoint(ctx, first))

	second := &Checkpoint{SessionID: "sess-1", ProjectID: "billing", Stage: "parse_requirements", State: []byte(`{"v":2}`)}
	require.NoError(t, s.SaveCheckpoint(ctx, second))

	got, err := s.LoadCheckpoint(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "parse_requirements", got.Stage)
	assert.JSONEq(t, `{"v":2}`, string(got.State))

	// Still a single session
	sessions, err := s.ListSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}

func TestLoadCheckpointNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.LoadCheckpoint(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListSessionsOrderedByUpdate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, id := range []string{"a", "b"} {
		require.NoError(t, s.SaveCheckpoint(ctx, &Checkpoint{
			SessionID: id, ProjectID: "p", Stage: "analyze_existing", State: []byte(`{}`),
		}))
	}

	// Touch "a" so it becomes the most recently updated
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, s.SaveCheckpoint(ctx, &Checkpoint{
		SessionID: "a", ProjectID: "p", Stage: "parse_requirements", State: []byte(`{}`),
	}))

	sessions, err := s.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "a", sessions[0].SessionID)
	assert.Equal(t, "parse_requirements", sessions[0].Stage)
}

func TestDeleteSession(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.SaveCheckpoint(ctx, &Checkpoint{
		SessionID: "gone", ProjectID: "p", Stage: "analyze_existing", State: []byte(`{}`),
	}))
	require.NoError(t, s.DeleteSession(ctx, "gone"))

	_, err := s.LoadCheckpoint(ctx, "gone")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting a missing session is not an error
	assert.NoError(t, s.DeleteSession(ctx, "never-existed"))
}

func TestStoreReopensExistingDatabase(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "checkpoints.db")

	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.SaveCheckpoint(ctx, &Checkpoint{
		SessionID: "sess-1", ProjectID: "p", Stage: "analyze_existing", State: []byte(`{}`),
	}))
	require.NoError(t, s.Close())

	reopened, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	got, err := reopened.LoadCheckpoint(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", got.SessionID)
}
