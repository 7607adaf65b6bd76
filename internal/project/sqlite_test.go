package project

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devflow/devflow/internal/common/database"
	apperrors "github.com/devflow/devflow/internal/common/errors"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewSQLiteStore(db)
	require.NoError(t, err)
	return store
}

func createProject(t *testing.T, store *SQLiteStore) *OutputProject {
	t.Helper()
	p := &OutputProject{
		ID:            uuid.New().String(),
		WorkspacePath: "/work/" + uuid.New().String(),
	}
	require.NoError(t, store.Create(context.Background(), p))
	return p
}

func TestCreateAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p := createProject(t, store)

	got, err := store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
	assert.Equal(t, p.WorkspacePath, got.WorkspacePath)
	assert.Equal(t, StatusCreated, got.Status)
	assert.Nil(t, got.AgentSessionID)
}

func TestGetNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestSetAgentSessionIDIfNull(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	p := createProject(t, store)

	set, err := store.SetAgentSessionIDIfNull(ctx, p.ID, "sess-1")
	require.NoError(t, err)
	assert.True(t, set, "first write should win")

	// Second write must not overwrite.
	set, err = store.SetAgentSessionIDIfNull(ctx, p.ID, "sess-2")
	require.NoError(t, err)
	assert.False(t, set)

	got, err := store.Get(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, got.AgentSessionID)
	assert.Equal(t, "sess-1", *got.AgentSessionID)
}

func TestSetAgentSessionIDMissingProject(t *testing.T) {
	store := newTestStore(t)

	_, err := store.SetAgentSessionIDIfNull(context.Background(), "missing", "sess-1")
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestUpdateStatusAdvances(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	p := createProject(t, store)

	require.NoError(t, store.UpdateStatus(ctx, p.ID, StatusInitialized))
	got, err := store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInitialized, got.Status)

	require.NoError(t, store.UpdateStatus(ctx, p.ID, StatusActive))
	got, err = store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)
}

func TestUpdateStatusNeverRegresses(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	p := createProject(t, store)

	require.NoError(t, store.UpdateStatus(ctx, p.ID, StatusActive))

	// Regressions are ignored, not errors.
	require.NoError(t, store.UpdateStatus(ctx, p.ID, StatusInitialized))
	require.NoError(t, store.UpdateStatus(ctx, p.ID, StatusCreated))

	got, err := store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)
}

func TestUpdateStatusUnknown(t *testing.T) {
	store := newTestStore(t)
	p := createProject(t, store)

	err := store.UpdateStatus(context.Background(), p.ID, Status("bogus"))
	require.Error(t, err)
}

func TestStatusOrdering(t *testing.T) {
	assert.True(t, StatusCreated.Before(StatusInitialized))
	assert.True(t, StatusInitialized.Before(StatusActive))
	assert.False(t, StatusActive.Before(StatusCreated))
	assert.False(t, StatusActive.Before(StatusActive))
}
