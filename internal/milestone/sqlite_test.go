package milestone

import (
	"context"
	"path/filepath"
	"testing"
	"time"

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

func TestCreateAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	m := &Milestone{
		ID:              uuid.New().String(),
		OutputProjectID: "proj-1",
		ContextFilePath: "milestones/001.md",
	}
	require.NoError(t, store.Create(ctx, m))

	got, err := store.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, m.OutputProjectID, got.OutputProjectID)
	assert.Equal(t, m.ContextFilePath, got.ContextFilePath)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestGetNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestListByProjectOrdered(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i, path := range []string{"m/1.md", "m/2.md", "m/3.md"} {
		m := &Milestone{
			ID:              uuid.New().String(),
			OutputProjectID: "proj-1",
			ContextFilePath: path,
			CreatedAt:       time.Now().UTC().Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, store.Create(ctx, m))
	}

	// A milestone in another project must not appear.
	require.NoError(t, store.Create(ctx, &Milestone{
		ID:              uuid.New().String(),
		OutputProjectID: "proj-2",
		ContextFilePath: "m/other.md",
	}))

	got, err := store.ListByProject(ctx, "proj-1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "m/1.md", got[0].ContextFilePath)
	assert.Equal(t, "m/3.md", got[2].ContextFilePath)
}

func TestCommand(t *testing.T) {
	m := &Milestone{ContextFilePath: "milestones/002.md"}
	assert.Equal(t, "/new-milestone milestones/002.md\n", m.Command())
}
