package milestone

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	apperrors "github.com/devflow/devflow/internal/common/errors"
)

// SQLiteStore is the default Store backed by a SQLite file.
type SQLiteStore struct {
	db *sqlx.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates the store and ensures its schema exists.
func NewSQLiteStore(db *sqlx.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize milestones schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS milestones (
		id TEXT PRIMARY KEY,
		output_project_id TEXT NOT NULL,
		context_file_path TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_milestones_project ON milestones(output_project_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Get returns the milestone by id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Milestone, error) {
	var m Milestone
	err := s.db.GetContext(ctx, &m,
		`SELECT id, output_project_id, context_file_path, created_at, updated_at
		 FROM milestones WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("milestone", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get milestone: %w", err)
	}
	return &m, nil
}

// Create inserts a new milestone.
func (s *SQLiteStore) Create(ctx context.Context, m *Milestone) error {
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO milestones (id, output_project_id, context_file_path, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.OutputProjectID, m.ContextFilePath, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create milestone: %w", err)
	}
	return nil
}

// ListByProject returns the project's milestones, oldest first.
func (s *SQLiteStore) ListByProject(ctx context.Context, projectID string) ([]*Milestone, error) {
	var out []*Milestone
	err := s.db.SelectContext(ctx, &out,
		`SELECT id, output_project_id, context_file_path, created_at, updated_at
		 FROM milestones WHERE output_project_id = ? ORDER BY created_at ASC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list milestones: %w", err)
	}
	return out, nil
}

// Close is a no-op; the shared database handle is owned by the caller.
func (s *SQLiteStore) Close() error {
	return nil
}
