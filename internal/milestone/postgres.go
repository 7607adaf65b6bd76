package milestone

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/devflow/devflow/internal/common/database"
	apperrors "github.com/devflow/devflow/internal/common/errors"
)

// PostgresStore is the Store backed by PostgreSQL through pgxpool.
type PostgresStore struct {
	db *database.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates the store and ensures its schema exists.
func NewPostgresStore(ctx context.Context, db *database.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize milestones schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS milestones (
		id TEXT PRIMARY KEY,
		output_project_id TEXT NOT NULL,
		context_file_path TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_milestones_project ON milestones(output_project_id);
	`
	_, err := s.db.Exec(ctx, schema)
	return err
}

// Get returns the milestone by id.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Milestone, error) {
	var m Milestone
	err := s.db.QueryRow(ctx,
		`SELECT id, output_project_id, context_file_path, created_at, updated_at
		 FROM milestones WHERE id = $1`, id).
		Scan(&m.ID, &m.OutputProjectID, &m.ContextFilePath, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("milestone", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get milestone: %w", err)
	}
	return &m, nil
}

// Create inserts a new milestone.
func (s *PostgresStore) Create(ctx context.Context, m *Milestone) error {
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now

	_, err := s.db.Exec(ctx,
		`INSERT INTO milestones (id, output_project_id, context_file_path, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		m.ID, m.OutputProjectID, m.ContextFilePath, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create milestone: %w", err)
	}
	return nil
}

// ListByProject returns the project's milestones, oldest first.
func (s *PostgresStore) ListByProject(ctx context.Context, projectID string) ([]*Milestone, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, output_project_id, context_file_path, created_at, updated_at
		 FROM milestones WHERE output_project_id = $1 ORDER BY created_at ASC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list milestones: %w", err)
	}
	defer rows.Close()

	var out []*Milestone
	for rows.Next() {
		var m Milestone
		if err := rows.Scan(&m.ID, &m.OutputProjectID, &m.ContextFilePath, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan milestone: %w", err)
		}
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list milestones: %w", err)
	}
	return out, nil
}

// Close is a no-op; the shared pool is owned by the caller.
func (s *PostgresStore) Close() error {
	return nil
}
