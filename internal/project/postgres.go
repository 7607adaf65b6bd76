package project

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
		return nil, fmt.Errorf("failed to initialize output_projects schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS output_projects (
		id TEXT PRIMARY KEY,
		workspace_path TEXT NOT NULL,
		agent_session_id TEXT,
		status TEXT NOT NULL DEFAULT 'created',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);
	`
	_, err := s.db.Exec(ctx, schema)
	return err
}

// Get returns the project by id.
func (s *PostgresStore) Get(ctx context.Context, id string) (*OutputProject, error) {
	var p OutputProject
	err := s.db.QueryRow(ctx,
		`SELECT id, workspace_path, agent_session_id, status, created_at, updated_at
		 FROM output_projects WHERE id = $1`, id).
		Scan(&p.ID, &p.WorkspacePath, &p.AgentSessionID, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("output project", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get output project: %w", err)
	}
	return &p, nil
}

// Create inserts a new project.
func (s *PostgresStore) Create(ctx context.Context, p *OutputProject) error {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if p.Status == "" {
		p.Status = StatusCreated
	}

	_, err := s.db.Exec(ctx,
		`INSERT INTO output_projects (id, workspace_path, agent_session_id, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		p.ID, p.WorkspacePath, p.AgentSessionID, p.Status, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create output project: %w", err)
	}
	return nil
}

// SetAgentSessionIDIfNull performs the set-once write; the conditional
// UPDATE makes concurrent captures race harmlessly.
func (s *PostgresStore) SetAgentSessionIDIfNull(ctx context.Context, id, sessionID string) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE output_projects SET agent_session_id = $1, updated_at = $2
		 WHERE id = $3 AND agent_session_id IS NULL`,
		sessionID, time.Now().UTC(), id)
	if err != nil {
		return false, fmt.Errorf("failed to set agent session id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return false, getErr
		}
		return false, nil
	}
	return true, nil
}

// UpdateStatus advances the status; regressions match zero rows and are
// silently ignored.
func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, status Status) error {
	if !status.Valid() {
		return apperrors.ValidationError("status", fmt.Sprintf("unknown status %q", status))
	}

	query := fmt.Sprintf(
		`UPDATE output_projects SET status = $1, updated_at = $2
		 WHERE id = $3 AND `+statusRankSQL+` < `+statusRankSQL,
		"status", "$1")

	tag, err := s.db.Exec(ctx, query, status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update output project status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
	}
	return nil
}

// Close is a no-op; the shared pool is owned by the caller.
func (s *PostgresStore) Close() error {
	return nil
}
