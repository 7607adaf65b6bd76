package project

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	apperrors "github.com/devflow/devflow/internal/common/errors"
)

// statusRankSQL maps a status column to its lifecycle rank inside a query,
// mirroring statusRank.
const statusRankSQL = `CASE %s WHEN 'created' THEN 0 WHEN 'initialized' THEN 1 WHEN 'active' THEN 2 ELSE -1 END`

// SQLiteStore is the default Store backed by a SQLite file.
type SQLiteStore struct {
	db *sqlx.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates the store and ensures its schema exists.
// The handle is shared with other stores; Close is a no-op so ownership
// stays with the caller that opened the database.
func NewSQLiteStore(db *sqlx.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize output_projects schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS output_projects (
		id TEXT PRIMARY KEY,
		workspace_path TEXT NOT NULL,
		agent_session_id TEXT,
		status TEXT NOT NULL DEFAULT 'created',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Get returns the project by id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*OutputProject, error) {
	var p OutputProject
	err := s.db.GetContext(ctx, &p,
		`SELECT id, workspace_path, agent_session_id, status, created_at, updated_at
		 FROM output_projects WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("output project", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get output project: %w", err)
	}
	return &p, nil
}

// Create inserts a new project.
func (s *SQLiteStore) Create(ctx context.Context, p *OutputProject) error {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if p.Status == "" {
		p.Status = StatusCreated
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO output_projects (id, workspace_path, agent_session_id, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.WorkspacePath, p.AgentSessionID, p.Status, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create output project: %w", err)
	}
	return nil
}

// SetAgentSessionIDIfNull performs the set-once write: the UPDATE only
// matches while agent_session_id is null, so concurrent captures race
// harmlessly and exactly one wins.
func (s *SQLiteStore) SetAgentSessionIDIfNull(ctx context.Context, id, sessionID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE output_projects SET agent_session_id = ?, updated_at = ?
		 WHERE id = ? AND agent_session_id IS NULL`,
		sessionID, time.Now().UTC(), id)
	if err != nil {
		return false, fmt.Errorf("failed to set agent session id: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		// Distinguish "already set" from "no such project".
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return false, getErr
		}
		return false, nil
	}
	return true, nil
}

// UpdateStatus advances the status; regressions match zero rows and are
// silently ignored.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, status Status) error {
	if !status.Valid() {
		return apperrors.ValidationError("status", fmt.Sprintf("unknown status %q", status))
	}

	query := fmt.Sprintf(
		`UPDATE output_projects SET status = ?, updated_at = ?
		 WHERE id = ? AND `+statusRankSQL+` < `+statusRankSQL,
		"status", "?")

	res, err := s.db.ExecContext(ctx, query, status, time.Now().UTC(), id, status)
	if err != nil {
		return fmt.Errorf("failed to update output project status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
	}
	return nil
}

// Close is a no-op; the shared database handle is owned by the caller.
func (s *SQLiteStore) Close() error {
	return nil
}
