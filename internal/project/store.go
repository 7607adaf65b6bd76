package project

import "context"

// Store persists output projects.
type Store interface {
	// Get returns the project by id, or a NOT_FOUND AppError.
	Get(ctx context.Context, id string) (*OutputProject, error)

	// Create inserts a new project.
	Create(ctx context.Context, p *OutputProject) error

	// SetAgentSessionIDIfNull sets agent_session_id only when it is
	// currently null. Returns true when this call performed the write,
	// false when a value was already present.
	SetAgentSessionIDIfNull(ctx context.Context, id, sessionID string) (bool, error)

	// UpdateStatus advances the project status. Transitions that would
	// regress the lifecycle are ignored, not errors.
	UpdateStatus(ctx context.Context, id string, status Status) error

	// Close releases the underlying connection.
	Close() error
}
