package milestone

import "context"

// Store persists milestones.
type Store interface {
	// Get returns the milestone by id, or a NOT_FOUND AppError.
	Get(ctx context.Context, id string) (*Milestone, error)

	// Create inserts a new milestone.
	Create(ctx context.Context, m *Milestone) error

	// ListByProject returns the project's milestones, oldest first.
	ListByProject(ctx context.Context, projectID string) ([]*Milestone, error)

	// Close releases the underlying connection.
	Close() error
}
