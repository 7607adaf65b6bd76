// Package project holds the OutputProject model and its persistence.
package project

import "time"

// Status is the lifecycle state of an output project.
type Status string

const (
	// StatusCreated is the initial state after external creation.
	StatusCreated Status = "created"
	// StatusInitialized means an agent session has been spawned at least once.
	StatusInitialized Status = "initialized"
	// StatusActive means the agent's session id has been captured.
	StatusActive Status = "active"
)

// statusRank orders statuses so transitions never regress.
var statusRank = map[Status]int{
	StatusCreated:     0,
	StatusInitialized: 1,
	StatusActive:      2,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// Before reports whether s orders strictly before other.
func (s Status) Before(other Status) bool {
	return statusRank[s] < statusRank[other]
}

// OutputProject is one long-running agent engagement over a workspace
// directory. agent_session_id is learned from the agent's first stream-json
// line and, once set, is never rewritten by the capture path.
type OutputProject struct {
	ID             string    `db:"id" json:"id"`
	WorkspacePath  string    `db:"workspace_path" json:"workspace_path"`
	AgentSessionID *string   `db:"agent_session_id" json:"agent_session_id,omitempty"`
	Status         Status    `db:"status" json:"status"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}
