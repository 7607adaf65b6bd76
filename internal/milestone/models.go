// Package milestone holds the Milestone model and its persistence.
// A milestone is one unit of work inside an output project; delivering it to
// a live agent session means writing "/new-milestone <context_file_path>" to
// the session's stdin.
package milestone

import "time"

// Milestone is a single work unit within an output project.
type Milestone struct {
	ID              string    `db:"id" json:"id"`
	OutputProjectID string    `db:"output_project_id" json:"output_project_id"`
	ContextFilePath string    `db:"context_file_path" json:"context_file_path"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

// Command returns the stdin line that delivers this milestone to a running
// session, including the trailing newline.
func (m *Milestone) Command() string {
	return "/new-milestone " + m.ContextFilePath + "\n"
}
