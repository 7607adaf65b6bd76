// Package claudecode provides types for the Claude Code CLI stream-json
// protocol. The CLI emits one JSON object per line on stdout; the first line
// is a system/init message carrying the conversation's session id.
package claudecode

import (
	"encoding/json"
	"errors"
)

// Message types from the Claude Code CLI
const (
	// MessageTypeSystem is the initial system message with session info
	MessageTypeSystem = "system"
	// MessageTypeAssistant contains text or thinking from the assistant
	MessageTypeAssistant = "assistant"
	// MessageTypeResult is the final result message
	MessageTypeResult = "result"
	// MessageTypeUser is a user message (prompt)
	MessageTypeUser = "user"
)

// System message subtypes
const (
	// SubtypeInit is the first message of a conversation
	SubtypeInit = "init"
)

// CLIMessage represents messages from the CLI stdout stream.
// The message type determines which fields are populated.
type CLIMessage struct {
	// Type is the message type (system, assistant, user, result)
	Type string `json:"type"`

	// Subtype qualifies system and result messages (e.g. "init")
	Subtype string `json:"subtype,omitempty"`

	// For system messages
	SessionID string   `json:"session_id,omitempty"`
	Model     string   `json:"model,omitempty"`
	CWD       string   `json:"cwd,omitempty"`
	Tools     []string `json:"tools,omitempty"`

	// For result messages
	Result     json.RawMessage `json:"result,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
	DurationMS int64           `json:"duration_ms,omitempty"`
	NumTurns   int             `json:"num_turns,omitempty"`
}

// ErrNotInitMessage is returned by ParseInitLine when the line is valid JSON
// but not a system/init message.
var ErrNotInitMessage = errors.New("claudecode: not a system init message")

// IsInit reports whether the message is the conversation's initial
// system message with a non-empty session id.
func (m *CLIMessage) IsInit() bool {
	return m.Type == MessageTypeSystem && m.Subtype == SubtypeInit && m.SessionID != ""
}

// ParseInitLine decodes a single stream-json line and returns the session id
// if the line is the system/init message. Malformed JSON returns the decode
// error; well-formed non-init lines return ErrNotInitMessage.
func ParseInitLine(line []byte) (string, error) {
	var msg CLIMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return "", err
	}
	if !msg.IsInit() {
		return "", ErrNotInitMessage
	}
	return msg.SessionID, nil
}
