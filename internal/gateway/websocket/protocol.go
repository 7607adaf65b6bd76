// Package websocket provides the terminal WebSocket endpoints: JSON text
// frames bridging a browser terminal to a live PTY session.
package websocket

import (
	"io"
	"strings"
	"sync"
	"time"

	gorillaws "github.com/gorilla/websocket"
)

// Application close codes (4000-4999 range is reserved for applications).
const (
	// CloseMalformedID is sent when the id in the URL is not parseable.
	CloseMalformedID = 4000
	// CloseNoSession is sent by the project-scoped endpoint when no live
	// session exists; that endpoint never creates one.
	CloseNoSession = 4004
)

// Client to server frame types.
const (
	frameTypeInput  = "input"
	frameTypeResize = "resize"
	frameTypeSignal = "signal"
)

// Server to client frame types.
const (
	frameTypeStatus = "status"
	frameTypeOutput = "output"
	frameTypeError  = "error"
	frameTypeClosed = "closed"
)

// clientFrame is the union of all client to server frames; Type selects
// which fields are meaningful.
type clientFrame struct {
	Type   string `json:"type"`
	Data   string `json:"data,omitempty"`
	Rows   uint16 `json:"rows,omitempty"`
	Cols   uint16 `json:"cols,omitempty"`
	Signal string `json:"signal,omitempty"`
}

// statusFrame announces connection lifecycle; session_id is null until the
// session lookup completes.
type statusFrame struct {
	Type      string  `json:"type"`
	Connected bool    `json:"connected"`
	SessionID *string `json:"session_id"`
}

type outputFrame struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type closedFrame struct {
	Type     string `json:"type"`
	ExitCode *int   `json:"exit_code"`
}

// frameWriter serializes concurrent frame writes onto one socket. Gorilla
// connections allow only a single writer at a time.
type frameWriter struct {
	conn   *gorillaws.Conn
	mu     sync.Mutex
	closed bool
}

func newFrameWriter(conn *gorillaws.Conn) *frameWriter {
	return &frameWriter{conn: conn}
}

func (w *frameWriter) writeJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return io.ErrClosedPipe
	}
	return w.conn.WriteJSON(v)
}

func (w *frameWriter) writeStatus(connected bool, sessionID *string) error {
	return w.writeJSON(statusFrame{Type: frameTypeStatus, Connected: connected, SessionID: sessionID})
}

// writeOutput sends a chunk of pty output, decoded as UTF-8 with
// replacement so the frame is always valid JSON text.
func (w *frameWriter) writeOutput(chunk []byte) error {
	return w.writeJSON(outputFrame{Type: frameTypeOutput, Data: strings.ToValidUTF8(string(chunk), "�")})
}

func (w *frameWriter) writeError(code, message string) error {
	return w.writeJSON(errorFrame{Type: frameTypeError, Code: code, Message: message})
}

func (w *frameWriter) writeClosed(exitCode *int) error {
	return w.writeJSON(closedFrame{Type: frameTypeClosed, ExitCode: exitCode})
}

func (w *frameWriter) writePing(deadline time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return io.ErrClosedPipe
	}
	return w.conn.WriteControl(gorillaws.PingMessage, nil, deadline)
}

// writeClose sends a close frame with the given application code.
func (w *frameWriter) writeClose(code int, reason string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return io.ErrClosedPipe
	}
	msg := gorillaws.FormatCloseMessage(code, reason)
	return w.conn.WriteControl(gorillaws.CloseMessage, msg, time.Now().Add(time.Second))
}

func (w *frameWriter) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	_ = w.conn.Close()
}
