// Package session owns live PTY sessions: at most one per output project,
// each pairing an agent CLI child process with a replay buffer, an optional
// terminal attachment, and a one-shot session-id capture tap.
package session

import (
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/devflow/devflow/internal/pty"
)

// attachmentBufferChunks bounds the per-attachment output channel. A browser
// that stops reading stalls only its own pump, never the fan-out to replay.
const attachmentBufferChunks = 256

// captureTapChunks bounds the capture tap. The tap is best-effort: if the
// scanner falls behind, chunks are dropped rather than stalling the fan-out.
const captureTapChunks = 64

// Attachment is the output side of one bound terminal connection.
type Attachment struct {
	// Output carries pty output chunks while the attachment is live.
	Output chan []byte
	// Exit delivers the child's exit code (nil if unknown) exactly once.
	Exit chan *int

	done     chan struct{}
	doneOnce sync.Once
}

func newAttachment() *Attachment {
	return &Attachment{
		Output: make(chan []byte, attachmentBufferChunks),
		Exit:   make(chan *int, 1),
		done:   make(chan struct{}),
	}
}

// Done is closed when the attachment is replaced or detached.
func (a *Attachment) Done() <-chan struct{} {
	return a.done
}

func (a *Attachment) close() {
	a.doneOnce.Do(func() { close(a.done) })
}

// Session is one live child process plus pty pair, keyed by output project.
type Session struct {
	// ID is server-generated, for diagnostics only.
	ID string
	// ProjectID is the owning output project; unique among live sessions.
	ProjectID string

	proc   *pty.Process
	replay *replayBuffer

	mu             sync.Mutex
	lastActivity   time.Time
	agentSessionID string
	attached       *Attachment
	exitNotified   bool
	exitCode       *int

	// deliverMu makes append-then-deliver atomic with respect to
	// attach-and-snapshot, so a reconnecting client sees the replay as an
	// exact prefix of the live stream: no duplicated and no lost chunks.
	deliverMu sync.Mutex

	captureTap chan []byte
	tapOnce    sync.Once
	exited     chan struct{} // closed once the fan-out has finished
	startedAt  time.Time
}

func newSession(projectID string, proc *pty.Process, replayBytes int) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:           uuid.New().String(),
		ProjectID:    projectID,
		proc:         proc,
		replay:       newReplayBuffer(replayBytes),
		lastActivity: now,
		startedAt:    now,
		captureTap:   make(chan []byte, captureTapChunks),
		exited:       make(chan struct{}),
	}
}

// Write sends input bytes to the child and refreshes activity.
func (s *Session) Write(data []byte) error {
	_, err := s.proc.Write(data)
	if err == nil {
		s.Touch()
	}
	return err
}

// Resize updates the pty window size.
func (s *Session) Resize(rows, cols uint16) error {
	s.Touch()
	return s.proc.Resize(rows, cols)
}

// Signal delivers sig to the child's process group.
func (s *Session) Signal(sig syscall.Signal) error {
	s.Touch()
	return s.proc.Signal(sig)
}

// WriteEOF delivers end-of-file to the child's stdin.
func (s *Session) WriteEOF() error {
	s.Touch()
	return s.proc.WriteEOF()
}

// Replay returns the buffered output suffix accumulated so far.
func (s *Session) Replay() []byte {
	return s.replay.snapshot()
}

// Touch refreshes the idle clock.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now().UTC()
	s.mu.Unlock()
}

// LastActivity returns the time of the most recent input or output.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// SetAgentSessionID mirrors the persisted agent session id into the live
// session for diagnostics and status frames.
func (s *Session) SetAgentSessionID(id string) {
	s.mu.Lock()
	s.agentSessionID = id
	s.mu.Unlock()
}

// AgentSessionID returns the mirrored agent session id, if captured.
func (s *Session) AgentSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agentSessionID
}

// Exited is closed once the child has exited and the fan-out has drained.
func (s *Session) Exited() <-chan struct{} {
	return s.exited
}

// ExitCode returns the child's exit code once Exited is closed.
func (s *Session) ExitCode() *int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode
}

// attach binds a new terminal connection, replacing any existing one, and
// returns the replay snapshot taken at the bind point. The previous
// attachment's Done channel is closed first so a fan-out blocked on it
// unwinds before we take the delivery lock. The attachment actually bound at
// install time is re-read under the lock: with two attaches racing, both may
// see the same earlier attachment as prev, and whichever installs first is
// then displaced by the other without ever appearing as prev. If the session
// has already exited the exit code is delivered immediately.
func (s *Session) attach() (*Attachment, []byte) {
	att := newAttachment()

	s.mu.Lock()
	prev := s.attached
	s.mu.Unlock()
	if prev != nil {
		prev.close()
	}

	s.deliverMu.Lock()
	s.mu.Lock()
	displaced := s.attached
	s.attached = att
	alreadyExited := s.exitNotified
	code := s.exitCode
	s.mu.Unlock()
	replay := s.replay.snapshot()
	s.deliverMu.Unlock()

	if displaced != nil {
		displaced.close()
	}

	if alreadyExited {
		att.Exit <- code
	}
	s.Touch()
	return att, replay
}

// detach unbinds the given attachment if it is still the bound one.
func (s *Session) detach(att *Attachment) {
	s.mu.Lock()
	if s.attached == att {
		s.attached = nil
	}
	s.mu.Unlock()
	att.close()
}

// Attached reports whether a terminal connection is currently bound.
func (s *Session) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached != nil
}

// stopTap ends capture forwarding. The channel is abandoned rather than
// closed: a concurrent forwardTap may still hold a reference, and the
// capture scanner terminates on its own bounds.
func (s *Session) stopTap() {
	s.tapOnce.Do(func() {
		s.mu.Lock()
		s.captureTap = nil
		s.mu.Unlock()
	})
}

// forwardTap offers a chunk to the capture scanner without blocking.
func (s *Session) forwardTap(chunk []byte) {
	s.mu.Lock()
	tap := s.captureTap
	s.mu.Unlock()
	if tap == nil {
		return
	}
	select {
	case tap <- chunk:
	default:
	}
}

// deliver forwards a chunk to the bound attachment, blocking until the
// attachment accepts it or is torn down. Unattached sessions drop nothing:
// the replay buffer has already recorded the chunk.
func (s *Session) deliver(chunk []byte) {
	s.mu.Lock()
	att := s.attached
	s.mu.Unlock()
	if att == nil {
		return
	}
	select {
	case att.Output <- chunk:
	case <-att.done:
	}
}

// pump is the per-session fan-out loop: every chunk is appended to the
// replay buffer, offered to the capture tap, and forwarded to the bound
// attachment. On EOF it waits for the child to be reaped, emits exactly one
// exit notification, and invokes onExit.
func (s *Session) pump(onExit func(*Session)) {
	for {
		chunk, err := s.proc.ReadChunk()
		if len(chunk) > 0 {
			s.deliverMu.Lock()
			s.replay.append(chunk)
			s.Touch()
			s.forwardTap(chunk)
			s.deliver(chunk)
			s.deliverMu.Unlock()
		}
		if err != nil {
			break
		}
	}

	<-s.proc.Done()
	code := s.proc.ExitCode()

	s.mu.Lock()
	s.exitCode = code
	s.exitNotified = true
	att := s.attached
	s.mu.Unlock()

	s.stopTap()
	close(s.exited)

	if att != nil {
		select {
		case att.Exit <- code:
		default:
		}
	}

	onExit(s)
}

// close shuts the child down with the given grace period.
func (s *Session) close(grace time.Duration) (*int, error) {
	code, err := s.proc.Close(grace)
	return code, err
}
