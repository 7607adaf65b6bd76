package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devflow/devflow/internal/common/config"
	apperrors "github.com/devflow/devflow/internal/common/errors"
	"github.com/devflow/devflow/internal/common/logger"
	"github.com/devflow/devflow/internal/milestone"
	"github.com/devflow/devflow/internal/project"
	"github.com/devflow/devflow/internal/session"
)

const (
	// defaultCols/defaultRows size the pty until the client's first resize.
	defaultCols = 120
	defaultRows = 40

	// pongWait is how long a silent peer keeps the socket alive; pings go
	// out at a third of that.
	pongWait     = 60 * time.Second
	pingInterval = 20 * time.Second
	writeWait    = 10 * time.Second

	// maxMalformedFrames tolerated before the connection is dropped.
	maxMalformedFrames = 5
)

// Pump completion sentinels: normal ways for the bridge to end.
var (
	errSessionClosed      = errors.New("session closed")
	errAttachmentReplaced = errors.New("attachment replaced by newer connection")
)

// terminalUpgrader is the WebSocket upgrader for terminal connections.
// Uses larger buffers for better TUI performance.
var terminalUpgrader = gorillaws.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     checkWebSocketOrigin,
}

// TerminalHandler owns terminal WebSockets from accept to close: protocol
// enforcement, session binding, and the concurrent bridge pumps.
type TerminalHandler struct {
	registry   *session.Registry
	projects   project.Store
	milestones milestone.Store
	cfg        config.SessionConfig
	logger     *logger.Logger
}

// NewTerminalHandler creates a new TerminalHandler instance.
func NewTerminalHandler(registry *session.Registry, projects project.Store, milestones milestone.Store, cfg config.SessionConfig, log *logger.Logger) *TerminalHandler {
	return &TerminalHandler{
		registry:   registry,
		projects:   projects,
		milestones: milestones,
		cfg:        cfg,
		logger:     log.WithFields(zap.String("component", "terminal_handler")),
	}
}

// RegisterRoutes mounts the two terminal endpoints.
func (h *TerminalHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/milestones/:milestoneId/terminal", h.HandleMilestoneTerminal)
	rg.GET("/output-projects/:projectId/terminal", h.HandleProjectTerminal)
}

// HandleMilestoneTerminal binds to the milestone's parent project session,
// creating it if absent. This is the primary entry: on a fresh project it
// spawns the agent; on a live session it injects the new-milestone command.
func (h *TerminalHandler) HandleMilestoneTerminal(c *gin.Context) {
	conn, err := terminalUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}
	w := newFrameWriter(conn)
	defer w.close()

	milestoneID := c.Param("milestoneId")
	if _, err := uuid.Parse(milestoneID); err != nil {
		_ = w.writeClose(CloseMalformedID, "malformed milestone id")
		return
	}

	// Connection ack before any lookup.
	if err := w.writeStatus(true, nil); err != nil {
		return
	}

	ctx := c.Request.Context()

	m, err := h.milestones.Get(ctx, milestoneID)
	if err != nil {
		h.rejectLookup(w, err, "milestone lookup failed")
		return
	}

	proj, err := h.projects.Get(ctx, m.OutputProjectID)
	if err != nil {
		h.rejectLookup(w, err, "output project lookup failed")
		return
	}

	s, created, err := h.registry.GetOrCreate(ctx, proj, defaultCols, defaultRows)
	if err != nil {
		h.logger.WithProjectID(proj.ID).WithError(err).Error("failed to acquire session")
		_ = w.writeError(appErrorCode(err), "failed to start agent session")
		_ = w.writeClose(gorillaws.CloseInternalServerErr, "session spawn failed")
		return
	}

	// Pre-existing session: the milestone is delivered over stdin instead
	// of a respawn.
	inject := ""
	if !created {
		inject = m.Command()
	}

	h.serve(ctx, conn, w, s, inject)
}

// HandleProjectTerminal binds to an existing session by output project id.
// Used for reconnect/observe; it never creates a session.
func (h *TerminalHandler) HandleProjectTerminal(c *gin.Context) {
	conn, err := terminalUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}
	w := newFrameWriter(conn)
	defer w.close()

	projectID := c.Param("projectId")
	if _, err := uuid.Parse(projectID); err != nil {
		_ = w.writeClose(CloseMalformedID, "malformed output project id")
		return
	}

	if err := w.writeStatus(true, nil); err != nil {
		return
	}

	s, ok := h.registry.GetByProject(projectID)
	if !ok {
		_ = w.writeClose(CloseNoSession, "no live session for output project")
		return
	}

	h.serve(c.Request.Context(), conn, w, s, "")
}

// rejectLookup reports a failed milestone/project lookup and closes.
func (h *TerminalHandler) rejectLookup(w *frameWriter, err error, msg string) {
	h.logger.WithError(err).Warn(msg)
	_ = w.writeError(appErrorCode(err), msg)
	code := gorillaws.CloseInternalServerErr
	if apperrors.IsNotFound(err) {
		code = gorillaws.ClosePolicyViolation
	}
	_ = w.writeClose(code, msg)
}

func appErrorCode(err error) string {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return apperrors.ErrCodeInternalError
}

// serve attaches the connection to the session and runs the bridge pumps.
// When the bridge ends the connection unbinds; the session survives unless
// its child exited.
func (h *TerminalHandler) serve(ctx context.Context, conn *gorillaws.Conn, w *frameWriter, s *session.Session, inject string) {
	log := h.logger.WithProjectID(s.ProjectID).WithSessionID(s.ID)

	att, replay := h.registry.Attach(s)
	defer h.registry.Detach(s, att)

	// Second status frame carries the server's session id.
	sid := s.ID
	if err := w.writeStatus(true, &sid); err != nil {
		return
	}

	// Replay history before any live output.
	if len(replay) > 0 {
		if err := w.writeOutput(replay); err != nil {
			return
		}
	}

	err := h.runBridge(ctx, conn, w, s, att, inject)
	switch {
	case err == nil || errors.Is(err, errSessionClosed) ||
		errors.Is(err, errAttachmentReplaced) || errors.Is(err, context.Canceled):
		log.Debug("terminal bridge ended", zap.NamedError("reason", err))
	default:
		log.WithError(err).Debug("terminal bridge ended with error")
	}
}

// runBridge runs the concurrent pumps under one errgroup: inbound frames to
// the pty, session fan-out to output frames (plus the exit notification),
// the heartbeat, and the optional delayed milestone injection. The first
// pump to finish cancels the rest.
func (h *TerminalHandler) runBridge(parent context.Context, conn *gorillaws.Conn, w *frameWriter, s *session.Session, att *session.Attachment, inject string) error {
	g, ctx := errgroup.WithContext(parent)

	// Unblock the inbound reader when any pump ends.
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		<-ctx.Done()
		_ = conn.SetReadDeadline(time.Now())
	}()

	if inject != "" {
		g.Go(func() error {
			return h.injectMilestone(ctx, w, s, inject)
		})
	}

	// Inbound pump: client frames to the pty.
	g.Go(func() error {
		malformed := 0
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return fmt.Errorf("inbound read: %w", err)
			}
			s.Touch()

			var frame clientFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				malformed++
				_ = w.writeError(apperrors.ErrCodeBadRequest, "malformed frame")
				if malformed > maxMalformedFrames {
					return fmt.Errorf("too many malformed frames")
				}
				continue
			}

			if err := h.dispatch(s, &frame); err != nil {
				if errors.Is(err, errUnknownFrame) {
					malformed++
					_ = w.writeError(apperrors.ErrCodeBadRequest, err.Error())
					if malformed > maxMalformedFrames {
						return fmt.Errorf("too many malformed frames")
					}
					continue
				}
				// pty write/resize/signal failures: report and keep the
				// socket; the exit path will announce the closure.
				_ = w.writeError(apperrors.ErrCodeInternalError, err.Error())
			}
		}
	})

	// Outbound pump: fan-out chunks to output frames; on child exit flush
	// the tail and send the closed frame.
	g.Go(func() error {
		for {
			select {
			case chunk := <-att.Output:
				if err := w.writeOutput(chunk); err != nil {
					return fmt.Errorf("outbound write: %w", err)
				}
				s.Touch()
			case code := <-att.Exit:
				for {
					select {
					case chunk := <-att.Output:
						if err := w.writeOutput(chunk); err != nil {
							return fmt.Errorf("outbound write: %w", err)
						}
					default:
						_ = w.writeClosed(code)
						_ = w.writeClose(gorillaws.CloseNormalClosure, "session closed")
						return errSessionClosed
					}
				}
			case <-att.Done():
				return errAttachmentReplaced
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})

	// Heartbeat: a dead peer is detected by pong timeout on the reader.
	g.Go(func() error {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := w.writePing(time.Now().Add(writeWait)); err != nil {
					return fmt.Errorf("heartbeat: %w", err)
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})

	return g.Wait()
}

// injectMilestone writes the new-milestone command into the session's stdin
// after a short delay so the agent is receptive. Fire-and-forget: a failed
// write is reported but not retried.
func (h *TerminalHandler) injectMilestone(ctx context.Context, w *frameWriter, s *session.Session, inject string) error {
	delay := h.cfg.InjectDelayDuration()
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return nil
	}

	if err := s.Write([]byte(inject)); err != nil {
		h.logger.WithSessionID(s.ID).WithError(err).Error("milestone injection failed")
		_ = w.writeError(apperrors.ErrCodeInternalError, "failed to deliver milestone to agent")
	} else {
		h.logger.WithSessionID(s.ID).Info("milestone injected into live session")
	}
	return nil
}

var errUnknownFrame = errors.New("unknown frame type")

// dispatch applies one client frame to the session.
func (h *TerminalHandler) dispatch(s *session.Session, frame *clientFrame) error {
	switch frame.Type {
	case frameTypeInput:
		return s.Write([]byte(frame.Data))
	case frameTypeResize:
		if frame.Rows == 0 || frame.Cols == 0 {
			return fmt.Errorf("invalid resize dimensions %dx%d", frame.Cols, frame.Rows)
		}
		return s.Resize(frame.Rows, frame.Cols)
	case frameTypeSignal:
		switch frame.Signal {
		case "SIGINT":
			return s.Signal(syscall.SIGINT)
		case "SIGTERM":
			return s.Signal(syscall.SIGTERM)
		case "EOF":
			return s.WriteEOF()
		default:
			return fmt.Errorf("%w: signal %q", errUnknownFrame, frame.Signal)
		}
	default:
		return fmt.Errorf("%w: %q", errUnknownFrame, frame.Type)
	}
}
