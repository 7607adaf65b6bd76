package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/devflow/devflow/internal/agent"
	"github.com/devflow/devflow/internal/common/config"
	apperrors "github.com/devflow/devflow/internal/common/errors"
	"github.com/devflow/devflow/internal/common/logger"
	"github.com/devflow/devflow/internal/common/tracing"
	"github.com/devflow/devflow/internal/events/bus"
	"github.com/devflow/devflow/internal/project"
	"github.com/devflow/devflow/internal/pty"
)

// tracerName identifies session lifecycle spans.
const tracerName = "devflow.session"

// Registry is the single source of truth for live PTY sessions. It enforces
// one session per output project, spawns the agent CLI, runs the idle
// janitor, and owns every child process it creates.
type Registry struct {
	builder *agent.Builder
	store   project.Store
	bus     bus.EventBus
	cfg     config.SessionConfig
	log     *logger.Logger

	mu       sync.Mutex
	sessions map[string]*Session

	stop     chan struct{}
	stopOnce sync.Once
}

// NewRegistry creates the registry and starts its idle janitor.
func NewRegistry(builder *agent.Builder, store project.Store, eventBus bus.EventBus, cfg config.SessionConfig, log *logger.Logger) *Registry {
	r := &Registry{
		builder:  builder,
		store:    store,
		bus:      eventBus,
		cfg:      cfg,
		log:      log,
		sessions: make(map[string]*Session),
		stop:     make(chan struct{}),
	}
	go r.janitor()
	return r
}

// GetByProject returns the live session for a project, if any.
func (r *Registry) GetByProject(projectID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[projectID]
	return s, ok
}

// Create spawns a new session for the project. Returns an ALREADY_EXISTS
// error when a live session is already registered.
func (r *Registry) Create(ctx context.Context, proj *project.OutputProject, cols, rows uint16) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[proj.ID]; ok {
		return nil, apperrors.AlreadyExists("session for output project", proj.ID)
	}
	return r.createLocked(ctx, proj, cols, rows)
}

// GetOrCreate returns the live session for the project, spawning one under
// the same critical section when absent. The bool reports whether this call
// created the session.
func (r *Registry) GetOrCreate(ctx context.Context, proj *project.OutputProject, cols, rows uint16) (*Session, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[proj.ID]; ok {
		s.Touch()
		return s, false, nil
	}

	s, err := r.createLocked(ctx, proj, cols, rows)
	if err != nil {
		return nil, false, err
	}
	return s, true, nil
}

// createLocked spawns the child and registers the session. Caller holds r.mu,
// which is what makes lookup+spawn atomic per project.
func (r *Registry) createLocked(ctx context.Context, proj *project.OutputProject, cols, rows uint16) (*Session, error) {
	resume := ""
	if proj.AgentSessionID != nil {
		resume = *proj.AgentSessionID
	}

	ctx, span := tracing.Tracer(tracerName).Start(ctx, "session.spawn")
	defer span.End()
	span.SetAttributes(
		attribute.String("project_id", proj.ID),
		attribute.Bool("resuming", resume != ""),
	)

	spec, err := r.builder.Build(agent.CommandOptions{
		WorkspacePath:   proj.WorkspacePath,
		ResumeSessionID: resume,
	})
	if err != nil {
		return nil, err
	}

	proc, err := pty.Start(spec, cols, rows)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "spawn failed")
		return nil, apperrors.InternalError("failed to spawn agent session", err)
	}
	span.SetAttributes(attribute.Int("pid", proc.Pid()))

	s := newSession(proj.ID, proc, r.cfg.ReplayBufferBytes)
	r.sessions[proj.ID] = s

	log := r.log.WithProjectID(proj.ID).WithSessionID(s.ID)
	log.Info("agent session spawned",
		zap.Int("pid", proc.Pid()),
		zap.Bool("resuming", resume != ""),
	)

	go s.pump(r.onExit)
	go runCapture(captureArgs{
		tap:       s.captureTap,
		exited:    s.exited,
		projectID: proj.ID,
		store:     r.store,
		bus:       r.bus,
		mirror:    s.SetAgentSessionID,
		stopTap:   s.stopTap,
		maxLines:  r.cfg.CaptureMaxLines,
		timeout:   r.cfg.CaptureTimeoutDuration(),
		log:       log,
	})

	r.publish(ctx, bus.SubjectSessionStarted, map[string]interface{}{
		"project_id": proj.ID,
		"session_id": s.ID,
		"pid":        proc.Pid(),
		"resuming":   resume != "",
	})

	// First spawn advances the project out of its created state.
	if proj.Status == project.StatusCreated {
		if err := r.store.UpdateStatus(ctx, proj.ID, project.StatusInitialized); err != nil {
			log.WithError(err).Warn("failed to advance project status")
		} else {
			proj.Status = project.StatusInitialized
			r.publish(ctx, bus.SubjectProjectStatusChanged, map[string]interface{}{
				"project_id": proj.ID,
				"status":     string(project.StatusInitialized),
			})
		}
	}

	return s, nil
}

// Attach binds a terminal connection to the session, replacing any previous
// attachment, and returns the replay snapshot taken at the bind point. The
// snapshot is an exact prefix of the chunks the attachment will receive.
func (r *Registry) Attach(s *Session) (*Attachment, []byte) {
	return s.attach()
}

// Detach unbinds the attachment; the session keeps running.
func (r *Registry) Detach(s *Session, att *Attachment) {
	s.detach(att)
}

// RecordAgentSessionID mirrors a persisted agent session id into the live
// session, if one exists.
func (r *Registry) RecordAgentSessionID(projectID, agentSessionID string) {
	if s, ok := r.GetByProject(projectID); ok {
		s.SetAgentSessionID(agentSessionID)
	}
}

// Close terminates the project's session, waiting for the fan-out to finish.
func (r *Registry) Close(ctx context.Context, projectID string) error {
	s, ok := r.GetByProject(projectID)
	if !ok {
		return apperrors.NotFound("session for output project", projectID)
	}

	ctx, span := tracing.Tracer(tracerName).Start(ctx, "session.close")
	defer span.End()
	span.SetAttributes(attribute.String("project_id", projectID))

	if _, err := s.close(r.cfg.CloseGraceDuration()); err != nil {
		return err
	}
	select {
	case <-s.Exited():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops the janitor and closes every live session.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.stopOnce.Do(func() { close(r.stop) })

	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	grace := r.cfg.CloseGraceDuration()
	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			if _, err := s.close(grace); err != nil {
				r.log.WithSessionID(s.ID).WithError(err).Warn("session close failed during shutdown")
			}
			<-s.Exited()
		}(s)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("session registry shutdown timed out: %w", ctx.Err())
	}
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// onExit runs on the session's pump goroutine after the child has exited.
// Unregistration is idempotent: eviction or shutdown may already have
// removed the entry.
func (r *Registry) onExit(s *Session) {
	r.mu.Lock()
	if cur, ok := r.sessions[s.ProjectID]; ok && cur == s {
		delete(r.sessions, s.ProjectID)
	}
	r.mu.Unlock()

	var code *int
	if c := s.ExitCode(); c != nil {
		code = c
	}
	fields := map[string]interface{}{
		"project_id": s.ProjectID,
		"session_id": s.ID,
	}
	if code != nil {
		fields["exit_code"] = *code
	}
	r.publish(context.Background(), bus.SubjectSessionExited, fields)

	log := r.log.WithProjectID(s.ProjectID).WithSessionID(s.ID)
	if code != nil {
		log.Info("agent session exited", zap.Int("exit_code", *code))
	} else {
		log.Info("agent session exited")
	}
}

// janitor evicts idle sessions. Sessions with a bound terminal connection
// are never evicted regardless of idle time.
func (r *Registry) janitor() {
	interval := r.cfg.JanitorIntervalDuration()
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Registry) sweep() {
	idle := r.cfg.IdleTimeoutDuration()
	cutoff := time.Now().UTC().Add(-idle)

	r.mu.Lock()
	var victims []*Session
	for _, s := range r.sessions {
		if !s.Attached() && s.LastActivity().Before(cutoff) {
			victims = append(victims, s)
		}
	}
	r.mu.Unlock()

	for _, s := range victims {
		r.log.WithProjectID(s.ProjectID).WithSessionID(s.ID).Info("evicting idle session",
			zap.Time("last_activity", s.LastActivity()))
		if _, err := s.close(r.cfg.CloseGraceDuration()); err != nil {
			r.log.WithSessionID(s.ID).WithError(err).Warn("idle eviction close failed")
		}
	}
}

func (r *Registry) publish(ctx context.Context, subject string, data map[string]interface{}) {
	if r.bus == nil {
		return
	}
	evt := bus.NewEvent(subject, "devflow-backend", data)
	if err := r.bus.Publish(ctx, subject, evt); err != nil {
		r.log.WithError(err).Warn("failed to publish event", zap.String("subject", subject))
	}
}
