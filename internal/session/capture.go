package session

import (
	"bytes"
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/devflow/devflow/internal/common/logger"
	"github.com/devflow/devflow/internal/events/bus"
	"github.com/devflow/devflow/internal/project"
	"github.com/devflow/devflow/pkg/claudecode"
)

// storeCallTimeout bounds each persistence call made by the capture scanner.
const storeCallTimeout = 5 * time.Second

// captureArgs wires one capture run. Dependencies are passed explicitly so
// tests can drive the scanner with plain channels and a fake store.
type captureArgs struct {
	tap       <-chan []byte
	exited    <-chan struct{}
	projectID string
	store     project.Store
	bus       bus.EventBus
	mirror    func(string)
	stopTap   func()
	maxLines  int
	timeout   time.Duration
	log       *logger.Logger
}

// runCapture scans the session's first NDJSON lines for the agent's
// system/init message and persists its session id with a set-if-null write.
// The scan is bounded by maxLines and timeout; malformed lines are skipped;
// a storage failure is logged and retried on the next qualifying line.
func runCapture(a captureArgs) {
	defer a.stopTap()

	if a.maxLines <= 0 {
		a.maxLines = 100
	}
	if a.timeout <= 0 {
		a.timeout = 10 * time.Second
	}

	timer := time.NewTimer(a.timeout)
	defer timer.Stop()

	var buf []byte
	lines := 0

	for {
		select {
		case chunk, ok := <-a.tap:
			if !ok {
				return
			}
			buf = append(buf, chunk...)
			for {
				idx := bytes.IndexByte(buf, '\n')
				if idx < 0 {
					break
				}
				line := bytes.TrimRight(buf[:idx], "\r")
				buf = buf[idx+1:]
				if len(line) == 0 {
					continue
				}
				lines++
				if a.handleLine(line) {
					return
				}
				if lines >= a.maxLines {
					a.log.Warn("agent session id not seen within line bound",
						zap.Int("lines_scanned", lines))
					return
				}
			}
		case <-a.exited:
			a.log.Debug("capture ended: session exited before init message")
			return
		case <-timer.C:
			a.log.Warn("agent session id not seen within time bound",
				zap.Duration("timeout", a.timeout),
				zap.Int("lines_scanned", lines))
			return
		}
	}
}

// handleLine returns true once the capture is complete.
func (a *captureArgs) handleLine(line []byte) bool {
	id, err := claudecode.ParseInitLine(line)
	if err != nil {
		if !errors.Is(err, claudecode.ErrNotInitMessage) {
			a.log.Debug("skipping non-json output line")
		}
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeCallTimeout)
	defer cancel()

	set, err := a.store.SetAgentSessionIDIfNull(ctx, a.projectID, id)
	if err != nil {
		// Leave the scan running: a later init line (or a retry of this
		// one on reconnect) gets another chance.
		a.log.WithError(err).Error("failed to persist agent session id")
		return false
	}

	if a.mirror != nil {
		a.mirror(id)
	}

	if set {
		a.log.Info("captured agent session id", zap.String("agent_session_id", id))
	} else {
		a.log.Debug("agent session id already persisted", zap.String("agent_session_id", id))
	}

	if err := a.store.UpdateStatus(ctx, a.projectID, project.StatusActive); err != nil {
		a.log.WithError(err).Warn("failed to advance project status to active")
	} else if a.bus != nil {
		evt := bus.NewEvent(bus.SubjectProjectStatusChanged, "devflow-backend", map[string]interface{}{
			"project_id": a.projectID,
			"status":     string(project.StatusActive),
		})
		if err := a.bus.Publish(ctx, bus.SubjectProjectStatusChanged, evt); err != nil {
			a.log.WithError(err).Warn("failed to publish status change")
		}
	}

	return true
}
