package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devflow/devflow/internal/common/logger"
	"github.com/devflow/devflow/internal/project"
)

// fakeStore records capture writes and can fail a number of set calls.
type fakeStore struct {
	mu             sync.Mutex
	agentSessionID *string
	statuses       []project.Status
	failSets       int
	setCalls       int
}

var _ project.Store = (*fakeStore)(nil)

func (f *fakeStore) Get(context.Context, string) (*project.OutputProject, error) {
	return nil, fmt.Errorf("not implemented")
}

func (f *fakeStore) Create(context.Context, *project.OutputProject) error {
	return fmt.Errorf("not implemented")
}

func (f *fakeStore) SetAgentSessionIDIfNull(_ context.Context, _, sessionID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setCalls++
	if f.failSets > 0 {
		f.failSets--
		return false, fmt.Errorf("store unavailable")
	}
	if f.agentSessionID != nil {
		return false, nil
	}
	f.agentSessionID = &sessionID
	return true, nil
}

func (f *fakeStore) UpdateStatus(_ context.Context, _ string, status project.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) captured() *string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.agentSessionID
}

func (f *fakeStore) statusLog() []project.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]project.Status, len(f.statuses))
	copy(out, f.statuses)
	return out
}

type captureHarness struct {
	tap    chan []byte
	exited chan struct{}
	store  *fakeStore
	mirror chan string
	done   chan struct{}
}

func startCapture(store *fakeStore, maxLines int, timeout time.Duration) *captureHarness {
	h := &captureHarness{
		tap:    make(chan []byte, 64),
		exited: make(chan struct{}),
		store:  store,
		mirror: make(chan string, 4),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(h.done)
		runCapture(captureArgs{
			tap:       h.tap,
			exited:    h.exited,
			projectID: "proj-1",
			store:     store,
			mirror:    func(id string) { h.mirror <- id },
			stopTap:   func() {},
			maxLines:  maxLines,
			timeout:   timeout,
			log:       logger.Default(),
		})
	}()
	return h
}

func (h *captureHarness) wait(t *testing.T) {
	t.Helper()
	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
		t.Fatal("capture did not finish")
	}
}

const initLine = `{"type":"system","subtype":"init","session_id":"agent-abc"}` + "\n"

func TestCaptureInitLine(t *testing.T) {
	store := &fakeStore{}
	h := startCapture(store, 100, 5*time.Second)

	h.tap <- []byte(`{"type":"assistant"}` + "\n")
	h.tap <- []byte(initLine)
	h.wait(t)

	require.NotNil(t, store.captured())
	assert.Equal(t, "agent-abc", *store.captured())
	assert.Equal(t, []project.Status{project.StatusActive}, store.statusLog())

	select {
	case id := <-h.mirror:
		assert.Equal(t, "agent-abc", id)
	default:
		t.Fatal("session mirror not updated")
	}
}

func TestCaptureHandlesSplitChunks(t *testing.T) {
	store := &fakeStore{}
	h := startCapture(store, 100, 5*time.Second)

	// The init line arrives split across pty read chunks.
	h.tap <- []byte(`{"type":"system","subty`)
	h.tap <- []byte(`pe":"init","session_id":"agent-split"}` + "\n")
	h.wait(t)

	require.NotNil(t, store.captured())
	assert.Equal(t, "agent-split", *store.captured())
}

func TestCaptureSkipsMalformedLines(t *testing.T) {
	store := &fakeStore{}
	h := startCapture(store, 100, 5*time.Second)

	h.tap <- []byte("\x1b[2J not json at all\r\n")
	h.tap <- []byte("{\"broken\n")
	h.tap <- []byte(initLine)
	h.wait(t)

	require.NotNil(t, store.captured())
	assert.Equal(t, "agent-abc", *store.captured())
}

func TestCaptureStopsAtLineBound(t *testing.T) {
	store := &fakeStore{}
	h := startCapture(store, 3, 5*time.Second)

	for i := 0; i < 3; i++ {
		h.tap <- []byte(`{"type":"assistant"}` + "\n")
	}
	h.wait(t)

	assert.Nil(t, store.captured())
	assert.Empty(t, store.statusLog())
}

func TestCaptureStopsOnTimeout(t *testing.T) {
	store := &fakeStore{}
	h := startCapture(store, 100, 100*time.Millisecond)

	h.wait(t)
	assert.Nil(t, store.captured())
}

func TestCaptureStopsWhenSessionExits(t *testing.T) {
	store := &fakeStore{}
	h := startCapture(store, 100, 5*time.Second)

	close(h.exited)
	h.wait(t)
	assert.Nil(t, store.captured())
}

func TestCaptureRetriesAfterStoreError(t *testing.T) {
	store := &fakeStore{failSets: 1}
	h := startCapture(store, 100, 5*time.Second)

	h.tap <- []byte(initLine)
	// First persist fails; a later init line gets another chance.
	h.tap <- []byte(initLine)
	h.wait(t)

	require.NotNil(t, store.captured())
	assert.Equal(t, "agent-abc", *store.captured())
	assert.Equal(t, 2, store.setCalls)
}

func TestCaptureDoesNotOverwriteExistingID(t *testing.T) {
	existing := "already-there"
	store := &fakeStore{agentSessionID: &existing}
	h := startCapture(store, 100, 5*time.Second)

	h.tap <- []byte(initLine)
	h.wait(t)

	// Capture completes (status still advances) but the persisted id wins.
	assert.Equal(t, "already-there", *store.captured())
	assert.Equal(t, []project.Status{project.StatusActive}, store.statusLog())
}
