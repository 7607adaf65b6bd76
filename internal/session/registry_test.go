package session

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devflow/devflow/internal/agent"
	"github.com/devflow/devflow/internal/common/config"
	apperrors "github.com/devflow/devflow/internal/common/errors"
	"github.com/devflow/devflow/internal/common/logger"
	"github.com/devflow/devflow/internal/project"
)

// writeFakeAgent writes a shell script that plays the agent CLI's role:
// print the stream-json init line, then echo stdin until EOF.
func writeFakeAgent(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-agent")
	script := "#!/bin/sh\n" + body
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

const fakeAgentBody = `echo '{"type":"system","subtype":"init","session_id":"agent-test"}'
exec cat
`

func testSessionConfig() config.SessionConfig {
	return config.SessionConfig{
		IdleTimeout:       1800,
		JanitorInterval:   60,
		ReplayBufferBytes: 64 * 1024,
		CaptureMaxLines:   100,
		CaptureTimeout:    10,
		CloseGrace:        2,
		InjectDelayMillis: 500,
	}
}

func newTestRegistry(t *testing.T, agentBody string, cfg config.SessionConfig) (*Registry, *fakeStore) {
	t.Helper()
	binary := writeFakeAgent(t, agentBody)
	store := &fakeStore{}
	builder := agent.NewBuilder(config.AgentConfig{Binary: binary})
	r := NewRegistry(builder, store, nil, cfg, logger.Default())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = r.Shutdown(ctx)
	})
	return r, store
}

func newTestProject(t *testing.T) *project.OutputProject {
	t.Helper()
	return &project.OutputProject{
		ID:            uuid.New().String(),
		WorkspacePath: t.TempDir(),
		Status:        project.StatusCreated,
	}
}

func TestGetOrCreateIsSingleFlight(t *testing.T) {
	r, _ := newTestRegistry(t, fakeAgentBody, testSessionConfig())
	proj := newTestProject(t)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		created  int
		sessions = map[*Session]bool{}
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, didCreate, err := r.GetOrCreate(context.Background(), proj, 80, 24)
			require.NoError(t, err)
			mu.Lock()
			if didCreate {
				created++
			}
			sessions[s] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created, "exactly one caller spawns")
	assert.Len(t, sessions, 1, "all callers share one session")
	assert.Equal(t, 1, r.Count())
}

func TestCreateConflict(t *testing.T) {
	r, _ := newTestRegistry(t, fakeAgentBody, testSessionConfig())
	proj := newTestProject(t)

	_, err := r.Create(context.Background(), proj, 80, 24)
	require.NoError(t, err)

	_, err = r.Create(context.Background(), proj, 80, 24)
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))
}

func TestSpawnAdvancesStatusToInitialized(t *testing.T) {
	r, store := newTestRegistry(t, fakeAgentBody, testSessionConfig())
	proj := newTestProject(t)

	_, err := r.Create(context.Background(), proj, 80, 24)
	require.NoError(t, err)

	statuses := store.statusLog()
	require.NotEmpty(t, statuses)
	assert.Equal(t, project.StatusInitialized, statuses[0])
	assert.Equal(t, project.StatusInitialized, proj.Status)
}

func TestCaptureFromLiveProcess(t *testing.T) {
	r, store := newTestRegistry(t, fakeAgentBody, testSessionConfig())
	proj := newTestProject(t)

	s, err := r.Create(context.Background(), proj, 80, 24)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		id := store.captured()
		return id != nil && *id == "agent-test"
	}, 10*time.Second, 50*time.Millisecond, "init line never persisted")

	require.Eventually(t, func() bool {
		return s.AgentSessionID() == "agent-test"
	}, 10*time.Second, 50*time.Millisecond, "session mirror never set")

	assert.Contains(t, store.statusLog(), project.StatusActive)
}

func TestAttachmentReceivesLiveOutput(t *testing.T) {
	r, _ := newTestRegistry(t, fakeAgentBody, testSessionConfig())
	proj := newTestProject(t)

	s, err := r.Create(context.Background(), proj, 80, 24)
	require.NoError(t, err)

	att, _ := r.Attach(s)
	defer r.Detach(s, att)

	require.NoError(t, s.Write([]byte("ping\n")))

	var collected []byte
	deadline := time.After(10 * time.Second)
	for {
		select {
		case chunk := <-att.Output:
			collected = append(collected, chunk...)
		case <-deadline:
			t.Fatalf("echo never arrived, got %q", collected)
		}
		if bytes.Contains(collected, []byte("ping")) {
			break
		}
	}

	// Replay holds the same bytes for future reconnects.
	require.Eventually(t, func() bool {
		return bytes.Contains(s.Replay(), []byte("ping"))
	}, 5*time.Second, 50*time.Millisecond)
}

func TestAttachReplacesPreviousConnection(t *testing.T) {
	r, _ := newTestRegistry(t, fakeAgentBody, testSessionConfig())
	proj := newTestProject(t)

	s, err := r.Create(context.Background(), proj, 80, 24)
	require.NoError(t, err)

	first, _ := r.Attach(s)
	second, _ := r.Attach(s)
	defer r.Detach(s, second)

	select {
	case <-first.Done():
	case <-time.After(time.Second):
		t.Fatal("first attachment not torn down")
	}
	assert.True(t, s.Attached())
}

func TestConcurrentAttachTearsDownEveryDisplacedAttachment(t *testing.T) {
	r, _ := newTestRegistry(t, fakeAgentBody, testSessionConfig())
	proj := newTestProject(t)

	s, err := r.Create(context.Background(), proj, 80, 24)
	require.NoError(t, err)

	const attachers = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		atts []*Attachment
	)
	start := make(chan struct{})
	for i := 0; i < attachers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			att, _ := r.Attach(s)
			mu.Lock()
			atts = append(atts, att)
			mu.Unlock()
		}()
	}
	close(start)
	wg.Wait()

	// Exactly one attachment may remain bound; every displaced one must
	// have its Done channel closed, or its connection's outbound pump
	// would block forever on a frozen terminal.
	require.True(t, s.Attached())
	open := 0
	for _, att := range atts {
		select {
		case <-att.Done():
		default:
			open++
		}
	}
	assert.Equal(t, 1, open, "displaced attachments must be torn down")
}

func TestDetachKeepsSessionAlive(t *testing.T) {
	r, _ := newTestRegistry(t, fakeAgentBody, testSessionConfig())
	proj := newTestProject(t)

	s, err := r.Create(context.Background(), proj, 80, 24)
	require.NoError(t, err)

	att, _ := r.Attach(s)
	r.Detach(s, att)

	assert.False(t, s.Attached())
	assert.Equal(t, 1, r.Count(), "session survives detach")
}

func TestChildExitUnregistersAndNotifiesOnce(t *testing.T) {
	r, _ := newTestRegistry(t, "exit 3\n", testSessionConfig())
	proj := newTestProject(t)

	s, err := r.Create(context.Background(), proj, 80, 24)
	require.NoError(t, err)
	att, _ := r.Attach(s)

	select {
	case code := <-att.Exit:
		require.NotNil(t, code)
		assert.Equal(t, 3, *code)
	case <-time.After(10 * time.Second):
		t.Fatal("no exit notification")
	}

	require.Eventually(t, func() bool {
		return r.Count() == 0
	}, 10*time.Second, 50*time.Millisecond, "session not unregistered after exit")
}

func TestAttachAfterExitDeliversExitImmediately(t *testing.T) {
	r, _ := newTestRegistry(t, "exit 0\n", testSessionConfig())
	proj := newTestProject(t)

	s, err := r.Create(context.Background(), proj, 80, 24)
	require.NoError(t, err)

	select {
	case <-s.Exited():
	case <-time.After(10 * time.Second):
		t.Fatal("child never exited")
	}

	att, _ := r.Attach(s)
	select {
	case code := <-att.Exit:
		require.NotNil(t, code)
		assert.Equal(t, 0, *code)
	default:
		t.Fatal("late attachment did not receive exit")
	}
}

// argvEchoAgentBody also prints the argv the child was started with, so
// tests can observe which flags reached the agent CLI.
const argvEchoAgentBody = `echo '{"type":"system","subtype":"init","session_id":"agent-test"}'
echo "argv: $@"
exec cat
`

func TestRespawnResumesPersistedConversation(t *testing.T) {
	r, store := newTestRegistry(t, argvEchoAgentBody, testSessionConfig())
	proj := newTestProject(t)

	first, err := r.Create(context.Background(), proj, 80, 24)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return store.captured() != nil
	}, 10*time.Second, 50*time.Millisecond, "init line never persisted")
	require.Eventually(t, func() bool {
		return bytes.Contains(first.Replay(), []byte("argv:"))
	}, 10*time.Second, 50*time.Millisecond, "argv line never arrived")
	assert.NotContains(t, string(first.Replay()), "--resume",
		"fresh spawn must not carry a resume flag")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, r.Close(ctx, proj.ID))
	require.Eventually(t, func() bool {
		return r.Count() == 0
	}, 10*time.Second, 50*time.Millisecond)

	// A fresh store read would now carry the captured id.
	proj.AgentSessionID = store.captured()

	second, created, err := r.GetOrCreate(context.Background(), proj, 80, 24)
	require.NoError(t, err)
	require.True(t, created)
	require.NotEqual(t, first.ID, second.ID, "respawn yields a distinct session")

	require.Eventually(t, func() bool {
		return bytes.Contains(second.Replay(), []byte("--resume agent-test"))
	}, 10*time.Second, 50*time.Millisecond, "respawn argv missing the resume flag")
}

func TestJanitorEvictsIdleUnattachedSessions(t *testing.T) {
	cfg := testSessionConfig()
	cfg.IdleTimeout = 1
	cfg.JanitorInterval = 1
	r, _ := newTestRegistry(t, fakeAgentBody, cfg)
	proj := newTestProject(t)

	_, err := r.Create(context.Background(), proj, 80, 24)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return r.Count() == 0
	}, 15*time.Second, 200*time.Millisecond, "idle session never evicted")
}

func TestJanitorSparesAttachedSessions(t *testing.T) {
	cfg := testSessionConfig()
	cfg.IdleTimeout = 1
	cfg.JanitorInterval = 1
	r, _ := newTestRegistry(t, fakeAgentBody, cfg)
	proj := newTestProject(t)

	s, err := r.Create(context.Background(), proj, 80, 24)
	require.NoError(t, err)
	att, _ := r.Attach(s)
	defer r.Detach(s, att)

	time.Sleep(3 * time.Second)
	assert.Equal(t, 1, r.Count(), "attached session must never be evicted")
}

func TestShutdownClosesAllSessions(t *testing.T) {
	r, _ := newTestRegistry(t, fakeAgentBody, testSessionConfig())

	for i := 0; i < 3; i++ {
		_, err := r.Create(context.Background(), newTestProject(t), 80, 24)
		require.NoError(t, err)
	}
	require.Equal(t, 3, r.Count())

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	require.NoError(t, r.Shutdown(ctx))
	assert.Equal(t, 0, r.Count())
}

func TestCloseRemovesSession(t *testing.T) {
	r, _ := newTestRegistry(t, fakeAgentBody, testSessionConfig())
	proj := newTestProject(t)

	_, err := r.Create(context.Background(), proj, 80, 24)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, r.Close(ctx, proj.ID))

	require.Eventually(t, func() bool {
		return r.Count() == 0
	}, 5*time.Second, 50*time.Millisecond)

	err = r.Close(ctx, proj.ID)
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}
