package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devflow/devflow/internal/common/logger"
)

// collector gathers events delivered to a handler.
type collector struct {
	mu     sync.Mutex
	events []*Event
	seen   chan struct{}
}

func newCollector() *collector {
	return &collector{seen: make(chan struct{}, 16)}
}

func (c *collector) handle(_ context.Context, e *Event) error {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
	c.seen <- struct{}{}
	return nil
}

func (c *collector) waitOne(t *testing.T) {
	t.Helper()
	select {
	case <-c.seen:
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestPublishExactSubject(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	col := newCollector()
	_, err := b.Subscribe(SubjectSessionStarted, col.handle)
	require.NoError(t, err)

	evt := NewEvent("session.started", "test", map[string]interface{}{"project_id": "p1"})
	require.NoError(t, b.Publish(context.Background(), SubjectSessionStarted, evt))

	col.waitOne(t)
	assert.Equal(t, 1, col.count())
}

func TestPublishWildcardPatterns(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		subject string
		match   bool
	}{
		{"single token star", "session.*", "session.started", true},
		{"star does not span tokens", "session.*", "session.child.exited", false},
		{"gt matches rest", "project.>", "project.status.changed", true},
		{"exact mismatch", "session.started", "session.exited", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewMemoryEventBus(logger.Default())
			defer b.Close()

			col := newCollector()
			_, err := b.Subscribe(tt.pattern, col.handle)
			require.NoError(t, err)

			evt := NewEvent("test", "test", nil)
			require.NoError(t, b.Publish(context.Background(), tt.subject, evt))

			if tt.match {
				col.waitOne(t)
				assert.Equal(t, 1, col.count())
			} else {
				time.Sleep(50 * time.Millisecond)
				assert.Equal(t, 0, col.count())
			}
		})
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	col := newCollector()
	sub, err := b.Subscribe(SubjectSessionExited, col.handle)
	require.NoError(t, err)
	require.True(t, sub.IsValid())

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	evt := NewEvent("session.exited", "test", nil)
	require.NoError(t, b.Publish(context.Background(), SubjectSessionExited, evt))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, col.count())
}

func TestCloseRejectsPublish(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	require.True(t, b.IsConnected())

	b.Close()
	assert.False(t, b.IsConnected())

	err := b.Publish(context.Background(), SubjectSessionStarted, NewEvent("x", "test", nil))
	require.Error(t, err)

	_, err = b.Subscribe(SubjectSessionStarted, func(context.Context, *Event) error { return nil })
	require.Error(t, err)
}

func TestNewEventPopulatesMetadata(t *testing.T) {
	evt := NewEvent("project.status.changed", "devflow", map[string]interface{}{"status": "active"})
	assert.NotEmpty(t, evt.ID)
	assert.Equal(t, "project.status.changed", evt.Type)
	assert.Equal(t, "devflow", evt.Source)
	assert.WithinDuration(t, time.Now().UTC(), evt.Timestamp, time.Minute)
}
