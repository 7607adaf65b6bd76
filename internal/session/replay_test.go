package session

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReplayKeepsOrder(t *testing.T) {
	b := newReplayBuffer(1024)

	b.append([]byte("one "))
	b.append([]byte("two "))
	b.append([]byte("three"))

	assert.Equal(t, []byte("one two three"), b.snapshot())
	assert.Equal(t, 13, b.len())
}

func TestReplayEvictsOldestChunks(t *testing.T) {
	b := newReplayBuffer(10)

	b.append([]byte("aaaa")) // evicted
	b.append([]byte("bbbb"))
	b.append([]byte("cccc"))

	got := b.snapshot()
	assert.Equal(t, []byte("bbbbcccc"), got)
	assert.LessOrEqual(t, b.len(), 10)
}

func TestReplayKeepsContiguousSuffix(t *testing.T) {
	b := newReplayBuffer(64)

	var full bytes.Buffer
	for i := 0; i < 50; i++ {
		chunk := []byte(fmt.Sprintf("chunk-%02d;", i))
		full.Write(chunk)
		b.append(chunk)
	}

	got := b.snapshot()
	// Whatever survives must be exactly the tail of everything emitted.
	assert.True(t, bytes.HasSuffix(full.Bytes(), got),
		"replay %q is not a suffix of the emitted stream", got)
	assert.LessOrEqual(t, len(got), 64)
	assert.NotEmpty(t, got)
}

func TestReplayIgnoresEmptyChunks(t *testing.T) {
	b := newReplayBuffer(16)
	b.append(nil)
	b.append([]byte{})
	assert.Empty(t, b.snapshot())
}

func TestReplayDefaultCap(t *testing.T) {
	b := newReplayBuffer(0)
	assert.Equal(t, 64*1024, b.maxBytes)
}
