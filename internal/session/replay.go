package session

import "sync"

// replayBuffer keeps a contiguous suffix of the bytes a pty has emitted since
// session start, bounded by maxBytes. Eviction drops whole chunks from the
// oldest end, so the remaining bytes are never gapped or reordered.
type replayBuffer struct {
	mu       sync.Mutex
	maxBytes int
	size     int
	chunks   [][]byte
}

// newReplayBuffer creates a buffer with the given byte cap.
// Defaults to 64 KiB if maxBytes <= 0.
func newReplayBuffer(maxBytes int) *replayBuffer {
	if maxBytes <= 0 {
		maxBytes = 64 * 1024
	}
	return &replayBuffer{maxBytes: maxBytes}
}

// append adds a new output chunk, evicting oldest chunks if over the limit.
// The chunk is stored as-is; callers must not mutate it afterwards.
func (b *replayBuffer) append(chunk []byte) {
	if len(chunk) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.chunks = append(b.chunks, chunk)
	b.size += len(chunk)

	for b.size > b.maxBytes && len(b.chunks) > 0 {
		b.size -= len(b.chunks[0])
		b.chunks = b.chunks[1:]
	}
}

// snapshot returns a copy of the buffered bytes in emission order.
// Safe to call concurrently with append.
func (b *replayBuffer) snapshot() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]byte, 0, b.size)
	for _, c := range b.chunks {
		out = append(out, c...)
	}
	return out
}

// len returns the number of buffered bytes.
func (b *replayBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}
