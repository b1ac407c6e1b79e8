package frame

import (
	"fmt"
	"sync"
)

// Buffer holds the most recent complete frame. The reader is the only writer
// and the sampler takes copies; both sides hold the lock only for the copy, so
// a snapshot always contains bytes from a single frame.
type Buffer struct {
	mu     sync.Mutex
	data   []byte
	writes uint64
}

// NewBuffer returns a zero-filled buffer of size bytes.
func NewBuffer(size int) *Buffer {
	return &Buffer{data: make([]byte, size)}
}

// Size returns the fixed buffer length.
func (b *Buffer) Size() int {
	return len(b.data)
}

// Write replaces the buffer content with p, which must be exactly Size bytes.
func (b *Buffer) Write(p []byte) error {
	if len(p) != len(b.data) {
		return fmt.Errorf("%w: got %d bytes, buffer holds %d", ErrFrameSize, len(p), len(b.data))
	}
	b.mu.Lock()
	copy(b.data, p)
	b.writes++
	b.mu.Unlock()
	return nil
}

// Snapshot returns an independent copy of the current content.
func (b *Buffer) Snapshot() []byte {
	out := make([]byte, len(b.data))
	b.mu.Lock()
	copy(out, b.data)
	b.mu.Unlock()
	return out
}

// Writes returns how many frames have been written. Zero means the buffer
// still holds its initial zero bytes.
func (b *Buffer) Writes() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writes
}
