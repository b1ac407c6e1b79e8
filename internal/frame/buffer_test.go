package frame

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuffer_StartsZeroed(t *testing.T) {
	b := NewBuffer(6)
	assert.Equal(t, 6, b.Size())
	assert.Equal(t, make([]byte, 6), b.Snapshot())
	assert.Zero(t, b.Writes())
}

func TestBuffer_WriteAndSnapshot(t *testing.T) {
	b := NewBuffer(4)
	require.NoError(t, b.Write([]byte{1, 2, 3, 4}))

	snap := b.Snapshot()
	assert.Equal(t, []byte{1, 2, 3, 4}, snap)
	assert.EqualValues(t, 1, b.Writes())

	// the snapshot is independent of later writes
	require.NoError(t, b.Write([]byte{5, 6, 7, 8}))
	assert.Equal(t, []byte{1, 2, 3, 4}, snap)

	// and of mutations by the caller
	snap[0] = 99
	assert.Equal(t, []byte{5, 6, 7, 8}, b.Snapshot())
}

func TestBuffer_RejectsWrongLength(t *testing.T) {
	b := NewBuffer(4)
	assert.ErrorIs(t, b.Write([]byte{1, 2, 3}), ErrFrameSize)
	assert.ErrorIs(t, b.Write([]byte{1, 2, 3, 4, 5}), ErrFrameSize)
	assert.Zero(t, b.Writes())
}

func TestBuffer_SnapshotNeverTorn(t *testing.T) {
	const size = 64
	b := NewBuffer(size)
	frames := [][]byte{bytes.Repeat([]byte{0xAA}, size), bytes.Repeat([]byte{0x55}, size)}
	require.NoError(t, b.Write(frames[0]))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			_ = b.Write(frames[i%2])
		}
	}()

	for i := 0; i < 2000; i++ {
		snap := b.Snapshot()
		if !bytes.Equal(snap, frames[0]) && !bytes.Equal(snap, frames[1]) {
			close(stop)
			wg.Wait()
			t.Fatalf("snapshot mixes two frames: %x", snap)
		}
	}
	close(stop)
	wg.Wait()
}
