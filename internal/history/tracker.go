// Package history keeps a short sliding window of readings per channel and
// reports channels that have stopped changing.
package history

import (
	"errors"
	"fmt"
)

// ErrInvalidWindow is returned for non-positive window or channel counts.
var ErrInvalidWindow = errors.New("invalid history window")

// window is a fixed-capacity ring. head indexes the oldest entry.
type window struct {
	values []int
	head   int
}

func (w *window) push(v int) {
	w.values[w.head] = v
	w.head = (w.head + 1) % len(w.values)
}

func (w *window) oldest() int {
	return w.values[w.head]
}

// Tracker holds one window per channel. Windows start filled with zeros, so a
// channel that reads 0 from the first tick is reported stuck immediately.
// A Tracker is owned by a single sampler and is not safe for concurrent use.
type Tracker struct {
	windows []window
	size    int
}

// NewTracker returns a tracker for channels windows of windowSize entries.
func NewTracker(channels, windowSize int) (*Tracker, error) {
	if channels <= 0 {
		return nil, fmt.Errorf("%w: channel count must be positive, got %d", ErrInvalidWindow, channels)
	}
	if windowSize <= 0 {
		return nil, fmt.Errorf("%w: window size must be positive, got %d", ErrInvalidWindow, windowSize)
	}

	t := &Tracker{windows: make([]window, channels), size: windowSize}
	for i := range t.windows {
		t.windows[i].values = make([]int, windowSize)
	}
	return t, nil
}

// Channels returns the number of tracked channels.
func (t *Tracker) Channels() int { return len(t.windows) }

// WindowSize returns the window length.
func (t *Tracker) WindowSize() int { return t.size }

// Update appends value to the channel's window, evicting the oldest entry.
func (t *Tracker) Update(channel, value int) {
	t.windows[channel].push(value)
}

// IsStuck reports whether every entry in the channel's window equals the
// oldest entry. The comparison is exact and runs over the whole window, so it
// cannot overflow the way a sum-based test would.
func (t *Tracker) IsStuck(channel int) bool {
	w := &t.windows[channel]
	first := w.oldest()
	for _, v := range w.values {
		if v != first {
			return false
		}
	}
	return true
}

// Window returns the channel's entries from oldest to newest.
func (t *Tracker) Window(channel int) []int {
	w := &t.windows[channel]
	out := make([]int, 0, len(w.values))
	out = append(out, w.values[w.head:]...)
	return append(out, w.values[:w.head]...)
}

// Reset refills every window with zeros.
func (t *Tracker) Reset() {
	for i := range t.windows {
		clear(t.windows[i].values)
		t.windows[i].head = 0
	}
}
