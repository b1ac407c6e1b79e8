// Package reader keeps a frame.Buffer filled from a serial port in the
// background.
//
// A Reader moves through Idle -> Priming -> Running -> Stopped. Priming waits
// for the sensor board to settle and discards whatever the port buffered
// before acquisition began, so the first decoded frame is aligned. Running
// performs blocking full-frame reads and publishes each complete frame. A
// transport error ends the loop; it is never retried.
package reader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/banshee-data/tofsense/internal/frame"
	"github.com/banshee-data/tofsense/internal/monitoring"
	"github.com/banshee-data/tofsense/internal/serialport"
	"github.com/banshee-data/tofsense/internal/timeutil"
)

var (
	// ErrNotReceiving is returned by WaitReady when no complete frame arrived
	// within the readiness timeout.
	ErrNotReceiving = errors.New("no frame received before readiness timeout")
	// ErrReadFailure wraps the transport error that ended the read loop.
	ErrReadFailure = errors.New("serial read failed")
	// ErrStopped is returned by WaitReady when the reader was stopped before
	// any frame arrived.
	ErrStopped = errors.New("reader stopped")
	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("reader already started")

	errStopRequested = errors.New("stop requested")
)

// State is the reader lifecycle state.
type State int32

const (
	Idle State = iota
	Priming
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Priming:
		return "priming"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Config tunes a Reader. The zero value is usable: no warm-up, no periodic
// summary, real clock.
type Config struct {
	// WarmupDelay is waited before the input buffer is flushed.
	WarmupDelay time.Duration
	// SummaryInterval is how often a throughput line is logged; zero disables it.
	SummaryInterval time.Duration
	Clock           timeutil.Clock
}

// Stats is a point-in-time view of reader throughput.
type Stats struct {
	State     State
	Frames    uint64
	Bytes     uint64
	LastFrame time.Time
}

// Reader owns the read side of a serial port and the live frame buffer.
type Reader struct {
	port  serialport.Port
	buf   *frame.Buffer
	cfg   Config
	clock timeutil.Clock

	state    atomic.Int32
	stopping atomic.Bool
	frames   atomic.Uint64
	bytes    atomic.Uint64
	last     atomic.Int64

	stop      chan struct{}
	ready     chan struct{}
	done      chan struct{}
	stopOnce  sync.Once
	readyOnce sync.Once

	mu  sync.Mutex
	err error
}

// New returns an idle Reader that will fill buf from port.
func New(port serialport.Port, buf *frame.Buffer, cfg Config) *Reader {
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Reader{
		port:  port,
		buf:   buf,
		cfg:   cfg,
		clock: clock,
		stop:  make(chan struct{}),
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Start launches the background loop.
func (r *Reader) Start() error {
	if !r.state.CompareAndSwap(int32(Idle), int32(Priming)) {
		return ErrAlreadyStarted
	}
	go r.run()
	return nil
}

func (r *Reader) run() {
	defer close(r.done)
	defer r.state.Store(int32(Stopped))

	if r.cfg.WarmupDelay > 0 {
		select {
		case <-r.clock.After(r.cfg.WarmupDelay):
		case <-r.stop:
			return
		}
	}
	if err := r.port.ResetInputBuffer(); err != nil {
		r.fail(fmt.Errorf("%w: discard input buffer: %w", ErrReadFailure, err))
		return
	}
	r.state.Store(int32(Running))
	monitoring.Logf("[reader] running, frame size %d bytes", r.buf.Size())

	scratch := make([]byte, r.buf.Size())
	lastSummary := r.clock.Now()
	for !r.stopping.Load() {
		if err := r.readFrame(scratch); err != nil {
			if errors.Is(err, errStopRequested) || r.stopping.Load() {
				return
			}
			r.fail(fmt.Errorf("%w: %w", ErrReadFailure, err))
			return
		}
		if err := r.buf.Write(scratch); err != nil {
			r.fail(err)
			return
		}

		now := r.clock.Now()
		r.frames.Add(1)
		r.bytes.Add(uint64(len(scratch)))
		r.last.Store(now.UnixNano())
		r.readyOnce.Do(func() {
			monitoring.Logf("[reader] receiving")
			close(r.ready)
		})

		if r.cfg.SummaryInterval > 0 && now.Sub(lastSummary) >= r.cfg.SummaryInterval {
			lastSummary = now
			monitoring.Logf("[reader] %s frames, %s received", humanize.Comma(int64(r.frames.Load())), humanize.Bytes(r.bytes.Load()))
		}
	}
}

// readFrame fills p completely. A read that times out (0, nil) is retried
// unless a stop was requested; a read already in progress is never cancelled.
func (r *Reader) readFrame(p []byte) error {
	n := 0
	for n < len(p) {
		m, err := r.port.Read(p[n:])
		n += m
		if n == len(p) {
			return nil
		}
		if err != nil {
			return err
		}
		if m == 0 && r.stopping.Load() {
			return errStopRequested
		}
	}
	return nil
}

func (r *Reader) fail(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
	monitoring.Logf("[reader] stopped: %v", err)
}

// WaitReady blocks until the first complete frame has been published. It
// fails with ErrNotReceiving after timeout (zero waits indefinitely), with the
// reader's terminal error if the loop died first, or with the context error.
func (r *Reader) WaitReady(ctx context.Context, timeout time.Duration) error {
	var expired <-chan time.Time
	if timeout > 0 {
		expired = r.clock.After(timeout)
	}

	select {
	case <-r.ready:
		return nil
	case <-r.done:
		select {
		case <-r.ready:
			return nil
		default:
		}
		if err := r.Err(); err != nil {
			return err
		}
		return ErrStopped
	case <-expired:
		return fmt.Errorf("%w (waited %v)", ErrNotReceiving, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop asks the loop to exit after the current read and waits up to timeout
// (zero waits indefinitely) for it to do so. Closing the port afterwards
// unblocks a read that has no timeout configured.
func (r *Reader) Stop(timeout time.Duration) error {
	r.stopOnce.Do(func() {
		r.stopping.Store(true)
		close(r.stop)
		if r.state.CompareAndSwap(int32(Idle), int32(Stopped)) {
			close(r.done)
		}
	})

	var expired <-chan time.Time
	if timeout > 0 {
		expired = r.clock.After(timeout)
	}
	select {
	case <-r.done:
		return nil
	case <-expired:
		return fmt.Errorf("reader still blocked in read after %v", timeout)
	}
}

// Done is closed when the loop has exited.
func (r *Reader) Done() <-chan struct{} { return r.done }

// Err returns the error that ended the loop, or nil while running and after
// a requested stop.
func (r *Reader) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// State returns the current lifecycle state.
func (r *Reader) State() State { return State(r.state.Load()) }

// Receiving reports whether at least one frame has been published.
func (r *Reader) Receiving() bool {
	select {
	case <-r.ready:
		return true
	default:
		return false
	}
}

// LastFrame returns when the most recent frame was published, or the zero
// time if none has been.
func (r *Reader) LastFrame() time.Time {
	ns := r.last.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Stats returns current throughput counters.
func (r *Reader) Stats() Stats {
	return Stats{
		State:     r.State(),
		Frames:    r.frames.Load(),
		Bytes:     r.bytes.Load(),
		LastFrame: r.LastFrame(),
	}
}
