// Package simulator provides a fake sensor port that streams encoded frames,
// for running the pipeline without hardware.
package simulator

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/banshee-data/tofsense/internal/frame"
	"github.com/banshee-data/tofsense/internal/serialport"
)

// Generator returns the reading of channel for the n-th emitted frame.
type Generator func(n uint64, channel int) int

// Sweep returns a generator where every channel oscillates between zero and
// limit over period frames, each channel phase-shifted so their minima do not
// coincide.
func Sweep(limit int, period uint64) Generator {
	if period == 0 {
		period = 1
	}
	return func(n uint64, channel int) int {
		phase := 2*math.Pi*float64(n%period)/float64(period) + float64(channel)*math.Pi/3
		return int(math.Round(float64(limit) / 2 * (1 + math.Sin(phase))))
	}
}

// Constant returns a generator that reports values[channel] forever.
func Constant(values ...int) Generator {
	return func(_ uint64, channel int) int {
		if channel < len(values) {
			return values[channel]
		}
		return 0
	}
}

// Config shapes the simulated device.
type Config struct {
	Layout frame.Layout
	// BaudRate paces emission: one frame every FrameTime(Layout, BaudRate).
	// Zero disables pacing.
	BaudRate  int
	Generator Generator
	// Stuck pins channels to a fixed value, simulating a frozen sensor.
	Stuck map[int]int
}

// FrameTime is how long a frame of layout takes on the wire at baud, with
// ten bits per byte (8N1 framing).
func FrameTime(layout frame.Layout, baud int) time.Duration {
	if baud <= 0 {
		return 0
	}
	bits := layout.Size() * 10
	return time.Duration(bits) * time.Second / time.Duration(baud)
}

// Port implements serialport.TimeoutPort.
type Port struct {
	cfg  Config
	pace time.Duration

	mu          sync.Mutex
	pending     []byte
	due         time.Time
	frames      uint64
	readTimeout time.Duration
	resets      int
	closed      bool
	done        chan struct{}
}

var _ serialport.TimeoutPort = (*Port)(nil)

// New validates cfg and returns an open simulated port.
func New(cfg Config) (*Port, error) {
	if err := cfg.Layout.Validate(); err != nil {
		return nil, err
	}
	if cfg.Generator == nil {
		return nil, errors.New("simulator: generator is required")
	}
	for ch := range cfg.Stuck {
		if ch < 0 || ch >= cfg.Layout.Channels {
			return nil, fmt.Errorf("simulator: stuck channel %d out of range [0,%d)", ch, cfg.Layout.Channels)
		}
	}
	return &Port{
		cfg:  cfg,
		pace: FrameTime(cfg.Layout, cfg.BaudRate),
		done: make(chan struct{}),
	}, nil
}

// Opener adapts the simulator to serialport.OpenWithRetry. The baud rate of
// the requested options replaces cfg.BaudRate.
func Opener(cfg Config) serialport.Opener {
	return func(path string, opts serialport.PortOptions, readTimeout time.Duration) (serialport.Port, error) {
		c := cfg
		c.BaudRate = opts.BaudRate
		p, err := New(c)
		if err != nil {
			return nil, &serialport.ConnectionError{Path: path, BaudRate: opts.BaudRate, Err: err}
		}
		if err := p.SetReadTimeout(readTimeout); err != nil {
			return nil, err
		}
		return p, nil
	}
}

// Read returns bytes of the frame stream. A new frame is produced, after the
// pacing delay, whenever the previous one has been consumed. When a read
// timeout is set and the next frame is further away than that, Read waits
// for the timeout and returns 0, nil like a real port with no data.
func (p *Port) Read(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, serialport.ErrPortClosed
	}
	if len(p.pending) == 0 {
		if p.due.IsZero() {
			p.due = time.Now().Add(p.pace)
		}
		wait := time.Until(p.due)
		timeout := p.readTimeout
		p.mu.Unlock()

		timedOut := timeout > 0 && wait > timeout
		if timedOut {
			wait = timeout
		}
		if wait > 0 {
			select {
			case <-time.After(wait):
			case <-p.done:
				return 0, serialport.ErrPortClosed
			}
		}
		if timedOut {
			return 0, nil
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return 0, serialport.ErrPortClosed
		}
		if len(p.pending) == 0 {
			f, err := p.nextFrame()
			if err != nil {
				p.mu.Unlock()
				return 0, err
			}
			p.pending = f
			p.due = time.Time{}
		}
	}
	n := copy(b, p.pending)
	p.pending = p.pending[n:]
	p.mu.Unlock()
	return n, nil
}

func (p *Port) nextFrame() ([]byte, error) {
	values := make([]int, p.cfg.Layout.Channels)
	for ch := range values {
		if v, ok := p.cfg.Stuck[ch]; ok {
			values[ch] = v
			continue
		}
		values[ch] = p.cfg.Generator(p.frames, ch)
	}
	p.frames++
	return frame.Encode(p.cfg.Layout, values)
}

// ResetInputBuffer discards any partially read frame.
func (p *Port) ResetInputBuffer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return serialport.ErrPortClosed
	}
	p.pending = nil
	p.resets++
	return nil
}

// SetReadTimeout bounds how long Read waits for the next frame. Zero waits
// for the frame however slow the simulated baud rate is.
func (p *Port) SetReadTimeout(d time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readTimeout = d
	return nil
}

// Close stops the stream and wakes a pending Read.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.done)
	}
	return nil
}

// Frames returns how many frames have been generated.
func (p *Port) Frames() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frames
}

// Resets returns how many times the input buffer was flushed.
func (p *Port) Resets() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resets
}
