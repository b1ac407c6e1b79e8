// Package sampler runs one conditioning pass per tick: snapshot the live
// frame, decode and clamp it, update stuck-sensor history, build the
// effective values and classify the nearest distance.
package sampler

import (
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/tofsense/internal/frame"
	"github.com/banshee-data/tofsense/internal/history"
	"github.com/banshee-data/tofsense/internal/monitoring"
	"github.com/banshee-data/tofsense/internal/proximity"
	"github.com/banshee-data/tofsense/internal/timeutil"
)

var (
	// ErrReaderStopped is returned once the frame reader has exited. It wraps
	// the reader's terminal error when there is one.
	ErrReaderStopped = errors.New("frame reader stopped")
	// ErrStaleFrame is returned when the newest frame is older than MaxFrameAge.
	ErrStaleFrame = errors.New("frame data is stale")
)

// Source provides point-in-time copies of the live frame.
type Source interface {
	Snapshot() []byte
}

// Liveness exposes the producer's health. *reader.Reader implements it.
type Liveness interface {
	Done() <-chan struct{}
	Err() error
	LastFrame() time.Time
}

// Config fixes the pipeline shape for the lifetime of a Sampler.
type Config struct {
	Layout     frame.Layout
	Limit      int
	WindowSize int
	Thresholds proximity.Thresholds
	// MaxFrameAge fails a tick whose newest frame is older than this; zero
	// disables the check.
	MaxFrameAge time.Duration
	Clock       timeutil.Clock
}

// Sampler owns the decoder and per-channel history. It is driven by a single
// caller and is not safe for concurrent Tick calls.
type Sampler struct {
	src     Source
	live    Liveness
	decoder *frame.Decoder
	history *history.Tracker
	cfg     Config
	clock   timeutil.Clock

	seq       uint64
	lastTick  time.Time
	prevStuck []bool
}

// New validates cfg and returns a Sampler reading from src. live may be nil
// when there is no background producer to watch.
func New(src Source, live Liveness, cfg Config) (*Sampler, error) {
	decoder, err := frame.NewDecoder(cfg.Layout, cfg.Limit)
	if err != nil {
		return nil, err
	}
	tracker, err := history.NewTracker(cfg.Layout.Channels, cfg.WindowSize)
	if err != nil {
		return nil, err
	}
	if cfg.Thresholds == (proximity.Thresholds{}) {
		cfg.Thresholds = proximity.DefaultThresholds()
	}
	if err := cfg.Thresholds.Validate(); err != nil {
		return nil, err
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	return &Sampler{
		src:       src,
		live:      live,
		decoder:   decoder,
		history:   tracker,
		cfg:       cfg,
		clock:     clock,
		prevStuck: make([]bool, cfg.Layout.Channels),
	}, nil
}

// Tick performs one sampling pass. Reader failure and stale data are
// returned as errors rather than re-emitting the last frame forever.
func (s *Sampler) Tick() (Record, error) {
	if err := s.checkLiveness(); err != nil {
		return Record{}, err
	}

	raw, err := s.decoder.Decode(s.src.Snapshot())
	if err != nil {
		return Record{}, err
	}

	now := s.clock.Now()
	rec := Record{
		Seq:       s.seq + 1,
		Time:      now,
		FirstTick: s.lastTick.IsZero(),
		Raw:       raw,
		Effective: make([]int, len(raw)),
		Stuck:     make([]bool, len(raw)),
	}
	// The first tick has no previous timestamp, so its interval is left at
	// zero and flagged rather than estimated.
	if !rec.FirstTick {
		rec.Interval = now.Sub(s.lastTick)
	}

	for ch, v := range raw {
		s.history.Update(ch, v)
		stuck := s.history.IsStuck(ch)
		rec.Stuck[ch] = stuck
		if stuck {
			rec.Effective[ch] = s.cfg.Limit
		} else {
			rec.Effective[ch] = v
		}
		if stuck != s.prevStuck[ch] {
			if stuck {
				monitoring.Logf("[sampler] channel %d stuck at %d for %d ticks, reporting %d", ch, v, s.cfg.WindowSize, s.cfg.Limit)
			} else {
				monitoring.Logf("[sampler] channel %d recovered, reading %d", ch, v)
			}
			s.prevStuck[ch] = stuck
		}
	}

	rec.MinRaw = minOf(rec.Raw)
	rec.MinEffective = minOf(rec.Effective)
	rec.Category = s.cfg.Thresholds.Classify(rec.MinEffective)

	s.seq = rec.Seq
	s.lastTick = now
	monitoring.Debugf("[sampler] tick %d raw=%v effective=%v min=%d/%d %s", rec.Seq, rec.Raw, rec.Effective, rec.MinRaw, rec.MinEffective, rec.Category)
	return rec, nil
}

func (s *Sampler) checkLiveness() error {
	if s.live == nil {
		return nil
	}
	select {
	case <-s.live.Done():
		if err := s.live.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrReaderStopped, err)
		}
		return ErrReaderStopped
	default:
	}

	if s.cfg.MaxFrameAge > 0 {
		last := s.live.LastFrame()
		if last.IsZero() {
			return fmt.Errorf("%w: no frame received yet", ErrStaleFrame)
		}
		if age := s.clock.Since(last); age > s.cfg.MaxFrameAge {
			return fmt.Errorf("%w: newest frame is %v old", ErrStaleFrame, age.Round(time.Millisecond))
		}
	}
	return nil
}

// Config returns the effective configuration, with defaults applied.
func (s *Sampler) Config() Config { return s.cfg }

// Ticks returns the number of successful ticks.
func (s *Sampler) Ticks() uint64 { return s.seq }

func minOf(values []int) int {
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}
	return m
}
