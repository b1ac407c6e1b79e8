// Package display keeps the live view of the sampler output: plot series,
// tick interval statistics and proximity announcements. It serves them on
// the debug HTTP surface.
package display

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/tofsense/internal/monitoring"
	"github.com/banshee-data/tofsense/internal/proximity"
	"github.com/banshee-data/tofsense/internal/sampler"
)

// ErrInvalidConfig is returned by NewMonitor for unusable settings.
var ErrInvalidConfig = errors.New("invalid display configuration")

const maxEvents = 50

// Config shapes a Monitor.
type Config struct {
	Channels   int
	Limit      int
	PlotLength int
	// PlotMin plots the raw and effective minima instead of every channel.
	PlotMin bool
	// Classify announces proximity category changes.
	Classify bool
}

// Event is a proximity announcement.
type Event struct {
	Seq      uint64             `json:"seq"`
	Time     time.Time          `json:"time"`
	Category proximity.Category `json:"category"`
	Text     string             `json:"text"`
}

// IntervalStats summarises the recent tick intervals.
type IntervalStats struct {
	Count  int           `json:"count"`
	Last   time.Duration `json:"last_ns"`
	Mean   time.Duration `json:"mean_ns"`
	StdDev time.Duration `json:"stddev_ns"`
}

// Monitor is fed one record per tick and is safe for concurrent readers.
type Monitor struct {
	cfg Config

	mu        sync.Mutex
	series    []*Series
	intervals []float64 // milliseconds, bounded to PlotLength
	latest    *sampler.Record
	events    []Event
	category  proximity.Category
	announced bool
	observed  uint64
}

// NewMonitor validates cfg and returns an empty Monitor.
func NewMonitor(cfg Config) (*Monitor, error) {
	if cfg.Channels <= 0 {
		return nil, fmt.Errorf("%w: channels must be positive, got %d", ErrInvalidConfig, cfg.Channels)
	}
	if cfg.PlotLength <= 0 {
		return nil, fmt.Errorf("%w: plot length must be positive, got %d", ErrInvalidConfig, cfg.PlotLength)
	}
	if cfg.Limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive, got %d", ErrInvalidConfig, cfg.Limit)
	}

	m := &Monitor{cfg: cfg}
	if cfg.PlotMin {
		m.series = []*Series{
			NewSeries("Min. value original", cfg.PlotLength),
			NewSeries("Min value correct", cfg.PlotLength),
		}
	} else {
		for i := 1; i <= cfg.Channels; i++ {
			m.series = append(m.series, NewSeries(fmt.Sprintf("Sensor %d", i), cfg.PlotLength))
		}
	}
	return m, nil
}

// Observe folds rec into the view. It returns the announcement made for this
// tick, if any: one is made when classification is enabled and the category
// differs from the last announced one.
func (m *Monitor) Observe(rec sampler.Record) (Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.observed++
	if m.cfg.PlotMin {
		m.series[0].Push(float64(rec.MinRaw))
		m.series[1].Push(float64(rec.MinEffective))
	} else {
		for i, s := range m.series {
			if i < len(rec.Effective) {
				s.Push(float64(rec.Effective[i]))
			}
		}
	}

	if !rec.FirstTick {
		m.intervals = append(m.intervals, float64(rec.Interval)/float64(time.Millisecond))
		if over := len(m.intervals) - m.cfg.PlotLength; over > 0 {
			m.intervals = append(m.intervals[:0], m.intervals[over:]...)
		}
	}

	r := rec
	m.latest = &r

	if !m.cfg.Classify || (m.announced && rec.Category == m.category) {
		return Event{}, false
	}
	m.category = rec.Category
	m.announced = true
	ev := Event{Seq: rec.Seq, Time: rec.Time, Category: rec.Category, Text: rec.Category.Message()}
	m.events = append(m.events, ev)
	if len(m.events) > maxEvents {
		m.events = append(m.events[:0], m.events[len(m.events)-maxEvents:]...)
	}
	monitoring.Logf("[display] %s (min distance %d)", ev.Text, rec.MinEffective)
	return ev, true
}

// Latest returns the most recent record.
func (m *Monitor) Latest() (sampler.Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.latest == nil {
		return sampler.Record{}, false
	}
	return *m.latest, true
}

// Events returns the recent announcements, oldest first.
func (m *Monitor) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// Observed returns the number of records folded in.
func (m *Monitor) Observed() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.observed
}

// Series returns copies of the plotted series.
func (m *Monitor) Series() []Series {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Series, len(m.series))
	for i, s := range m.series {
		out[i] = Series{Name: s.Name, values: s.Values()}
	}
	return out
}

// IntervalStats returns the mean and standard deviation of the recent tick
// intervals. The first tick carries no interval and is excluded.
func (m *Monitor) IntervalStats() IntervalStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.intervals)
	if n == 0 {
		return IntervalStats{}
	}
	mean, std := stat.MeanStdDev(m.intervals, nil)
	if n < 2 || math.IsNaN(std) {
		std = 0
	}
	dur := func(v float64) time.Duration { return time.Duration(v * float64(time.Millisecond)) }
	return IntervalStats{
		Count:  n,
		Last:   dur(m.intervals[n-1]),
		Mean:   dur(mean),
		StdDev: dur(std),
	}
}

// IntervalText renders the last interval the way the live plot titles it.
func (m *Monitor) IntervalText() string {
	st := m.IntervalStats()
	return fmt.Sprintf("Plot Interval = %d ms", st.Last.Milliseconds())
}

func ms(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }
