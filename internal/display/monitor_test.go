package display

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/tofsense/internal/proximity"
	"github.com/banshee-data/tofsense/internal/sampler"
)

func newTestMonitor(t *testing.T, plotMin, classify bool) *Monitor {
	t.Helper()
	m, err := NewMonitor(Config{Channels: 3, Limit: 400, PlotLength: 5, PlotMin: plotMin, Classify: classify})
	require.NoError(t, err)
	return m
}

func record(seq uint64, interval time.Duration, effective []int, minRaw, minEff int) sampler.Record {
	return sampler.Record{
		Seq:          seq,
		Time:         time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(seq) * 50 * time.Millisecond),
		Interval:     interval,
		FirstTick:    seq == 1,
		Raw:          effective,
		Effective:    effective,
		Stuck:        make([]bool, len(effective)),
		MinRaw:       minRaw,
		MinEffective: minEff,
		Category:     proximity.Classify(minEff),
	}
}

func TestNewMonitorValidation(t *testing.T) {
	for _, cfg := range []Config{
		{Channels: 0, Limit: 400, PlotLength: 10},
		{Channels: 3, Limit: 0, PlotLength: 10},
		{Channels: 3, Limit: 400, PlotLength: 0},
	} {
		_, err := NewMonitor(cfg)
		assert.ErrorIs(t, err, ErrInvalidConfig)
	}
}

func TestMonitorPlotMinSeries(t *testing.T) {
	m := newTestMonitor(t, true, false)
	m.Observe(record(1, 0, []int{120, 400, 80}, 0, 80))
	m.Observe(record(2, 50*time.Millisecond, []int{120, 400, 90}, 90, 90))

	series := m.Series()
	require.Len(t, series, 2)
	assert.Equal(t, "Min. value original", series[0].Name)
	assert.Equal(t, "Min value correct", series[1].Name)
	if diff := cmp.Diff([]float64{0, 0, 0, 0, 90}, series[0].Values()); diff != "" {
		t.Errorf("raw minima (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float64{0, 0, 0, 80, 90}, series[1].Values()); diff != "" {
		t.Errorf("effective minima (-want +got):\n%s", diff)
	}
}

func TestMonitorChannelSeries(t *testing.T) {
	m := newTestMonitor(t, false, false)
	m.Observe(record(1, 0, []int{10, 20, 30}, 10, 10))

	series := m.Series()
	require.Len(t, series, 3)
	for i, want := range []float64{10, 20, 30} {
		vals := series[i].Values()
		assert.Equal(t, want, vals[len(vals)-1], series[i].Name)
	}
	assert.Equal(t, uint64(1), m.Observed())
}

func TestMonitorIntervalStats(t *testing.T) {
	m := newTestMonitor(t, true, false)
	assert.Equal(t, IntervalStats{}, m.IntervalStats())

	m.Observe(record(1, 0, []int{1, 1, 1}, 1, 1))
	// first tick carries no interval
	assert.Zero(t, m.IntervalStats().Count)
	assert.Equal(t, "Plot Interval = 0 ms", m.IntervalText())

	m.Observe(record(2, 40*time.Millisecond, []int{1, 1, 1}, 1, 1))
	st := m.IntervalStats()
	assert.Equal(t, 1, st.Count)
	assert.Equal(t, 40*time.Millisecond, st.Mean)
	assert.Zero(t, st.StdDev)

	m.Observe(record(3, 60*time.Millisecond, []int{1, 1, 1}, 1, 1))
	st = m.IntervalStats()
	assert.Equal(t, 2, st.Count)
	assert.Equal(t, 60*time.Millisecond, st.Last)
	assert.Equal(t, 50*time.Millisecond, st.Mean)
	// sample stddev of {40, 60}
	assert.InDelta(t, float64(14142*time.Microsecond), float64(st.StdDev), float64(5*time.Microsecond))
	assert.Equal(t, "Plot Interval = 60 ms", m.IntervalText())

	// bounded to the plot length
	for i := 4; i < 20; i++ {
		m.Observe(record(uint64(i), 50*time.Millisecond, []int{1, 1, 1}, 1, 1))
	}
	assert.Equal(t, 5, m.IntervalStats().Count)
	assert.Equal(t, 50*time.Millisecond, m.IntervalStats().Mean)
}

func TestMonitorEventsOnCategoryChange(t *testing.T) {
	m := newTestMonitor(t, true, true)

	var texts []string
	for i, minEff := range []int{400, 350, 200, 180, 100, 20, 20, 400} {
		if ev, ok := m.Observe(record(uint64(i+1), 50*time.Millisecond, []int{minEff, 400, 400}, minEff, minEff)); ok {
			texts = append(texts, ev.Text)
		}
	}
	want := []string{"Clear", "Object detected", "Slow", "Stop", "Clear"}
	if diff := cmp.Diff(want, texts); diff != "" {
		t.Errorf("announcements (-want +got):\n%s", diff)
	}
	assert.Len(t, m.Events(), len(want))
}

func TestMonitorClassificationDisabled(t *testing.T) {
	m := newTestMonitor(t, true, false)
	_, ok := m.Observe(record(1, 0, []int{10, 10, 10}, 10, 10))
	assert.False(t, ok)
	assert.Empty(t, m.Events())
}

func TestMonitorEventsBounded(t *testing.T) {
	m := newTestMonitor(t, true, true)
	for i := 0; i < 2*maxEvents; i++ {
		v := 400
		if i%2 == 1 {
			v = 10
		}
		m.Observe(record(uint64(i+1), 50*time.Millisecond, []int{v, v, v}, v, v))
	}
	events := m.Events()
	require.Len(t, events, maxEvents)
	assert.Equal(t, uint64(2*maxEvents), events[len(events)-1].Seq)
}

func TestHandlers(t *testing.T) {
	m := newTestMonitor(t, false, true)

	w := httptest.NewRecorder()
	m.handleLatest(w, httptest.NewRequest(http.MethodGet, "/debug/tof/latest", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = httptest.NewRecorder()
	m.handleEvents(w, httptest.NewRequest(http.MethodGet, "/debug/tof/events", nil))
	assert.Equal(t, "[]\n", w.Body.String())

	m.Observe(record(1, 0, []int{120, 400, 80}, 80, 80))
	m.Observe(record(2, 50*time.Millisecond, []int{120, 400, 90}, 90, 90))

	t.Run("latest", func(t *testing.T) {
		w := httptest.NewRecorder()
		m.handleLatest(w, httptest.NewRequest(http.MethodGet, "/debug/tof/latest", nil))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

		var got map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
		assert.Equal(t, float64(2), got["seq"])
		assert.Equal(t, "slow", got["category"])
		assert.Equal(t, float64(90), got["min_effective"])
	})

	t.Run("events", func(t *testing.T) {
		w := httptest.NewRecorder()
		m.handleEvents(w, httptest.NewRequest(http.MethodGet, "/debug/tof/events", nil))
		var events []Event
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &events))
		require.Len(t, events, 1)
		assert.Equal(t, "Slow", events[0].Text)
	})

	t.Run("intervals", func(t *testing.T) {
		w := httptest.NewRecorder()
		m.handleIntervals(w, httptest.NewRequest(http.MethodGet, "/debug/tof/intervals", nil))
		var st IntervalStats
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
		assert.Equal(t, 50*time.Millisecond, st.Last)
	})

	t.Run("chart", func(t *testing.T) {
		w := httptest.NewRecorder()
		m.handleChart(w, httptest.NewRequest(http.MethodGet, "/debug/tof/chart", nil))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "text/html; charset=utf-8", w.Header().Get("Content-Type"))
		body := w.Body.String()
		assert.Contains(t, body, "Plot Interval = 50 ms")
		assert.True(t, strings.Contains(body, "Sensor 3"))
	})

	t.Run("plot", func(t *testing.T) {
		w := httptest.NewRecorder()
		m.handlePlot(w, httptest.NewRequest(http.MethodGet, "/debug/tof/plot.png", nil))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
		assert.Equal(t, "\x89PNG", w.Body.String()[:4])
	})
}

func TestAttachRoutes(t *testing.T) {
	m := newTestMonitor(t, true, false)
	mux := http.NewServeMux()
	m.AttachRoutes(mux)

	for _, path := range []string{"/debug/tof/chart", "/debug/tof/plot.png", "/debug/tof/latest", "/debug/tof/events"} {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		// 403 is acceptable: tsweb restricts debug access by source address.
		assert.NotEqual(t, http.StatusNotFound, w.Code, path)
	}
}
