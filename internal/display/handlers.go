package display

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"tailscale.com/tsweb"

	"github.com/banshee-data/tofsense/internal/httputil"
)

// AttachRoutes mounts the live view on the tsweb debug page of mux.
func (m *Monitor) AttachRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("tof/chart", "Live distance chart", m.handleChart)
	debug.HandleFunc("tof/plot.png", "Distance plot (PNG)", m.handlePlot)
	debug.HandleFunc("tof/latest", "Latest sample (JSON)", m.handleLatest)
	debug.HandleSilentFunc("tof/events", m.handleEvents)
	debug.HandleSilentFunc("tof/intervals", m.handleIntervals)
}

func (m *Monitor) handleLatest(w http.ResponseWriter, r *http.Request) {
	rec, ok := m.Latest()
	if !ok {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "no samples yet")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rec)
}

func (m *Monitor) handleEvents(w http.ResponseWriter, r *http.Request) {
	events := m.Events()
	if events == nil {
		events = []Event{}
	}
	httputil.WriteJSON(w, http.StatusOK, events)
}

func (m *Monitor) handleIntervals(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, m.IntervalStats())
}

// handleChart renders the plotted series as an HTML line chart using go-echarts.
func (m *Monitor) handleChart(w http.ResponseWriter, r *http.Request) {
	series := m.Series()
	stats := m.IntervalStats()

	xs := make([]int, m.cfg.PlotLength)
	for i := range xs {
		xs[i] = i
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "tofsense", Width: "100%", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    fmt.Sprintf("Plot Interval = %d ms", stats.Last.Milliseconds()),
			Subtitle: fmt.Sprintf("mean %.1f ms, stddev %.1f ms over %d ticks", ms(stats.Mean), ms(stats.StdDev), stats.Count),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Min: 0, Max: m.cfg.Limit, Name: "distance"}),
	)
	line.SetXAxis(xs)
	for _, s := range series {
		values := s.Values()
		data := make([]opts.LineData, len(values))
		for i, v := range values {
			data[i] = opts.LineData{Value: v}
		}
		line.AddSeries(s.Name, data, charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))
	}

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		http.Error(w, fmt.Sprintf("failed to render chart: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handlePlot renders the same series as a PNG using gonum/plot.
func (m *Monitor) handlePlot(w http.ResponseWriter, r *http.Request) {
	p, err := m.plot()
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to build plot: %v", err), http.StatusInternalServerError)
		return
	}
	wt, err := p.WriterTo(10*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to render plot: %v", err), http.StatusInternalServerError)
		return
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		http.Error(w, fmt.Sprintf("failed to encode plot: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(buf.Bytes())
}

func (m *Monitor) plot() (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = m.IntervalText()
	p.X.Label.Text = "tick"
	p.Y.Label.Text = "distance"
	p.Y.Min = 0
	p.Y.Max = float64(m.cfg.Limit)

	for i, s := range m.Series() {
		values := s.Values()
		pts := make(plotter.XYs, len(values))
		for j, v := range values {
			pts[j] = plotter.XY{X: float64(j), Y: v}
		}
		l, err := plotter.NewLine(pts)
		if err != nil {
			return nil, err
		}
		l.Color = plotutil.Color(i)
		l.Width = vg.Points(1)
		p.Add(l)
		p.Legend.Add(s.Name, l)
	}
	return p, nil
}
