package display

// Series is a fixed-length window of plot points, oldest first. It starts
// filled with zeros so a fresh chart has a flat baseline instead of a
// growing x axis.
type Series struct {
	Name   string
	values []float64
	next   int
}

// NewSeries returns a zero-filled series of length n.
func NewSeries(name string, n int) *Series {
	return &Series{Name: name, values: make([]float64, n)}
}

// Push appends v, dropping the oldest point.
func (s *Series) Push(v float64) {
	if len(s.values) == 0 {
		return
	}
	s.values[s.next] = v
	s.next = (s.next + 1) % len(s.values)
}

// Len returns the fixed length of the series.
func (s *Series) Len() int { return len(s.values) }

// Values returns a copy of the points, oldest first.
func (s *Series) Values() []float64 {
	out := make([]float64, 0, len(s.values))
	out = append(out, s.values[s.next:]...)
	return append(out, s.values[:s.next]...)
}
