package sampler

import (
	"fmt"
	"time"

	"github.com/banshee-data/tofsense/internal/proximity"
)

// Record is the result of one tick. It is created and handed off within the
// tick; consumers must not retain its slices across ticks if they mutate them.
type Record struct {
	Seq  uint64    `json:"seq"`
	Time time.Time `json:"time"`
	// Interval is the time since the previous tick. It is zero on the first
	// tick, which has no previous timestamp.
	Interval  time.Duration `json:"interval_ns"`
	FirstTick bool          `json:"first_tick"`

	Raw       []int  `json:"raw"`
	Effective []int  `json:"effective"`
	Stuck     []bool `json:"stuck"`

	MinRaw       int                `json:"min_raw"`
	MinEffective int                `json:"min_effective"`
	Category     proximity.Category `json:"category"`
}

// Row flattens the record for the row log: raw channels, effective channels,
// minimum raw, minimum effective.
func (r Record) Row() []int {
	row := make([]int, 0, 2*len(r.Raw)+2)
	row = append(row, r.Raw...)
	row = append(row, r.Effective...)
	return append(row, r.MinRaw, r.MinEffective)
}

// RowHeader names the Row columns for a frame of channels sensors.
func RowHeader(channels int) []string {
	header := make([]string, 0, 2*channels+2)
	for i := 1; i <= channels; i++ {
		header = append(header, fmt.Sprintf("Sensor %d", i))
	}
	for i := 1; i <= channels; i++ {
		header = append(header, fmt.Sprintf("Sensor %d corrected", i))
	}
	return append(header, "Min. value original", "Min value correct")
}

// StuckChannels returns the indices of channels overridden this tick.
func (r Record) StuckChannels() []int {
	var out []int
	for i, s := range r.Stuck {
		if s {
			out = append(out, i)
		}
	}
	return out
}
