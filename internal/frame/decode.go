package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrShortFrame means a snapshot is smaller than the configured frame.
	ErrShortFrame = errors.New("frame shorter than layout")
	// ErrFrameSize means a write did not carry exactly one frame.
	ErrFrameSize = errors.New("frame size mismatch")
	// ErrOutOfRange means a value cannot be represented in the sample width.
	ErrOutOfRange = errors.New("value out of range for sample width")
)

// Decoder slices frames into channel values and clamps them at Limit.
type Decoder struct {
	layout Layout
	limit  int
}

// NewDecoder validates the layout and returns a decoder clamping at limit.
func NewDecoder(layout Layout, limit int) (*Decoder, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	return &Decoder{layout: layout, limit: limit}, nil
}

// Layout returns the frame layout the decoder was built for.
func (d *Decoder) Layout() Layout { return d.layout }

// Limit returns the clamp ceiling.
func (d *Decoder) Limit() int { return d.limit }

// DecodeRaw returns the unclamped value of every channel, in channel order.
// Float samples are truncated toward zero; NaN decodes as the limit and
// values beyond the int32 range saturate.
func (d *Decoder) DecodeRaw(buf []byte) ([]int, error) {
	if len(buf) < d.layout.Size() {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrShortFrame, len(buf), d.layout.Size())
	}

	w := int(d.layout.Width)
	values := make([]int, d.layout.Channels)
	for i := range values {
		field := buf[i*w : (i+1)*w]
		switch d.layout.Width {
		case Int16:
			values[i] = int(int16(binary.LittleEndian.Uint16(field)))
		case Float32:
			values[i] = d.floatToInt(math.Float32frombits(binary.LittleEndian.Uint32(field)))
		}
	}
	return values, nil
}

// Decode returns every channel value clamped at the limit.
func (d *Decoder) Decode(buf []byte) ([]int, error) {
	values, err := d.DecodeRaw(buf)
	if err != nil {
		return nil, err
	}
	for i, v := range values {
		values[i] = Clamp(v, d.limit)
	}
	return values, nil
}

func (d *Decoder) floatToInt(f float32) int {
	v := float64(f)
	switch {
	case math.IsNaN(v):
		return d.limit
	case v >= math.MaxInt32:
		return math.MaxInt32
	case v <= math.MinInt32:
		return math.MinInt32
	}
	return int(math.Trunc(v))
}

// Clamp caps v at limit. Values below the limit, including negative ones,
// pass through unchanged.
func Clamp(v, limit int) int {
	if v > limit {
		return limit
	}
	return v
}

// Encode writes values in the layout's wire format. It is the inverse of
// DecodeRaw for values representable in the sample width.
func Encode(layout Layout, values []int) ([]byte, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	if len(values) != layout.Channels {
		return nil, fmt.Errorf("%w: got %d values for %d channels", ErrFrameSize, len(values), layout.Channels)
	}

	w := int(layout.Width)
	buf := make([]byte, layout.Size())
	for i, v := range values {
		field := buf[i*w : (i+1)*w]
		switch layout.Width {
		case Int16:
			if v < math.MinInt16 || v > math.MaxInt16 {
				return nil, fmt.Errorf("%w: channel %d value %d", ErrOutOfRange, i, v)
			}
			binary.LittleEndian.PutUint16(field, uint16(int16(v)))
		case Float32:
			binary.LittleEndian.PutUint32(field, math.Float32bits(float32(v)))
		}
	}
	return buf, nil
}
