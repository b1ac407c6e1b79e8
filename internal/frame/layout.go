// Package frame describes the fixed-size binary frame emitted by the sensor
// board and turns it into per-channel distances.
//
// A frame is Channels consecutive little-endian fields with no header,
// checksum or delimiter. Each field is either a signed 16-bit integer or an
// IEEE-754 float32, fixed for the session.
package frame

import (
	"errors"
	"fmt"
)

// Width is the number of bytes per channel sample.
type Width int

const (
	// Int16 samples are little-endian signed 16-bit integers.
	Int16 Width = 2
	// Float32 samples are little-endian IEEE-754 single precision floats.
	Float32 Width = 4
)

// ErrInvalidLayout is wrapped by every layout validation failure.
var ErrInvalidLayout = errors.New("invalid frame layout")

func (w Width) String() string {
	switch w {
	case Int16:
		return "int16"
	case Float32:
		return "float32"
	}
	return fmt.Sprintf("width(%d)", int(w))
}

// Layout fixes the shape of a frame for the lifetime of a session.
type Layout struct {
	Channels int
	Width    Width
}

// Size is the number of bytes in one frame.
func (l Layout) Size() int {
	return l.Channels * int(l.Width)
}

// Validate rejects layouts that cannot describe a frame.
func (l Layout) Validate() error {
	if l.Channels <= 0 {
		return fmt.Errorf("%w: channel count must be positive, got %d", ErrInvalidLayout, l.Channels)
	}
	if l.Width != Int16 && l.Width != Float32 {
		return fmt.Errorf("%w: bytes per channel must be 2 or 4, got %d", ErrInvalidLayout, int(l.Width))
	}
	return nil
}

func (l Layout) String() string {
	return fmt.Sprintf("%d×%s (%d bytes)", l.Channels, l.Width, l.Size())
}
