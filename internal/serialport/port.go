// Package serialport opens and describes the serial link that carries
// time-of-flight frames. The reader only depends on the small Port interface
// so tests and the simulator can stand in for real hardware.
package serialport

import (
	"io"
	"time"
)

// Port is the minimal surface the frame reader needs from a transport: a byte
// stream, a way to drop bytes buffered before acquisition starts, and Close.
// go.bug.st/serial.Port satisfies it.
type Port interface {
	io.Reader
	io.Closer
	// ResetInputBuffer discards any bytes received but not yet read.
	ResetInputBuffer() error
}

// TimeoutPort is implemented by ports whose blocking reads can be bounded.
// A read that times out returns (0, nil).
type TimeoutPort interface {
	Port
	SetReadTimeout(timeout time.Duration) error
}
