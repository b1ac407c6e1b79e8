package serialport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.bug.st/serial"

	"github.com/banshee-data/tofsense/internal/monitoring"
)

// ConnectionError reports that the transport could not be opened. It is
// returned to the caller rather than logged and swallowed, so the caller can
// decide whether to retry.
type ConnectionError struct {
	Path     string
	BaudRate int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("failed to connect with %s at %d BAUD: %v", e.Path, e.BaudRate, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Opener opens a port. OpenSerial is the production implementation; tests
// substitute their own.
type Opener func(path string, opts PortOptions, readTimeout time.Duration) (Port, error)

// OpenSerial opens a real serial port and applies the read timeout. A zero
// timeout leaves reads blocking indefinitely.
func OpenSerial(path string, opts PortOptions, readTimeout time.Duration) (Port, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, &ConnectionError{Path: path, BaudRate: mode.BaudRate, Err: err}
	}

	if readTimeout > 0 {
		if err := port.SetReadTimeout(readTimeout); err != nil {
			port.Close()
			return nil, &ConnectionError{Path: path, BaudRate: mode.BaudRate, Err: fmt.Errorf("set read timeout: %w", err)}
		}
	}
	return port, nil
}

// RetryPolicy bounds OpenWithRetry.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

// OpenWithRetry calls open up to policy.Attempts times, doubling the backoff
// between attempts. Only ConnectionErrors are retried; invalid options fail
// immediately. The last error is returned when every attempt fails.
func OpenWithRetry(ctx context.Context, open Opener, path string, opts PortOptions, readTimeout time.Duration, policy RetryPolicy) (Port, error) {
	attempts := policy.Attempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := policy.Backoff

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		monitoring.Logf("[serialport] trying to connect to %s at %s (attempt %d/%d)", path, opts, attempt, attempts)
		port, err := open(path, opts, readTimeout)
		if err == nil {
			monitoring.Logf("[serialport] connected to %s", path)
			return port, nil
		}
		lastErr = err

		var connErr *ConnectionError
		if !errors.As(err, &connErr) {
			return nil, err
		}
		if attempt == attempts {
			break
		}

		monitoring.Logf("[serialport] %v; retrying in %v", err, backoff)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, lastErr
}
