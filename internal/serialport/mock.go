package serialport

import (
	"bytes"
	"errors"
	"sync"
	"time"
)

// ErrPortClosed is returned by TestableSerialPort once Close has been called.
var ErrPortClosed = errors.New("serial port closed")

// TestableSerialPort implements TimeoutPort with configurable behaviour for
// testing. It provides fine-grained control over reads, errors and timeouts.
type TestableSerialPort struct {
	mu sync.Mutex

	// ReadBuffer holds data to be returned by Read calls
	ReadBuffer *bytes.Buffer

	// ReadError is returned by the next Read call if set
	ReadError error

	// ResetError is returned by ResetInputBuffer if set
	ResetError error

	// CloseError is returned by Close if set
	CloseError error

	// Closed indicates whether Close was called
	Closed bool

	// ReadCalls records the number of Read calls
	ReadCalls int

	// ResetCalls records the number of ResetInputBuffer calls
	ResetCalls int

	// ReadTimeout bounds a blocked Read; zero blocks until data or Close
	ReadTimeout time.Duration

	// BlockReads causes Read to wait for data instead of returning io.EOF
	// when the buffer is empty
	BlockReads bool

	notify chan struct{}
}

// NewTestableSerialPort creates a new TestableSerialPort for testing.
func NewTestableSerialPort() *TestableSerialPort {
	return &TestableSerialPort{
		ReadBuffer: bytes.NewBuffer(nil),
		notify:     make(chan struct{}, 1),
	}
}

// Read returns buffered data. With BlockReads set and an empty buffer it waits
// for AddReadData or Close, returning (0, nil) if ReadTimeout elapses first,
// the same contract as a go.bug.st/serial port with a read timeout.
func (t *TestableSerialPort) Read(p []byte) (int, error) {
	t.mu.Lock()
	t.ReadCalls++

	for {
		if t.Closed {
			t.mu.Unlock()
			return 0, ErrPortClosed
		}
		if t.ReadError != nil {
			err := t.ReadError
			t.ReadError = nil
			t.mu.Unlock()
			return 0, err
		}
		if t.ReadBuffer.Len() > 0 || !t.BlockReads {
			n, err := t.ReadBuffer.Read(p)
			t.mu.Unlock()
			return n, err
		}

		timeout := t.ReadTimeout
		t.mu.Unlock()

		var expired <-chan time.Time
		if timeout > 0 {
			timer := time.NewTimer(timeout)
			expired = timer.C
			select {
			case <-t.notify:
				timer.Stop()
			case <-expired:
				return 0, nil
			}
		} else {
			<-t.notify
		}
		t.mu.Lock()
	}
}

func (t *TestableSerialPort) wake() {
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

// ResetInputBuffer discards any unread data.
func (t *TestableSerialPort) ResetInputBuffer() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ResetCalls++
	if t.ResetError != nil {
		return t.ResetError
	}
	t.ReadBuffer.Reset()
	return nil
}

// SetReadTimeout implements TimeoutPort.
func (t *TestableSerialPort) SetReadTimeout(timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ReadTimeout = timeout
	return nil
}

// Close marks the port as closed and wakes any blocked reader.
func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	t.Closed = true
	err := t.CloseError
	t.mu.Unlock()
	t.wake()
	return err
}

// AddReadData adds data to be returned by subsequent Read calls.
func (t *TestableSerialPort) AddReadData(data []byte) {
	t.mu.Lock()
	t.ReadBuffer.Write(data)
	t.mu.Unlock()
	t.wake()
}

// FailNextRead makes the next Read return err and wakes a blocked reader.
func (t *TestableSerialPort) FailNextRead(err error) {
	t.mu.Lock()
	t.ReadError = err
	t.mu.Unlock()
	t.wake()
}

// Stats returns the read and reset call counts.
func (t *TestableSerialPort) Stats() (reads, resets int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ReadCalls, t.ResetCalls
}

// MockOpener records Open calls and returns a configured port or error.
type MockOpener struct {
	mu sync.Mutex

	// Port is returned once Failures is exhausted
	Port Port

	// Err is returned while Failures > 0
	Err error

	// Failures is the number of calls that fail before Port is returned
	Failures int

	// Calls records the paths passed to Open
	Calls []string
}

// Open implements Opener.
func (m *MockOpener) Open(path string, opts PortOptions, readTimeout time.Duration) (Port, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, path)
	if m.Failures > 0 {
		m.Failures--
		return nil, m.Err
	}
	return m.Port, nil
}
