// Package rowlog appends one CSV row per tick to a log file.
package rowlog

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"

	"github.com/banshee-data/tofsense/internal/sampler"
)

// Writer writes a header row once, then Record rows. It is safe for
// concurrent use.
type Writer struct {
	mu       sync.Mutex
	csv      *csv.Writer
	closer   io.Closer
	channels int
	rows     int
}

// Open appends to the file at path, creating it if needed. The header for a
// frame of channels sensors is written only when the file is empty, so rows
// from earlier runs are kept under a single header.
func Open(path string, channels int) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open row log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat row log: %w", err)
	}
	w, err := newWriter(f, channels, info.Size() == 0)
	if err != nil {
		f.Close()
		return nil, err
	}
	w.closer = f
	return w, nil
}

// NewWriter writes the header to out and returns a Writer appending to it.
func NewWriter(out io.Writer, channels int) (*Writer, error) {
	return newWriter(out, channels, true)
}

func newWriter(out io.Writer, channels int, header bool) (*Writer, error) {
	if channels <= 0 {
		return nil, fmt.Errorf("row log needs at least one channel, got %d", channels)
	}
	w := &Writer{csv: csv.NewWriter(out), channels: channels}
	if !header {
		return w, nil
	}
	if err := w.csv.Write(sampler.RowHeader(channels)); err != nil {
		return nil, err
	}
	w.csv.Flush()
	if err := w.csv.Error(); err != nil {
		return nil, err
	}
	return w, nil
}

// Write appends rec as one row and flushes it, so the file is complete up to
// the last tick even if the process is killed.
func (w *Writer) Write(rec sampler.Record) error {
	if len(rec.Raw) != w.channels || len(rec.Effective) != w.channels {
		return fmt.Errorf("row log: record has %d/%d channels, want %d", len(rec.Raw), len(rec.Effective), w.channels)
	}
	row := rec.Row()
	fields := make([]string, len(row))
	for i, v := range row {
		fields[i] = strconv.Itoa(v)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.csv.Write(fields); err != nil {
		return err
	}
	w.csv.Flush()
	if err := w.csv.Error(); err != nil {
		return err
	}
	w.rows++
	return nil
}

// Rows returns how many records have been written.
func (w *Writer) Rows() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rows
}

// Close flushes and closes the underlying file, if Open created it.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.csv.Flush()
	err := w.csv.Error()
	if w.closer != nil {
		if cerr := w.closer.Close(); err == nil {
			err = cerr
		}
		w.closer = nil
	}
	return err
}
