package simulator

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/tofsense/internal/frame"
	"github.com/banshee-data/tofsense/internal/reader"
	"github.com/banshee-data/tofsense/internal/sampler"
	"github.com/banshee-data/tofsense/internal/serialport"
)

var int16x3 = frame.Layout{Channels: 3, Width: frame.Int16}

func decodeFrames(t *testing.T, p *Port, layout frame.Layout, n int) [][]int {
	t.Helper()
	dec, err := frame.NewDecoder(layout, 1<<20)
	require.NoError(t, err)
	var out [][]int
	buf := make([]byte, layout.Size())
	for i := 0; i < n; i++ {
		_, err := io.ReadFull(p, buf)
		require.NoError(t, err)
		vals, err := dec.DecodeRaw(buf)
		require.NoError(t, err)
		out = append(out, vals)
	}
	return out
}

func TestFrameTime(t *testing.T) {
	assert.Equal(t, time.Duration(0), FrameTime(int16x3, 0))
	// 6 bytes * 10 bits at 9600 baud
	assert.Equal(t, 6250*time.Microsecond, FrameTime(int16x3, 9600))
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{Layout: frame.Layout{Channels: 0, Width: frame.Int16}, Generator: Constant(1)})
	assert.ErrorIs(t, err, frame.ErrInvalidLayout)

	_, err = New(Config{Layout: int16x3})
	assert.Error(t, err)

	_, err = New(Config{Layout: int16x3, Generator: Constant(1), Stuck: map[int]int{3: 0}})
	assert.Error(t, err)
}

func TestPortStreamsEncodedFrames(t *testing.T) {
	p, err := New(Config{Layout: int16x3, Generator: Constant(120, 400, 80), Stuck: map[int]int{1: 0}})
	require.NoError(t, err)
	defer p.Close()

	got := decodeFrames(t, p, int16x3, 3)
	want := [][]int{{120, 0, 80}, {120, 0, 80}, {120, 0, 80}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("frames (-want +got):\n%s", diff)
	}
	assert.Equal(t, uint64(3), p.Frames())
}

func TestPortFloatLayout(t *testing.T) {
	layout := frame.Layout{Channels: 6, Width: frame.Float32}
	p, err := New(Config{Layout: layout, Generator: func(n uint64, ch int) int { return int(n)*10 + ch }})
	require.NoError(t, err)
	defer p.Close()

	got := decodeFrames(t, p, layout, 2)
	want := [][]int{{0, 1, 2, 3, 4, 5}, {10, 11, 12, 13, 14, 15}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("frames (-want +got):\n%s", diff)
	}
}

func TestPortPartialReadsAndReset(t *testing.T) {
	p, err := New(Config{Layout: int16x3, Generator: Constant(1, 2, 3)})
	require.NoError(t, err)
	defer p.Close()

	b := make([]byte, 4)
	n, err := p.Read(b)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	// the rest of the frame is discarded
	require.NoError(t, p.ResetInputBuffer())
	assert.Equal(t, 1, p.Resets())

	got := decodeFrames(t, p, int16x3, 1)
	assert.Equal(t, []int{1, 2, 3}, got[0])
	assert.Equal(t, uint64(2), p.Frames())
}

func TestPortCloseWakesRead(t *testing.T) {
	p, err := New(Config{Layout: int16x3, BaudRate: 1, Generator: Constant(1, 2, 3)})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Read(make([]byte, 6))
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, p.Close())

	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, serialport.ErrPortClosed))
	case <-time.After(time.Second):
		t.Fatal("Read did not return after Close")
	}
	assert.ErrorIs(t, p.ResetInputBuffer(), serialport.ErrPortClosed)
	// closing twice is harmless
	assert.NoError(t, p.Close())
}

func TestPortReadTimeout(t *testing.T) {
	// one frame takes a minute at 1 baud
	p, err := New(Config{Layout: int16x3, BaudRate: 1, Generator: Constant(1, 2, 3)})
	require.NoError(t, err)
	defer p.Close()
	require.NoError(t, p.SetReadTimeout(20*time.Millisecond))

	start := time.Now()
	n, err := p.Read(make([]byte, 6))
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Zero(t, n)
	assert.GreaterOrEqual(t, elapsed, 20*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
	assert.Zero(t, p.Frames())
}

func TestPortReadTimeoutLongerThanPace(t *testing.T) {
	// 6 bytes at 9600 baud is 6.25ms per frame
	p, err := New(Config{Layout: int16x3, BaudRate: 9600, Generator: Constant(1, 2, 3)})
	require.NoError(t, err)
	defer p.Close()
	require.NoError(t, p.SetReadTimeout(time.Second))

	got := decodeFrames(t, p, int16x3, 2)
	want := [][]int{{1, 2, 3}, {1, 2, 3}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("frames (-want +got):\n%s", diff)
	}
}

func TestPortFrameArrivesAfterTimeouts(t *testing.T) {
	// 6 bytes at 600 baud is 100ms per frame
	p, err := New(Config{Layout: int16x3, BaudRate: 600, Generator: Constant(7, 8, 9)})
	require.NoError(t, err)
	defer p.Close()
	require.NoError(t, p.SetReadTimeout(30*time.Millisecond))

	buf := make([]byte, 6)
	empty := 0
	for {
		n, err := p.Read(buf)
		require.NoError(t, err)
		if n > 0 {
			assert.Equal(t, 6, n)
			break
		}
		empty++
		require.Less(t, empty, 10, "frame never arrived")
	}
	// the frame is due 100ms after the first read, not 100ms after each timeout
	assert.GreaterOrEqual(t, empty, 1)
	assert.LessOrEqual(t, empty, 4)
	assert.Equal(t, uint64(1), p.Frames())
}

func TestSweepRange(t *testing.T) {
	g := Sweep(400, 40)
	for n := uint64(0); n < 80; n++ {
		for ch := 0; ch < 3; ch++ {
			v := g(n, ch)
			assert.GreaterOrEqual(t, v, 0)
			assert.LessOrEqual(t, v, 400)
		}
	}
	// periodic
	assert.Equal(t, g(3, 1), g(43, 1))
	// channels are phase-shifted
	assert.NotEqual(t, g(0, 0), g(0, 1))
}

func TestOpener(t *testing.T) {
	open := Opener(Config{Layout: int16x3, Generator: Constant(1, 2, 3)})
	port, err := serialport.OpenWithRetry(context.Background(), open, "sim", serialport.PortOptions{BaudRate: 921600}, time.Second, serialport.RetryPolicy{Attempts: 1})
	require.NoError(t, err)
	defer port.Close()

	sim, ok := port.(*Port)
	require.True(t, ok)
	assert.Equal(t, FrameTime(int16x3, 921600), sim.pace)
	assert.Equal(t, time.Second, sim.readTimeout)

	bad := Opener(Config{Layout: int16x3})
	_, err = bad("sim", serialport.PortOptions{}, 0)
	var connErr *serialport.ConnectionError
	assert.True(t, errors.As(err, &connErr))
}

// TestPipelineDetectsStuckSensor runs the reader and sampler against a
// simulated device whose first channel is frozen at zero while the others
// keep moving.
func TestPipelineDetectsStuckSensor(t *testing.T) {
	moving := func(n uint64, ch int) int { return 100*ch + int(n%97) }
	port, err := New(Config{Layout: int16x3, Generator: moving, Stuck: map[int]int{0: 0}})
	require.NoError(t, err)

	buf := frame.NewBuffer(int16x3.Size())
	r := reader.New(port, buf, reader.Config{})
	require.NoError(t, r.Start())
	require.NoError(t, r.WaitReady(context.Background(), 2*time.Second))

	s, err := sampler.New(buf, r, sampler.Config{Layout: int16x3, Limit: 400, WindowSize: 6})
	require.NoError(t, err)

	var rec sampler.Record
	for i := 0; i < 6; i++ {
		rec, err = s.Tick()
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}
	assert.Equal(t, 0, rec.Raw[0])
	assert.Equal(t, 400, rec.Effective[0])
	assert.True(t, rec.Stuck[0])
	assert.Equal(t, 0, rec.MinRaw)
	assert.Equal(t, min(rec.Effective[1], rec.Effective[2]), rec.MinEffective)
	assert.GreaterOrEqual(t, rec.Effective[1], 100)
	assert.Less(t, rec.Effective[1], 200)

	require.NoError(t, r.Stop(time.Second))
	require.NoError(t, port.Close())
	assert.Greater(t, r.Stats().Frames, uint64(0))
}
