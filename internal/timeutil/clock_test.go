package timeutil

import (
	"testing"
	"time"
)

func TestRealClock_Now(t *testing.T) {
	clock := RealClock{}
	before := time.Now()
	now := clock.Now()
	after := time.Now()

	if now.Before(before) || now.After(after) {
		t.Errorf("Now() = %v, expected between %v and %v", now, before, after)
	}
}

func TestRealClock_After(t *testing.T) {
	clock := RealClock{}
	select {
	case <-clock.After(10 * time.Millisecond):
	case <-time.After(time.Second):
		t.Error("After did not fire")
	}
}

func TestRealClock_NewTicker(t *testing.T) {
	clock := RealClock{}
	ticker := clock.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	select {
	case <-ticker.C():
	case <-time.After(time.Second):
		t.Error("ticker did not fire")
	}
}

func TestMockClock_AdvanceFiresAfter(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)

	ch := clock.After(time.Second)
	if got := clock.Waiters(); got != 1 {
		t.Fatalf("Waiters() = %d, want 1", got)
	}

	clock.Advance(500 * time.Millisecond)
	select {
	case <-ch:
		t.Fatal("After fired before deadline")
	default:
	}

	clock.Advance(500 * time.Millisecond)
	select {
	case got := <-ch:
		if want := start.Add(time.Second); !got.Equal(want) {
			t.Errorf("fired at %v, want %v", got, want)
		}
	default:
		t.Fatal("After did not fire at deadline")
	}
	if got := clock.Waiters(); got != 0 {
		t.Errorf("Waiters() = %d after firing, want 0", got)
	}
}

func TestMockClock_AfterNonPositiveFiresImmediately(t *testing.T) {
	clock := NewMockClock(time.Unix(0, 0))
	select {
	case <-clock.After(0):
	default:
		t.Fatal("After(0) should fire immediately")
	}
}

func TestMockClock_SinceAndSet(t *testing.T) {
	start := time.Unix(1000, 0)
	clock := NewMockClock(start)
	clock.Set(start.Add(3 * time.Second))
	if got := clock.Since(start); got != 3*time.Second {
		t.Errorf("Since() = %v, want 3s", got)
	}
}

func TestMockTicker(t *testing.T) {
	clock := NewMockClock(time.Unix(0, 0))
	ticker := clock.NewTicker(50 * time.Millisecond)

	clock.Advance(50 * time.Millisecond)
	select {
	case <-ticker.C():
	default:
		t.Fatal("ticker did not fire after one interval")
	}

	ticker.Stop()
	clock.Advance(time.Second)
	select {
	case <-ticker.C():
		t.Fatal("stopped ticker fired")
	default:
	}
}
