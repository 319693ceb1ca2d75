package clock_test

import (
	"testing"
	"time"

	"github.com/MrWong99/telemetryplane/internal/clock"
)

func TestReal_NowIsUTC(t *testing.T) {
	now := clock.Real.Now()
	if now.Location() != time.UTC {
		t.Errorf("Now() location = %v, want UTC", now.Location())
	}
}

func TestFake_AdvanceMovesNow(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fc := clock.NewFake(start)

	if got := fc.Now(); !got.Equal(start) {
		t.Fatalf("Now() = %v, want %v", got, start)
	}

	fc.Advance(5 * time.Second)
	want := start.Add(5 * time.Second)
	if got := fc.Now(); !got.Equal(want) {
		t.Errorf("Now() after advance = %v, want %v", got, want)
	}
}

func TestFake_Since(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fc := clock.NewFake(start)
	mark := fc.Now()
	fc.Advance(3 * time.Second)
	if got := fc.Since(mark); got != 3*time.Second {
		t.Errorf("Since() = %v, want 3s", got)
	}
}

func TestFake_TickerFiresOnAdvance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fc := clock.NewFake(start)
	tk := fc.NewTicker(time.Second)

	select {
	case <-tk.C():
		t.Fatal("ticker fired before any advance")
	default:
	}

	fc.Advance(time.Second)
	select {
	case <-tk.C():
	default:
		t.Fatal("ticker did not fire after advancing past its period")
	}
}

func TestFake_TickerStop(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fc := clock.NewFake(start)
	tk := fc.NewTicker(time.Second)
	tk.Stop()
	fc.Advance(5 * time.Second)
	select {
	case <-tk.C():
		t.Fatal("stopped ticker should not fire")
	default:
	}
}
