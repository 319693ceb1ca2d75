// Package clock provides a seam over wall-clock and monotonic time so that
// time-dependent behavior (alert cooldowns, risk-score decay, status-file
// freshness, flush-interval timers) can be driven deterministically in
// tests instead of sleeping on the real clock.
package clock

import "time"

// Clock abstracts the handful of time.* calls the telemetry plane makes on
// hot paths. The zero value is not usable; use [Real] or [NewFake].
type Clock interface {
	// Now returns the current wall-clock time in UTC.
	Now() time.Time

	// Since is a convenience for Now().Sub(t).
	Since(t time.Time) time.Duration

	// NewTicker returns a ticker that fires every d.
	NewTicker(d time.Duration) Ticker
}

// Ticker is the subset of *time.Ticker the telemetry plane depends on,
// abstracted so [Fake] can drive it without a real timer goroutine.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Real is the production [Clock], backed directly by the time package.
var Real Clock = realClock{}

type realClock struct{}

func (realClock) Now() time.Time                  { return time.Now().UTC() }
func (realClock) Since(t time.Time) time.Duration { return time.Since(t) }
func (realClock) NewTicker(d time.Duration) Ticker { return realTicker{time.NewTicker(d)} }

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }
