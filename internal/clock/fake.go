package clock

import (
	"sync"
	"time"
)

// Fake is a manually-advanced [Clock] for deterministic tests. Use
// [NewFake] to construct one and [Fake.Advance] to move it forward.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*fakeTicker
}

// NewFake returns a [Fake] clock starting at start (converted to UTC).
func NewFake(start time.Time) *Fake {
	return &Fake{now: start.UTC()}
}

// Now returns the fake clock's current time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Since returns f.Now().Sub(t).
func (f *Fake) Since(t time.Time) time.Duration {
	return f.Now().Sub(t)
}

// Advance moves the fake clock forward by d, firing any registered tickers
// whose period has elapsed since their last fire.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	now := f.now
	tickers := append([]*fakeTicker(nil), f.tickers...)
	f.mu.Unlock()

	for _, ft := range tickers {
		ft.maybeFire(now)
	}
}

// NewTicker returns a fake [Ticker] tracked by this clock so that future
// [Fake.Advance] calls can fire it.
func (f *Fake) NewTicker(d time.Duration) Ticker {
	ft := &fakeTicker{
		period: d,
		ch:     make(chan time.Time, 1),
		next:   f.Now().Add(d),
	}
	f.mu.Lock()
	f.tickers = append(f.tickers, ft)
	f.mu.Unlock()
	return ft
}

type fakeTicker struct {
	mu      sync.Mutex
	period  time.Duration
	next    time.Time
	ch      chan time.Time
	stopped bool
}

func (ft *fakeTicker) maybeFire(now time.Time) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if ft.stopped {
		return
	}
	for !now.Before(ft.next) {
		select {
		case ft.ch <- ft.next:
		default:
		}
		ft.next = ft.next.Add(ft.period)
	}
}

func (ft *fakeTicker) C() <-chan time.Time { return ft.ch }

func (ft *fakeTicker) Stop() {
	ft.mu.Lock()
	ft.stopped = true
	ft.mu.Unlock()
}
