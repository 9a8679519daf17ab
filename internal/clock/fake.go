package clock

import (
	"sync"
	"time"
)

// Fake is a settable clock for tests. It shares the Real clock's market-day
// and window logic but reads wall time from an internal field.
type Fake struct {
	mu   sync.Mutex
	now  time.Time
	mono time.Duration
	real *Real
}

// NewFake creates a fake clock pinned at now. Config errors panic: tests
// construct fakes with literal, known-good settings.
func NewFake(cfg Config, now time.Time) *Fake {
	r, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return &Fake{now: now, real: r}
}

// Now returns the pinned wall time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Mono returns the accumulated advance.
func (f *Fake) Mono() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mono
}

// Advance moves the clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	f.mono += d
}

// Set pins the wall time to t.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
}

// MarketDay returns the calendar date of t in the market timezone.
func (f *Fake) MarketDay(t time.Time) string {
	return f.real.MarketDay(t)
}

// InSquareOffWindow reports whether t falls inside the square-off window.
func (f *Fake) InSquareOffWindow(t time.Time) bool {
	return f.real.InSquareOffWindow(t)
}
