// Package clock provides the time source used by every time-dependent
// decision in the server: wall time, monotonic elapsed time, market-day
// calculation in the exchange timezone, and the square-off window check.
// Components take the Clock interface so tests can substitute a Fake.
package clock

import (
	"fmt"
	"time"
)

// Clock is the time source injected into components.
type Clock interface {
	// Now returns the current wall time.
	Now() time.Time

	// Mono returns monotonic time elapsed since the clock was created.
	Mono() time.Duration

	// MarketDay returns the calendar date of t in the market timezone,
	// formatted "2006-01-02".
	MarketDay(t time.Time) string

	// InSquareOffWindow reports whether t falls inside the configured
	// end-of-day square-off window. The window is inclusive on both ends
	// at minute granularity.
	InSquareOffWindow(t time.Time) bool
}

// Config holds the market-calendar settings.
type Config struct {
	Timezone       string `yaml:"timezone"`
	SquareOffStart string `yaml:"square_off_start"` // "HH:MM"
	SquareOffEnd   string `yaml:"square_off_end"`   // "HH:MM"
}

// DefaultConfig returns the NSE calendar defaults.
func DefaultConfig() Config {
	return Config{
		Timezone:       "Asia/Kolkata",
		SquareOffStart: "15:15",
		SquareOffEnd:   "15:29",
	}
}

// Real is the production clock.
type Real struct {
	loc        *time.Location
	start      time.Time
	windowFrom int // minutes since midnight
	windowTo   int
}

// New creates a Real clock from the given config.
func New(cfg Config) (*Real, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", cfg.Timezone, err)
	}

	from, err := parseMinuteOfDay(cfg.SquareOffStart)
	if err != nil {
		return nil, fmt.Errorf("square_off_start: %w", err)
	}
	to, err := parseMinuteOfDay(cfg.SquareOffEnd)
	if err != nil {
		return nil, fmt.Errorf("square_off_end: %w", err)
	}

	return &Real{
		loc:        loc,
		start:      time.Now(),
		windowFrom: from,
		windowTo:   to,
	}, nil
}

// Now returns the current wall time.
func (r *Real) Now() time.Time {
	return time.Now()
}

// Mono returns monotonic time elapsed since the clock was created.
func (r *Real) Mono() time.Duration {
	return time.Since(r.start)
}

// MarketDay returns the calendar date of t in the market timezone.
func (r *Real) MarketDay(t time.Time) string {
	return t.In(r.loc).Format("2006-01-02")
}

// InSquareOffWindow reports whether t falls inside the square-off window.
func (r *Real) InSquareOffWindow(t time.Time) bool {
	lt := t.In(r.loc)
	cur := lt.Hour()*60 + lt.Minute()
	if r.windowFrom <= r.windowTo {
		return cur >= r.windowFrom && cur <= r.windowTo
	}
	// window wraps midnight
	return cur >= r.windowFrom || cur <= r.windowTo
}

func parseMinuteOfDay(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("parse %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}
