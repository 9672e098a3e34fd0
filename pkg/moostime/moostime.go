// Package moostime provides the process-wide time source used to timestamp
// every message. It applies an optional time warp (simulation acceleration)
// and a skew offset learned from the community server.
package moostime

import (
	"math"
	"sync/atomic"
	"time"
)

// TimeSource produces warped, skew-corrected timestamps in float seconds.
// It is created once at startup and shared by reference.
type TimeSource struct {
	start time.Time
	warp  float64
	skew  uint64 // float64 bits
	now   func() time.Time
}

// Option configures a TimeSource.
type Option func(ts *TimeSource)

// WithWarp sets the time warp factor. Values <= 0 are ignored.
func WithWarp(warp float64) Option {
	return func(ts *TimeSource) {
		if warp > 0 {
			ts.warp = warp
		}
	}
}

// WithClock replaces the wall clock, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(ts *TimeSource) {
		ts.now = now
		ts.start = now()
	}
}

// New creates a TimeSource anchored at the current wall clock time.
func New(opts ...Option) *TimeSource {
	ts := &TimeSource{
		start: time.Now(),
		warp:  1,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(ts)
	}
	return ts
}

// Warp returns the time warp factor.
func (ts *TimeSource) Warp() float64 { return ts.warp }

// Skew returns the current skew offset in seconds.
func (ts *TimeSource) Skew() float64 {
	return math.Float64frombits(atomic.LoadUint64(&ts.skew))
}

// SetSkew sets the skew offset in seconds.
func (ts *TimeSource) SetSkew(skew float64) {
	atomic.StoreUint64(&ts.skew, math.Float64bits(skew))
}

// LocalNow returns the warped local time in seconds since the unix epoch,
// without skew correction.
func (ts *TimeSource) LocalNow() float64 {
	t := ts.now()
	if ts.warp == 1 {
		return Seconds(t)
	}
	start := Seconds(ts.start)
	return start + ts.warp*t.Sub(ts.start).Seconds()
}

// Now returns LocalNow corrected by the skew offset.
func (ts *TimeSource) Now() float64 {
	return ts.LocalNow() + ts.Skew()
}

// Seconds converts t to float seconds since the unix epoch.
func Seconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// Duration converts float seconds to a time.Duration.
func Duration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
