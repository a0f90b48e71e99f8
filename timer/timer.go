// Package timer provides a monotonic stopwatch with lap semantics.
//
// Only relative time matters; the zero point is whenever Start is called.
// Durations come from Go's monotonic clock reading, so wall clock steps
// (NTP, DST) do not disturb a run.
package timer

import (
	"time"
)

// Error is a tagged error returned by Clock operations
type Error int

const (
	// NotRunning is returned when an operation needs a started clock
	NotRunning Error = iota + 1

	// AlreadyRunning is returned by Start on a started clock
	AlreadyRunning
)

func (e Error) Error() string {
	switch e {
	case NotRunning:
		return "timer is not running, use Start to start it"
	case AlreadyRunning:
		return "timer is running, use Stop to stop it"
	default:
		return "unknown timer error"
	}
}

// Clock is a stopwatch.  It holds the offsets (from the first Start) of
// every lap taken; it is running iff that list is non-empty.
//
// A Clock is not safe for concurrent use, it belongs to one run.
type Clock struct {
	now   func() time.Time
	epoch time.Time
	laps  []time.Duration
}

// Option configures a Clock
type Option func(*Clock)

// WithNow replaces the time source, for tests
func WithNow(now func() time.Time) Option {
	return func(c *Clock) {
		c.now = now
	}
}

// New returns a stopped Clock
func New(opts ...Option) *Clock {
	c := &Clock{now: time.Now}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Running is true if the clock has been started and not stopped
func (c *Clock) Running() bool {
	return len(c.laps) > 0
}

// Start starts the clock
func (c *Clock) Start() error {
	if c.Running() {
		return AlreadyRunning
	}
	c.epoch = c.now()
	c.laps = append(c.laps[:0], 0)
	return nil
}

// elapsed is the offset of now from the epoch.  It never goes backwards
// relative to the last lap, so deltas are always >= 0.
func (c *Clock) elapsed() time.Duration {
	e := c.now().Sub(c.epoch)
	if last := c.laps[len(c.laps)-1]; e < last {
		e = last
	}
	return e
}

// Check returns the time since the last lap and since Start without
// committing a lap
func (c *Clock) Check() (lap, total time.Duration, err error) {
	if !c.Running() {
		return 0, 0, NotRunning
	}
	total = c.elapsed()
	return total - c.laps[len(c.laps)-1], total, nil
}

// Lap returns the same values as Check and makes now the new lap reference.
// Lap references are strictly increasing; two laps at an identical clock
// reading are separated by one nanosecond.
func (c *Clock) Lap() (lap, total time.Duration, err error) {
	lap, total, err = c.Check()
	if err != nil {
		return
	}
	ref := total
	if last := c.laps[len(c.laps)-1]; ref <= last {
		ref = last + 1
	}
	c.laps = append(c.laps, ref)
	return
}

// LapIf laps only if more than threshold has passed since the last lap,
// otherwise it reports the same values as Check
func (c *Clock) LapIf(threshold time.Duration) (lap, total time.Duration, err error) {
	lap, total, err = c.Check()
	if err != nil || lap <= threshold {
		return
	}
	return c.Lap()
}

// StartOrLap starts a stopped clock, or laps a running one
func (c *Clock) StartOrLap() (lap, total time.Duration, err error) {
	if !c.Running() {
		return 0, 0, c.Start()
	}
	return c.Lap()
}

// Stop stops the clock and returns the total elapsed time
func (c *Clock) Stop() (time.Duration, error) {
	_, total, err := c.Check()
	if err != nil {
		return 0, err
	}
	c.laps = c.laps[:0]
	return total, nil
}

// Laps returns the number of lap references, including the start
func (c *Clock) Laps() int {
	return len(c.laps)
}
