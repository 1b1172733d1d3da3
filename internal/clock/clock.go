// Package clock provides the time source used by the offer model.
//
// All timestamps in the system are integer UTC milliseconds. Clocks are
// monotonic by call: a later call to Now never returns a smaller value,
// even if the underlying time source moves backwards.
package clock

import (
	"sync"
	"time"
)

// Clock supplies the current time as UTC milliseconds.
type Clock interface {
	Now() int64
}

// SystemClock reads the wall clock, clamped to the maximum value it has
// already returned.
type SystemClock struct {
	mu   sync.Mutex
	last int64
}

// NewSystemClock returns a wall-clock backed Clock.
func NewSystemClock() *SystemClock {
	return &SystemClock{}
}

// Now returns the current UTC time in milliseconds.
func (c *SystemClock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now().UnixMilli()
	if now < c.last {
		return c.last
	}
	c.last = now
	return now
}

// FakeClock is a settable clock for tests. It honors the same
// monotonic-by-call contract as SystemClock.
type FakeClock struct {
	mu   sync.Mutex
	now  int64
	last int64
}

// NewFakeClock returns a FakeClock whose current time is startUTC.
func NewFakeClock(startUTC int64) *FakeClock {
	return &FakeClock{now: startUTC}
}

// Now returns the fake time in milliseconds.
func (c *FakeClock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.now < c.last {
		return c.last
	}
	c.last = c.now
	return c.now
}

// SetTime moves the clock to t. Setting a time earlier than a value Now
// has already returned leaves the observable time unchanged.
func (c *FakeClock) SetTime(t int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += d.Milliseconds()
}

var _ Clock = (*SystemClock)(nil)
var _ Clock = (*FakeClock)(nil)
