// Package testutil holds shared test fakes.
package testutil

import (
	"sync"
	"time"
)

// Clock is a settable wall clock for tests that depend on elapsed time,
// such as lock staleness and scratch-directory aging.
//
// Thread-safety: all methods are safe for concurrent use.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock creates a clock frozen at the given instant.
func NewClock(now time.Time) *Clock {
	return &Clock{now: now}
}

// Now returns the current fake time. Pass the method value as a now-func to
// the code under test.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward (or backward, with a negative d).
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set jumps the clock to an absolute instant.
func (c *Clock) Set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}
