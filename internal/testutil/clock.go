// Package testutil holds deterministic time and identity sources shared by
// tests and the scenario harness.
package testutil

import (
	"sync"
	"time"
)

// Epoch is the default start of a Clock: 2024-01-01T00:00:00Z.
var Epoch = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

// Clock is a stepping wall clock for tests.
//
// Every call to Now returns the previous reading plus Step, so commit
// timestamps written through it are reproducible across runs.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type Clock struct {
	mu    sync.Mutex
	start time.Time
	step  time.Duration
	n     int64
}

// NewClock creates a clock whose first reading is start.
//
// A zero step freezes the clock at start.
func NewClock(start time.Time, step time.Duration) *Clock {
	return &Clock{start: start, step: step}
}

// Now returns the next reading. Suitable for store.WithClock.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.start.Add(time.Duration(c.n) * c.step)
	c.n++
	return t
}

// Readings reports how many times Now has been called.
func (c *Clock) Readings() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// Reset rewinds the clock so the next reading is start again.
func (c *Clock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n = 0
}
