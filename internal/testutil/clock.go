package testutil

import (
	"sync"
	"time"
)

// Epoch is the fixed start time used by deterministic tests.
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// DeterministicClock is a thread-safe fake wall clock for tests.
//
// Each call to Now returns the current time and advances it by Step, so a
// scenario run twice observes identical timestamps.
type DeterministicClock struct {
	mu   sync.Mutex
	now  time.Time
	Step time.Duration
}

// NewDeterministicClock creates a clock starting at Epoch with a one
// second step.
func NewDeterministicClock() *DeterministicClock {
	return &DeterministicClock{now: Epoch, Step: time.Second}
}

// Now returns the current time and advances the clock by Step.
func (c *DeterministicClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.Step)
	return t
}

// Current returns the current time without advancing.
func (c *DeterministicClock) Current() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Reset rewinds the clock to Epoch.
func (c *DeterministicClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = Epoch
}
