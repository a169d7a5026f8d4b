// Package clock implements a Lamport logical clock that is safe for concurrent use.
package clock

import (
	"math"
	"sync"
)

// Time is a Lamport timestamp.
type Time uint64

// MaxTime is the largest timestamp a clock accepts from a remote process.
// Above it a clock could wrap around.
const MaxTime Time = math.MaxInt64

// A Lamport clock.
//
// Every call to Tick or Observe returns a value that is strictly greater than every value previously returned or observed by the clock.
// The zero value is a clock at time 0 and is ready for use.
type Clock struct {
	mu   sync.Mutex
	time Time
}

// Create a new clock starting at time 0
func New() *Clock {
	return &Clock{}
}

// Increment the clock by one and return the new time.
//
// Should be called before every local event, e.g. sending a message.
func (c *Clock) Tick() Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.time++
	return c.time
}

// Merge a remote timestamp into the clock.
//
// Sets the clock to max(local, remote) + 1 and returns the new time.
// Must be called for every received message before it is processed.
// Remote times above MaxTime must be rejected by the caller.
func (c *Clock) Observe(remote Time) Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if remote > c.time {
		c.time = remote
	}
	c.time++
	return c.time
}

// Return the current time without advancing the clock
func (c *Clock) Current() Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.time
}
