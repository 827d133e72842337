// Package clock provides an injectable wall clock so that time-dependent
// behavior (TTL expiry, quota windows, snapshot staleness) can be driven
// deterministically in tests.
package clock

import (
	"sync"
	"time"
)

// Clock returns the current time
type Clock interface {
	Now() time.Time
}

// Real is a Clock backed by the system clock
type Real struct{}

// NewReal creates a system-clock implementation
func NewReal() Clock {
	return Real{}
}

// Now returns the current system time
func (Real) Now() time.Time {
	return time.Now()
}

// Manual is a Clock whose time only moves when told to. Safe for
// concurrent use.
type Manual struct {
	mu  sync.RWMutex
	now time.Time
}

// NewManual creates a manual clock starting at the given time
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now returns the manual clock's current time
func (m *Manual) Now() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.now
}

// Advance moves the clock forward by d
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

// Set moves the clock to an absolute time
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}
