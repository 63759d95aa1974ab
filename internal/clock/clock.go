// Package clock abstracts wall time so health reports can be tested.
package clock

import (
	"sync"
	"time"
)

// Clock abstracts time operations for testability.
type Clock interface {
	Now() time.Time
}

// Real is a Clock backed by the system clock.
type Real struct{}

// Now returns the current time.
func (Real) Now() time.Time { return time.Now() }

// Mock is a Clock that only moves when advanced.
type Mock struct {
	mu sync.Mutex
	t  time.Time
}

// NewMock returns a Mock stopped at t.
func NewMock(t time.Time) *Mock { return &Mock{t: t} }

// Now returns the mocked time.
func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.t
}

// Advance moves the mocked time forward by d.
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.t = m.t.Add(d)
}

// Since returns the time elapsed on clk since t.
func Since(clk Clock, t time.Time) time.Duration { return clk.Now().Sub(t) }
