// Package ratelimit provides a simple gate for recurring actions.
package ratelimit

import "time"

// Gate allows an action at most once per interval. Used to bound how
// often the live capture counter line is rewritten.
// Not safe for concurrent use.
type Gate struct {
	interval time.Duration
	next     time.Time
}

// NewGate creates a gate firing at most once per interval.
// If interval == 0, the gate is disabled and Allow never reports true.
func NewGate(interval time.Duration) *Gate {
	if interval == 0 {
		return nil
	}
	return &Gate{interval: interval}
}

// Allow reports whether the action may fire now and, if so, starts
// the next interval. Intervals are measured from the last allowed
// fire; there is no catching up after a quiet period.
func (g *Gate) Allow() bool {
	if g == nil {
		return false
	}
	now := time.Now()
	if now.Before(g.next) {
		return false
	}
	g.next = now.Add(g.interval)
	return true
}
