// Package system provides the wall clock used outside of tests.
package system

import "time"

// Clock implements ingest.Clock on top of time.Now.
type Clock struct{}

// New creates a Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC. The monotonic reading is kept so
// durations between two calls stay accurate.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
