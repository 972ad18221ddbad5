// Package transfer tracks outbound upload throughput and estimates the time
// remaining from successive byte-progress samples.
package transfer

import (
	"math"
	"sync"
	"time"
)

const minElapsed = time.Millisecond

// State is the tracker's view of the current upload attempt.
type State struct {
	BytesSent        int64
	BytesTotal       int64
	LastBytes        int64
	LastTimestamp    time.Time
	SpeedBytesPerSec float64
	// ETASeconds is nil until a speed has been measured.
	ETASeconds *int64
}

// Percent returns the share of bytes sent as a rounded percentage, or 0 when
// the total is unknown.
func (s State) Percent() int {
	if s.BytesTotal <= 0 {
		return 0
	}
	p := math.Round(float64(s.BytesSent) / float64(s.BytesTotal) * 100)
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return int(p)
	}
}

// Tracker accumulates transfer samples. It is safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	state   State
	started bool
}

// New returns an empty Tracker.
func New() *Tracker {
	return &Tracker{}
}

// Observe records a cumulative (sent, total) sample taken at the given time.
// Speed is only replaced by a finite positive measurement, so stalled samples
// keep the previous speed and ETA.
func (t *Tracker) Observe(sent, total int64, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.state.BytesSent = sent
	t.state.BytesTotal = total
	if !t.started {
		t.started = true
		t.state.LastBytes = sent
		t.state.LastTimestamp = at
		return
	}

	delta := sent - t.state.LastBytes
	if delta <= 0 {
		return
	}
	elapsed := at.Sub(t.state.LastTimestamp)
	if elapsed < minElapsed {
		elapsed = minElapsed
	}
	speed := float64(delta) / elapsed.Seconds()
	if math.IsNaN(speed) || math.IsInf(speed, 0) || speed <= 0 {
		return
	}
	t.state.SpeedBytesPerSec = speed
	t.state.LastBytes = sent
	t.state.LastTimestamp = at

	if total > 0 {
		remaining := float64(total - sent)
		eta := int64(math.Max(0, math.Round(remaining/speed)))
		t.state.ETASeconds = &eta
	}
}

// Reset clears all state ahead of a new upload attempt.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = State{}
	t.started = false
}

// State returns a copy of the current state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.state
	if t.state.ETASeconds != nil {
		eta := *t.state.ETASeconds
		out.ETASeconds = &eta
	}
	return out
}
