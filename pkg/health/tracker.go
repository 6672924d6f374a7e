// Package health tracks consecutive send failures and exposes a two-state
// machine over them.
package health

import "sync"

// State is the aggregate health signal over recent send outcomes.
type State int

const (
	Healthy State = iota
	Unhealthy
)

func (s State) String() string {
	if s == Unhealthy {
		return "unhealthy"
	}
	return "healthy"
}

// DefaultThreshold is the number of consecutive failures that flips the
// tracker to Unhealthy.
const DefaultThreshold = 5

// Tracker is safe for concurrent use. Both record methods report whether the
// state changed, so the caller can emit exactly one event per transition.
type Tracker struct {
	mu         sync.Mutex
	threshold  int
	suggestion string
	failures   int
	state      State
}

// NewTracker builds a tracker. A non-positive threshold falls back to
// DefaultThreshold. The suggestion is a static configuration-level hint
// attached to the Unhealthy state.
func NewTracker(threshold int, suggestion string) *Tracker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Tracker{threshold: threshold, suggestion: suggestion}
}

// RecordSuccess resets the failure counter and transitions to Healthy.
func (t *Tracker) RecordSuccess() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures = 0
	if t.state != Healthy {
		t.state = Healthy
		return true
	}
	return false
}

// RecordFailure increments the consecutive-failure counter; at the threshold
// the tracker transitions to Unhealthy.
func (t *Tracker) RecordFailure() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures++
	if t.failures >= t.threshold && t.state != Unhealthy {
		t.state = Unhealthy
		return true
	}
	return false
}

// State returns the current state and, when Unhealthy, the configured
// suggestion.
func (t *Tracker) State() (State, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == Unhealthy {
		return t.state, t.suggestion
	}
	return t.state, ""
}

// Failures returns the current consecutive-failure count.
func (t *Tracker) Failures() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failures
}
