package controls

import (
	"sync"
	"time"
)

// Decay turns sparse control updates into a continuous signal: values are
// held verbatim for Hold after the last update, then ramp linearly to 0 over
// Ramp.
type Decay struct {
	Hold time.Duration
	Ramp time.Duration
}

// SnapshotAt evaluates the decay function. It is pure: the result depends
// only on the arguments. hasUpdate reports whether any update ever happened;
// without one the result is empty.
func (d Decay) SnapshotAt(last map[string]float64, lastAt time.Time, hasUpdate bool, now time.Time) map[string]float64 {
	if !hasUpdate || len(last) == 0 {
		return map[string]float64{}
	}

	elapsed := now.Sub(lastAt)
	if elapsed <= d.Hold {
		out := make(map[string]float64, len(last))
		for k, v := range last {
			out[k] = v
		}
		return out
	}

	alpha := 1.0
	if d.Ramp > 0 {
		alpha = float64(elapsed-d.Hold) / float64(d.Ramp)
		if alpha < 0 {
			alpha = 0
		}
		if alpha > 1 {
			alpha = 1
		}
	}

	out := make(map[string]float64, len(targetOrder))
	for _, name := range targetOrder {
		out[name] = last[name] * (1 - alpha)
	}
	return out
}

// State hosts the last validated control values. Commit is called by the
// tool-call handler; SnapshotAt is the non-blocking read used by pollers.
// Reads always return a fresh copy.
type State struct {
	decay Decay

	mu        sync.RWMutex
	last      map[string]float64
	lastAt    time.Time
	hasUpdate bool
}

// NewState returns an empty control state using the given decay timings.
func NewState(decay Decay) *State {
	return &State{decay: decay, last: make(map[string]float64)}
}

// Commit merges values into the held controls (last write wins per key; keys
// absent from values keep their previous value) and refreshes the update
// instant.
func (s *State) Commit(values map[string]float64, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range values {
		s.last[k] = v
	}
	s.lastAt = at
	s.hasUpdate = true
}

// SnapshotAt evaluates the decay function against the held controls.
func (s *State) SnapshotAt(now time.Time) map[string]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.decay.SnapshotAt(s.last, s.lastAt, s.hasUpdate, now)
}

// Last returns a copy of the held controls and the last update instant.
func (s *State) Last() (map[string]float64, time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]float64, len(s.last))
	for k, v := range s.last {
		out[k] = v
	}
	return out, s.lastAt, s.hasUpdate
}
