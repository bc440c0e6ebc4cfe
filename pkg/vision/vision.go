// Package vision is the local gesture control source. Gesture controls are
// bipolar values keyed by target name, merged with the inference agent's
// controls by the control loop.
package vision

import (
	"fmt"
	"sync"
	"time"

	"github.com/vango-go/vai-macro/pkg/core/controls"
)

// Poller is what the control loop reads gesture state through.
type Poller interface {
	Poll() controls.Snapshot
}

// Engine holds the most recent gesture controls. Until a producer calls Set,
// Poll reports an empty control set stamped with the construction time.
type Engine struct {
	now func() time.Time

	mu   sync.RWMutex
	last controls.Snapshot
}

func NewEngine(now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{
		now:  now,
		last: controls.Snapshot{Timestamp: now(), Controls: map[string]float64{}},
	}
}

// Poll returns a copy of the latest snapshot.
func (e *Engine) Poll() controls.Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]float64, len(e.last.Controls))
	for k, v := range e.last.Controls {
		out[k] = v
	}
	return controls.Snapshot{Timestamp: e.last.Timestamp, Controls: out}
}

// Set replaces the gesture controls. Keys may be aliases; every key must
// resolve to a target. Values are clamped to [-1, 1].
func (e *Engine) Set(values map[string]float64) error {
	next := make(map[string]float64, len(values))
	for k, v := range values {
		name, ok := controls.Canonical(k)
		if !ok {
			return fmt.Errorf("vision: %w", &controls.UnknownTargetError{Name: k, Known: controls.Targets()})
		}
		next[name] = controls.ClampBipolar(v)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.last = controls.Snapshot{Timestamp: e.now(), Controls: next}
	return nil
}

// Clear drops all gesture controls.
func (e *Engine) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.last = controls.Snapshot{Timestamp: e.now(), Controls: map[string]float64{}}
}
