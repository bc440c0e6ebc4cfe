package controls

import (
	"fmt"
	"strings"
	"time"
)

// Snapshot is an immutable view of control values at a wall-clock instant.
type Snapshot struct {
	Timestamp time.Time
	Controls  map[string]float64
}

// MergePolicy names which producer wins when the inference agent and the
// gesture source both define the same target.
type MergePolicy string

const (
	// GestureOverrides keeps inference values as the base and lets gesture
	// values replace them per key.
	GestureOverrides MergePolicy = "gesture_overrides"
	// InferenceOverrides keeps gesture values as the base and lets inference
	// values replace them per key.
	InferenceOverrides MergePolicy = "inference_overrides"
)

// ParseMergePolicy accepts the policy names case-insensitively. An empty
// string selects GestureOverrides.
func ParseMergePolicy(s string) (MergePolicy, error) {
	switch MergePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", GestureOverrides:
		return GestureOverrides, nil
	case InferenceOverrides:
		return InferenceOverrides, nil
	default:
		return "", fmt.Errorf("merge policy must be one of %s|%s", GestureOverrides, InferenceOverrides)
	}
}

// Merge combines the two producers' controls according to policy into a new
// map. Neither input is modified.
func Merge(policy MergePolicy, inference, gesture map[string]float64) map[string]float64 {
	base, override := inference, gesture
	if policy == InferenceOverrides {
		base, override = gesture, inference
	}

	out := make(map[string]float64, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}
