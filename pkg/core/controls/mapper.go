package controls

import (
	"math"
	"sort"
)

// Deadzone is the magnitude below which any bipolar value maps to the
// family's neutral point.
const Deadzone = 0.05

// ClampBipolar limits x to [-1, 1]. NaN maps to 0.
func ClampBipolar(x float64) float64 {
	if math.IsNaN(x) {
		return 0
	}
	return math.Max(-1, math.Min(1, x))
}

// MapTarget converts a bipolar value for the named target into the
// normalized [0, 1] range expected by the parameter surface.
func MapTarget(name string, value float64) (float64, error) {
	fam, err := FamilyOf(name)
	if err != nil {
		return 0, err
	}

	x := ClampBipolar(value)
	if math.Abs(x) < Deadzone {
		if fam == FamilySymmetric {
			return 0.5, nil
		}
		return 0, nil
	}

	if fam == FamilyOneSided {
		if x < 0 {
			return 0, nil
		}
		return math.Min(1, x), nil
	}
	return (x + 1) / 2, nil
}

// MapBatch applies MapTarget independently to every entry. Names are checked
// in sorted order so the reported UnknownTargetError is deterministic.
func MapBatch(values map[string]float64) (map[string]float64, error) {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]float64, len(values))
	for _, name := range names {
		normalized, err := MapTarget(name, values[name])
		if err != nil {
			return nil, err
		}
		out[name] = normalized
	}
	return out, nil
}
