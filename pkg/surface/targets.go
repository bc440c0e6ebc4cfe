// Package surface adapts normalized control values onto an external
// parameter surface: it resolves logical target names to device parameters,
// converts between normalized and absolute ranges, and smooths batch
// updates.
package surface

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/vango-go/vai-macro/pkg/core/controls"
)

// Target binds a logical control name to one device parameter.
type Target struct {
	Name           string  `yaml:"name" json:"name"`
	TrackIndex     int     `yaml:"track_index" json:"track_index"`
	DeviceIndex    int     `yaml:"device_index" json:"device_index"`
	ParameterIndex int     `yaml:"parameter_index" json:"parameter_index"`
	MinValue       float64 `yaml:"min_value" json:"min_value"`
	MaxValue       float64 `yaml:"max_value" json:"max_value"`
	Invert         bool    `yaml:"invert,omitempty" json:"invert,omitempty"`
}

var requiredFields = []string{"name", "track_index", "device_index", "parameter_index", "min_value", "max_value"}

// LoadTargets reads a targets file. The file is a list of target objects in
// JSON or YAML.
func LoadTargets(path string) ([]Target, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read targets file: %w", err)
	}
	targets, err := ParseTargets(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return targets, nil
}

func ParseTargets(data []byte) ([]Target, error) {
	var raw []map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("targets must be a list of objects: %w", err)
	}
	for i, item := range raw {
		var missing []string
		for _, field := range requiredFields {
			if _, ok := item[field]; !ok {
				missing = append(missing, field)
			}
		}
		if len(missing) > 0 {
			sort.Strings(missing)
			return nil, fmt.Errorf("target %d: missing required fields [%s]", i, strings.Join(missing, ", "))
		}
	}

	var targets []Target
	if err := yaml.Unmarshal(data, &targets); err != nil {
		return nil, fmt.Errorf("decode targets: %w", err)
	}
	if err := ValidateTargets(targets); err != nil {
		return nil, err
	}
	return targets, nil
}

// ValidateTargets checks per-entry ranges and name uniqueness.
func ValidateTargets(targets []Target) error {
	seen := make(map[string]bool, len(targets))
	for i, t := range targets {
		if strings.TrimSpace(t.Name) == "" {
			return fmt.Errorf("target %d: name must not be empty", i)
		}
		if seen[t.Name] {
			return fmt.Errorf("target %q: duplicate name", t.Name)
		}
		seen[t.Name] = true
		if t.TrackIndex < 0 || t.DeviceIndex < 0 || t.ParameterIndex < 0 {
			return fmt.Errorf("target %q: indices must be >= 0", t.Name)
		}
		if !(t.MinValue < t.MaxValue) {
			return fmt.Errorf("target %q: min_value must be < max_value", t.Name)
		}
	}
	return nil
}

// CheckMacroContract reports whether targets cover exactly the macro target
// set.
func CheckMacroContract(targets []Target) error {
	have := make(map[string]bool, len(targets))
	for _, t := range targets {
		have[t.Name] = true
	}
	var missing, extra []string
	for _, name := range controls.Targets() {
		if !have[name] {
			missing = append(missing, name)
		}
	}
	for _, t := range targets {
		if !controls.IsTarget(t.Name) {
			extra = append(extra, t.Name)
		}
	}
	if len(missing) == 0 && len(extra) == 0 {
		return nil
	}
	sort.Strings(missing)
	sort.Strings(extra)
	return fmt.Errorf("targets do not match macro set: missing [%s], unexpected [%s]",
		strings.Join(missing, ", "), strings.Join(extra, ", "))
}

// NormalizedToAbsolute maps n in [0, 1] onto the target's parameter range.
func NormalizedToAbsolute(t Target, n float64) float64 {
	n = clampUnit(n)
	if t.Invert {
		n = 1 - n
	}
	return t.MinValue + (t.MaxValue-t.MinValue)*n
}

// AbsoluteToNormalized is the inverse of NormalizedToAbsolute. A degenerate
// range maps to 0.
func AbsoluteToNormalized(t Target, abs float64) float64 {
	if t.MaxValue == t.MinValue {
		return 0
	}
	n := clampUnit((abs - t.MinValue) / (t.MaxValue - t.MinValue))
	if t.Invert {
		n = 1 - n
	}
	return n
}

func clampUnit(v float64) float64 {
	if v != v {
		return 0
	}
	return max(0, min(1, v))
}

// DefaultTargets binds every macro target to a unit-range parameter on track
// 0, device 0. Dry runs use it when no targets file exists.
func DefaultTargets() []Target {
	names := controls.Targets()
	out := make([]Target, 0, len(names))
	for i, name := range names {
		out = append(out, Target{Name: name, ParameterIndex: i + 1, MinValue: 0, MaxValue: 1})
	}
	return out
}
