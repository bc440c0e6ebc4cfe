// Package controls defines the fixed macro target vocabulary and the pure
// functions that shape control values: alias resolution, bipolar to
// normalized mapping, producer merging, and time-based decay.
package controls

import (
	"fmt"
	"sort"
	"strings"
)

// Canonical macro target names.
const (
	FilterMacro     = "filter_macro"
	BeatRepeatMacro = "beat_repeat_macro"
	ReverbMacro     = "reverb_macro"
	EQLowMacro      = "eq_low_macro"
)

// Family partitions targets by how a bipolar value maps onto the
// normalized parameter range.
type Family int

const (
	// FamilySymmetric spans both directions around a 0.5 center.
	FamilySymmetric Family = iota + 1
	// FamilyOneSided ignores negative input; neutral is 0.0.
	FamilyOneSided
)

func (f Family) String() string {
	switch f {
	case FamilySymmetric:
		return "symmetric"
	case FamilyOneSided:
		return "one_sided"
	default:
		return "unknown"
	}
}

var targetOrder = []string{FilterMacro, BeatRepeatMacro, ReverbMacro, EQLowMacro}

var targetFamilies = map[string]Family{
	FilterMacro:     FamilySymmetric,
	EQLowMacro:      FamilySymmetric,
	BeatRepeatMacro: FamilyOneSided,
	ReverbMacro:     FamilyOneSided,
}

var aliases = map[string]string{
	// filter
	"filter":        FilterMacro,
	"filter_cutoff": FilterMacro,
	// beat repeat
	"beat_repeat": BeatRepeatMacro,
	"beatrepeat":  BeatRepeatMacro,
	"repeat":      BeatRepeatMacro,
	"stutter":     BeatRepeatMacro,
	"glitch":      BeatRepeatMacro,
	"delay":       BeatRepeatMacro,
	// reverb
	"reverb": ReverbMacro,
	"room":   ReverbMacro,
	// low eq
	"eq_low": EQLowMacro,
	"low_eq": EQLowMacro,
	"bass":   EQLowMacro,
	"low":    EQLowMacro,
}

// Targets returns the fixed target names in declaration order.
func Targets() []string {
	out := make([]string, len(targetOrder))
	copy(out, targetOrder)
	return out
}

// IsTarget reports whether name is a canonical target.
func IsTarget(name string) bool {
	_, ok := targetFamilies[name]
	return ok
}

// FamilyOf returns the family of a canonical target.
func FamilyOf(name string) (Family, error) {
	fam, ok := targetFamilies[name]
	if !ok {
		return 0, newUnknownTargetError(name)
	}
	return fam, nil
}

// Canonical resolves a key through the alias table. Canonical names resolve
// to themselves. The second result is false when the key has no canonical
// target.
func Canonical(key string) (string, bool) {
	if IsTarget(key) {
		return key, true
	}
	if canonical, ok := aliases[key]; ok {
		return canonical, true
	}
	return "", false
}

// Aliases returns a copy of the alias table.
func Aliases() map[string]string {
	out := make(map[string]string, len(aliases))
	for k, v := range aliases {
		out[k] = v
	}
	return out
}

// UnknownTargetError is returned when a name outside the fixed target set is
// used. It indicates a configuration mismatch, not a transient condition.
type UnknownTargetError struct {
	Name  string
	Known []string
}

func newUnknownTargetError(name string) *UnknownTargetError {
	known := Targets()
	sort.Strings(known)
	return &UnknownTargetError{Name: name, Known: known}
}

func (e *UnknownTargetError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("unknown target %q (known targets: [%s])", e.Name, strings.Join(e.Known, ", "))
}
