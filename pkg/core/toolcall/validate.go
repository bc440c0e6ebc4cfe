package toolcall

import (
	"encoding/json"
	"math"
	"sort"
	"strings"

	"github.com/vango-go/vai-macro/pkg/core/controls"
)

// FunctionName is the single control-setting function advertised to the
// backend.
const FunctionName = "set_macro_controls"

// Error code prefixes. Codes that name a field append ":<canonical>".
const (
	CodeUnsupportedFunction = "unsupported_function"
	CodeObjectRequired      = "invalid_args:object_required"
	CodeEmptyPayload        = "invalid_args:empty_payload"
	CodeNotNumber           = "invalid_args:not_number"
	CodeOutOfRange          = "invalid_args:out_of_range"
	CodeUnknownFields       = "invalid_args:unknown_fields"
)

// ValidationError carries the stable code reported back to the backend.
type ValidationError struct {
	Code string
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ""
	}
	return e.Code
}

func invalid(code string, detail ...string) *ValidationError {
	if len(detail) == 0 {
		return &ValidationError{Code: code}
	}
	return &ValidationError{Code: code + ":" + strings.Join(detail, ",")}
}

// Validate checks a reassembled call's arguments and returns the accepted
// values keyed by canonical target name. Keys are visited in sorted order so
// the first reported failure is deterministic. When a canonical key and one
// of its aliases both appear, the canonical key wins.
func Validate(name string, args any) (map[string]float64, error) {
	if name != FunctionName {
		return map[string]float64{}, invalid(CodeUnsupportedFunction, name)
	}

	obj, ok := args.(map[string]any)
	if !ok || obj == nil {
		return map[string]float64{}, invalid(CodeObjectRequired)
	}
	if len(obj) == 0 {
		return map[string]float64{}, invalid(CodeEmptyPayload)
	}

	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	accepted := make(map[string]float64, len(obj))
	exact := make(map[string]bool, len(obj))
	var unknown []string
	for _, key := range keys {
		canonical, ok := controls.Canonical(key)
		if !ok {
			unknown = append(unknown, key)
			continue
		}
		value, ok := toFloat(obj[key])
		if !ok {
			return map[string]float64{}, invalid(CodeNotNumber, canonical)
		}
		if math.IsNaN(value) || value < -1 || value > 1 {
			return map[string]float64{}, invalid(CodeOutOfRange, canonical)
		}
		if exact[canonical] {
			continue
		}
		accepted[canonical] = value
		if key == canonical {
			exact[canonical] = true
		}
	}

	if len(accepted) == 0 {
		return map[string]float64{}, invalid(CodeUnknownFields, unknown...)
	}
	return accepted, nil
}

// toFloat accepts Go numeric kinds and json.Number. Strings and booleans are
// not numbers even when they look like one.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
