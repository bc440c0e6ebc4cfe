package toolcall

import "github.com/vango-go/vai-macro/pkg/core/controls"

const functionDescription = "Set one or more DJ macro controls in bipolar range [-1.0, 1.0]. 0.0 means neutral."

// Declaration describes the control-setting function independently of any
// backend SDK.
type Declaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// FunctionSchema returns the JSON schema for the function's parameters: an
// object whose properties are exactly the target set, each a number in
// [-1, 1], with no additional properties.
func FunctionSchema() map[string]any {
	targets := controls.Targets()
	properties := make(map[string]any, len(targets))
	for _, name := range targets {
		properties[name] = map[string]any{
			"type":    "number",
			"minimum": -1.0,
			"maximum": 1.0,
		}
	}
	return map[string]any{
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": false,
	}
}

// FunctionDeclaration is the single control function offered to the model.
func FunctionDeclaration() Declaration {
	return Declaration{
		Name:        FunctionName,
		Description: functionDescription,
		Parameters:  FunctionSchema(),
	}
}
