package validation

import (
	"fmt"

	"github.com/SixtySecondsApp/cadence/pkg/schema"
)

// Validator checks sequence definitions for correctness before they are
// registered or executed. Structural validation uses JSON Schema Draft
// 2020-12; semantic checks cover what the schema cannot express.
type Validator interface {
	ValidateDefinition(def *schema.SequenceDefinition) error
	ValidateInput(input map[string]any, inputSchema []byte) error
}

// Issue is one finding at a JSON-path-like location.
type Issue struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s", i.Path, i.Message)
}

// Result aggregates findings from one validation pass. Warnings do not make
// a definition invalid.
type Result struct {
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Valid reports whether the definition passed without errors.
func (r *Result) Valid() bool { return len(r.Errors) == 0 }

func (r *Result) addError(path, message string) {
	r.Errors = append(r.Errors, Issue{Path: path, Code: schema.ErrCodeValidation, Message: message})
}

func (r *Result) addWarning(path, message string) {
	r.Warnings = append(r.Warnings, Issue{Path: path, Code: schema.ErrCodeValidation, Message: message})
}

// Err collapses the result into a single error, nil when valid.
func (r *Result) Err() error {
	if r.Valid() {
		return nil
	}
	violations := make([]string, len(r.Errors))
	for i, issue := range r.Errors {
		violations[i] = issue.String()
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}
