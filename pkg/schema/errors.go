package schema

import (
	"encoding/json"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation    = "VALIDATION_ERROR"
	ErrCodeExecution     = "EXECUTION_ERROR"
	ErrCodePrecondition  = "PRECONDITION_FAILED"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeStepFailed    = "STEP_FAILED"
	ErrCodeCancelled     = "CANCELLED"
	ErrCodeTimeout       = "TIMEOUT_ERROR"
	ErrCodeUnsupported   = "UNSUPPORTED_OPERATION"
	ErrCodeStore         = "STORE_ERROR"
	ErrCodeTransport     = "TRANSPORT_ERROR"
	ErrCodeInterpolation = "INTERPOLATION_ERROR"
)

// CadenceError is the structured error type for all engine operations.
type CadenceError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	StepIndex int            `json:"step_index,omitempty"`
	hasStep   bool
	Cause     error `json:"-"`
}

func (e *CadenceError) Error() string {
	if e.hasStep {
		return fmt.Sprintf("[%s] step %d: %s", e.Code, e.StepIndex, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *CadenceError) Unwrap() error {
	return e.Cause
}

// NewError creates a new CadenceError.
func NewError(code, message string) *CadenceError {
	return &CadenceError{Code: code, Message: message}
}

// NewErrorf creates a new CadenceError with a formatted message.
func NewErrorf(code, format string, args ...any) *CadenceError {
	return &CadenceError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step index to the error.
func (e *CadenceError) WithStep(index int) *CadenceError {
	e.StepIndex = index
	e.hasStep = true
	return e
}

// WithCause attaches an underlying cause.
func (e *CadenceError) WithCause(err error) *CadenceError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *CadenceError) WithDetails(details map[string]any) *CadenceError {
	e.Details = details
	return e
}

// CoerceMessage flattens an arbitrary error payload into a human-readable,
// non-empty string. Remote endpoints report errors as plain strings, as
// objects with a "message" field, or as arbitrary JSON; UI state must never
// receive a raw object. Resolution order: string, .message, JSON encoding,
// fmt fallback.
func CoerceMessage(v any) string {
	switch val := v.(type) {
	case nil:
		return "unknown error"
	case string:
		if val == "" {
			return "unknown error"
		}
		return val
	case error:
		if msg := val.Error(); msg != "" {
			return msg
		}
		return "unknown error"
	case map[string]any:
		if msg, ok := val["message"].(string); ok && msg != "" {
			return msg
		}
	}

	// json.Marshal rejects circular and otherwise unencodable values; those
	// must not reach fmt, which would recurse on a cyclic map.
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("unserializable error of type %T", v)
	}
	if s := string(b); s != "" && s != "{}" && s != "null" {
		return s
	}

	s := fmt.Sprintf("%v", v)
	if s == "" || s == "map[]" {
		return "unknown error"
	}
	return s
}
