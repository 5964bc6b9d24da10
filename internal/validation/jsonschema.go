package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/SixtySecondsApp/cadence/internal/expressions"
	"github.com/SixtySecondsApp/cadence/pkg/schema"
)

// sequenceSchemaJSON is the JSON Schema for SequenceDefinition validation.
// Embedded as a constant to avoid filesystem dependencies.
const sequenceSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://cadence.dev/schemas/sequence.json",
  "type": "object",
  "required": ["sequence_key", "sequence_steps"],
  "properties": {
    "sequence_key": {
      "type": "string",
      "minLength": 1,
      "pattern": "^[a-z0-9][a-z0-9_-]*$"
    },
    "name": { "type": "string" },
    "sequence_steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "metadata": { "type": "object" }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["order"],
      "properties": {
        "order": {
          "type": "integer",
          "minimum": 1
        },
        "skill_key": { "type": "string" },
        "action": { "type": "string" },
        "input_mapping": { "type": "object" },
        "output_key": { "type": "string" },
        "on_failure": {
          "type": "string",
          "enum": ["stop", "continue"]
        },
        "condition": { "type": "string" },
        "hitl_before": { "$ref": "#/$defs/hitl" },
        "hitl_after": { "$ref": "#/$defs/hitl" }
      },
      "additionalProperties": false
    },
    "hitl": {
      "type": "object",
      "required": ["enabled"],
      "properties": {
        "enabled": { "type": "boolean" },
        "prompt": { "type": "string" },
        "options": {
          "type": "array",
          "items": { "type": "string" }
        },
        "default_value": { "type": "string" },
        "channels": {
          "type": "array",
          "items": { "type": "string", "enum": ["in_app", "slack"] }
        },
        "slack_channel_id": { "type": "string" },
        "timeout_minutes": {
          "type": "integer",
          "minimum": 1
        },
        "timeout_action": {
          "type": "string",
          "enum": ["fail", "continue_default", "cancel"]
        },
        "request_type": {
          "type": "string",
          "enum": ["approval", "choice", "free_text"]
        },
        "assigned_to_user_id": { "type": "string" }
      },
      "additionalProperties": false
    }
  }
}`

// SequenceValidator validates sequence definitions against the embedded JSON
// Schema plus semantic rules, and trigger input against per-sequence schemas.
type SequenceValidator struct {
	sequenceSchema *jsonschema.Schema
	cel            *expressions.CELEngine

	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewSequenceValidator creates a validator with the sequence schema pre-compiled.
func NewSequenceValidator() (*SequenceValidator, error) {
	c := newCompiler()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(sequenceSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal sequence schema: %w", err)
	}
	if err := c.AddResource("https://cadence.dev/schemas/sequence.json", doc); err != nil {
		return nil, fmt.Errorf("add sequence schema resource: %w", err)
	}

	compiled, err := c.Compile("https://cadence.dev/schemas/sequence.json")
	if err != nil {
		return nil, fmt.Errorf("compile sequence schema: %w", err)
	}

	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, fmt.Errorf("create condition checker: %w", err)
	}

	return &SequenceValidator{
		sequenceSchema: compiled,
		cel:            cel,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDefinition validates a definition structurally and semantically.
func (v *SequenceValidator) ValidateDefinition(def *schema.SequenceDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "sequence definition is nil")
	}

	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "serialize sequence definition").WithCause(err)
	}
	if err := v.sequenceSchema.Validate(doc); err != nil {
		return toCadenceError(err)
	}

	return validateSemantic(def, v.cel).Err()
}

// ValidateInput validates trigger input against a JSON Schema provided as raw
// bytes. The compiled schema is cached for subsequent calls.
func (v *SequenceValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	if input == nil {
		return schema.NewError(schema.ErrCodeValidation, "input is nil")
	}
	if len(inputSchema) == 0 {
		return nil
	}

	compiled, err := v.getOrCompile(inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}

	doc, err := toJSONValue(input)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "serialize input").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toCadenceError(err)
	}
	return nil
}

func (v *SequenceValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL to avoid compiler resource collisions.
	url := fmt.Sprintf("cadence://input-schema/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips a Go value through JSON encoding so numeric values
// become json.Number, which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toCadenceError converts a jsonschema.ValidationError into a CadenceError
// with one message per leaf violation.
func toCadenceError(err error) *schema.CadenceError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf messages
// with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
