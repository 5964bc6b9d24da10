package schema

// SequenceDefinition is the JSON-serializable sequence format.
// Sequences are ordered step templates owned by configuration storage;
// the engine treats them as read-only during a run.
type SequenceDefinition struct {
	SequenceKey string         `json:"sequence_key"`
	Name        string         `json:"name,omitempty"`
	Steps       []SequenceStep `json:"sequence_steps"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// SequenceStep describes one ordered unit of a sequence.
// Exactly one of SkillKey or Action is meaningful; when both are absent
// the step is addressed as "step_{order}".
type SequenceStep struct {
	Order        int            `json:"order"`                   // 1-based position, unique and monotonic
	SkillKey     string         `json:"skill_key,omitempty"`     // named reusable capability
	Action       string         `json:"action,omitempty"`        // free-form capability identifier
	InputMapping map[string]any `json:"input_mapping,omitempty"` // target field -> ${path} ref, jq:/expr: transform, or literal
	OutputKey    string         `json:"output_key,omitempty"`    // context key the step output is merged under
	OnFailure    FailurePolicy  `json:"on_failure,omitempty"`    // stop | continue (default: stop)
	Condition    string         `json:"condition,omitempty"`     // CEL guard, evaluated before execution
	HITLBefore   *HITLConfig    `json:"hitl_before,omitempty"`
	HITLAfter    *HITLConfig    `json:"hitl_after,omitempty"`
}

// FailurePolicy controls how the orchestrator reacts to a failed step.
type FailurePolicy string

const (
	FailureStop     FailurePolicy = "stop"
	FailureContinue FailurePolicy = "continue"
)

// HITLConfig attaches a human-in-the-loop gate to a step.
type HITLConfig struct {
	Enabled          bool     `json:"enabled"`
	Prompt           string   `json:"prompt"` // template; ${path} tokens resolved against the accumulated context
	Options          []string `json:"options,omitempty"`
	DefaultValue     string   `json:"default_value,omitempty"`
	Channels         []string `json:"channels,omitempty"` // e.g. "in_app", "slack"
	SlackChannelID   string   `json:"slack_channel_id,omitempty"`
	TimeoutMinutes   int      `json:"timeout_minutes,omitempty"`
	TimeoutAction    string   `json:"timeout_action,omitempty"` // fail | continue_default | cancel
	RequestType      string   `json:"request_type,omitempty"`   // approval | choice | free_text
	AssignedToUserID string   `json:"assigned_to_user_id,omitempty"`
}

// HITL timeout actions applied by the scheduler when a request expires.
const (
	HITLTimeoutFail            = "fail"
	HITLTimeoutContinueDefault = "continue_default"
	HITLTimeoutCancel          = "cancel"
)

// HITLChannelSlack is the channel name that triggers a Slack notification.
const HITLChannelSlack = "slack"

// StepKey returns the canonical identifier for a step: trimmed skill key,
// else trimmed action, else "step_{order}".
func (s *SequenceStep) StepKey() string {
	if k := trimmed(s.SkillKey); k != "" {
		return k
	}
	if a := trimmed(s.Action); a != "" {
		return a
	}
	return fallbackStepKey(s.Order)
}

// ContextKey returns the key a step's output is merged under:
// output_key, else the canonical step key.
func (s *SequenceStep) ContextKey() string {
	if k := trimmed(s.OutputKey); k != "" {
		return k
	}
	return s.StepKey()
}
