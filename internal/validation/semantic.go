package validation

import (
	"fmt"

	"github.com/SixtySecondsApp/cadence/internal/expressions"
	"github.com/SixtySecondsApp/cadence/pkg/schema"
)

// validateSemantic performs the checks JSON Schema cannot express: order
// uniqueness and monotonicity, step addressability, HITL config coherence,
// and condition guards that actually compile.
func validateSemantic(def *schema.SequenceDefinition, cel *expressions.CELEngine) *Result {
	result := &Result{}

	lastOrder := 0
	seenOrders := make(map[int]int, len(def.Steps))
	for i, step := range def.Steps {
		path := fmt.Sprintf("sequence_steps[%d]", i)

		if prev, dup := seenOrders[step.Order]; dup {
			result.addError(path+".order",
				fmt.Sprintf("order %d already used by sequence_steps[%d]", step.Order, prev))
		} else {
			seenOrders[step.Order] = i
		}
		if step.Order <= lastOrder {
			result.addError(path+".order",
				fmt.Sprintf("order %d is not greater than preceding order %d", step.Order, lastOrder))
		}
		lastOrder = step.Order

		if step.SkillKey == "" && step.Action == "" {
			result.addError(path, "step needs at least one of skill_key or action")
		}
		if step.SkillKey != "" && step.Action != "" {
			result.addWarning(path, "both skill_key and action set; skill_key takes precedence in live runs")
		}

		if step.Condition != "" && cel != nil {
			if err := cel.Check(step.Condition); err != nil {
				result.addError(path+".condition", schema.CoerceMessage(err))
			}
		}

		validateHITLSemantic(step.HITLBefore, path+".hitl_before", result)
		validateHITLSemantic(step.HITLAfter, path+".hitl_after", result)
	}

	return result
}

func validateHITLSemantic(cfg *schema.HITLConfig, path string, result *Result) {
	if cfg == nil || !cfg.Enabled {
		return
	}

	if cfg.Prompt == "" {
		result.addWarning(path+".prompt", "enabled gate has no prompt; a generic one will be shown")
	}
	if cfg.TimeoutAction == schema.HITLTimeoutContinueDefault && cfg.DefaultValue == "" {
		result.addError(path+".timeout_action",
			"continue_default requires a default_value to continue with")
	}
	for _, ch := range cfg.Channels {
		if ch == schema.HITLChannelSlack && cfg.SlackChannelID == "" {
			result.addWarning(path+".slack_channel_id",
				"slack channel requested without a slack_channel_id; notification will be dropped")
		}
	}
}
