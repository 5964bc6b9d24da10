package schema

import "time"

// StepResult is the uniform record produced for every step run, mock or
// live, success or failure. Exactly one of Output and Error is set.
type StepResult struct {
	StepIndex     int            `json:"step_index"`
	StepKey       string         `json:"step_key"`
	SkillKey      string         `json:"skill_key,omitempty"`
	Action        string         `json:"action,omitempty"`
	Status        StepStatus     `json:"status"`
	Input         map[string]any `json:"input,omitempty"`
	Output        map[string]any `json:"output,omitempty"`
	Error         string         `json:"error,omitempty"`
	StartedAt     time.Time      `json:"started_at"`
	CompletedAt   time.Time      `json:"completed_at"`
	DurationMs    int64          `json:"duration_ms"`
	HITLRequestID string         `json:"hitl_request_id,omitempty"`
}

// Failed reports whether the step ended in failure.
func (r *StepResult) Failed() bool {
	return r.Status == StepFailed
}
