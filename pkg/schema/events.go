package schema

import "fmt"

// Event type constants for the execution event log.
const (
	EventExecutionStarted   = "execution_started"
	EventExecutionCompleted = "execution_completed"
	EventExecutionFailed    = "execution_failed"
	EventExecutionCancelled = "execution_cancelled"
	EventExecutionWaiting   = "execution_waiting_hitl"
	EventExecutionResumed   = "execution_resumed"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepSkipped   = "step_skipped"

	EventHITLRequested = "hitl_requested"
	EventHITLResolved  = "hitl_resolved"
	EventHITLExpired   = "hitl_expired"
)

// ExecutionStatus represents the lifecycle state of a sequence execution.
type ExecutionStatus string

const (
	ExecutionPending     ExecutionStatus = "pending"
	ExecutionRunning     ExecutionStatus = "running"
	ExecutionWaitingHITL ExecutionStatus = "waiting_hitl"
	ExecutionCompleted   ExecutionStatus = "completed"
	ExecutionFailed      ExecutionStatus = "failed"
	ExecutionCancelled   ExecutionStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	}
	return false
}

// StepStatus represents the lifecycle state of a step within an execution.
type StepStatus string

const (
	StepPending     StepStatus = "pending"
	StepRunning     StepStatus = "running"
	StepCompleted   StepStatus = "completed"
	StepFailed      StepStatus = "failed"
	StepSkipped     StepStatus = "skipped"
	StepWaitingHITL StepStatus = "waiting_hitl"
)

func trimmed(s string) string {
	start, end := 0, len(s)
	for start < end && (s[start] == ' ' || s[start] == '\t') {
		start++
	}
	for end > start && (s[end-1] == ' ' || s[end-1] == '\t') {
		end--
	}
	return s[start:end]
}

func fallbackStepKey(order int) string {
	return fmt.Sprintf("step_%d", order)
}
