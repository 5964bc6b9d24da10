package store

import (
	"encoding/json"
	"time"

	"github.com/SixtySecondsApp/cadence/pkg/schema"
)

// SequenceExecution is the persisted representation of a sequence run.
// Created once per execute call; status transitions are one-directional
// except waiting_hitl -> running on resume.
type SequenceExecution struct {
	ID              string                     `json:"id"`
	SequenceKey     string                     `json:"sequence_key"`
	OrganizationID  string                     `json:"organization_id"`
	UserID          string                     `json:"user_id,omitempty"`
	Status          schema.ExecutionStatus     `json:"status"`
	InputContext    map[string]any             `json:"input_context,omitempty"`
	IsSimulation    bool                       `json:"is_simulation"`
	Definition      *schema.SequenceDefinition `json:"definition,omitempty"`
	DisableHITLSkip bool                       `json:"disable_hitl_skip,omitempty"`
	MockDataUsed    json.RawMessage            `json:"mock_data_used,omitempty"`
	StepResults     []schema.StepResult        `json:"step_results"`
	FinalOutput     json.RawMessage            `json:"final_output,omitempty"`
	ErrorMessage    string                     `json:"error_message,omitempty"`
	FailedStepIndex *int                       `json:"failed_step_index,omitempty"`
	HITLRequestID   string                     `json:"hitl_request_id,omitempty"`
	CreatedAt       time.Time                  `json:"created_at"`
	StartedAt       *time.Time                 `json:"started_at,omitempty"`
	CompletedAt     *time.Time                 `json:"completed_at,omitempty"`
	UpdatedAt       time.Time                  `json:"updated_at"`
}

// HITLRequest is a persisted human-in-the-loop approval request.
type HITLRequest struct {
	ID               string          `json:"id"`
	ExecutionID      string          `json:"execution_id"`
	StepIndex        int             `json:"step_index"`
	Position         string          `json:"position"` // before | after
	OrganizationID   string          `json:"organization_id,omitempty"`
	Prompt           string          `json:"prompt"`
	Options          []string        `json:"options,omitempty"`
	DefaultValue     string          `json:"default_value,omitempty"`
	Channels         []string        `json:"channels,omitempty"`
	SlackChannelID   string          `json:"slack_channel_id,omitempty"`
	RequestType      string          `json:"request_type,omitempty"`
	AssignedToUserID string          `json:"assigned_to_user_id,omitempty"`
	TimeoutAction    string          `json:"timeout_action,omitempty"`
	Status           string          `json:"status"` // pending | resolved | expired | cancelled
	Response         json.RawMessage `json:"response,omitempty"`
	ResponseContext  json.RawMessage `json:"response_context,omitempty"`
	ExpiresAt        *time.Time      `json:"expires_at,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	ResolvedAt       *time.Time      `json:"resolved_at,omitempty"`
}

// HITL request status values.
const (
	HITLPending   = "pending"
	HITLResolved  = "resolved"
	HITLExpired   = "expired"
	HITLCancelled = "cancelled"
)

// SequenceRecord is a registered sequence definition.
type SequenceRecord struct {
	Key        string                     `json:"key"`
	Name       string                     `json:"name,omitempty"`
	Definition schema.SequenceDefinition  `json:"definition"`
	Enabled    bool                       `json:"enabled"`
	CreatedAt  time.Time                  `json:"created_at"`
	UpdatedAt  time.Time                  `json:"updated_at"`
}

// ScheduledRun is a cron-triggered sequence execution.
type ScheduledRun struct {
	ID             string          `json:"id"`
	SequenceKey    string          `json:"sequence_key"`
	CronExpression string          `json:"cron_expression"`
	TriggerContext json.RawMessage `json:"trigger_context,omitempty"`
	OrganizationID string          `json:"organization_id"`
	UserID         string          `json:"user_id,omitempty"`
	IsSimulation   bool            `json:"is_simulation"`
	Enabled        bool            `json:"enabled"`
	LastRunAt      *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time      `json:"next_run_at,omitempty"`
	LastRunStatus  string          `json:"last_run_status,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Event is an immutable entry in the execution event log.
type Event struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id"`
	StepIndex   *int            `json:"step_index,omitempty"`
	Type        string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}

// ChatMessage is a persisted copilot conversation message.
type ChatMessage struct {
	ID                 string          `json:"id"`
	ConversationID     string          `json:"conversation_id"`
	Role               string          `json:"role"` // user | assistant
	Content            string          `json:"content"`
	ToolCalls          json.RawMessage `json:"tool_calls,omitempty"`
	StructuredResponse json.RawMessage `json:"structured_response,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
}

// --- Filter and update types ---

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	Status         *schema.ExecutionStatus `json:"status,omitempty"`
	OrganizationID string                  `json:"organization_id,omitempty"`
	SequenceKey    string                  `json:"sequence_key,omitempty"`
	Since          *time.Time              `json:"since,omitempty"`
	Limit          int                     `json:"limit,omitempty"`
	Offset         int                     `json:"offset,omitempty"`
}

// ExecutionUpdate specifies mutable fields of an execution.
type ExecutionUpdate struct {
	Status          *schema.ExecutionStatus `json:"status,omitempty"`
	StepResults     []schema.StepResult     `json:"step_results,omitempty"`
	FinalOutput     json.RawMessage         `json:"final_output,omitempty"`
	ErrorMessage    *string                 `json:"error_message,omitempty"`
	FailedStepIndex *int                    `json:"failed_step_index,omitempty"`
	HITLRequestID   *string                 `json:"hitl_request_id,omitempty"`
	MockDataUsed    json.RawMessage         `json:"mock_data_used,omitempty"`
	StartedAt       *time.Time              `json:"started_at,omitempty"`
	CompletedAt     *time.Time              `json:"completed_at,omitempty"`
}

// HITLFilter specifies criteria for listing approval requests.
type HITLFilter struct {
	ExecutionID   string     `json:"execution_id,omitempty"`
	Status        string     `json:"status,omitempty"`
	ExpiresBefore *time.Time `json:"expires_before,omitempty"`
	Limit         int        `json:"limit,omitempty"`
}

// EventFilter specifies criteria for listing events.
type EventFilter struct {
	ExecutionID string     `json:"execution_id,omitempty"`
	EventType   string     `json:"event_type,omitempty"`
	Since       *time.Time `json:"since,omitempty"`
	Limit       int        `json:"limit,omitempty"`
}

// ScheduledRunUpdate specifies mutable fields of a scheduled run.
type ScheduledRunUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// ScheduledRunFilter specifies criteria for listing scheduled runs.
type ScheduledRunFilter struct {
	Enabled        *bool  `json:"enabled,omitempty"`
	OrganizationID string `json:"organization_id,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}
