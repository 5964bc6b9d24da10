package store

import "context"

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Executions
	CreateExecution(ctx context.Context, exec *SequenceExecution) error
	GetExecution(ctx context.Context, id string) (*SequenceExecution, error)
	UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*SequenceExecution, error)
	DeleteExecution(ctx context.Context, id string) error

	// Event log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error)
	GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error)

	// HITL requests
	CreateHITLRequest(ctx context.Context, req *HITLRequest) error
	GetHITLRequest(ctx context.Context, id string) (*HITLRequest, error)
	ResolveHITLRequest(ctx context.Context, id string, response, responseContext []byte) error
	MarkHITLRequest(ctx context.Context, id, status string) error
	ListHITLRequests(ctx context.Context, filter HITLFilter) ([]*HITLRequest, error)

	// Sequence registry
	UpsertSequence(ctx context.Context, rec *SequenceRecord) error
	GetSequence(ctx context.Context, key string) (*SequenceRecord, error)
	ListSequences(ctx context.Context) ([]*SequenceRecord, error)
	DeleteSequence(ctx context.Context, key string) error

	// Scheduled runs
	CreateScheduledRun(ctx context.Context, run *ScheduledRun) error
	GetScheduledRun(ctx context.Context, id string) (*ScheduledRun, error)
	UpdateScheduledRun(ctx context.Context, id string, update ScheduledRunUpdate) error
	ListScheduledRuns(ctx context.Context, filter ScheduledRunFilter) ([]*ScheduledRun, error)
	DeleteScheduledRun(ctx context.Context, id string) error

	// Copilot conversations
	SaveChatMessage(ctx context.Context, msg *ChatMessage) error
	ListChatMessages(ctx context.Context, conversationID string, limit int) ([]*ChatMessage, error)
	ClearConversation(ctx context.Context, conversationID string) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
