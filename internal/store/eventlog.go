package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// EventLog provides typed, append-only timeline operations on top of a Store.
// Per-execution sequences are monotonic; consumers order by sequence, never
// by timestamp.
type EventLog struct {
	store  Store
	logger *slog.Logger
}

// NewEventLog wraps a Store to provide timeline operations.
func NewEventLog(s Store, logger *slog.Logger) *EventLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventLog{store: s, logger: logger}
}

// Record appends one event. payload may be nil or any JSON-encodable value.
func (el *EventLog) Record(ctx context.Context, executionID string, stepIndex *int, eventType string, payload any) error {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
		raw = b
	}
	return el.store.AppendEvent(ctx, &Event{
		ExecutionID: executionID,
		StepIndex:   stepIndex,
		Type:        eventType,
		Payload:     raw,
		Timestamp:   time.Now().UTC(),
	})
}

// RecordBestEffort appends an event and logs instead of propagating failures.
// Timeline writes never abort the execution they describe.
func (el *EventLog) RecordBestEffort(ctx context.Context, executionID string, stepIndex *int, eventType string, payload any) {
	if err := el.Record(ctx, executionID, stepIndex, eventType, payload); err != nil {
		el.logger.Warn("event append failed",
			slog.String("execution_id", executionID),
			slog.String("event_type", eventType),
			slog.String("error", err.Error()),
		)
	}
}

// Timeline returns the full ordered event history of an execution.
func (el *EventLog) Timeline(ctx context.Context, executionID string) ([]*Event, error) {
	return el.store.GetEvents(ctx, executionID, 0)
}

// Since returns events with sequence greater than the watermark, for
// incremental consumers resuming a dropped stream.
func (el *EventLog) Since(ctx context.Context, executionID string, watermark int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, executionID, watermark)
}
