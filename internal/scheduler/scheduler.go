package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/SixtySecondsApp/cadence/internal/engine"
	"github.com/SixtySecondsApp/cadence/internal/store"
	"github.com/SixtySecondsApp/cadence/pkg/schema"
)

// SequenceRunner is the slice of the orchestrator the scheduler needs.
// Defined here so the scheduler does not depend on the concrete type.
type SequenceRunner interface {
	Execute(ctx context.Context, seq schema.SequenceDefinition, opts engine.ExecuteOptions) (*engine.ExecutionResult, error)
	ResumeAfterHITL(ctx context.Context, requestID string, response any, responseContext map[string]any) (*engine.ExecutionResult, error)
	Cancel(ctx context.Context, executionID string) error
}

// Scheduler polls the store for due scheduled runs and expired approval
// requests. Scheduled runs fire on cron expressions; expired requests get
// their configured timeout_action applied.
type Scheduler struct {
	store  store.Store
	runner SequenceRunner
	events *store.EventLog
	parser cron.Parser
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // run IDs currently executing (dedup)
}

// NewScheduler creates a new Scheduler.
func NewScheduler(s store.Store, runner SequenceRunner, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    s,
		runner:   runner,
		events:   store.NewEventLog(s, logger),
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background loop with a 60s ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one scheduling pass: due scheduled runs, then expired approvals.
// Exported so callers can force a pass without waiting for the ticker.
func (s *Scheduler) Tick(ctx context.Context) {
	s.runDue(ctx)
	s.SweepExpiredHITL(ctx)
}

// runDue checks all enabled scheduled runs and fires those that are due.
func (s *Scheduler) runDue(ctx context.Context) {
	enabled := true
	runs, err := s.store.ListScheduledRuns(ctx, store.ScheduledRunFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list scheduled runs", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, run := range runs {
		if run.NextRunAt == nil || !run.NextRunAt.After(now) {
			if !s.tryAcquire(run.ID) {
				continue // already running (dedup)
			}
			if err := s.fireRun(ctx, run, now); err != nil {
				s.logger.Error("failed to fire scheduled run",
					slog.String("run_id", run.ID),
					slog.String("error", err.Error()),
				)
			}
			s.release(run.ID)
		}
	}
}

// fireRun executes one scheduled run and updates its timestamps.
func (s *Scheduler) fireRun(ctx context.Context, run *store.ScheduledRun, now time.Time) error {
	s.logger.Info("firing scheduled run",
		slog.String("run_id", run.ID),
		slog.String("sequence_key", run.SequenceKey),
	)

	var trigger map[string]any
	if len(run.TriggerContext) > 0 {
		if err := json.Unmarshal(run.TriggerContext, &trigger); err != nil {
			return s.updateRunStatus(ctx, run, now, "error")
		}
	}

	status := "success"
	rec, err := s.store.GetSequence(ctx, run.SequenceKey)
	if err != nil {
		status = "error"
		s.logger.Error("scheduled run references unknown sequence",
			slog.String("run_id", run.ID),
			slog.String("sequence_key", run.SequenceKey),
		)
	} else {
		res, err := s.runner.Execute(ctx, rec.Definition, engine.ExecuteOptions{
			OrganizationID: run.OrganizationID,
			UserID:         run.UserID,
			TriggerContext: trigger,
			IsSimulation:   run.IsSimulation,
		})
		switch {
		case err != nil:
			status = "error"
			s.logger.Error("scheduled run execution failed",
				slog.String("run_id", run.ID),
				slog.String("error", err.Error()),
			)
		case res.Status == schema.ExecutionFailed:
			status = "error"
		}
	}

	return s.updateRunStatus(ctx, run, now, status)
}

func (s *Scheduler) updateRunStatus(ctx context.Context, run *store.ScheduledRun, now time.Time, status string) error {
	nextRun, err := s.CalculateNextRun(run.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for %q: %w", run.ID, err)
	}

	return s.store.UpdateScheduledRun(ctx, run.ID, store.ScheduledRunUpdate{
		LastRunAt:     &now,
		NextRunAt:     &nextRun,
		LastRunStatus: status,
	})
}

// SweepExpiredHITL applies each expired pending request's timeout_action:
// continue_default resumes the execution with the configured default value,
// cancel aborts it, anything else fails it.
func (s *Scheduler) SweepExpiredHITL(ctx context.Context) {
	now := time.Now().UTC()
	expired, err := s.store.ListHITLRequests(ctx, store.HITLFilter{
		Status:        store.HITLPending,
		ExpiresBefore: &now,
	})
	if err != nil {
		s.logger.Error("failed to list expired hitl requests", slog.String("error", err.Error()))
		return
	}

	for _, req := range expired {
		s.logger.Info("hitl request expired",
			slog.String("request_id", req.ID),
			slog.String("execution_id", req.ExecutionID),
			slog.String("timeout_action", req.TimeoutAction),
		)
		s.events.RecordBestEffort(ctx, req.ExecutionID, &req.StepIndex, schema.EventHITLExpired, map[string]any{
			"request_id":     req.ID,
			"timeout_action": req.TimeoutAction,
		})

		switch req.TimeoutAction {
		case schema.HITLTimeoutContinueDefault:
			// Resuming resolves the request; the default value stands in for
			// the missing human response.
			if _, err := s.runner.ResumeAfterHITL(ctx, req.ID, req.DefaultValue, nil); err != nil {
				s.logger.Error("failed to resume expired request with default",
					slog.String("request_id", req.ID),
					slog.String("error", err.Error()),
				)
			}

		case schema.HITLTimeoutCancel:
			if err := s.store.MarkHITLRequest(ctx, req.ID, store.HITLExpired); err != nil {
				s.logger.Error("failed to mark request expired", slog.String("request_id", req.ID), slog.String("error", err.Error()))
				continue
			}
			if err := s.runner.Cancel(ctx, req.ExecutionID); err != nil {
				s.logger.Error("failed to cancel expired execution",
					slog.String("execution_id", req.ExecutionID),
					slog.String("error", err.Error()),
				)
			}

		default: // fail
			if err := s.store.MarkHITLRequest(ctx, req.ID, store.HITLExpired); err != nil {
				s.logger.Error("failed to mark request expired", slog.String("request_id", req.ID), slog.String("error", err.Error()))
				continue
			}
			s.failExecution(ctx, req)
		}
	}
}

// failExecution moves a parked execution to failed after its approval expired.
func (s *Scheduler) failExecution(ctx context.Context, req *store.HITLRequest) {
	exec, err := s.store.GetExecution(ctx, req.ExecutionID)
	if err != nil {
		s.logger.Error("failed to load execution for expiry",
			slog.String("execution_id", req.ExecutionID),
			slog.String("error", err.Error()),
		)
		return
	}
	if exec.Status.Terminal() {
		return
	}

	failed := schema.ExecutionFailed
	msg := fmt.Sprintf("approval request %s expired", req.ID)
	if err := s.store.UpdateExecution(ctx, req.ExecutionID, store.ExecutionUpdate{
		Status:          &failed,
		ErrorMessage:    &msg,
		FailedStepIndex: &req.StepIndex,
		CompletedAt:     ptrTime(time.Now().UTC()),
	}); err != nil {
		s.logger.Error("failed to fail expired execution",
			slog.String("execution_id", req.ExecutionID),
			slog.String("error", err.Error()),
		)
		return
	}
	s.events.RecordBestEffort(ctx, req.ExecutionID, nil, schema.EventExecutionFailed, map[string]any{"error": msg})
}

// tryAcquire returns true and marks the run as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(runID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[runID]; ok {
		return false
	}
	s.inflight[runID] = struct{}{}
	return true
}

func (s *Scheduler) release(runID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, runID)
}

// CalculateNextRun computes the next fire time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

func ptrTime(t time.Time) *time.Time { return &t }
