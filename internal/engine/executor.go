package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/SixtySecondsApp/cadence/internal/expressions"
	"github.com/SixtySecondsApp/cadence/internal/skills"
	"github.com/SixtySecondsApp/cadence/internal/store"
	"github.com/SixtySecondsApp/cadence/internal/streaming"
	"github.com/SixtySecondsApp/cadence/pkg/schema"
)

// SequenceInvoker is the slice of the backend client used for delegated runs.
type SequenceInvoker interface {
	ExecuteSequence(ctx context.Context, req skills.SequenceRequest) (*skills.SequenceResponse, error)
}

// ExecuteOptions configures one sequence run.
type ExecuteOptions struct {
	OrganizationID string
	UserID         string
	// TriggerContext is exposed to mappings and conditions as the "trigger"
	// namespace.
	TriggerContext map[string]any
	IsSimulation   bool
	// MockData is the simulation fallback dataset for mappings and mock outputs.
	MockData map[string]any
	// Delegated hands the whole run to the backend in one call. Ignored in
	// simulation, which is always client-driven.
	Delegated bool
	// DisableHITLSkipInSimulation forces approval gates to fire even in
	// simulation runs. By default simulation skips them.
	DisableHITLSkipInSimulation bool
}

// ExecutionResult is the outcome of Execute or ResumeAfterHITL.
type ExecutionResult struct {
	ExecutionID  string                 `json:"execution_id"`
	Success      bool                   `json:"success"`
	Status       schema.ExecutionStatus `json:"status"`
	Results      []schema.StepResult    `json:"results"`
	Context      map[string]any         `json:"context,omitempty"`
	Error        string                 `json:"error,omitempty"`
	WaitingHITL  bool                   `json:"waiting_hitl,omitempty"`
	HITLRequest  *store.HITLRequest     `json:"hitl_request,omitempty"`
	HITLPosition string                 `json:"hitl_position,omitempty"`
	StepIndex    int                    `json:"step_index,omitempty"`
}

// Orchestrator drives sequence executions through their state machine:
// pending -> running -> {waiting_hitl <-> running}* -> terminal.
type Orchestrator struct {
	store    store.Store
	execFSM  *ExecutionFSM
	stepFSM  *StepFSM
	steps    *StepExecutor
	gate     *HITLGate
	cel      *expressions.CELEngine
	backend  SequenceInvoker
	hub      streaming.EventHub
	logger   *slog.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// NewOrchestrator wires the orchestrator. backend and hub may be nil
// (no delegated mode, no live event fan-out).
func NewOrchestrator(s store.Store, appender EventAppender, steps *StepExecutor, gate *HITLGate, cel *expressions.CELEngine, backend SequenceInvoker, hub streaming.EventHub, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:   s,
		execFSM: NewExecutionFSM(appender),
		stepFSM: NewStepFSM(appender),
		steps:   steps,
		gate:    gate,
		cel:     cel,
		backend: backend,
		hub:     hub,
		logger:  logger,
		running: make(map[string]context.CancelFunc),
	}
}

// Gate exposes the HITL gate for external resume surfaces.
func (o *Orchestrator) Gate() *HITLGate { return o.gate }

// Execute runs a sequence. Exactly one execution row is persisted before any
// step work; a missing organization or user is a hard failure before any
// state exists.
func (o *Orchestrator) Execute(ctx context.Context, seq schema.SequenceDefinition, opts ExecuteOptions) (*ExecutionResult, error) {
	if strings.TrimSpace(opts.OrganizationID) == "" {
		return nil, schema.NewError(schema.ErrCodePrecondition, "organization_id is required")
	}
	if strings.TrimSpace(opts.UserID) == "" {
		return nil, schema.NewError(schema.ErrCodePrecondition, "user_id is required")
	}
	if len(seq.Steps) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "sequence %q has no steps", seq.SequenceKey)
	}

	exec := &store.SequenceExecution{
		ID:             uuid.NewString(),
		SequenceKey:    seq.SequenceKey,
		OrganizationID: opts.OrganizationID,
		UserID:         opts.UserID,
		Status:         schema.ExecutionPending,
		InputContext:   opts.TriggerContext,
		IsSimulation:   opts.IsSimulation,
		// Snapshot the definition so resume works for inline definitions
		// that were never registered.
		Definition:      &seq,
		DisableHITLSkip: opts.DisableHITLSkipInSimulation,
		CreatedAt:       time.Now().UTC(),
	}
	if opts.IsSimulation && opts.MockData != nil {
		raw, err := json.Marshal(opts.MockData)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "marshal mock data").WithCause(err)
		}
		exec.MockDataUsed = raw
	}

	if err := o.store.CreateExecution(ctx, exec); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "create execution").WithCause(err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	o.track(exec.ID, cancel)
	defer o.untrack(exec.ID)

	if err := o.transition(runCtx, exec, schema.ExecutionRunning, store.ExecutionUpdate{StartedAt: ptrTime(time.Now().UTC())}); err != nil {
		return o.failExecution(ctx, exec, nil, -1, err), nil
	}

	if opts.Delegated && !opts.IsSimulation {
		return o.runDelegated(runCtx, exec, seq, opts), nil
	}

	execCtx := map[string]any{
		"trigger": orEmpty(opts.TriggerContext),
		"outputs": map[string]any{},
	}
	return o.runLoop(runCtx, exec, seq, opts, execCtx, nil, 0, -1), nil
}

// ResumeAfterHITL resolves a pending approval request and continues the
// execution from where it parked. For a before-gate the guarded step runs
// now with the gate satisfied; for an after-gate the loop resumes at the
// next step.
func (o *Orchestrator) ResumeAfterHITL(ctx context.Context, requestID string, response any, responseContext map[string]any) (*ExecutionResult, error) {
	// Load everything fallible before touching request or execution state, so
	// a missing row leaves the request pending and retryable.
	pending, err := o.store.GetHITLRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	exec, err := o.store.GetExecution(ctx, pending.ExecutionID)
	if err != nil {
		return nil, err
	}
	seq, err := o.sequenceFor(ctx, exec)
	if err != nil {
		return nil, err
	}

	req, err := o.gate.Resume(ctx, requestID, response, responseContext)
	if err != nil {
		return nil, err
	}
	// The gate moved the persisted row back to running.
	exec.Status = schema.ExecutionRunning
	exec.HITLRequestID = ""

	opts := ExecuteOptions{
		OrganizationID:              exec.OrganizationID,
		UserID:                      exec.UserID,
		TriggerContext:              exec.InputContext,
		IsSimulation:                exec.IsSimulation,
		DisableHITLSkipInSimulation: exec.DisableHITLSkip,
	}
	if len(exec.MockDataUsed) > 0 {
		_ = json.Unmarshal(exec.MockDataUsed, &opts.MockData)
	}

	execCtx := rebuildContext(seq, exec)
	mergeHITLResponse(execCtx, seq, req, response, responseContext)

	runCtx, cancel := context.WithCancel(ctx)
	o.track(exec.ID, cancel)
	defer o.untrack(exec.ID)

	startIndex := req.StepIndex
	skipBeforeGateAt := -1
	if req.Position == HITLPositionBefore {
		skipBeforeGateAt = req.StepIndex
	} else {
		startIndex = req.StepIndex + 1
	}

	o.publish(runCtx, exec.ID, nil, schema.EventHITLResolved, map[string]any{"request_id": requestID})
	return o.runLoop(runCtx, exec, seq, opts, execCtx, exec.StepResults, startIndex, skipBeforeGateAt), nil
}

// runLoop is the client-driven strategy: strictly sequential steps, abort
// check between steps, HITL gates before and after each step.
func (o *Orchestrator) runLoop(ctx context.Context, exec *store.SequenceExecution, seq schema.SequenceDefinition, opts ExecuteOptions, execCtx map[string]any, results []schema.StepResult, startIndex, skipBeforeGateAt int) *ExecutionResult {
	skipGatesInSim := opts.IsSimulation && !opts.DisableHITLSkipInSimulation
	outputs := execCtx["outputs"].(map[string]any)

	for i := startIndex; i < len(seq.Steps); i++ {
		step := seq.Steps[i]

		// Abort observed between steps halts the loop without touching the
		// remaining steps.
		if ctx.Err() != nil {
			return o.cancelExecution(exec, results, execCtx)
		}

		if step.Condition != "" {
			pass, err := o.cel.EvaluateBool(ctx, step.Condition, execCtx)
			if err != nil {
				failed := o.failedConditionResult(step, i, err)
				results = append(results, failed)
				o.recordStep(ctx, exec, failed)
				if step.OnFailure != schema.FailureContinue {
					return o.failExecutionWith(ctx, exec, results, execCtx, i, failed.Error)
				}
				continue
			}
			if !pass {
				skipped := schema.StepResult{
					StepIndex: i, StepKey: step.StepKey(), SkillKey: step.SkillKey, Action: step.Action,
					Status: schema.StepSkipped, StartedAt: time.Now().UTC(), CompletedAt: time.Now().UTC(),
				}
				results = append(results, skipped)
				_ = o.stepFSM.Transition(ctx, exec.ID, i, schema.StepPending, schema.StepSkipped)
				o.publish(ctx, exec.ID, &i, schema.EventStepSkipped, map[string]any{"condition": step.Condition})
				o.checkpoint(ctx, exec, results)
				continue
			}
		}

		if i != skipBeforeGateAt && ShouldTrigger(step.HITLBefore, opts.IsSimulation, skipGatesInSim) {
			return o.pauseForHITL(ctx, exec, step.HITLBefore, i, HITLPositionBefore, execCtx, opts.MockData, results)
		}

		_ = o.stepFSM.Transition(ctx, exec.ID, i, schema.StepPending, schema.StepRunning)
		o.publish(ctx, exec.ID, &i, schema.EventStepStarted, map[string]any{"step_key": step.StepKey()})

		result := o.steps.ExecuteStep(ctx, step, i, execCtx, opts.IsSimulation, opts.MockData, opts.OrganizationID)
		results = append(results, result)
		o.recordStep(ctx, exec, result)

		if result.Failed() {
			if step.OnFailure == schema.FailureContinue {
				continue
			}
			return o.failExecutionWith(ctx, exec, results, execCtx, i, result.Error)
		}

		outputs[step.ContextKey()] = result.Output

		if ShouldTrigger(step.HITLAfter, opts.IsSimulation, skipGatesInSim) {
			return o.pauseForHITL(ctx, exec, step.HITLAfter, i, HITLPositionAfter, execCtx, opts.MockData, results)
		}
	}

	return o.completeExecution(ctx, exec, results, execCtx)
}

// runDelegated hands the whole sequence to the backend and maps the
// aggregate response into local shapes.
func (o *Orchestrator) runDelegated(ctx context.Context, exec *store.SequenceExecution, seq schema.SequenceDefinition, opts ExecuteOptions) *ExecutionResult {
	if o.backend == nil {
		return o.failExecutionWith(ctx, exec, nil, nil, -1, "delegated execution is not configured")
	}

	resp, err := o.backend.ExecuteSequence(ctx, skills.SequenceRequest{
		OrganizationID:  opts.OrganizationID,
		SequenceKey:     seq.SequenceKey,
		SequenceContext: opts.TriggerContext,
		IsSimulation:    opts.IsSimulation,
	})
	if err != nil {
		if ctx.Err() != nil {
			return o.cancelExecution(exec, nil, nil)
		}
		return o.failExecutionWith(ctx, exec, nil, nil, -1, schema.CoerceMessage(err))
	}

	results := mapDelegatedResults(resp.StepResults)

	if strings.EqualFold(resp.Status, "failed") {
		msg := resp.Error
		if msg == "" {
			msg = "delegated execution failed"
		}
		return o.failExecutionWith(ctx, exec, results, nil, failedIndex(results), schema.CoerceMessage(msg))
	}

	finalCtx := map[string]any{}
	if resp.FinalOutput != nil {
		finalCtx = resp.FinalOutput
	}
	return o.completeExecution(ctx, exec, results, finalCtx)
}

// Cancel aborts an in-flight run and best-effort persists the cancelled
// state. Context and step results already produced are not rolled back.
func (o *Orchestrator) Cancel(ctx context.Context, executionID string) error {
	o.mu.Lock()
	cancel, inflight := o.running[executionID]
	o.mu.Unlock()
	if inflight {
		cancel()
		return nil
	}

	// Not in-flight in this process: persist directly if non-terminal.
	exec, err := o.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %s is already %s", executionID, exec.Status)
	}
	if err := o.execFSM.Transition(ctx, executionID, exec.Status, schema.ExecutionCancelled); err != nil {
		return err
	}
	cancelled := schema.ExecutionCancelled
	if err := o.store.UpdateExecution(ctx, executionID, store.ExecutionUpdate{
		Status:      &cancelled,
		CompletedAt: ptrTime(time.Now().UTC()),
	}); err != nil {
		return err
	}
	o.publish(ctx, executionID, nil, schema.EventExecutionCancelled, nil)
	return nil
}

// Reset drops local tracking for an execution. Persisted state is untouched.
func (o *Orchestrator) Reset(executionID string) {
	o.untrack(executionID)
}

// Status returns the persisted state of an execution.
func (o *Orchestrator) Status(ctx context.Context, executionID string) (*store.SequenceExecution, error) {
	return o.store.GetExecution(ctx, executionID)
}

// --- internals ---

func (o *Orchestrator) pauseForHITL(ctx context.Context, exec *store.SequenceExecution, cfg *schema.HITLConfig, stepIndex int, position string, execCtx, mockData map[string]any, results []schema.StepResult) *ExecutionResult {
	o.checkpoint(ctx, exec, results)

	req, err := o.gate.CreateRequest(ctx, exec, cfg, stepIndex, position, execCtx, mockData)
	if err != nil {
		return o.failExecutionWith(ctx, exec, results, execCtx, stepIndex, schema.CoerceMessage(err))
	}

	o.publish(ctx, exec.ID, &stepIndex, schema.EventHITLRequested, map[string]any{
		"request_id": req.ID,
		"position":   position,
	})

	return &ExecutionResult{
		ExecutionID:  exec.ID,
		Success:      false,
		Status:       schema.ExecutionWaitingHITL,
		Results:      results,
		Context:      execCtx,
		WaitingHITL:  true,
		HITLRequest:  req,
		HITLPosition: position,
		StepIndex:    stepIndex,
	}
}

func (o *Orchestrator) completeExecution(ctx context.Context, exec *store.SequenceExecution, results []schema.StepResult, execCtx map[string]any) *ExecutionResult {
	finalOutput, _ := json.Marshal(orEmpty(execCtx))

	if err := o.execFSM.Transition(ctx, exec.ID, exec.Status, schema.ExecutionCompleted); err != nil {
		o.logger.Error("completion transition failed", slog.String("execution_id", exec.ID), slog.String("error", err.Error()))
	}
	completed := schema.ExecutionCompleted
	if err := o.store.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{
		Status:      &completed,
		StepResults: orEmptyResults(results),
		FinalOutput: finalOutput,
		CompletedAt: ptrTime(time.Now().UTC()),
	}); err != nil {
		o.logger.Error("persist completion failed", slog.String("execution_id", exec.ID), slog.String("error", err.Error()))
	}

	o.publish(ctx, exec.ID, nil, schema.EventExecutionCompleted, map[string]any{"steps": len(results)})
	o.logger.Info("execution completed",
		slog.String("execution_id", exec.ID),
		slog.String("sequence_key", exec.SequenceKey),
		slog.Int("steps", len(results)),
	)

	return &ExecutionResult{
		ExecutionID: exec.ID,
		Success:     true,
		Status:      schema.ExecutionCompleted,
		Results:     results,
		Context:     execCtx,
	}
}

func (o *Orchestrator) failExecution(ctx context.Context, exec *store.SequenceExecution, results []schema.StepResult, stepIndex int, err error) *ExecutionResult {
	return o.failExecutionWith(ctx, exec, results, nil, stepIndex, schema.CoerceMessage(err))
}

func (o *Orchestrator) failExecutionWith(ctx context.Context, exec *store.SequenceExecution, results []schema.StepResult, execCtx map[string]any, stepIndex int, msg string) *ExecutionResult {
	if err := o.execFSM.Transition(ctx, exec.ID, exec.Status, schema.ExecutionFailed); err != nil {
		o.logger.Error("failure transition failed", slog.String("execution_id", exec.ID), slog.String("error", err.Error()))
	}
	failed := schema.ExecutionFailed
	update := store.ExecutionUpdate{
		Status:       &failed,
		StepResults:  orEmptyResults(results),
		ErrorMessage: &msg,
		CompletedAt:  ptrTime(time.Now().UTC()),
	}
	if stepIndex >= 0 {
		update.FailedStepIndex = &stepIndex
	}
	if err := o.store.UpdateExecution(ctx, exec.ID, update); err != nil {
		o.logger.Error("persist failure failed", slog.String("execution_id", exec.ID), slog.String("error", err.Error()))
	}

	o.publish(ctx, exec.ID, nil, schema.EventExecutionFailed, map[string]any{"error": msg})
	o.logger.Warn("execution failed",
		slog.String("execution_id", exec.ID),
		slog.String("sequence_key", exec.SequenceKey),
		slog.Int("failed_step_index", stepIndex),
		slog.String("error", msg),
	)

	return &ExecutionResult{
		ExecutionID: exec.ID,
		Success:     false,
		Status:      schema.ExecutionFailed,
		Results:     results,
		Context:     execCtx,
		Error:       msg,
		StepIndex:   stepIndex,
	}
}

// cancelExecution best-effort persists the cancelled state after an abort.
// The run context is already dead, so persistence uses a fresh context.
func (o *Orchestrator) cancelExecution(exec *store.SequenceExecution, results []schema.StepResult, execCtx map[string]any) *ExecutionResult {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := o.execFSM.Transition(ctx, exec.ID, exec.Status, schema.ExecutionCancelled); err != nil {
		o.logger.Warn("cancel transition failed", slog.String("execution_id", exec.ID), slog.String("error", err.Error()))
	}
	cancelled := schema.ExecutionCancelled
	if err := o.store.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{
		Status:      &cancelled,
		StepResults: orEmptyResults(results),
		CompletedAt: ptrTime(time.Now().UTC()),
	}); err != nil {
		o.logger.Warn("persist cancellation failed", slog.String("execution_id", exec.ID), slog.String("error", err.Error()))
	}

	o.publish(ctx, exec.ID, nil, schema.EventExecutionCancelled, nil)

	return &ExecutionResult{
		ExecutionID: exec.ID,
		Success:     false,
		Status:      schema.ExecutionCancelled,
		Results:     results,
		Context:     execCtx,
		Error:       "execution cancelled",
	}
}

// sequenceFor returns the definition to resume with: the snapshot persisted at
// execute time, falling back to the registry for rows created before
// snapshots existed.
func (o *Orchestrator) sequenceFor(ctx context.Context, exec *store.SequenceExecution) (schema.SequenceDefinition, error) {
	if exec.Definition != nil && len(exec.Definition.Steps) > 0 {
		return *exec.Definition, nil
	}
	rec, err := o.store.GetSequence(ctx, exec.SequenceKey)
	if err != nil {
		return schema.SequenceDefinition{}, err
	}
	return rec.Definition, nil
}

// transition moves the execution through the FSM and persists the new status.
func (o *Orchestrator) transition(ctx context.Context, exec *store.SequenceExecution, to schema.ExecutionStatus, update store.ExecutionUpdate) error {
	if err := o.execFSM.Transition(ctx, exec.ID, exec.Status, to); err != nil {
		return err
	}
	update.Status = &to
	if err := o.store.UpdateExecution(ctx, exec.ID, update); err != nil {
		return schema.NewError(schema.ErrCodeStore, "persist status").WithCause(err)
	}
	exec.Status = to
	o.publish(ctx, exec.ID, nil, executionEventType(schema.ExecutionPending, to), map[string]any{
		"sequence_key": exec.SequenceKey,
	})
	return nil
}

// recordStep emits the step's terminal FSM transition and checkpoints results.
func (o *Orchestrator) recordStep(ctx context.Context, exec *store.SequenceExecution, result schema.StepResult) {
	_ = o.stepFSM.Transition(ctx, exec.ID, result.StepIndex, schema.StepRunning, result.Status)
	idx := result.StepIndex
	eventType := schema.EventStepCompleted
	payload := map[string]any{"step_key": result.StepKey, "duration_ms": result.DurationMs}
	if result.Failed() {
		eventType = schema.EventStepFailed
		payload["error"] = result.Error
	}
	o.publish(ctx, exec.ID, &idx, eventType, payload)
}

// checkpoint persists intermediate step results; failures are logged only.
func (o *Orchestrator) checkpoint(ctx context.Context, exec *store.SequenceExecution, results []schema.StepResult) {
	if err := o.store.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{
		StepResults: orEmptyResults(results),
	}); err != nil {
		o.logger.Warn("checkpoint failed", slog.String("execution_id", exec.ID), slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) failedConditionResult(step schema.SequenceStep, index int, err error) schema.StepResult {
	now := time.Now().UTC()
	return schema.StepResult{
		StepIndex:   index,
		StepKey:     step.StepKey(),
		SkillKey:    step.SkillKey,
		Action:      step.Action,
		Status:      schema.StepFailed,
		Error:       schema.CoerceMessage(err),
		StartedAt:   now,
		CompletedAt: now,
	}
}

func (o *Orchestrator) publish(ctx context.Context, executionID string, stepIndex *int, eventType string, payload any) {
	if o.hub == nil || eventType == "" {
		return
	}
	_ = o.hub.Publish(ctx, streaming.StreamEvent{
		ExecutionID: executionID,
		StepIndex:   stepIndex,
		EventType:   eventType,
		Payload:     payload,
	})
}

func (o *Orchestrator) track(executionID string, cancel context.CancelFunc) {
	o.mu.Lock()
	o.running[executionID] = cancel
	o.mu.Unlock()
}

func (o *Orchestrator) untrack(executionID string) {
	o.mu.Lock()
	delete(o.running, executionID)
	o.mu.Unlock()
}

// rebuildContext reconstructs the layered execution context from the
// persisted row: trigger params plus outputs of completed steps keyed by
// each step's context key.
func rebuildContext(seq schema.SequenceDefinition, exec *store.SequenceExecution) map[string]any {
	outputs := map[string]any{}
	for _, r := range exec.StepResults {
		if r.Status != schema.StepCompleted || r.Output == nil {
			continue
		}
		if r.StepIndex >= 0 && r.StepIndex < len(seq.Steps) {
			outputs[seq.Steps[r.StepIndex].ContextKey()] = r.Output
		} else {
			outputs[r.StepKey] = r.Output
		}
	}
	return map[string]any{
		"trigger": orEmpty(exec.InputContext),
		"outputs": outputs,
	}
}

// mergeHITLResponse folds a human response into the execution context: the
// raw response under "<context_key>_approval" and any structured response
// context directly into outputs.
func mergeHITLResponse(execCtx map[string]any, seq schema.SequenceDefinition, req *store.HITLRequest, response any, responseContext map[string]any) {
	outputs, _ := execCtx["outputs"].(map[string]any)
	if outputs == nil {
		return
	}
	key := "step_" + uuid.NewString()[:8]
	if req.StepIndex >= 0 && req.StepIndex < len(seq.Steps) {
		key = seq.Steps[req.StepIndex].ContextKey()
	}
	outputs[key+"_approval"] = response
	for k, v := range responseContext {
		outputs[k] = v
	}
}

func mapDelegatedResults(raw []map[string]any) []schema.StepResult {
	if len(raw) == 0 {
		return nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var results []schema.StepResult
	if err := json.Unmarshal(b, &results); err != nil {
		return nil
	}
	return results
}

func failedIndex(results []schema.StepResult) int {
	for _, r := range results {
		if r.Failed() {
			return r.StepIndex
		}
	}
	return -1
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func orEmptyResults(results []schema.StepResult) []schema.StepResult {
	if results == nil {
		return []schema.StepResult{}
	}
	return results
}

func ptrTime(t time.Time) *time.Time { return &t }
