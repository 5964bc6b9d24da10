package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/SixtySecondsApp/cadence/internal/expressions"
	"github.com/SixtySecondsApp/cadence/internal/notify"
	"github.com/SixtySecondsApp/cadence/internal/store"
	"github.com/SixtySecondsApp/cadence/pkg/schema"
)

// DefaultHITLTimeoutMinutes applies when a gate config omits timeout_minutes.
const DefaultHITLTimeoutMinutes = 60

// HITL gate positions relative to the step they guard.
const (
	HITLPositionBefore = "before"
	HITLPositionAfter  = "after"
)

// HITLResolver reports a human response to the backend. The backend owns the
// downstream side effects; a resolver failure aborts the resume.
type HITLResolver interface {
	ResolveHITL(ctx context.Context, requestID string, response any, responseContext map[string]any) error
}

// AsyncNotifier fires a best-effort notification without blocking the caller.
type AsyncNotifier interface {
	NotifyAsync(n notify.Notification)
}

// HITLGate intercepts steps configured for human approval. Creating a
// request parks the execution in waiting_hitl; the orchestrator returns
// immediately and resumption arrives as a separate external call.
type HITLGate struct {
	store    store.Store
	fsm      *ExecutionFSM
	notifier AsyncNotifier
	resolver HITLResolver
	logger   *slog.Logger
}

// NewHITLGate creates a gate. notifier and resolver may be nil; a nil
// resolver makes Resume a local-only operation.
func NewHITLGate(s store.Store, fsm *ExecutionFSM, notifier AsyncNotifier, resolver HITLResolver, logger *slog.Logger) *HITLGate {
	if logger == nil {
		logger = slog.Default()
	}
	return &HITLGate{
		store:    s,
		fsm:      fsm,
		notifier: notifier,
		resolver: resolver,
		logger:   logger,
	}
}

// ShouldTrigger reports whether the gate fires for this step. The config must
// be enabled; in simulation mode the gate is skipped unless the caller
// explicitly disables the simulation skip.
func ShouldTrigger(cfg *schema.HITLConfig, isSimulation, skipInSimulation bool) bool {
	if cfg == nil || !cfg.Enabled {
		return false
	}
	if isSimulation && skipInSimulation {
		return false
	}
	return true
}

// CreateRequest interpolates the prompt, persists the request, and parks the
// execution in waiting_hitl with a back-reference to the request. Unresolved
// prompt tokens stay literal so template bugs are visible to the approver.
func (g *HITLGate) CreateRequest(ctx context.Context, exec *store.SequenceExecution, cfg *schema.HITLConfig, stepIndex int, position string, execCtx, mockData map[string]any) (*store.HITLRequest, error) {
	prompt := expressions.InterpolatePrompt(cfg.Prompt, execCtx, mockData)
	if prompt == "" {
		prompt = fmt.Sprintf("Approval required before continuing step %d of %s", stepIndex+1, exec.SequenceKey)
	}

	timeout := cfg.TimeoutMinutes
	if timeout <= 0 {
		timeout = DefaultHITLTimeoutMinutes
	}
	expiresAt := time.Now().UTC().Add(time.Duration(timeout) * time.Minute)

	req := &store.HITLRequest{
		ID:               uuid.NewString(),
		ExecutionID:      exec.ID,
		StepIndex:        stepIndex,
		Position:         position,
		OrganizationID:   exec.OrganizationID,
		Prompt:           prompt,
		Options:          cfg.Options,
		DefaultValue:     cfg.DefaultValue,
		Channels:         cfg.Channels,
		SlackChannelID:   cfg.SlackChannelID,
		RequestType:      cfg.RequestType,
		AssignedToUserID: cfg.AssignedToUserID,
		TimeoutAction:    cfg.TimeoutAction,
		Status:           store.HITLPending,
		ExpiresAt:        &expiresAt,
		CreatedAt:        time.Now().UTC(),
	}

	if err := g.store.CreateHITLRequest(ctx, req); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "persist hitl request").WithCause(err).WithStep(stepIndex)
	}

	if err := g.fsm.Transition(ctx, exec.ID, exec.Status, schema.ExecutionWaitingHITL); err != nil {
		return nil, err
	}

	waiting := schema.ExecutionWaitingHITL
	reqID := req.ID
	if err := g.store.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{
		Status:        &waiting,
		HITLRequestID: &reqID,
	}); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "park execution for approval").WithCause(err)
	}
	exec.Status = waiting
	exec.HITLRequestID = reqID

	if g.notifier != nil && hasChannel(cfg.Channels, schema.HITLChannelSlack) {
		g.notifier.NotifyAsync(notify.Notification{
			RequestID:      req.ID,
			ExecutionID:    exec.ID,
			OrganizationID: exec.OrganizationID,
			ChannelID:      cfg.SlackChannelID,
			Prompt:         prompt,
			Options:        cfg.Options,
			ExpiresAt:      expiresAt,
		})
	}

	g.logger.Info("hitl request created",
		slog.String("request_id", req.ID),
		slog.String("execution_id", exec.ID),
		slog.Int("step_index", stepIndex),
		slog.String("position", position),
	)
	return req, nil
}

// Resume resolves a pending request with a human response. The external
// resolution must report success before any local state changes; on backend
// failure nothing is mutated. Returns the resolved request so the caller can
// merge the response into context and re-enter the step loop.
func (g *HITLGate) Resume(ctx context.Context, requestID string, response any, responseContext map[string]any) (*store.HITLRequest, error) {
	req, err := g.store.GetHITLRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != store.HITLPending {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "hitl request %s is %s, not pending", requestID, req.Status)
	}

	if g.resolver != nil {
		if err := g.resolver.ResolveHITL(ctx, requestID, response, responseContext); err != nil {
			return nil, err
		}
	}

	respRaw, err := json.Marshal(response)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "marshal hitl response").WithCause(err)
	}
	var ctxRaw []byte
	if responseContext != nil {
		ctxRaw, err = json.Marshal(responseContext)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "marshal hitl response context").WithCause(err)
		}
	}

	if err := g.store.ResolveHITLRequest(ctx, requestID, respRaw, ctxRaw); err != nil {
		return nil, err
	}

	if err := g.fsm.Transition(ctx, req.ExecutionID, schema.ExecutionWaitingHITL, schema.ExecutionRunning); err != nil {
		return nil, err
	}
	running := schema.ExecutionRunning
	cleared := ""
	if err := g.store.UpdateExecution(ctx, req.ExecutionID, store.ExecutionUpdate{
		Status:        &running,
		HITLRequestID: &cleared,
	}); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "unpark execution").WithCause(err)
	}

	req.Status = store.HITLResolved
	req.Response = respRaw
	req.ResponseContext = ctxRaw

	g.logger.Info("hitl request resolved",
		slog.String("request_id", requestID),
		slog.String("execution_id", req.ExecutionID),
	)
	return req, nil
}

func hasChannel(channels []string, want string) bool {
	for _, c := range channels {
		if c == want {
			return true
		}
	}
	return false
}
