package engine

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/SixtySecondsApp/cadence/internal/expressions"
	"github.com/SixtySecondsApp/cadence/internal/mock"
	"github.com/SixtySecondsApp/cadence/internal/skills"
	"github.com/SixtySecondsApp/cadence/pkg/schema"
)

// SkillInvoker is the slice of the backend client the step executor needs.
type SkillInvoker interface {
	ExecuteSkill(ctx context.Context, req skills.SkillRequest) (*skills.SkillResponse, error)
}

// Simulated latency bounds for mock step runs.
const (
	simLatencyMin = 500 * time.Millisecond
	simLatencyMax = 1000 * time.Millisecond
)

// StepExecutor runs one sequence step and normalizes every outcome into a
// StepResult. It never returns an error: failures are captured in the record.
type StepExecutor struct {
	mocks  *mock.Generator
	skills SkillInvoker
	jq     *expressions.GoJQEngine
	expr   *expressions.ExprEngine
	logger *slog.Logger

	// sleep is injectable so tests skip the simulated latency.
	sleep func(ctx context.Context, d time.Duration)
}

// NewStepExecutor creates a step executor.
func NewStepExecutor(mocks *mock.Generator, invoker SkillInvoker, logger *slog.Logger) *StepExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &StepExecutor{
		mocks:  mocks,
		skills: invoker,
		jq:     expressions.NewGoJQEngine(),
		expr:   expressions.NewExprEngine(),
		logger: logger,
		sleep:  sleepCtx,
	}
}

// SetSleep replaces the simulated-latency sleep. Nil restores the default.
func (e *StepExecutor) SetSleep(fn func(ctx context.Context, d time.Duration)) {
	if fn == nil {
		fn = sleepCtx
	}
	e.sleep = fn
}

// ExecuteStep resolves the step's input mapping, runs the step in simulation
// or live mode, and returns a uniform result record with wall-clock timing.
// Exactly one of Output and Error is set.
func (e *StepExecutor) ExecuteStep(ctx context.Context, step schema.SequenceStep, stepIndex int, execCtx map[string]any, isSimulation bool, mockData map[string]any, orgID string) schema.StepResult {
	started := time.Now().UTC()

	input := expressions.ResolveMapping(step.InputMapping, execCtx, mockData, e.transformFunc(ctx, execCtx))
	stepKey := step.StepKey()

	result := schema.StepResult{
		StepIndex: stepIndex,
		StepKey:   stepKey,
		SkillKey:  step.SkillKey,
		Action:    step.Action,
		Input:     input,
		StartedAt: started,
	}

	output, err := e.run(ctx, step, stepKey, input, isSimulation, mockData, orgID)

	completed := time.Now().UTC()
	result.CompletedAt = completed
	result.DurationMs = completed.Sub(started).Milliseconds()

	if err != nil {
		result.Status = schema.StepFailed
		result.Error = schema.CoerceMessage(err)
		e.logger.Warn("step failed",
			slog.String("step_key", stepKey),
			slog.Int("step_index", stepIndex),
			slog.String("error", result.Error),
		)
		return result
	}

	result.Status = schema.StepCompleted
	result.Output = output
	return result
}

func (e *StepExecutor) run(ctx context.Context, step schema.SequenceStep, stepKey string, input map[string]any, isSimulation bool, mockData map[string]any, orgID string) (map[string]any, error) {
	if isSimulation {
		e.sleep(ctx, simLatency())
		key := step.Action
		if key == "" {
			key = stepKey
		}
		return e.mocks.Generate(key, input, mockData), nil
	}

	if step.SkillKey == "" {
		// Action-type steps run on the backend-delegated path only.
		return nil, schema.NewErrorf(schema.ErrCodeUnsupported,
			"step %q has no skill_key: action steps are unsupported in client-driven mode, use delegated execution", stepKey)
	}

	resp, err := e.skills.ExecuteSkill(ctx, skills.SkillRequest{
		SkillKey:       step.SkillKey,
		Context:        input,
		OrganizationID: orgID,
	})
	if err != nil {
		return nil, err
	}
	if resp.IsFailed() {
		return nil, schema.NewError(schema.ErrCodeStepFailed, resp.ErrorMessage())
	}
	if resp.Data == nil {
		// Skills may succeed with no payload; keep the output non-nil so the
		// step survives context rebuilds.
		return map[string]any{}, nil
	}
	return resp.Data, nil
}

// transformFunc evaluates jq:/expr: mapping values against the execution context.
func (e *StepExecutor) transformFunc(ctx context.Context, execCtx map[string]any) expressions.TransformFunc {
	return func(engine, expression string) (any, error) {
		switch engine {
		case "jq":
			return e.jq.Evaluate(ctx, expression, execCtx)
		case "expr":
			return e.expr.Evaluate(ctx, expression, execCtx)
		default:
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown transform engine %q", engine)
		}
	}
}

func simLatency() time.Duration {
	span := simLatencyMax - simLatencyMin
	return simLatencyMin + time.Duration(rand.Int64N(int64(span)+1))
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
