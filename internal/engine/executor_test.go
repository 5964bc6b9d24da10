package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SixtySecondsApp/cadence/internal/expressions"
	"github.com/SixtySecondsApp/cadence/internal/mock"
	"github.com/SixtySecondsApp/cadence/internal/skills"
	"github.com/SixtySecondsApp/cadence/internal/store"
	"github.com/SixtySecondsApp/cadence/pkg/schema"
)

type fakeBackend struct {
	resp  *skills.SequenceResponse
	err   error
	calls []skills.SequenceRequest
}

func (f *fakeBackend) ExecuteSequence(ctx context.Context, req skills.SequenceRequest) (*skills.SequenceResponse, error) {
	f.calls = append(f.calls, req)
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func newTestOrchestrator(t *testing.T, s *store.LibSQLStore, mocks *mock.Generator, invoker SkillInvoker, backend SequenceInvoker) *Orchestrator {
	t.Helper()
	if mocks == nil {
		mocks = mock.NewGenerator()
	}
	steps := NewStepExecutor(mocks, invoker, nil)
	steps.sleep = func(ctx context.Context, d time.Duration) {}
	gate := NewHITLGate(s, NewExecutionFSM(s), nil, nil, nil)
	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)
	return NewOrchestrator(s, s, steps, gate, cel, backend, nil, nil)
}

func defaultOpts() ExecuteOptions {
	return ExecuteOptions{
		OrganizationID: "org_1",
		UserID:         "user_1",
		IsSimulation:   true,
	}
}

func TestExecutePreconditions(t *testing.T) {
	s := newEngineTestStore(t)
	o := newTestOrchestrator(t, s, nil, nil, nil)
	ctx := context.Background()

	seq := schema.SequenceDefinition{
		SequenceKey: "inbound-lead",
		Steps:       []schema.SequenceStep{{Order: 1, Action: "create_lead"}},
	}

	_, err := o.Execute(ctx, seq, ExecuteOptions{UserID: "user_1"})
	require.Error(t, err)
	_, err = o.Execute(ctx, seq, ExecuteOptions{OrganizationID: "org_1"})
	require.Error(t, err)
	_, err = o.Execute(ctx, schema.SequenceDefinition{SequenceKey: "empty"}, defaultOpts())
	require.Error(t, err)

	// Precondition failures happen before any execution row exists.
	execs, err := s.ListExecutions(ctx, store.ExecutionFilter{})
	require.NoError(t, err)
	assert.Empty(t, execs)
}

func TestExecuteSimulationOutputChaining(t *testing.T) {
	s := newEngineTestStore(t)
	mocks := mock.NewGenerator()
	mocks.Register("emit_scores", func(input, fallback map[string]any) map[string]any {
		return map[string]any{"foo": 42}
	})
	o := newTestOrchestrator(t, s, mocks, nil, nil)
	ctx := context.Background()

	seq := schema.SequenceDefinition{
		SequenceKey: "score-then-route",
		Steps: []schema.SequenceStep{
			{Order: 1, Action: "emit_scores", OutputKey: "x"},
			{Order: 2, Action: "route_lead", InputMapping: map[string]any{"val": "${outputs.x.foo}"}},
		},
	}

	res, err := o.Execute(ctx, seq, defaultOpts())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, schema.ExecutionCompleted, res.Status)
	require.Len(t, res.Results, 2)

	// Step two sees step one's output under its output_key.
	assert.Equal(t, 42, res.Results[1].Input["val"])

	outputs := res.Context["outputs"].(map[string]any)
	assert.Equal(t, map[string]any{"foo": 42}, outputs["x"])

	// Strictly sequential: indexes in order, no step starts before the
	// previous one completed.
	for i, r := range res.Results {
		assert.Equal(t, i, r.StepIndex)
		assert.Equal(t, schema.StepCompleted, r.Status)
		if i > 0 {
			assert.False(t, r.StartedAt.Before(res.Results[i-1].CompletedAt))
		}
	}

	got, err := s.GetExecution(ctx, res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, got.Status)
	assert.Len(t, got.StepResults, 2)
	assert.NotNil(t, got.CompletedAt)
}

func TestExecuteOnFailureStop(t *testing.T) {
	s := newEngineTestStore(t)
	invoker := &fakeInvoker{errs: map[string]error{
		"enrich_company": errors.New("upstream 500"),
	}}
	o := newTestOrchestrator(t, s, nil, invoker, nil)
	ctx := context.Background()

	seq := schema.SequenceDefinition{
		SequenceKey: "enrich",
		Steps: []schema.SequenceStep{
			{Order: 1, SkillKey: "find_contact"},
			{Order: 2, SkillKey: "enrich_company"},
			{Order: 3, SkillKey: "notify_owner"},
		},
	}

	opts := defaultOpts()
	opts.IsSimulation = false
	res, err := o.Execute(ctx, seq, opts)
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, schema.ExecutionFailed, res.Status)
	require.Len(t, res.Results, 2, "step three never runs under stop policy")
	assert.Equal(t, schema.StepFailed, res.Results[1].Status)
	assert.Equal(t, 1, res.StepIndex)

	got, err := s.GetExecution(ctx, res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionFailed, got.Status)
	require.NotNil(t, got.FailedStepIndex)
	assert.Equal(t, 1, *got.FailedStepIndex)
	assert.NotEmpty(t, got.ErrorMessage)
}

func TestExecuteOnFailureContinue(t *testing.T) {
	s := newEngineTestStore(t)
	invoker := &fakeInvoker{errs: map[string]error{
		"enrich_company": errors.New("upstream 500"),
	}}
	o := newTestOrchestrator(t, s, nil, invoker, nil)
	ctx := context.Background()

	seq := schema.SequenceDefinition{
		SequenceKey: "enrich",
		Steps: []schema.SequenceStep{
			{Order: 1, SkillKey: "find_contact"},
			{Order: 2, SkillKey: "enrich_company", OnFailure: schema.FailureContinue},
			{Order: 3, SkillKey: "notify_owner"},
		},
	}

	opts := defaultOpts()
	opts.IsSimulation = false
	res, err := o.Execute(ctx, seq, opts)
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, schema.ExecutionCompleted, res.Status)
	require.Len(t, res.Results, 3)
	assert.Equal(t, schema.StepFailed, res.Results[1].Status)
	assert.Equal(t, schema.StepCompleted, res.Results[2].Status)

	// The failed step contributes nothing to context.
	outputs := res.Context["outputs"].(map[string]any)
	assert.NotContains(t, outputs, "enrich_company")
	assert.Contains(t, outputs, "find_contact")
}

func TestExecuteConditionSkip(t *testing.T) {
	s := newEngineTestStore(t)
	o := newTestOrchestrator(t, s, nil, nil, nil)
	ctx := context.Background()

	seq := schema.SequenceDefinition{
		SequenceKey: "tiered",
		Steps: []schema.SequenceStep{
			{Order: 1, Action: "create_lead"},
			{Order: 2, Action: "book_meeting", Condition: `trigger.tier == "vip"`},
		},
	}

	opts := defaultOpts()
	opts.TriggerContext = map[string]any{"tier": "standard"}
	res, err := o.Execute(ctx, seq, opts)
	require.NoError(t, err)

	assert.True(t, res.Success)
	require.Len(t, res.Results, 2)
	assert.Equal(t, schema.StepSkipped, res.Results[1].Status)
	assert.Nil(t, res.Results[1].Output)

	outputs := res.Context["outputs"].(map[string]any)
	assert.NotContains(t, outputs, "book_meeting")
}

func TestExecuteConditionErrorHonorsFailurePolicy(t *testing.T) {
	s := newEngineTestStore(t)
	o := newTestOrchestrator(t, s, nil, nil, nil)
	ctx := context.Background()

	seq := schema.SequenceDefinition{
		SequenceKey: "guarded",
		Steps: []schema.SequenceStep{
			{Order: 1, Action: "create_lead", Condition: "this is not CEL"},
			{Order: 2, Action: "book_meeting"},
		},
	}

	res, err := o.Execute(ctx, seq, defaultOpts())
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionFailed, res.Status)
	require.Len(t, res.Results, 1)
	assert.Equal(t, schema.StepFailed, res.Results[0].Status)
	assert.NotEmpty(t, res.Results[0].Error)
}

func TestExecuteSimulationSkipsGatesByDefault(t *testing.T) {
	s := newEngineTestStore(t)
	o := newTestOrchestrator(t, s, nil, nil, nil)
	ctx := context.Background()

	seq := schema.SequenceDefinition{
		SequenceKey: "gated",
		Steps: []schema.SequenceStep{
			{Order: 1, Action: "create_lead"},
			{Order: 2, Action: "send_email", HITLBefore: &schema.HITLConfig{Enabled: true, Prompt: "Send?"}},
		},
	}

	res, err := o.Execute(ctx, seq, defaultOpts())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.WaitingHITL)

	reqs, err := s.ListHITLRequests(ctx, store.HITLFilter{ExecutionID: res.ExecutionID})
	require.NoError(t, err)
	assert.Empty(t, reqs)
}

func TestExecutePauseAndResumeAroundGate(t *testing.T) {
	s := newEngineTestStore(t)
	o := newTestOrchestrator(t, s, nil, nil, nil)
	ctx := context.Background()

	seq := schema.SequenceDefinition{
		SequenceKey: "gated",
		Steps: []schema.SequenceStep{
			{Order: 1, Action: "create_lead", OutputKey: "lead"},
			{Order: 2, Action: "send_email", HITLBefore: &schema.HITLConfig{
				Enabled: true,
				Prompt:  "Email the lead?",
				Options: []string{"approve", "reject"},
			}},
		},
	}
	require.NoError(t, s.UpsertSequence(ctx, &store.SequenceRecord{
		Key: "gated", Definition: seq, Enabled: true,
	}))

	opts := defaultOpts()
	opts.DisableHITLSkipInSimulation = true
	res, err := o.Execute(ctx, seq, opts)
	require.NoError(t, err)

	assert.True(t, res.WaitingHITL)
	assert.Equal(t, schema.ExecutionWaitingHITL, res.Status)
	assert.Equal(t, 1, res.StepIndex)
	assert.Equal(t, HITLPositionBefore, res.HITLPosition)
	require.NotNil(t, res.HITLRequest)
	require.Len(t, res.Results, 1, "only the step before the gate ran")

	reqs, err := s.ListHITLRequests(ctx, store.HITLFilter{ExecutionID: res.ExecutionID})
	require.NoError(t, err)
	require.Len(t, reqs, 1, "exactly one request per gate trigger")

	resumed, err := o.ResumeAfterHITL(ctx, res.HITLRequest.ID, "approve", map[string]any{"edited_subject": "Hello"})
	require.NoError(t, err)

	assert.True(t, resumed.Success)
	assert.Equal(t, schema.ExecutionCompleted, resumed.Status)
	require.Len(t, resumed.Results, 2, "guarded step runs exactly once after approval")
	assert.Equal(t, 1, resumed.Results[1].StepIndex)

	// The human response is folded into context for downstream steps.
	outputs := resumed.Context["outputs"].(map[string]any)
	assert.Contains(t, outputs, "lead")
	assert.Equal(t, "approve", outputs["send_email_approval"])
	assert.Equal(t, "Hello", outputs["edited_subject"])

	got, err := s.GetExecution(ctx, res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, got.Status)
	assert.Empty(t, got.HITLRequestID)
}

func TestResumeAfterGateFollowingStep(t *testing.T) {
	s := newEngineTestStore(t)
	o := newTestOrchestrator(t, s, nil, nil, nil)
	ctx := context.Background()

	seq := schema.SequenceDefinition{
		SequenceKey: "reviewed",
		Steps: []schema.SequenceStep{
			{Order: 1, Action: "create_deal", OutputKey: "deal", HITLAfter: &schema.HITLConfig{Enabled: true, Prompt: "Review the deal"}},
			{Order: 2, Action: "send_notification"},
		},
	}
	require.NoError(t, s.UpsertSequence(ctx, &store.SequenceRecord{
		Key: "reviewed", Definition: seq, Enabled: true,
	}))

	opts := defaultOpts()
	opts.DisableHITLSkipInSimulation = true
	res, err := o.Execute(ctx, seq, opts)
	require.NoError(t, err)
	require.True(t, res.WaitingHITL)
	assert.Equal(t, HITLPositionAfter, res.HITLPosition)
	assert.Equal(t, 0, res.StepIndex)
	require.Len(t, res.Results, 1)
	assert.Equal(t, schema.StepCompleted, res.Results[0].Status)

	resumed, err := o.ResumeAfterHITL(ctx, res.HITLRequest.ID, "ok", nil)
	require.NoError(t, err)
	assert.True(t, resumed.Success)
	require.Len(t, resumed.Results, 2, "after-gate resume continues at the next step")
	assert.Equal(t, 1, resumed.Results[1].StepIndex)

	// Step one's output survives the pause via the persisted results.
	outputs := resumed.Context["outputs"].(map[string]any)
	assert.Contains(t, outputs, "deal")
}

func TestResumeWithInlineDefinition(t *testing.T) {
	s := newEngineTestStore(t)
	o := newTestOrchestrator(t, s, nil, nil, nil)
	ctx := context.Background()

	// Inline definitions never hit the registry; resume must work off the
	// snapshot persisted with the execution.
	seq := schema.SequenceDefinition{
		SequenceKey: "ad-hoc",
		Steps: []schema.SequenceStep{
			{Order: 1, Action: "create_lead", OutputKey: "lead"},
			{Order: 2, Action: "send_email", HITLBefore: &schema.HITLConfig{Enabled: true, Prompt: "Send?"}},
		},
	}

	opts := defaultOpts()
	opts.DisableHITLSkipInSimulation = true
	res, err := o.Execute(ctx, seq, opts)
	require.NoError(t, err)
	require.True(t, res.WaitingHITL)

	resumed, err := o.ResumeAfterHITL(ctx, res.HITLRequest.ID, "approve", nil)
	require.NoError(t, err)
	assert.True(t, resumed.Success)
	assert.Equal(t, schema.ExecutionCompleted, resumed.Status)
	require.Len(t, resumed.Results, 2)

	req, err := s.GetHITLRequest(ctx, res.HITLRequest.ID)
	require.NoError(t, err)
	assert.Equal(t, store.HITLResolved, req.Status)
}

func TestResumeFailedLoadLeavesRequestPending(t *testing.T) {
	s := newEngineTestStore(t)
	o := newTestOrchestrator(t, s, nil, nil, nil)
	ctx := context.Background()

	seq := schema.SequenceDefinition{
		SequenceKey: "gated",
		Steps: []schema.SequenceStep{
			{Order: 1, Action: "send_email", HITLBefore: &schema.HITLConfig{Enabled: true, Prompt: "Send?"}},
		},
	}

	opts := defaultOpts()
	opts.DisableHITLSkipInSimulation = true
	res, err := o.Execute(ctx, seq, opts)
	require.NoError(t, err)
	require.True(t, res.WaitingHITL)

	// If anything needed for the resume cannot be loaded, the request must
	// stay pending so the caller can retry once the cause is fixed.
	require.NoError(t, s.DeleteExecution(ctx, res.ExecutionID))

	_, err = o.ResumeAfterHITL(ctx, res.HITLRequest.ID, "approve", nil)
	require.Error(t, err)

	req, err := s.GetHITLRequest(ctx, res.HITLRequest.ID)
	require.NoError(t, err)
	assert.Equal(t, store.HITLPending, req.Status, "request is untouched when the load fails")
}

func TestResumePreservesForcedGates(t *testing.T) {
	s := newEngineTestStore(t)
	o := newTestOrchestrator(t, s, nil, nil, nil)
	ctx := context.Background()

	seq := schema.SequenceDefinition{
		SequenceKey: "double-gated",
		Steps: []schema.SequenceStep{
			{Order: 1, Action: "draft_email", HITLBefore: &schema.HITLConfig{Enabled: true, Prompt: "Draft?"}},
			{Order: 2, Action: "send_email", HITLBefore: &schema.HITLConfig{Enabled: true, Prompt: "Send?"}},
		},
	}

	opts := defaultOpts()
	opts.DisableHITLSkipInSimulation = true
	res, err := o.Execute(ctx, seq, opts)
	require.NoError(t, err)
	require.True(t, res.WaitingHITL)
	assert.Equal(t, 0, res.StepIndex)

	// Forcing gates in simulation survives the pause: the second gate still
	// fires after resuming the first.
	second, err := o.ResumeAfterHITL(ctx, res.HITLRequest.ID, "approve", nil)
	require.NoError(t, err)
	require.True(t, second.WaitingHITL, "second gate fires on the resumed run")
	assert.Equal(t, 1, second.StepIndex)

	final, err := o.ResumeAfterHITL(ctx, second.HITLRequest.ID, "approve", nil)
	require.NoError(t, err)
	assert.True(t, final.Success)
	assert.Equal(t, schema.ExecutionCompleted, final.Status)
	require.Len(t, final.Results, 2)
}

func TestExecuteDelegated(t *testing.T) {
	s := newEngineTestStore(t)
	backend := &fakeBackend{resp: &skills.SequenceResponse{
		Status: "completed",
		StepResults: []map[string]any{
			{"step_index": 0, "step_key": "find_contact", "status": "completed", "duration_ms": 120},
		},
		FinalOutput: map[string]any{"contact_id": "c_9"},
	}}
	o := newTestOrchestrator(t, s, nil, nil, backend)
	ctx := context.Background()

	seq := schema.SequenceDefinition{
		SequenceKey: "handoff",
		Steps:       []schema.SequenceStep{{Order: 1, SkillKey: "find_contact"}},
	}

	opts := defaultOpts()
	opts.IsSimulation = false
	opts.Delegated = true
	opts.TriggerContext = map[string]any{"email": "ada@example.com"}

	res, err := o.Execute(ctx, seq, opts)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, schema.ExecutionCompleted, res.Status)
	require.Len(t, backend.calls, 1)
	assert.Equal(t, "handoff", backend.calls[0].SequenceKey)
	assert.Equal(t, "ada@example.com", backend.calls[0].SequenceContext["email"])
	require.Len(t, res.Results, 1)
	assert.Equal(t, "find_contact", res.Results[0].StepKey)
	assert.Equal(t, "c_9", res.Context["contact_id"])
}

func TestExecuteDelegatedIgnoredInSimulation(t *testing.T) {
	s := newEngineTestStore(t)
	backend := &fakeBackend{err: errors.New("must not be called")}
	o := newTestOrchestrator(t, s, nil, nil, backend)

	seq := schema.SequenceDefinition{
		SequenceKey: "handoff",
		Steps:       []schema.SequenceStep{{Order: 1, Action: "create_lead"}},
	}

	opts := defaultOpts()
	opts.Delegated = true
	res, err := o.Execute(context.Background(), seq, opts)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Empty(t, backend.calls, "simulation is always client-driven")
}

func TestExecuteDelegatedBackendFailure(t *testing.T) {
	s := newEngineTestStore(t)
	backend := &fakeBackend{resp: &skills.SequenceResponse{Status: "failed", Error: "skill blew up"}}
	o := newTestOrchestrator(t, s, nil, nil, backend)

	seq := schema.SequenceDefinition{
		SequenceKey: "handoff",
		Steps:       []schema.SequenceStep{{Order: 1, SkillKey: "find_contact"}},
	}

	opts := defaultOpts()
	opts.IsSimulation = false
	opts.Delegated = true
	res, err := o.Execute(context.Background(), seq, opts)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, schema.ExecutionFailed, res.Status)
	assert.Equal(t, "skill blew up", res.Error)
}

func TestCancelParkedExecution(t *testing.T) {
	s := newEngineTestStore(t)
	o := newTestOrchestrator(t, s, nil, nil, nil)
	ctx := context.Background()

	seq := schema.SequenceDefinition{
		SequenceKey: "gated",
		Steps: []schema.SequenceStep{
			{Order: 1, Action: "send_email", HITLBefore: &schema.HITLConfig{Enabled: true, Prompt: "Send?"}},
		},
	}

	opts := defaultOpts()
	opts.DisableHITLSkipInSimulation = true
	res, err := o.Execute(ctx, seq, opts)
	require.NoError(t, err)
	require.True(t, res.WaitingHITL)

	require.NoError(t, o.Cancel(ctx, res.ExecutionID))

	got, err := o.Status(ctx, res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCancelled, got.Status)

	// Cancelling a terminal execution is a conflict.
	err = o.Cancel(ctx, res.ExecutionID)
	require.Error(t, err)
	var cerr *schema.CadenceError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, schema.ErrCodeConflict, cerr.Code)
}

func TestCancelInFlightExecution(t *testing.T) {
	s := newEngineTestStore(t)
	mocks := mock.NewGenerator()
	o := newTestOrchestrator(t, s, mocks, nil, nil)
	ctx := context.Background()

	started := make(chan string, 1)
	release := make(chan struct{})
	mocks.Register("slow_first", func(input, fallback map[string]any) map[string]any {
		return map[string]any{"ok": true}
	})
	o.steps.sleep = func(ctx context.Context, d time.Duration) {
		select {
		case started <- "":
		default:
		}
		select {
		case <-release:
		case <-ctx.Done():
		}
	}

	seq := schema.SequenceDefinition{
		SequenceKey: "slow",
		Steps: []schema.SequenceStep{
			{Order: 1, Action: "slow_first"},
			{Order: 2, Action: "create_lead"},
		},
	}

	type outcome struct {
		res *ExecutionResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := o.Execute(ctx, seq, defaultOpts())
		done <- outcome{res, err}
	}()

	<-started
	// The execution ID is only known through the store while in flight.
	var execID string
	require.Eventually(t, func() bool {
		execs, err := s.ListExecutions(ctx, store.ExecutionFilter{})
		if err != nil || len(execs) == 0 {
			return false
		}
		execID = execs[0].ID
		return true
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, o.Cancel(ctx, execID))
	close(release)

	out := <-done
	require.NoError(t, out.err)
	assert.Equal(t, schema.ExecutionCancelled, out.res.Status)
	assert.Less(t, len(out.res.Results), 2, "remaining steps never run after abort")

	got, err := s.GetExecution(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCancelled, got.Status)
}
