package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SixtySecondsApp/cadence/internal/copilot"
	"github.com/SixtySecondsApp/cadence/internal/engine"
	"github.com/SixtySecondsApp/cadence/internal/expressions"
	"github.com/SixtySecondsApp/cadence/internal/mock"
	"github.com/SixtySecondsApp/cadence/internal/store"
	"github.com/SixtySecondsApp/cadence/internal/streaming"
	"github.com/SixtySecondsApp/cadence/internal/validation"
	"github.com/SixtySecondsApp/cadence/pkg/schema"
)

type apiFixture struct {
	store *store.LibSQLStore
	hub   *streaming.MemoryHub
	srv   *httptest.Server
}

func newAPIFixture(t *testing.T) *apiFixture {
	return newAPIFixtureWith(t, nil)
}

func newAPIFixtureWith(t *testing.T, chat *copilot.Client) *apiFixture {
	t.Helper()

	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "api-test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)
	validator, err := validation.NewSequenceValidator()
	require.NoError(t, err)

	steps := engine.NewStepExecutor(mock.NewGenerator(), nil, nil)
	steps.SetSleep(func(ctx context.Context, d time.Duration) {})
	gate := engine.NewHITLGate(s, engine.NewExecutionFSM(s), nil, nil, nil)
	hub := streaming.NewMemoryHub()
	runner := engine.NewOrchestrator(s, s, steps, gate, cel, nil, hub, nil)

	server := NewServer(Deps{Store: s, Runner: runner, Validator: validator, Hub: hub, Copilot: chat})
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	return &apiFixture{store: s, hub: hub, srv: srv}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, f.srv.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func sequenceBody(key string, steps ...map[string]any) map[string]any {
	if len(steps) == 0 {
		steps = []map[string]any{{"order": 1, "action": "create_lead"}}
	}
	return map[string]any{
		"definition": map[string]any{
			"sequence_key":   key,
			"sequence_steps": steps,
		},
	}
}

func TestSequenceRegistry(t *testing.T) {
	f := newAPIFixture(t)

	resp, body := f.do(t, http.MethodPost, "/api/sequences", sequenceBody("inbound-lead"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "inbound-lead", body["sequence_key"])

	resp, body = f.do(t, http.MethodGet, "/api/sequences", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["total"])

	resp, _ = f.do(t, http.MethodGet, "/api/sequences/inbound-lead", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/api/sequences/missing", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodDelete, "/api/sequences/inbound-lead", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/api/sequences/inbound-lead", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUpsertSequenceRejectsInvalid(t *testing.T) {
	f := newAPIFixture(t)

	resp, body := f.do(t, http.MethodPost, "/api/sequences",
		sequenceBody("bad", map[string]any{"order": 1}))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, schema.ErrCodeValidation, body["code"])
}

func TestExecuteSimulation(t *testing.T) {
	f := newAPIFixture(t)

	resp, body := f.do(t, http.MethodPost, "/api/executions", map[string]any{
		"definition": map[string]any{
			"sequence_key": "inbound-lead",
			"sequence_steps": []map[string]any{
				{"order": 1, "action": "create_lead", "output_key": "lead"},
				{"order": 2, "action": "send_email", "input_mapping": map[string]any{"to": "${trigger.email}"}},
			},
		},
		"organization_id": "org_1",
		"user_id":         "user_1",
		"is_simulation":   true,
		"trigger_context": map[string]any{"email": "ada@example.com"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "completed", body["status"])

	results := body["results"].([]any)
	require.Len(t, results, 2)
	second := results[1].(map[string]any)
	assert.Equal(t, "ada@example.com", second["input"].(map[string]any)["to"])

	execID := body["execution_id"].(string)
	resp, body = f.do(t, http.MethodGet, "/api/executions/"+execID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "completed", body["status"])

	resp, body = f.do(t, http.MethodGet, "/api/executions/"+execID+"/timeline", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, body["events"])
}

func TestExecuteByRegisteredKey(t *testing.T) {
	f := newAPIFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/api/sequences", sequenceBody("daily-digest"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := f.do(t, http.MethodPost, "/api/executions", map[string]any{
		"sequence_key":    "daily-digest",
		"organization_id": "org_1",
		"user_id":         "user_1",
		"is_simulation":   true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "completed", body["status"])
}

func TestExecuteValidationFailures(t *testing.T) {
	f := newAPIFixture(t)

	// Neither key nor definition.
	resp, _ := f.do(t, http.MethodPost, "/api/executions", map[string]any{
		"organization_id": "org_1", "user_id": "user_1",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Unknown key.
	resp, _ = f.do(t, http.MethodPost, "/api/executions", map[string]any{
		"sequence_key": "ghost", "organization_id": "org_1", "user_id": "user_1",
	})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Missing organization: precondition failure, no row created.
	resp, _ = f.do(t, http.MethodPost, "/api/executions",
		mergeMaps(sequenceBody("x"), map[string]any{"user_id": "user_1", "is_simulation": true}))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := f.do(t, http.MethodGet, "/api/executions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(0), body["total"])
}

func TestHITLRoundTripOverHTTP(t *testing.T) {
	f := newAPIFixture(t)

	gated := map[string]any{
		"definition": map[string]any{
			"sequence_key": "gated",
			"sequence_steps": []map[string]any{
				{"order": 1, "action": "create_lead", "output_key": "lead"},
				{"order": 2, "action": "send_email", "hitl_before": map[string]any{
					"enabled": true, "prompt": "Send the email?",
				}},
			},
		},
	}
	resp, _ := f.do(t, http.MethodPost, "/api/sequences", gated)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := f.do(t, http.MethodPost, "/api/executions", map[string]any{
		"sequence_key":                    "gated",
		"organization_id":                 "org_1",
		"user_id":                         "user_1",
		"is_simulation":                   true,
		"disable_hitl_skip_in_simulation": true,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, true, body["waiting_hitl"])
	reqID := body["hitl_request"].(map[string]any)["id"].(string)

	resp, body = f.do(t, http.MethodGet, "/api/hitl", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["total"])

	resp, body = f.do(t, http.MethodPost, "/api/hitl/"+reqID+"/respond", map[string]any{
		"response": "approve",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "completed", body["status"])

	// A second respond on the same request conflicts.
	resp, _ = f.do(t, http.MethodPost, "/api/hitl/"+reqID+"/respond", map[string]any{
		"response": "approve",
	})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestCancelExecutionEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/api/sequences", sequenceBody("gated",
		map[string]any{"order": 1, "action": "send_email", "hitl_before": map[string]any{
			"enabled": true, "prompt": "Send?",
		}}))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := f.do(t, http.MethodPost, "/api/executions", map[string]any{
		"sequence_key":                    "gated",
		"organization_id":                 "org_1",
		"user_id":                         "user_1",
		"is_simulation":                   true,
		"disable_hitl_skip_in_simulation": true,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	execID := body["execution_id"].(string)

	resp, _ = f.do(t, http.MethodPost, "/api/executions/"+execID+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/api/executions/"+execID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cancelled", body["status"])

	// Cancelling a terminal execution conflicts.
	resp, _ = f.do(t, http.MethodPost, "/api/executions/"+execID+"/cancel", nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestSSEExecutionStream(t *testing.T) {
	f := newAPIFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.srv.URL+"/sse/executions/exec_42", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Publish until the handler's subscription picks a frame up.
	idx := 0
	go func() {
		ticker := time.NewTicker(25 * time.Millisecond)
		defer ticker.Stop()
		for {
			_ = f.hub.Publish(ctx, streaming.StreamEvent{
				ExecutionID: "exec_42",
				StepIndex:   &idx,
				EventType:   schema.EventStepStarted,
				Payload:     map[string]any{"step_key": "create_lead"},
			})
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	reader := bufio.NewReader(resp.Body)
	eventLine, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("event: %s", schema.EventStepStarted), strings.TrimSpace(eventLine))

	dataLine, err := reader.ReadString('\n')
	require.NoError(t, err)
	var event streaming.StreamEvent
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(dataLine), "data: ")), &event))
	assert.Equal(t, "exec_42", event.ExecutionID)
}

func mergeMaps(base, extra map[string]any) map[string]any {
	out := map[string]any{}
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
