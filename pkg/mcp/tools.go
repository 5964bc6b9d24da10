package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/SixtySecondsApp/cadence/internal/engine"
	"github.com/SixtySecondsApp/cadence/internal/store"
	"github.com/SixtySecondsApp/cadence/pkg/schema"
)

// handleExecute runs a sequence, either registered by key or provided inline.
func (s *CadenceServer) handleExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	orgID, err := req.RequireString("organization_id")
	if err != nil {
		return mcp.NewToolResultError("organization_id is required"), nil
	}
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("user_id is required"), nil
	}

	s.captureSession(ctx, orgID)

	var def schema.SequenceDefinition
	if raw := mcp.ParseStringMap(req, "definition", nil); raw != nil {
		if decodeErr := decodeInto(raw, &def); decodeErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", decodeErr)), nil
		}
		if valErr := s.validator.ValidateDefinition(&def); valErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("definition rejected: %v", valErr)), nil
		}
	} else {
		key := req.GetString("sequence_key", "")
		if key == "" {
			return mcp.NewToolResultError("either sequence_key or definition is required"), nil
		}
		rec, getErr := s.store.GetSequence(ctx, key)
		if getErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("sequence lookup failed: %v", getErr)), nil
		}
		if !rec.Enabled {
			return mcp.NewToolResultError(fmt.Sprintf("sequence %q is disabled", key)), nil
		}
		def = rec.Definition
	}

	opts := engine.ExecuteOptions{
		OrganizationID:              orgID,
		UserID:                      userID,
		TriggerContext:              mcp.ParseStringMap(req, "trigger_context", nil),
		IsSimulation:                req.GetBool("is_simulation", true),
		DisableHITLSkipInSimulation: req.GetBool("disable_hitl_skip_in_simulation", false),
	}

	result, runErr := s.runner.Execute(ctx, def, opts)
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("execution failed: %v", runErr)), nil
	}
	return marshalResult(result)
}

// handleStatus returns the persisted state of an execution.
func (s *CadenceServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	exec, getErr := s.store.GetExecution(ctx, executionID)
	if getErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", getErr)), nil
	}
	return marshalResult(exec)
}

// handleRespond answers a pending approval request and resumes the execution.
func (s *CadenceServer) handleRespond(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	requestID, err := req.RequireString("request_id")
	if err != nil {
		return mcp.NewToolResultError("request_id is required"), nil
	}
	response, err := req.RequireString("response")
	if err != nil {
		return mcp.NewToolResultError("response is required"), nil
	}
	responseContext := mcp.ParseStringMap(req, "response_context", nil)

	result, resumeErr := s.runner.ResumeAfterHITL(ctx, requestID, response, responseContext)
	if resumeErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("respond failed: %v", resumeErr)), nil
	}
	return marshalResult(result)
}

// handleCancel aborts a running or parked execution.
func (s *CadenceServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	if cancelErr := s.runner.Cancel(ctx, executionID); cancelErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", cancelErr)), nil
	}
	return marshalResult(map[string]any{
		"ok":           true,
		"execution_id": executionID,
		"status":       "cancelling",
	})
}

// handleDefine validates and registers a sequence under its key.
func (s *CadenceServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw := mcp.ParseStringMap(req, "definition", nil)
	if raw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}

	var def schema.SequenceDefinition
	if decodeErr := decodeInto(raw, &def); decodeErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", decodeErr)), nil
	}
	if valErr := s.validator.ValidateDefinition(&def); valErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("definition rejected: %v", valErr)), nil
	}

	name := req.GetString("name", "")
	if name == "" {
		name = def.Name
	}
	now := time.Now().UTC()
	rec := &store.SequenceRecord{
		Key:        def.SequenceKey,
		Name:       name,
		Definition: def,
		Enabled:    req.GetBool("enabled", true),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if storeErr := s.store.UpsertSequence(ctx, rec); storeErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to store sequence: %v", storeErr)), nil
	}

	return marshalResult(map[string]any{
		"sequence_key": def.SequenceKey,
		"steps":        len(def.Steps),
		"enabled":      rec.Enabled,
	})
}

// handleQuery lists sequences, executions, approvals, or events based on filters.
func (s *CadenceServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "sequences":
		return s.querySequences(ctx)
	case "executions":
		return s.queryExecutions(ctx, filter)
	case "approvals":
		return s.queryApprovals(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// --- Query helpers ---

func (s *CadenceServer) querySequences(ctx context.Context) (*mcp.CallToolResult, error) {
	recs, err := s.store.ListSequences(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"sequences": recs})
}

func (s *CadenceServer) queryExecutions(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	ef := store.ExecutionFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		es := schema.ExecutionStatus(status)
		ef.Status = &es
	}
	if orgID, ok := filter["organization_id"].(string); ok {
		ef.OrganizationID = orgID
	}
	if key, ok := filter["sequence_key"].(string); ok {
		ef.SequenceKey = key
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			ef.Since = &t
		}
	}

	execs, err := s.store.ListExecutions(ctx, ef)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"executions": execs})
}

func (s *CadenceServer) queryApprovals(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	hf := store.HITLFilter{
		Status: "pending",
		Limit:  extractInt(filter, "limit", 50),
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		hf.Status = status
	}
	if execID, ok := filter["execution_id"].(string); ok {
		hf.ExecutionID = execID
	}

	reqs, err := s.store.ListHITLRequests(ctx, hf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"requests": reqs})
}

func (s *CadenceServer) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	ef := store.EventFilter{
		Limit: extractInt(filter, "limit", 100),
	}
	if execID, ok := filter["execution_id"].(string); ok {
		ef.ExecutionID = execID
	}
	if eventType, ok := filter["event_type"].(string); ok {
		ef.EventType = eventType
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			ef.Since = &t
		}
	}

	if ef.EventType != "" {
		events, err := s.store.GetEventsByType(ctx, ef.EventType, ef)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
		}
		return marshalResult(map[string]any{"events": events})
	}

	if ef.ExecutionID == "" {
		return mcp.NewToolResultError("event query requires either 'event_type' or 'execution_id' in filter"), nil
	}
	events, err := s.store.GetEvents(ctx, ef.ExecutionID, 0)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"events": events})
}

// --- Internal helpers ---

// decodeInto round-trips a tool argument map into a typed value.
func decodeInto(raw map[string]any, v any) error {
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// captureSession maps the organization to its current MCP session so approval
// notifications can be pushed back over the same connection.
func (s *CadenceServer) captureSession(ctx context.Context, organizationID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(organizationID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
