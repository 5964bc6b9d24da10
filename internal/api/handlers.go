package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/SixtySecondsApp/cadence/internal/engine"
	"github.com/SixtySecondsApp/cadence/internal/store"
	"github.com/SixtySecondsApp/cadence/pkg/schema"
)

// handleUpsertSequence validates and registers a sequence definition.
func (s *Server) handleUpsertSequence(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body struct {
		Name       string                    `json:"name"`
		Enabled    *bool                     `json:"enabled"`
		Definition schema.SequenceDefinition `json:"definition"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	if err := s.deps.Validator.ValidateDefinition(&body.Definition); err != nil {
		writeCadenceError(w, err)
		return
	}

	enabled := true
	if body.Enabled != nil {
		enabled = *body.Enabled
	}
	name := body.Name
	if name == "" {
		name = body.Definition.Name
	}

	now := time.Now().UTC()
	rec := &store.SequenceRecord{
		Key:        body.Definition.SequenceKey,
		Name:       name,
		Definition: body.Definition,
		Enabled:    enabled,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.deps.Store.UpsertSequence(ctx, rec); err != nil {
		writeCadenceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"sequence_key": rec.Key,
		"steps":        len(body.Definition.Steps),
	})
}

func (s *Server) handleListSequences(w http.ResponseWriter, r *http.Request) {
	recs, err := s.deps.Store.ListSequences(r.Context())
	if err != nil {
		writeCadenceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sequences": recs, "total": len(recs)})
}

func (s *Server) handleGetSequence(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Store.GetSequence(r.Context(), r.PathValue("key"))
	if err != nil {
		writeCadenceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteSequence(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := s.deps.Store.DeleteSequence(r.Context(), key); err != nil {
		writeCadenceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"sequence_key": key, "status": "deleted"})
}

// executeRequest is the body for starting an execution. A registered
// sequence_key and an inline definition are both accepted; the inline
// definition wins when both are present.
type executeRequest struct {
	SequenceKey     string                     `json:"sequence_key,omitempty"`
	Definition      *schema.SequenceDefinition `json:"definition,omitempty"`
	OrganizationID  string                     `json:"organization_id"`
	UserID          string                     `json:"user_id"`
	TriggerContext  map[string]any             `json:"trigger_context,omitempty"`
	IsSimulation    bool                       `json:"is_simulation,omitempty"`
	MockData        map[string]any             `json:"mock_data,omitempty"`
	Delegated       bool                       `json:"delegated,omitempty"`
	DisableHITLSkip bool                       `json:"disable_hitl_skip_in_simulation,omitempty"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body executeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	var seq schema.SequenceDefinition
	switch {
	case body.Definition != nil:
		if err := s.deps.Validator.ValidateDefinition(body.Definition); err != nil {
			writeCadenceError(w, err)
			return
		}
		seq = *body.Definition
	case body.SequenceKey != "":
		rec, err := s.deps.Store.GetSequence(ctx, body.SequenceKey)
		if err != nil {
			writeCadenceError(w, err)
			return
		}
		if !rec.Enabled {
			writeError(w, http.StatusConflict, fmt.Sprintf("sequence %q is disabled", body.SequenceKey))
			return
		}
		seq = rec.Definition
	default:
		writeError(w, http.StatusBadRequest, "one of sequence_key or definition is required")
		return
	}

	result, err := s.deps.Runner.Execute(ctx, seq, engine.ExecuteOptions{
		OrganizationID:              body.OrganizationID,
		UserID:                      body.UserID,
		TriggerContext:              body.TriggerContext,
		IsSimulation:                body.IsSimulation,
		MockData:                    body.MockData,
		Delegated:                   body.Delegated,
		DisableHITLSkipInSimulation: body.DisableHITLSkip,
	})
	if err != nil {
		writeCadenceError(w, err)
		return
	}

	status := http.StatusOK
	if result.WaitingHITL {
		status = http.StatusAccepted
	}
	writeJSON(w, status, result)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	filter := store.ExecutionFilter{
		OrganizationID: r.URL.Query().Get("organization_id"),
		SequenceKey:    r.URL.Query().Get("sequence_key"),
		Limit:          queryInt(r, "limit", 50),
		Offset:         queryInt(r, "offset", 0),
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := schema.ExecutionStatus(raw)
		filter.Status = &status
	}

	execs, err := s.deps.Store.ListExecutions(r.Context(), filter)
	if err != nil {
		writeCadenceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": execs, "total": len(execs)})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.deps.Store.GetExecution(r.Context(), r.PathValue("id"))
	if err != nil {
		writeCadenceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Runner.Cancel(r.Context(), id); err != nil {
		writeCadenceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"execution_id": id, "status": "cancelling"})
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	// 404 for unknown executions rather than an empty timeline.
	if _, err := s.deps.Store.GetExecution(r.Context(), id); err != nil {
		writeCadenceError(w, err)
		return
	}

	events, err := s.events.Timeline(r.Context(), id)
	if err != nil {
		writeCadenceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"execution_id": id, "events": events})
}

func (s *Server) handleListHITL(w http.ResponseWriter, r *http.Request) {
	filter := store.HITLFilter{
		ExecutionID: r.URL.Query().Get("execution_id"),
		Status:      r.URL.Query().Get("status"),
		Limit:       queryInt(r, "limit", 50),
	}
	if filter.Status == "" {
		filter.Status = store.HITLPending
	}

	reqs, err := s.deps.Store.ListHITLRequests(r.Context(), filter)
	if err != nil {
		writeCadenceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": reqs, "total": len(reqs)})
}

func (s *Server) handleGetHITL(w http.ResponseWriter, r *http.Request) {
	req, err := s.deps.Store.GetHITLRequest(r.Context(), r.PathValue("id"))
	if err != nil {
		writeCadenceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleRespondHITL(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var body struct {
		Response        any            `json:"response"`
		ResponseContext map[string]any `json:"response_context,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if body.Response == nil {
		writeError(w, http.StatusBadRequest, "response is required")
		return
	}

	result, err := s.deps.Runner.ResumeAfterHITL(r.Context(), id, body.Response, body.ResponseContext)
	if err != nil {
		writeCadenceError(w, err)
		return
	}

	status := http.StatusOK
	if result.WaitingHITL {
		status = http.StatusAccepted
	}
	writeJSON(w, status, result)
}

// queryInt extracts an integer query param with a default value.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
