package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"

	"github.com/SixtySecondsApp/cadence/internal/copilot"
	"github.com/SixtySecondsApp/cadence/internal/engine"
	"github.com/SixtySecondsApp/cadence/internal/store"
	"github.com/SixtySecondsApp/cadence/internal/streaming"
	"github.com/SixtySecondsApp/cadence/internal/validation"
	"github.com/SixtySecondsApp/cadence/pkg/schema"
)

// Runner is the slice of the orchestrator the API exposes.
type Runner interface {
	Execute(ctx context.Context, seq schema.SequenceDefinition, opts engine.ExecuteOptions) (*engine.ExecutionResult, error)
	ResumeAfterHITL(ctx context.Context, requestID string, response any, responseContext map[string]any) (*engine.ExecutionResult, error)
	Cancel(ctx context.Context, executionID string) error
}

// Deps holds the dependencies for the API server.
type Deps struct {
	Store     store.Store
	Runner    Runner
	Validator validation.Validator
	Hub       streaming.EventHub
	// Copilot streams chat turns from the autonomous-execution backend.
	// Nil disables the chat endpoint; history endpoints stay available.
	Copilot *copilot.Client
	Logger  *slog.Logger
}

// Server serves the REST and SSE surface for the web frontend.
type Server struct {
	deps   Deps
	events *store.EventLog
}

// NewServer creates an API server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Server{
		deps:   deps,
		events: store.NewEventLog(deps.Store, deps.Logger),
	}
}

// Handler returns the HTTP handler for all API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Sequence registry.
	mux.HandleFunc("POST /api/sequences", s.handleUpsertSequence)
	mux.HandleFunc("GET /api/sequences", s.handleListSequences)
	mux.HandleFunc("GET /api/sequences/{key}", s.handleGetSequence)
	mux.HandleFunc("DELETE /api/sequences/{key}", s.handleDeleteSequence)

	// Executions.
	mux.HandleFunc("POST /api/executions", s.handleExecute)
	mux.HandleFunc("GET /api/executions", s.handleListExecutions)
	mux.HandleFunc("GET /api/executions/{id}", s.handleGetExecution)
	mux.HandleFunc("POST /api/executions/{id}/cancel", s.handleCancelExecution)
	mux.HandleFunc("GET /api/executions/{id}/timeline", s.handleTimeline)

	// Approval requests.
	mux.HandleFunc("GET /api/hitl", s.handleListHITL)
	mux.HandleFunc("GET /api/hitl/{id}", s.handleGetHITL)
	mux.HandleFunc("POST /api/hitl/{id}/respond", s.handleRespondHITL)

	// Copilot chat.
	mux.HandleFunc("POST /api/copilot/chat", s.handleCopilotChat)
	mux.HandleFunc("GET /api/copilot/messages", s.handleCopilotMessages)
	mux.HandleFunc("DELETE /api/copilot/conversations/{id}", s.handleCopilotClear)

	// SSE streams.
	mux.HandleFunc("GET /sse/events", s.handleSSEGlobal)
	mux.HandleFunc("GET /sse/executions/{id}", s.handleSSEExecution)

	return mux
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeCadenceError maps a structured error to an HTTP status.
func writeCadenceError(w http.ResponseWriter, err error) {
	var cerr *schema.CadenceError
	if !errors.As(err, &cerr) {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	status := http.StatusInternalServerError
	switch cerr.Code {
	case schema.ErrCodeNotFound:
		status = http.StatusNotFound
	case schema.ErrCodeValidation, schema.ErrCodePrecondition, schema.ErrCodeInterpolation:
		status = http.StatusBadRequest
	case schema.ErrCodeConflict, schema.ErrCodeInvalidTransition:
		status = http.StatusConflict
	case schema.ErrCodeUnsupported:
		status = http.StatusUnprocessableEntity
	case schema.ErrCodeTimeout:
		status = http.StatusGatewayTimeout
	}

	body := map[string]any{"error": cerr.Message, "code": cerr.Code}
	if len(cerr.Details) > 0 {
		body["details"] = cerr.Details
	}
	writeJSON(w, status, body)
}
