package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/SixtySecondsApp/cadence/internal/copilot"
)

// chatRequest is the body for one copilot chat turn.
type chatRequest struct {
	Message        string         `json:"message"`
	OrganizationID string         `json:"organization_id"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Context        map[string]any `json:"context,omitempty"`
}

// handleCopilotChat relays one chat turn as Server-Sent Events. The upstream
// stream is aborted when the client disconnects, so closing the connection is
// how a frontend stops generation.
func (s *Server) handleCopilotChat(w http.ResponseWriter, r *http.Request) {
	if s.deps.Copilot == nil {
		writeError(w, http.StatusServiceUnavailable, "copilot is not configured")
		return
	}

	var body chatRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if body.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if body.OrganizationID == "" {
		writeError(w, http.StatusBadRequest, "organization_id is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	frame := func(event string, payload any) {
		data, err := json.Marshal(payload)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
		flusher.Flush()
	}

	// Callbacks fire on the SendMessage goroutine, so writes never interleave.
	callbacks := copilot.Callbacks{
		OnToken:      func(content string) { frame("token", map[string]any{"content": content}) },
		OnToolStart:  func(tc copilot.ToolCall) { frame("tool_start", tc) },
		OnToolResult: func(tc copilot.ToolCall) { frame("tool_result", tc) },
		OnError:      func(msg string) { frame("error", map[string]any{"error": msg}) },
	}

	session := copilot.NewSession(s.deps.Copilot, s.deps.Store, body.OrganizationID, callbacks, s.deps.Logger)

	chatCtx := body.Context
	if body.ConversationID != "" {
		if chatCtx == nil {
			chatCtx = map[string]any{}
		}
		chatCtx["conversation_id"] = body.ConversationID
	}

	msg, err := session.SendMessage(r.Context(), body.Message, chatCtx)
	if err != nil {
		// Headers are already out; the error travels as a frame.
		frame("error", map[string]any{"error": err.Error()})
		return
	}

	frame("done", map[string]any{
		"message":         msg,
		"conversation_id": session.ConversationID(),
	})
}

// handleCopilotMessages returns the persisted history of one conversation.
func (s *Server) handleCopilotMessages(w http.ResponseWriter, r *http.Request) {
	convID := r.URL.Query().Get("conversation_id")
	if convID == "" {
		writeError(w, http.StatusBadRequest, "conversation_id is required")
		return
	}

	msgs, err := s.deps.Store.ListChatMessages(r.Context(), convID, queryInt(r, "limit", 100))
	if err != nil {
		writeCadenceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation_id": convID,
		"messages":        msgs,
		"total":           len(msgs),
	})
}

// handleCopilotClear drops the persisted history of one conversation.
func (s *Server) handleCopilotClear(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Store.ClearConversation(r.Context(), id); err != nil {
		writeCadenceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"conversation_id": id, "status": "cleared"})
}
