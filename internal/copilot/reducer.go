package copilot

import (
	"encoding/json"
	"time"

	"github.com/SixtySecondsApp/cadence/pkg/schema"
)

// Placeholder shown when a stream ends without producing any content.
const fallbackContent = "Something went wrong while generating a response. Please try again."

// Tool call states within a message.
const (
	ToolRunning   = "running"
	ToolCompleted = "completed"
	ToolError     = "error"
)

// ToolCall is one tool invocation within an assistant turn.
type ToolCall struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Input       json.RawMessage `json:"input,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Status      string          `json:"status"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// ActiveAgent is a sub-agent entry, deduplicated by name.
type ActiveAgent struct {
	Name    string `json:"name"`
	Display string `json:"display,omitempty"`
	Done    bool   `json:"done"`
}

// Message is a chat turn as accumulated by the reducer.
type Message struct {
	ID           string          `json:"id"`
	Role         string          `json:"role"`
	Content      string          `json:"content"`
	IsStreaming  bool            `json:"is_streaming"`
	ToolCalls    []ToolCall      `json:"tool_calls,omitempty"`
	ActiveAgents []ActiveAgent   `json:"active_agents,omitempty"`
	Structured   json.RawMessage `json:"structured,omitempty"`
	Error        string          `json:"error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// ToolNames lists the distinct tool names used in this turn, in call order.
func (m *Message) ToolNames() []string {
	seen := map[string]bool{}
	var names []string
	for _, tc := range m.ToolCalls {
		if tc.Name != "" && !seen[tc.Name] {
			seen[tc.Name] = true
			names = append(names, tc.Name)
		}
	}
	return names
}

// Callbacks are invoked as the reducer folds events. All are optional.
type Callbacks struct {
	OnToken      func(content string)
	OnToolStart  func(tc ToolCall)
	OnToolResult func(tc ToolCall)
	OnInvalidate func(resource string)
	OnComplete   func(content string, toolNames []string)
	OnError      func(message string)
}

// Reducer folds a stream of events into one assistant message. It is
// single-threaded: callers feed events from exactly one goroutine.
type Reducer struct {
	msg            *Message
	callbacks      Callbacks
	conversationID string
}

// NewReducer starts a reducer over a fresh streaming assistant message.
func NewReducer(messageID string, callbacks Callbacks) *Reducer {
	return &Reducer{
		msg: &Message{
			ID:          messageID,
			Role:        "assistant",
			IsStreaming: true,
			CreatedAt:   time.Now().UTC(),
		},
		callbacks: callbacks,
	}
}

// Message returns the message being accumulated.
func (r *Reducer) Message() *Message { return r.msg }

// ConversationID returns the conversation id reported by the done event, if any.
func (r *Reducer) ConversationID() string { return r.conversationID }

// Apply folds one stream event into the message.
func (r *Reducer) Apply(ev schema.StreamEvent) {
	switch ev.Type {
	case schema.StreamEventToken:
		r.msg.Content += ev.Content
		if r.callbacks.OnToken != nil {
			r.callbacks.OnToken(r.msg.Content)
		}

	case schema.StreamEventToolStart:
		tc := ToolCall{
			ID:        ev.ToolID,
			Name:      ev.ToolName,
			Input:     ev.ToolInput,
			Status:    ToolRunning,
			StartedAt: time.Now().UTC(),
		}
		r.msg.ToolCalls = append(r.msg.ToolCalls, tc)
		if r.callbacks.OnToolStart != nil {
			r.callbacks.OnToolStart(tc)
		}

	case schema.StreamEventToolResult:
		idx := r.findToolCall(ev.ToolID)
		if idx < 0 {
			return
		}
		tc := &r.msg.ToolCalls[idx]
		now := time.Now().UTC()
		tc.CompletedAt = &now
		if ev.Error != nil {
			tc.Status = ToolError
			tc.Error = schema.CoerceMessage(ev.Error)
		} else {
			tc.Status = ToolCompleted
			tc.Result = ev.Result
		}
		if r.callbacks.OnToolResult != nil {
			r.callbacks.OnToolResult(*tc)
		}
		if ev.Resource != "" && r.callbacks.OnInvalidate != nil {
			r.callbacks.OnInvalidate(ev.Resource)
		}

	case schema.StreamEventAgentStart:
		if ev.AgentName == "" {
			return
		}
		for i := range r.msg.ActiveAgents {
			if r.msg.ActiveAgents[i].Name == ev.AgentName {
				r.msg.ActiveAgents[i].Done = false
				return
			}
		}
		r.msg.ActiveAgents = append(r.msg.ActiveAgents, ActiveAgent{
			Name:    ev.AgentName,
			Display: ev.AgentDisplay,
		})

	case schema.StreamEventAgentDone:
		for i := range r.msg.ActiveAgents {
			if r.msg.ActiveAgents[i].Name == ev.AgentName {
				r.msg.ActiveAgents[i].Done = true
			}
		}

	case schema.StreamEventStructured:
		r.msg.Structured = ev.Payload

	case schema.StreamEventDone:
		if ev.ConversationID != "" {
			r.conversationID = ev.ConversationID
		}
		r.msg.IsStreaming = false
		if r.callbacks.OnComplete != nil {
			r.callbacks.OnComplete(r.msg.Content, r.msg.ToolNames())
		}

	case schema.StreamEventError:
		msg := schema.CoerceMessage(ev.Error)
		r.msg.Error = msg
		r.msg.Content = msg
		r.msg.IsStreaming = false
		if r.callbacks.OnError != nil {
			r.callbacks.OnError(msg)
		}
	}
}

// Finalize forces the terminal state after the read loop ends. A stream that
// drops mid-message must still leave a non-streaming message with content.
func (r *Reducer) Finalize() {
	if r.msg.IsStreaming {
		r.msg.IsStreaming = false
	}
	if r.msg.Content == "" {
		r.msg.Content = fallbackContent
	}
	for i := range r.msg.ToolCalls {
		if r.msg.ToolCalls[i].Status == ToolRunning {
			r.msg.ToolCalls[i].Status = ToolError
			r.msg.ToolCalls[i].Error = "interrupted"
		}
	}
}

func (r *Reducer) findToolCall(id string) int {
	for i := range r.msg.ToolCalls {
		if r.msg.ToolCalls[i].ID == id {
			return i
		}
	}
	return -1
}
