package schema

import "encoding/json"

// Stream event names used by the autonomous-execution SSE protocol.
// The copilot reducer consumes these; the engine does not produce them.
const (
	StreamEventToken      = "token"
	StreamEventToolStart  = "tool_start"
	StreamEventToolResult = "tool_result"
	StreamEventAgentStart = "agent_start"
	StreamEventAgentDone  = "agent_done"
	StreamEventStructured = "structured"
	StreamEventDone       = "done"
	StreamEventError      = "error"
)

// StreamEvent is one parsed SSE frame from the autonomous-execution endpoint.
// Fields are populated per event type; absent fields are zero.
type StreamEvent struct {
	Type string `json:"type"`

	// token
	Content string `json:"content,omitempty"`

	// tool_start / tool_result
	ToolID    string          `json:"tool_id,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	ToolInput json.RawMessage `json:"tool_input,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	// Resource the tool touched, when the result implies a side effect the
	// client should refresh (e.g. "deal", "contact").
	Resource string `json:"resource,omitempty"`

	// agent_start / agent_done
	AgentName    string `json:"agent_name,omitempty"`
	AgentDisplay string `json:"agent_display,omitempty"`

	// structured
	Payload json.RawMessage `json:"payload,omitempty"`

	// done
	ConversationID string `json:"conversation_id,omitempty"`

	// error (also used on tool_result failures)
	Error any `json:"error,omitempty"`
}
