package mcp

import (
	"errors"

	"github.com/mark3labs/mcp-go/server"

	"github.com/SixtySecondsApp/cadence/internal/notify"
)

// ApprovalNotifier pushes approval-request notifications to the MCP session
// registered for the request's organization. It satisfies the engine's
// async notifier contract, so the approval gate can announce over MCP the
// same way it announces over Slack.
type ApprovalNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewApprovalNotifier creates a notifier that pushes via MCP SSE.
func NewApprovalNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *ApprovalNotifier {
	return &ApprovalNotifier{mcpServer: mcpServer, sessions: sessions}
}

// NotifyAsync sends the approval request to the organization's session.
// Best-effort: a disconnected organization is not an error.
func (n *ApprovalNotifier) NotifyAsync(notification notify.Notification) {
	sessionID, ok := n.sessions.SessionFor(notification.OrganizationID)
	if !ok {
		return
	}
	payload := map[string]any{
		"type":         "approval_request",
		"request_id":   notification.RequestID,
		"execution_id": notification.ExecutionID,
		"prompt":       notification.Prompt,
		"options":      notification.Options,
		"expires_at":   notification.ExpiresAt,
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send.
		n.sessions.Remove(sessionID)
	}
}
