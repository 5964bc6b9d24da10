// Package notify delivers human-facing notifications for pending approval
// requests. Delivery is best-effort: a failed notification is logged and
// swallowed, never propagated to the gate that triggered it.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

const notifyTimeout = 10 * time.Second

// Notifier pushes an approval-request notification to an external channel.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Notification describes one approval request to announce.
type Notification struct {
	RequestID      string
	ExecutionID    string
	OrganizationID string
	ChannelID      string
	Prompt         string
	Options        []string
	ExpiresAt      time.Time
}

// SlackNotifier posts notifications to a Slack incoming webhook.
type SlackNotifier struct {
	webhookURL string
	http       *http.Client
	logger     *slog.Logger
}

// NewSlackNotifier creates a webhook-backed notifier. An empty webhook URL
// yields a notifier that drops everything, so callers never need to branch.
func NewSlackNotifier(webhookURL string, logger *slog.Logger) *SlackNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlackNotifier{
		webhookURL: webhookURL,
		http:       &http.Client{Timeout: notifyTimeout},
		logger:     logger,
	}
}

// Notify posts the request to Slack. Callers should treat the returned error
// as advisory; NotifyAsync is the usual entry point.
func (n *SlackNotifier) Notify(ctx context.Context, notification Notification) error {
	if n.webhookURL == "" {
		return nil
	}

	payload := map[string]any{
		"text": n.renderText(notification),
	}
	if notification.ChannelID != "" {
		payload["channel"] = notification.ChannelID
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.http.Do(req)
	if err != nil {
		return fmt.Errorf("post slack notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("slack webhook returned %d", resp.StatusCode)
	}
	return nil
}

// NotifyAsync fires the notification in the background, detached from the
// caller's context so gate completion never waits on Slack.
func (n *SlackNotifier) NotifyAsync(notification Notification) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()

		if err := n.Notify(ctx, notification); err != nil {
			n.logger.Warn("approval notification failed",
				slog.String("request_id", notification.RequestID),
				slog.String("execution_id", notification.ExecutionID),
				slog.String("error", err.Error()),
			)
		}
	}()
}

func (n *SlackNotifier) renderText(notification Notification) string {
	text := fmt.Sprintf("*Approval needed*\n%s", notification.Prompt)
	if len(notification.Options) > 0 {
		text += "\nOptions:"
		for _, opt := range notification.Options {
			text += fmt.Sprintf("\n• %s", opt)
		}
	}
	if !notification.ExpiresAt.IsZero() {
		text += fmt.Sprintf("\nExpires: %s", notification.ExpiresAt.UTC().Format(time.RFC3339))
	}
	text += fmt.Sprintf("\nRequest: %s", notification.RequestID)
	return text
}

var _ Notifier = (*SlackNotifier)(nil)
