// Package skills talks to the remote skill-execution backend. Live runs go
// through it; simulation runs never touch it.
package skills

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/SixtySecondsApp/cadence/pkg/schema"
)

const (
	defaultTimeout         = 120 * time.Second
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
)

// Config configures the backend client.
type Config struct {
	// BaseURL of the skill-execution backend, without trailing slash.
	BaseURL string
	// AuthToken is sent as a bearer token when non-empty.
	AuthToken string
	// Timeout bounds a single backend call. Delegated sequence runs can be
	// slow, so the default is generous.
	Timeout time.Duration
	// MaxResponseBody caps how much of a backend response is read.
	MaxResponseBody int64
}

// Client invokes single skills and delegated sequence runs over HTTP.
type Client struct {
	config Config
	http   *http.Client
}

// NewClient creates a backend client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		config: cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
	}
}

// SkillRequest is the payload for a single skill invocation.
type SkillRequest struct {
	SkillKey       string         `json:"skill_key"`
	Context        map[string]any `json:"context"`
	OrganizationID string         `json:"organization_id"`
}

// SkillResponse is the backend's result for a single skill invocation.
type SkillResponse struct {
	Status string         `json:"status"` // success | partial | failed
	Data   map[string]any `json:"data,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// SequenceRequest is the payload for a backend-delegated sequence run.
type SequenceRequest struct {
	OrganizationID  string         `json:"organization_id"`
	SequenceKey     string         `json:"sequence_key"`
	SequenceContext map[string]any `json:"sequence_context"`
	IsSimulation    bool           `json:"is_simulation"`
}

// SequenceResponse is the backend's result for a delegated sequence run.
type SequenceResponse struct {
	Status      string           `json:"status"`
	StepResults []map[string]any `json:"step_results,omitempty"`
	FinalOutput map[string]any   `json:"final_output,omitempty"`
	ExecutionID string           `json:"execution_id,omitempty"`
	Error       string           `json:"error,omitempty"`
}

// ExecuteSkill invokes one skill and returns its response. A transport
// failure or a non-2xx status is a TRANSPORT_ERROR; a well-formed response
// with status "failed" is returned as-is for the caller to interpret.
func (c *Client) ExecuteSkill(ctx context.Context, req SkillRequest) (*SkillResponse, error) {
	if strings.TrimSpace(req.SkillKey) == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "skill_key is required")
	}

	var resp SkillResponse
	if err := c.post(ctx, "/functions/v1/execute-skill", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ExecuteSequence delegates a whole sequence run to the backend.
func (c *Client) ExecuteSequence(ctx context.Context, req SequenceRequest) (*SequenceResponse, error) {
	if strings.TrimSpace(req.SequenceKey) == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "sequence_key is required")
	}

	var resp SequenceResponse
	if err := c.post(ctx, "/functions/v1/execute-sequence", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ResolveHITL reports a human response for a pending request to the backend.
// The backend owns downstream side effects (Slack thread updates, audit
// rows); a non-success status here must abort the resume.
func (c *Client) ResolveHITL(ctx context.Context, requestID string, response any, responseContext map[string]any) error {
	payload := map[string]any{
		"request_id": requestID,
		"response":   response,
	}
	if responseContext != nil {
		payload["response_context"] = responseContext
	}

	var resp struct {
		Success bool   `json:"success"`
		Error   string `json:"error,omitempty"`
	}
	if err := c.post(ctx, "/functions/v1/resolve-hitl", payload, &resp); err != nil {
		return err
	}
	if !resp.Success {
		msg := resp.Error
		if msg == "" {
			msg = "backend rejected HITL resolution"
		}
		return schema.NewErrorf(schema.ErrCodeExecution, "resolve HITL request %s: %s", requestID, msg)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return schema.NewError(schema.ErrCodeTransport, "marshal backend request").WithCause(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return schema.NewError(schema.ErrCodeTransport, "create backend request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.AuthToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeTransport, "call %s", path).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, c.config.MaxResponseBody))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeTransport, "read response from %s", path).WithCause(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return schema.NewErrorf(schema.ErrCodeTransport, "%s returned %d: %s",
			path, resp.StatusCode, truncate(string(raw), 512)).
			WithDetails(map[string]any{"status_code": resp.StatusCode})
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return schema.NewErrorf(schema.ErrCodeTransport, "decode response from %s", path).WithCause(err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// IsFailed reports whether the response describes a failed skill run.
func (r *SkillResponse) IsFailed() bool {
	return r == nil || strings.EqualFold(r.Status, "failed")
}

// ErrorMessage returns a usable failure message for a failed response.
func (r *SkillResponse) ErrorMessage() string {
	if r == nil {
		return "empty backend response"
	}
	if r.Error != "" {
		return r.Error
	}
	return fmt.Sprintf("skill execution returned status %q", r.Status)
}
