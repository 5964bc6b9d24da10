package copilot

import (
	"bufio"
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

const defaultStreamTimeout = 5 * time.Minute

// ChatRequest is the payload for the autonomous-execution endpoint.
type ChatRequest struct {
	Message        string         `json:"message"`
	OrganizationID string         `json:"organizationId"`
	Context        map[string]any `json:"context,omitempty"`
	Stream         bool           `json:"stream"`
	RoutingContext map[string]any `json:"routingContext,omitempty"`
}

// Client streams chat turns from the autonomous-execution backend.
type Client struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
}

// NewClient creates a streaming client. The http.Client timeout covers the
// whole stream, so it is deliberately long; callers abort via context.
func NewClient(baseURL, authToken string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		authToken:  authToken,
		httpClient: &http.Client{Timeout: defaultStreamTimeout},
	}
}

// Stream opens an SSE stream for one chat turn. Events arrive on the returned
// channel until the server closes the stream or ctx is cancelled; the channel
// is always closed when the stream ends. A malformed frame is skipped, never
// fatal.
func (c *Client) Stream(ctx context.Context, req ChatRequest) (<-chan schema.StreamEvent, error) {
	req.Stream = true
	body, err := json.Marshal(req)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "marshal chat request").WithCause(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/functions/v1/api-autonomous-execution", bytes.NewReader(body))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeTransport, "build chat request").WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.authToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeTransport, "open chat stream").WithCause(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		resp.Body.Close()
		return nil, schema.NewErrorf(schema.ErrCodeTransport, "chat stream rejected: %s - %s", resp.Status, strings.TrimSpace(string(snippet)))
	}

	events := make(chan schema.StreamEvent, 10)
	go c.readStream(ctx, resp, events)
	return events, nil
}

// readStream consumes the response body line by line, pairing event:/data:
// lines into frames. The scanner buffers partial lines across reads.
func (c *Client) readStream(ctx context.Context, resp *http.Response, events chan<- schema.StreamEvent) {
	defer close(events)
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var eventType, eventData string
	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			eventData = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		case line == "":
			if eventData == "" {
				eventType = ""
				continue
			}
			var ev schema.StreamEvent
			if err := json.Unmarshal([]byte(eventData), &ev); err != nil {
				// One bad frame must not abort the stream.
				eventType, eventData = "", ""
				continue
			}
			if ev.Type == "" {
				ev.Type = eventType
			}
			if ev.Type != "" {
				select {
				case events <- ev:
				case <-ctx.Done():
					return
				}
			}
			eventType, eventData = "", ""
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		events <- schema.StreamEvent{
			Type:  schema.StreamEventError,
			Error: fmt.Sprintf("stream read failed: %v", err),
		}
	}
}
