package copilot

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SixtySecondsApp/cadence/internal/store"
)

type fakePersister struct {
	mu       sync.Mutex
	saved    []*store.ChatMessage
	cleared  []string
	saveErr  error
}

func (f *fakePersister) SaveChatMessage(ctx context.Context, msg *store.ChatMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saved = append(f.saved, msg)
	return nil
}

func (f *fakePersister) ClearConversation(ctx context.Context, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, conversationID)
	return nil
}

func (f *fakePersister) savedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saved)
}

func sseFrame(w http.ResponseWriter, eventType string, data any) {
	b, _ := json.Marshal(data)
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, b)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func newSSEServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSessionSendMessage(t *testing.T) {
	var gotReq ChatRequest
	srv := newSSEServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		sseFrame(w, "token", map[string]any{"type": "token", "content": "Lead "})
		sseFrame(w, "token", map[string]any{"type": "token", "content": "created."})
		sseFrame(w, "tool_start", map[string]any{"type": "tool_start", "tool_id": "t1", "tool_name": "create_lead"})
		// A malformed frame is skipped, not fatal.
		fmt.Fprint(w, "event: token\ndata: {not json}\n\n")
		sseFrame(w, "tool_result", map[string]any{"type": "tool_result", "tool_id": "t1", "result": map[string]any{"id": "l_1"}})
		sseFrame(w, "done", map[string]any{"type": "done", "conversation_id": "conv_1"})
	})

	persister := &fakePersister{}
	session := NewSession(NewClient(srv.URL, "tok"), persister, "org_1", Callbacks{}, nil)

	msg, err := session.SendMessage(context.Background(), "create a lead for Acme", map[string]any{"page": "deals"})
	require.NoError(t, err)

	assert.True(t, gotReq.Stream)
	assert.Equal(t, "org_1", gotReq.OrganizationID)
	assert.Equal(t, "create a lead for Acme", gotReq.Message)
	assert.Equal(t, "deals", gotReq.Context["page"])

	assert.Equal(t, "Lead created.", msg.Content)
	assert.False(t, msg.IsStreaming)
	require.Len(t, msg.ToolCalls, 1)
	assert.Equal(t, ToolCompleted, msg.ToolCalls[0].Status)
	assert.Equal(t, "conv_1", session.ConversationID())

	require.Len(t, session.Messages(), 2)
	assert.Equal(t, "user", session.Messages()[0].Role)
	assert.Equal(t, "assistant", session.Messages()[1].Role)

	// Both turns land in history eventually; persistence never blocks the flow.
	assert.Eventually(t, func() bool { return persister.savedCount() == 2 }, time.Second, 10*time.Millisecond)
}

func TestSessionTruncatedStream(t *testing.T) {
	srv := newSSEServer(t, func(w http.ResponseWriter, r *http.Request) {
		// Connection drops mid-message with no done event.
		sseFrame(w, "token", map[string]any{"type": "token", "content": "half an ans"})
	})

	session := NewSession(NewClient(srv.URL, ""), nil, "org_1", Callbacks{}, nil)
	msg, err := session.SendMessage(context.Background(), "hello", nil)
	require.NoError(t, err)

	assert.False(t, msg.IsStreaming)
	assert.Equal(t, "half an ans", msg.Content)
}

func TestSessionEmptyStreamFallsBackToPlaceholder(t *testing.T) {
	srv := newSSEServer(t, func(w http.ResponseWriter, r *http.Request) {})

	session := NewSession(NewClient(srv.URL, ""), nil, "org_1", Callbacks{}, nil)
	msg, err := session.SendMessage(context.Background(), "hello", nil)
	require.NoError(t, err)

	assert.False(t, msg.IsStreaming)
	assert.NotEmpty(t, msg.Content)
}

func TestSessionFailedTurnNotPersisted(t *testing.T) {
	srv := newSSEServer(t, func(w http.ResponseWriter, r *http.Request) {
		sseFrame(w, "error", map[string]any{"type": "error", "error": "model unavailable"})
	})

	persister := &fakePersister{}
	session := NewSession(NewClient(srv.URL, ""), persister, "org_1", Callbacks{}, nil)

	msg, err := session.SendMessage(context.Background(), "hello", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, msg.Error)

	// Only the user turn lands in history: the errored assistant turn is
	// transient UI state, never a durable message.
	assert.Eventually(t, func() bool { return persister.savedCount() == 1 }, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	persister.mu.Lock()
	defer persister.mu.Unlock()
	require.Len(t, persister.saved, 1)
	assert.Equal(t, "user", persister.saved[0].Role)
}

func TestSessionEmptyStreamNotPersisted(t *testing.T) {
	srv := newSSEServer(t, func(w http.ResponseWriter, r *http.Request) {})

	persister := &fakePersister{}
	session := NewSession(NewClient(srv.URL, ""), persister, "org_1", Callbacks{}, nil)

	_, err := session.SendMessage(context.Background(), "hello", nil)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return persister.savedCount() == 1 }, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	persister.mu.Lock()
	defer persister.mu.Unlock()
	require.Len(t, persister.saved, 1, "the placeholder never reaches history")
	assert.Equal(t, "user", persister.saved[0].Role)
}

func TestSessionStopGeneration(t *testing.T) {
	firstToken := make(chan struct{})
	srv := newSSEServer(t, func(w http.ResponseWriter, r *http.Request) {
		sseFrame(w, "token", map[string]any{"type": "token", "content": "thinking"})
		close(firstToken)
		<-r.Context().Done()
	})

	session := NewSession(NewClient(srv.URL, ""), nil, "org_1", Callbacks{}, nil)

	done := make(chan *Message, 1)
	go func() {
		msg, _ := session.SendMessage(context.Background(), "long question", nil)
		done <- msg
	}()

	<-firstToken
	session.StopGeneration()

	select {
	case msg := <-done:
		assert.False(t, msg.IsStreaming)
		assert.Contains(t, msg.Content, "thinking")
		assert.Contains(t, msg.Content, "[stopped]", "partial content is kept, not discarded")
	case <-time.After(5 * time.Second):
		t.Fatal("send did not return after stop")
	}
}

func TestSessionRejectedStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)

	session := NewSession(NewClient(srv.URL, ""), nil, "org_1", Callbacks{}, nil)
	msg, err := session.SendMessage(context.Background(), "hello", nil)
	require.Error(t, err)
	require.NotNil(t, msg)
	assert.False(t, msg.IsStreaming)
}

func TestSessionClearMessages(t *testing.T) {
	srv := newSSEServer(t, func(w http.ResponseWriter, r *http.Request) {
		sseFrame(w, "token", map[string]any{"type": "token", "content": "hi"})
		sseFrame(w, "done", map[string]any{"type": "done", "conversation_id": "conv_7"})
	})

	persister := &fakePersister{}
	session := NewSession(NewClient(srv.URL, ""), persister, "org_1", Callbacks{}, nil)

	_, err := session.SendMessage(context.Background(), "hello", nil)
	require.NoError(t, err)
	require.NotEmpty(t, session.Messages())

	session.ClearMessages(context.Background())
	assert.Empty(t, session.Messages())
	assert.Empty(t, session.ConversationID())

	persister.mu.Lock()
	defer persister.mu.Unlock()
	assert.Equal(t, []string{"conv_7"}, persister.cleared)
}
