package copilot

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/SixtySecondsApp/cadence/internal/store"
)

// Marker appended to a turn the user stopped mid-generation.
const stoppedMarker = "\n\n[stopped]"

// MessagePersister is the slice of the store used for chat history.
// Persistence is best-effort: a write failure never blocks the chat flow.
type MessagePersister interface {
	SaveChatMessage(ctx context.Context, msg *store.ChatMessage) error
	ClearConversation(ctx context.Context, conversationID string) error
}

// Session drives one copilot conversation. It holds at most one active
// stream: sending a new message cancels any stream still in flight so two
// reducers never mutate overlapping state.
type Session struct {
	client         *Client
	persister      MessagePersister
	callbacks      Callbacks
	organizationID string
	logger         *slog.Logger

	mu             sync.Mutex
	cancel         context.CancelFunc
	turn           int
	messages       []*Message
	conversationID string
}

// NewSession creates a session. persister may be nil to disable history.
func NewSession(client *Client, persister MessagePersister, organizationID string, callbacks Callbacks, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		client:         client,
		persister:      persister,
		callbacks:      callbacks,
		organizationID: organizationID,
		logger:         logger,
	}
}

// Messages returns a snapshot of the conversation so far.
func (s *Session) Messages() []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// ConversationID returns the server-assigned conversation id, if known.
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// SendMessage streams one chat turn and blocks until the stream ends. The
// assistant message is appended before streaming starts so callers observing
// Messages see the turn grow; it is never left with is_streaming true.
func (s *Session) SendMessage(ctx context.Context, text string, chatContext map[string]any) (*Message, error) {
	streamCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.cancel = cancel
	s.turn++
	turn := s.turn

	user := &Message{
		ID:        uuid.NewString(),
		Role:      "user",
		Content:   text,
		CreatedAt: time.Now().UTC(),
	}
	s.messages = append(s.messages, user)

	reducer := NewReducer(uuid.NewString(), s.callbacks)
	s.messages = append(s.messages, reducer.Message())
	convID := s.conversationID
	s.mu.Unlock()

	s.persist(user)

	events, err := s.client.Stream(streamCtx, ChatRequest{
		Message:        text,
		OrganizationID: s.organizationID,
		Context:        withConversation(chatContext, convID),
	})
	if err != nil {
		cancel()
		msg := reducer.Message()
		reducer.Finalize()
		s.clearCancel(turn)
		return msg, err
	}

	for ev := range events {
		reducer.Apply(ev)
	}

	msg := reducer.Message()
	if streamCtx.Err() != nil && msg.Content != "" {
		// Stopped by the user: keep what was produced, mark the cut.
		msg.Content += stoppedMarker
	}
	reducer.Finalize()
	cancel()
	s.clearCancel(turn)

	if id := reducer.ConversationID(); id != "" {
		s.mu.Lock()
		s.conversationID = id
		s.mu.Unlock()
	}

	s.persist(msg)
	return msg, nil
}

// StopGeneration aborts the in-flight stream, if any. The partial message is
// preserved with a stoppage marker rather than discarded.
func (s *Session) StopGeneration() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// ClearMessages drops the local conversation and best-effort clears the
// persisted history.
func (s *Session) ClearMessages(ctx context.Context) {
	s.mu.Lock()
	s.messages = nil
	convID := s.conversationID
	s.conversationID = ""
	s.mu.Unlock()

	if s.persister != nil && convID != "" {
		if err := s.persister.ClearConversation(ctx, convID); err != nil {
			s.logger.Warn("clear conversation failed",
				slog.String("conversation_id", convID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// persist writes a finished message in a detached goroutine. Skipped when
// persistence is disabled, the message has no real content, or the turn
// ended in an error: the placeholder is a transient UI state, not history.
func (s *Session) persist(msg *Message) {
	if s.persister == nil || msg.Content == "" {
		return
	}
	if msg.Error != "" || msg.Content == fallbackContent {
		return
	}

	s.mu.Lock()
	convID := s.conversationID
	s.mu.Unlock()

	record := &store.ChatMessage{
		ID:                 msg.ID,
		ConversationID:     convID,
		Role:               msg.Role,
		Content:            msg.Content,
		StructuredResponse: msg.Structured,
		CreatedAt:          msg.CreatedAt,
	}
	if len(msg.ToolCalls) > 0 {
		record.ToolCalls, _ = json.Marshal(msg.ToolCalls)
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.persister.SaveChatMessage(ctx, record); err != nil {
			s.logger.Warn("persist chat message failed",
				slog.String("message_id", record.ID),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// clearCancel drops the stored cancel func only if it still belongs to this
// turn; a newer turn may already have replaced it.
func (s *Session) clearCancel(turn int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.turn == turn {
		s.cancel = nil
	}
}

func withConversation(chatContext map[string]any, conversationID string) map[string]any {
	if conversationID == "" {
		return chatContext
	}
	out := map[string]any{"conversation_id": conversationID}
	for k, v := range chatContext {
		out[k] = v
	}
	return out
}
