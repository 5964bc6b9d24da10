package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlackNotifier(t *testing.T) {
	t.Run("posts prompt and options", func(t *testing.T) {
		var payload map[string]any
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		n := NewSlackNotifier(srv.URL, nil)
		err := n.Notify(context.Background(), Notification{
			RequestID: "req_1",
			ChannelID: "C012345",
			Prompt:    "Approve email to Ada Lovelace?",
			Options:   []string{"approve", "reject"},
			ExpiresAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		})
		require.NoError(t, err)

		assert.Equal(t, "C012345", payload["channel"])
		text, _ := payload["text"].(string)
		assert.Contains(t, text, "Approve email to Ada Lovelace?")
		assert.Contains(t, text, "approve")
		assert.Contains(t, text, "req_1")
		assert.Contains(t, text, "2026-03-01T12:00:00Z")
	})

	t.Run("non-2xx is an error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		}))
		defer srv.Close()

		n := NewSlackNotifier(srv.URL, nil)
		err := n.Notify(context.Background(), Notification{RequestID: "req_1"})
		assert.Error(t, err)
	})

	t.Run("empty webhook drops silently", func(t *testing.T) {
		n := NewSlackNotifier("", nil)
		assert.NoError(t, n.Notify(context.Background(), Notification{RequestID: "req_1"}))
	})
}
