package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"chatrelay/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handler func(method string, body map[string]any) string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/botTOKEN/") {
			http.NotFound(w, r)
			return
		}
		var body map[string]any
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		_, _ = io.WriteString(w, handler(strings.TrimPrefix(r.URL.Path, "/botTOKEN/"), body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGetMe(t *testing.T) {
	srv := newTestServer(t, func(method string, _ map[string]any) string {
		assert.Equal(t, "getMe", method)
		return `{"ok":true,"result":{"id":777,"is_bot":true,"first_name":"Relay","username":"RelayBot"}}`
	})
	me, err := NewClient(srv.URL, "TOKEN", 0).GetMe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, User{ID: 777, IsBot: true, FirstName: "Relay", Username: "RelayBot"}, me)
}

func TestGetUpdatesMapsReplies(t *testing.T) {
	var gotBody map[string]any
	srv := newTestServer(t, func(method string, body map[string]any) string {
		gotBody = body
		return `{"ok":true,"result":[{"update_id":11,"message":{"message_id":5,"from":{"id":9,"first_name":"Ann"},
			"chat":{"id":-100,"type":"supergroup"},"date":1700000000,"text":"go on",
			"reply_to_message":{"message_id":4,"from":{"id":777,"is_bot":true,"first_name":"Relay"},"chat":{"id":-100,"type":"supergroup"},"date":1699999999,"text":"first"}}}]}`
	})
	updates, err := NewClient(srv.URL, "TOKEN", 0).GetUpdates(context.Background(), 11, 0)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, float64(11), gotBody["offset"])

	in := updates[0].Message.Inbound(updates[0].UpdateID)
	assert.Equal(t, models.InboundMessage{
		UpdateID:        11,
		ChatID:          -100,
		ChatKind:        models.ChatSupergroup,
		MessageID:       5,
		SenderID:        9,
		Text:            "go on",
		IsReply:         true,
		ReplyToSenderID: 777,
	}, in)
}

func TestSendMessageTruncatesAndReplies(t *testing.T) {
	var gotBody map[string]any
	srv := newTestServer(t, func(method string, body map[string]any) string {
		assert.Equal(t, "sendMessage", method)
		gotBody = body
		return `{"ok":true,"result":{}}`
	})
	long := strings.Repeat("я", MaxMessageRunes+50)
	require.NoError(t, NewClient(srv.URL, "TOKEN", 100).SendMessage(context.Background(), 42, long, 5))

	assert.Equal(t, float64(42), gotBody["chat_id"])
	assert.Equal(t, MaxMessageRunes, utf8.RuneCountInString(gotBody["text"].(string)))
	assert.Equal(t, float64(5), gotBody["reply_to_message_id"])

	require.NoError(t, NewClient(srv.URL, "TOKEN", 100).SendMessage(context.Background(), 42, "short", 0))
	_, hasReply := gotBody["reply_to_message_id"]
	assert.False(t, hasReply)
}

func TestAPIError(t *testing.T) {
	srv := newTestServer(t, func(string, map[string]any) string {
		return `{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`
	})
	err := NewClient(srv.URL, "TOKEN", 0).SendMessage(context.Background(), 1, "hi", 0)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 403, apiErr.Code)
	assert.Equal(t, "sendMessage", apiErr.Method)
}

func TestSetAndDeleteWebhook(t *testing.T) {
	var calls []string
	var secret any
	srv := newTestServer(t, func(method string, body map[string]any) string {
		calls = append(calls, method)
		if method == "setWebhook" {
			secret = body["secret_token"]
		}
		return `{"ok":true,"result":true}`
	})
	c := NewClient(srv.URL, "TOKEN", 0)
	require.NoError(t, c.SetWebhook(context.Background(), "https://relay.example/telegram/webhook", "s3cret"))
	require.NoError(t, c.DeleteWebhook(context.Background()))
	assert.Equal(t, []string{"setWebhook", "deleteWebhook"}, calls)
	assert.Equal(t, "s3cret", secret)
}

func TestSendMessageHonoursContext(t *testing.T) {
	srv := newTestServer(t, func(string, map[string]any) string { return `{"ok":true,"result":{}}` })
	c := NewClient(srv.URL, "TOKEN", 0.001)
	require.NoError(t, c.SendMessage(context.Background(), 1, "first", 0))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, c.SendMessage(ctx, 1, "second", 0), "rate limiter wait is bounded by ctx")
}
