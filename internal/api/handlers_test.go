package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/auth"
	"chatrelay/internal/models"
	"chatrelay/internal/settings"
	"chatrelay/internal/telegram"
	"chatrelay/internal/worker"
)

const adminToken = "admin-token"

type memHistory struct {
	turns map[int64][]models.Turn
}

func (m *memHistory) LoadLast(_ context.Context, chatID int64, limit int) ([]models.Turn, error) {
	turns := m.turns[chatID]
	if limit < len(turns) {
		turns = turns[len(turns)-limit:]
	}
	return turns, nil
}

func (m *memHistory) ClearChat(_ context.Context, chatID int64) (int64, error) {
	n := int64(len(m.turns[chatID]))
	delete(m.turns, chatID)
	return n, nil
}

type stubChat struct {
	err error
}

func (s *stubChat) Handle(_ context.Context, chatID int64, text string) (string, error) {
	if s.err != nil {
		return "fallback", s.err
	}
	return "echo: " + text, nil
}

type recordingDispatcher struct {
	mu      sync.Mutex
	updates []telegram.Update
}

func (r *recordingDispatcher) Dispatch(_ context.Context, u telegram.Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

type testServer struct {
	router     *gin.Engine
	rt         *settings.Runtime
	history    *memHistory
	chat       *stubChat
	dispatcher *recordingDispatcher
}

func newTestServer(t *testing.T, token string) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	rt, err := settings.New(settings.Snapshot{
		Model: "openai/gpt-4o-mini", Temperature: 0.3, TopP: 0.8, MaxTokens: 1024,
		ContextWindow: 8, RetentionSize: 40,
	}, nil)
	require.NoError(t, err)
	ts := &testServer{
		rt: rt,
		history: &memHistory{turns: map[int64][]models.Turn{
			42: {
				{ChatID: 42, Sequence: 1, Role: models.RoleUser, Content: "hi"},
				{ChatID: 42, Sequence: 2, Role: models.RoleAssistant, Content: "hello"},
				{ChatID: 42, Sequence: 3, Role: models.RoleUser, Content: "how are you"},
			},
		}},
		chat:       &stubChat{},
		dispatcher: &recordingDispatcher{},
	}
	h := NewHandler(rt, ts.history, ts.chat, ts.dispatcher, auth.NewService(token, "hook"), nil)
	ts.router = h.NewEngine()
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+adminToken)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), out), w.Body.String())
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, "")
	w := ts.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdminRoutesRequireToken(t *testing.T) {
	ts := newTestServer(t, adminToken)
	w := ts.do(t, http.MethodGet, "/api/settings", nil, map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	disabled := newTestServer(t, "")
	w = disabled.do(t, http.MethodGet, "/api/settings", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetSettings(t *testing.T) {
	ts := newTestServer(t, adminToken)
	w := ts.do(t, http.MethodGet, "/api/settings", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var snap settings.Snapshot
	decode(t, w, &snap)
	assert.Equal(t, "openai/gpt-4o-mini", snap.Model)
	assert.Equal(t, 40, snap.RetentionSize)
}

func TestPatchSettings(t *testing.T) {
	ts := newTestServer(t, adminToken)
	w := ts.do(t, http.MethodPatch, "/api/settings", map[string]any{
		"model":       "anthropic/claude-3.5-sonnet",
		"temperature": 1.2,
		"provider":    "Anthropic",
	}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var snap settings.Snapshot
	decode(t, w, &snap)
	assert.Equal(t, "anthropic/claude-3.5-sonnet", snap.Model)
	assert.Equal(t, "Anthropic", snap.Provider)
	assert.InDelta(t, 1.2, snap.Temperature, 1e-9)
}

func TestPatchSettingsRejectsFieldAndKeepsEarlierOnes(t *testing.T) {
	ts := newTestServer(t, adminToken)
	w := ts.do(t, http.MethodPatch, "/api/settings", map[string]any{
		"model":       "new-model",
		"temperature": 2.5,
		"max_tokens":  10,
	}, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	var body struct {
		Field string `json:"field"`
	}
	decode(t, w, &body)
	assert.Equal(t, "temperature", body.Field)
	assert.Equal(t, "new-model", ts.rt.Model())
	assert.InDelta(t, 0.3, ts.rt.Temperature(), 1e-9)
	assert.Equal(t, 1024, ts.rt.MaxTokens(), "fields after the rejected one are not applied")
}

func TestGetHistory(t *testing.T) {
	ts := newTestServer(t, adminToken)
	w := ts.do(t, http.MethodGet, "/api/chats/42/history?limit=2", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		ChatID int64         `json:"chat_id"`
		Turns  []models.Turn `json:"turns"`
	}
	decode(t, w, &body)
	assert.Equal(t, int64(42), body.ChatID)
	require.Len(t, body.Turns, 2)
	assert.Equal(t, "hello", body.Turns[0].Content)

	w = ts.do(t, http.MethodGet, "/api/chats/7/history", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"chat_id":7,"turns":[]}`, w.Body.String())

	for _, path := range []string{"/api/chats/abc/history", "/api/chats/42/history?limit=-1"} {
		w = ts.do(t, http.MethodGet, path, nil, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, path)
	}
}

func TestClearHistory(t *testing.T) {
	ts := newTestServer(t, adminToken)
	w := ts.do(t, http.MethodDelete, "/api/chats/42/history", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"deleted":3}`, w.Body.String())
	assert.Empty(t, ts.history.turns[42])
}

func TestPostMessage(t *testing.T) {
	ts := newTestServer(t, adminToken)
	w := ts.do(t, http.MethodPost, "/api/chats/42/messages", map[string]string{"text": "ping"}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"reply":"echo: ping"}`, w.Body.String())

	w = ts.do(t, http.MethodPost, "/api/chats/42/messages", map[string]string{"text": "  "}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	ts.chat.err = errors.New("inference: status 500")
	w = ts.do(t, http.MethodPost, "/api/chats/42/messages", map[string]string{"text": "ping"}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]string
	decode(t, w, &body)
	assert.Equal(t, "fallback", body["reply"])
	assert.NotEmpty(t, body["error"])

	ts.chat.err = worker.ErrQueueFull
	w = ts.do(t, http.MethodPost, "/api/chats/42/messages", map[string]string{"text": "ping"}, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestWebhook(t *testing.T) {
	ts := newTestServer(t, "")
	update := map[string]any{
		"update_id": 9,
		"message": map[string]any{
			"message_id": 1,
			"chat":       map[string]any{"id": 42, "type": "private"},
			"text":       "hi",
		},
	}
	w := ts.do(t, http.MethodPost, "/telegram/webhook", update, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = ts.do(t, http.MethodPost, "/telegram/webhook", update, map[string]string{"X-Telegram-Bot-Api-Secret-Token": "hook"})
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, ts.dispatcher.updates, 1)
	assert.Equal(t, int64(9), ts.dispatcher.updates[0].UpdateID)
	assert.Equal(t, "hi", ts.dispatcher.updates[0].Message.Text)
}
