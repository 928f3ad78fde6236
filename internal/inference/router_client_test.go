package inference

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"chatrelay/internal/prompt"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRequest() *prompt.Request {
	return &prompt.Request{
		Model: "openai/gpt-4o-mini",
		Messages: []prompt.Message{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "hi"},
		},
		Options:  prompt.Options{Temperature: 0.3, TopP: 0.8, MaxTokens: 256},
		Provider: &prompt.ProviderFilter{Only: []string{"OpenAI"}},
	}
}

func newRouter(url string, timeout time.Duration) *RouterClient {
	return NewRouterClient(RouterConfig{
		URL:            url,
		APIKey:         "sk-test",
		Referer:        "https://t.me/relay_bot",
		Title:          "TgBot",
		ConnectTimeout: time.Second,
		RequestTimeout: timeout,
	}, nil)
}

func TestRouterClientSendsWireFormat(t *testing.T) {
	var (
		gotHeaders http.Header
		gotBody    map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)
		_, _ = io.WriteString(w, `{"choices":[{"message":{"role":"assistant","content":"  hello \n"}}]}`)
	}))
	defer srv.Close()

	text, err := newRouter(srv.URL, time.Second).Complete(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.Equal(t, "hello", text)

	assert.Equal(t, "Bearer sk-test", gotHeaders.Get("Authorization"))
	assert.Equal(t, "https://t.me/relay_bot", gotHeaders.Get("HTTP-Referer"))
	assert.Equal(t, "TgBot", gotHeaders.Get("X-Title"))
	assert.Equal(t, "application/json", gotHeaders.Get("Content-Type"))

	assert.Equal(t, "openai/gpt-4o-mini", gotBody["model"])
	assert.Equal(t, false, gotBody["stream"])
	assert.Equal(t, map[string]any{"temperature": 0.3, "top_p": 0.8, "max_tokens": float64(256)}, gotBody["options"])
	assert.Equal(t, map[string]any{"only": []any{"OpenAI"}}, gotBody["provider"])
	assert.Len(t, gotBody["messages"], 2)
}

func TestRouterClientFailures(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		reason string
	}{
		{"server error", http.StatusInternalServerError, `{"error":"boom"}`, "non-success status"},
		{"created is not ok", http.StatusCreated, `{"choices":[{"message":{"content":"x"}}]}`, "non-success status"},
		{"not json", http.StatusOK, `<html>`, "parse response"},
		{"no choices", http.StatusOK, `{"choices":[]}`, "missing choices"},
		{"no message", http.StatusOK, `{"choices":[{}]}`, "missing choices"},
		{"null content", http.StatusOK, `{"choices":[{"message":{"content":null}}]}`, "missing choices"},
		{"blank content", http.StatusOK, `{"choices":[{"message":{"content":"   "}}]}`, "empty content"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, tc.body)
			}))
			defer srv.Close()

			_, err := newRouter(srv.URL, time.Second).Complete(context.Background(), sampleRequest())
			var infErr *InferenceError
			require.True(t, errors.As(err, &infErr), "got %v", err)
			assert.Equal(t, tc.status, infErr.Status)
			assert.Contains(t, infErr.Error(), tc.reason)
		})
	}
}

func TestRouterClientTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	_, err := newRouter(srv.URL, 50*time.Millisecond).Complete(context.Background(), sampleRequest())
	var infErr *InferenceError
	require.True(t, errors.As(err, &infErr))
	assert.Zero(t, infErr.Status)
}

func TestRouterClientUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newRouter(url, time.Second).Complete(context.Background(), sampleRequest())
	var infErr *InferenceError
	require.True(t, errors.As(err, &infErr))
}
