package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"chatrelay/internal/prompt"

	"go.uber.org/zap"
)

const kindRouter = "router"

type RouterConfig struct {
	URL            string
	APIKey         string
	Referer        string
	Title          string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

// RouterClient posts requests to an OpenRouter-compatible chat endpoint.
type RouterClient struct {
	cfg        RouterConfig
	httpClient *http.Client
	logger     *zap.Logger
}

func NewRouterClient(cfg RouterConfig, logger *zap.Logger) *RouterClient {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 120 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: cfg.ConnectTimeout,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
	}
	return &RouterClient{
		cfg:        cfg,
		httpClient: &http.Client{Transport: transport, Timeout: cfg.RequestTimeout},
		logger:     logger.Named("inference"),
	}
}

type completionResponse struct {
	Choices []struct {
		Message *struct {
			Content *string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete sends req and returns the trimmed content of the first choice.
func (c *RouterClient) Complete(ctx context.Context, req *prompt.Request) (string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", &InferenceError{Kind: kindRouter, Reason: "encode request", Err: err}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return "", &InferenceError{Kind: kindRouter, Reason: "create request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if c.cfg.Referer != "" {
		httpReq.Header.Set("HTTP-Referer", c.cfg.Referer)
	}
	if c.cfg.Title != "" {
		httpReq.Header.Set("X-Title", c.cfg.Title)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", &InferenceError{Kind: kindRouter, Reason: "request failed", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &InferenceError{Kind: kindRouter, Status: resp.StatusCode, Reason: "read response", Err: err}
	}
	c.logger.Debug("inference response",
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)),
		zap.Int("bytes", len(body)),
	)
	if resp.StatusCode != http.StatusOK {
		return "", &InferenceError{Kind: kindRouter, Status: resp.StatusCode, Reason: "non-success status body=" + truncate(string(body), 400)}
	}

	var parsed completionResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", &InferenceError{Kind: kindRouter, Status: resp.StatusCode, Reason: "parse response body=" + truncate(string(body), 400), Err: err}
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message == nil || parsed.Choices[0].Message.Content == nil {
		return "", &InferenceError{Kind: kindRouter, Status: resp.StatusCode, Reason: "missing choices[0].message.content"}
	}
	content := strings.TrimSpace(*parsed.Choices[0].Message.Content)
	if content == "" {
		return "", &InferenceError{Kind: kindRouter, Status: resp.StatusCode, Reason: "empty content"}
	}
	return content, nil
}
