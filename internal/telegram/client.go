package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// MaxMessageRunes keeps outgoing text under the Bot API's 4096 character cap.
const MaxMessageRunes = 4000

const defaultCallTimeout = 30 * time.Second

// APIError is an ok=false answer from the Bot API.
type APIError struct {
	Method      string
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s: %d %s", e.Method, e.Code, e.Description)
}

// Client is a small Telegram Bot API client.
type Client struct {
	base       string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a client for token against apiBase
// (https://api.telegram.org in production). sendRate caps outgoing
// messages per second.
func NewClient(apiBase, token string, sendRate float64) *Client {
	if sendRate <= 0 {
		sendRate = 25
	}
	return &Client{
		base:       strings.TrimRight(apiBase, "/") + "/bot" + token,
		httpClient: &http.Client{},
		limiter:    rate.NewLimiter(rate.Limit(sendRate), 1),
	}
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
}

// GetMe returns the bot's own account.
func (c *Client) GetMe(ctx context.Context) (User, error) {
	var me User
	err := c.call(ctx, "getMe", struct{}{}, &me, defaultCallTimeout)
	return me, err
}

// GetUpdates long-polls for updates starting at offset.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	payload := struct {
		Offset         int64    `json:"offset"`
		Timeout        int      `json:"timeout"`
		AllowedUpdates []string `json:"allowed_updates"`
	}{
		Offset:         offset,
		Timeout:        int(timeout.Seconds()),
		AllowedUpdates: []string{"message"},
	}
	var updates []Update
	if err := c.call(ctx, "getUpdates", payload, &updates, timeout+10*time.Second); err != nil {
		return nil, err
	}
	return updates, nil
}

// SendMessage posts text to chatID, as a reply when replyTo is non-zero.
// Text longer than MaxMessageRunes is truncated.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, replyTo int64) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("telegram sendMessage: %w", err)
	}
	payload := struct {
		ChatID                   int64  `json:"chat_id"`
		Text                     string `json:"text"`
		ReplyToMessageID         int64  `json:"reply_to_message_id,omitempty"`
		AllowSendingWithoutReply bool   `json:"allow_sending_without_reply,omitempty"`
	}{
		ChatID: chatID,
		Text:   truncate(text, MaxMessageRunes),
	}
	if replyTo != 0 {
		payload.ReplyToMessageID = replyTo
		payload.AllowSendingWithoutReply = true
	}
	return c.call(ctx, "sendMessage", payload, nil, defaultCallTimeout)
}

// SetWebhook registers url for update delivery. Telegram echoes secret in
// the X-Telegram-Bot-Api-Secret-Token header of every delivery.
func (c *Client) SetWebhook(ctx context.Context, url, secret string) error {
	payload := struct {
		URL            string   `json:"url"`
		SecretToken    string   `json:"secret_token,omitempty"`
		AllowedUpdates []string `json:"allowed_updates"`
	}{URL: url, SecretToken: secret, AllowedUpdates: []string{"message"}}
	return c.call(ctx, "setWebhook", payload, nil, defaultCallTimeout)
}

// DeleteWebhook switches the bot back to getUpdates delivery.
func (c *Client) DeleteWebhook(ctx context.Context) error {
	return c.call(ctx, "deleteWebhook", struct{}{}, nil, defaultCallTimeout)
}

func (c *Client) call(ctx context.Context, method string, payload, out any, timeout time.Duration) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("telegram %s: encode: %w", method, err)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/"+method, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram %s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("telegram %s: read response: %w", method, err)
	}
	var parsed apiResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return fmt.Errorf("telegram %s: parse response status=%d body=%s", method, resp.StatusCode, truncate(string(raw), 400))
	}
	if !parsed.OK {
		code := parsed.ErrorCode
		if code == 0 {
			code = resp.StatusCode
		}
		return &APIError{Method: method, Code: code, Description: parsed.Description}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(parsed.Result, out); err != nil {
		return fmt.Errorf("telegram %s: parse result: %w", method, err)
	}
	return nil
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
