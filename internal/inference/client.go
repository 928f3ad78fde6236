package inference

import (
	"context"
	"fmt"
	"strings"

	"chatrelay/internal/config"
	"chatrelay/internal/prompt"

	"go.uber.org/zap"
)

// Client completes one chat request and returns the assistant text.
// Every failure is reported as *InferenceError.
type Client interface {
	Complete(ctx context.Context, req *prompt.Request) (string, error)
}

// InferenceError describes why a completion produced no usable text.
// Status is the HTTP status when the endpoint answered, zero otherwise.
type InferenceError struct {
	Kind   string
	Status int
	Reason string
	Err    error
}

func (e *InferenceError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind)
	b.WriteString(" inference")
	if e.Status != 0 {
		fmt.Fprintf(&b, " status=%d", e.Status)
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *InferenceError) Unwrap() error { return e.Err }

// New builds the client selected by cfg.Kind.
func New(ctx context.Context, cfg config.InferenceConfig, gen config.GenerationConfig, logger *zap.Logger) (Client, error) {
	switch cfg.Kind {
	case "router", "":
		return NewRouterClient(RouterConfig{
			URL:            cfg.URL,
			APIKey:         cfg.APIKey,
			Referer:        cfg.Referer,
			Title:          cfg.Title,
			ConnectTimeout: cfg.ConnectTimeout,
			RequestTimeout: cfg.RequestTimeout,
		}, logger), nil
	case "openai", "claude", "gemini":
		return NewEinoClient(ctx, EinoConfig{
			Kind:           cfg.Kind,
			BaseURL:        cfg.BaseURL,
			APIKey:         cfg.APIKey,
			Model:          gen.Model,
			MaxTokens:      gen.MaxTokens,
			RequestTimeout: cfg.RequestTimeout,
		}, logger)
	default:
		return nil, fmt.Errorf("invalid inference kind: %s", cfg.Kind)
	}
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
