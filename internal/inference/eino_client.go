package inference

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"chatrelay/internal/prompt"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"
	"google.golang.org/genai"
)

type EinoConfig struct {
	Kind           string
	BaseURL        string
	APIKey         string
	Model          string
	MaxTokens      int
	RequestTimeout time.Duration
}

// EinoClient completes requests through an eino chat model talking to the
// provider's native API. Model and sampling settings travel as per-call
// options so runtime changes apply without rebuilding the model.
type EinoClient struct {
	kind    string
	model   model.BaseChatModel
	timeout time.Duration
	logger  *zap.Logger
}

func NewEinoClient(ctx context.Context, cfg EinoConfig, logger *zap.Logger) (*EinoClient, error) {
	var (
		chatModel model.BaseChatModel
		err       error
	)
	switch cfg.Kind {
	case "openai":
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			APIKey:  cfg.APIKey,
		})
	case "gemini":
		client, cerr := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey: cfg.APIKey,
		})
		if cerr != nil {
			return nil, fmt.Errorf("create gemini client: %w", cerr)
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  cfg.Model,
		})
	case "claude":
		var baseURLPtr *string
		if cfg.BaseURL != "" {
			baseURLPtr = &cfg.BaseURL
		}
		maxTokens := cfg.MaxTokens
		if maxTokens <= 0 {
			maxTokens = 1024
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			BaseURL:   baseURLPtr,
			MaxTokens: maxTokens,
		})
	default:
		return nil, fmt.Errorf("invalid eino provider: %s", cfg.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s chat model: %w", cfg.Kind, err)
	}
	return newEinoClient(cfg.Kind, chatModel, cfg.RequestTimeout, logger), nil
}

func newEinoClient(kind string, chatModel model.BaseChatModel, timeout time.Duration, logger *zap.Logger) *EinoClient {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EinoClient{kind: kind, model: chatModel, timeout: timeout, logger: logger.Named("inference")}
}

func (c *EinoClient) Complete(ctx context.Context, req *prompt.Request) (string, error) {
	if req.Provider != nil {
		c.logger.Debug("provider filter ignored", zap.String("kind", c.kind), zap.Strings("only", req.Provider.Only))
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.model.Generate(ctx, toSchemaMessages(req.Messages),
		model.WithModel(req.Model),
		model.WithTemperature(float32(req.Options.Temperature)),
		model.WithTopP(float32(req.Options.TopP)),
		model.WithMaxTokens(req.Options.MaxTokens),
	)
	if err != nil {
		reason := "generate failed"
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "timed out"
		}
		return "", &InferenceError{Kind: c.kind, Reason: reason, Err: err}
	}
	if resp == nil {
		return "", &InferenceError{Kind: c.kind, Reason: "missing response message"}
	}
	content := strings.TrimSpace(resp.Content)
	if content == "" {
		return "", &InferenceError{Kind: c.kind, Reason: "empty content"}
	}
	return content, nil
}

func toSchemaMessages(messages []prompt.Message) []*schema.Message {
	out := make([]*schema.Message, 0, len(messages))
	for _, msg := range messages {
		var role schema.RoleType
		switch msg.Role {
		case "assistant":
			role = schema.Assistant
		case "system":
			role = schema.System
		default:
			role = schema.User
		}
		out = append(out, &schema.Message{Role: role, Content: msg.Content})
	}
	return out
}
