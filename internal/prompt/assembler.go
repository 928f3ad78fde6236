package prompt

import (
	"context"
	"fmt"
	"strings"

	"chatrelay/internal/models"
	"chatrelay/internal/settings"

	"go.uber.org/zap"
)

// HistoryStore is the subset of history operations the assembler needs.
type HistoryStore interface {
	Append(ctx context.Context, chatID int64, role models.Role, content string) (int64, error)
	LoadLast(ctx context.Context, chatID int64, limit int) ([]models.Turn, error)
	TrimToLast(ctx context.Context, chatID int64, keep int) (int64, error)
}

// Settings exposes the runtime generation settings.
type Settings interface {
	Snapshot() settings.Snapshot
}

// Assembler turns stored turns and runtime settings into requests, and
// records finished exchanges.
type Assembler struct {
	store    HistoryStore
	settings Settings
	logger   *zap.Logger
}

func NewAssembler(store HistoryStore, rt Settings, logger *zap.Logger) *Assembler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assembler{store: store, settings: rt, logger: logger.Named("prompt")}
}

// Build prepares the request for userText: the system prompt, the chat's
// recent non-blank turns and the new user message, in that order.
func (a *Assembler) Build(ctx context.Context, chatID int64, userText string) (*Request, error) {
	snap := a.settings.Snapshot()

	turns, err := a.store.LoadLast(ctx, chatID, snap.ContextWindow)
	if err != nil {
		return nil, fmt.Errorf("load context: %w", err)
	}

	messages := make([]Message, 0, len(turns)+2)
	messages = append(messages, Message{Role: string(models.RoleSystem), Content: snap.SystemPrompt})
	skipped := 0
	for _, turn := range turns {
		if strings.TrimSpace(turn.Content) == "" {
			skipped++
			continue
		}
		messages = append(messages, Message{Role: string(turn.Role), Content: turn.Content})
	}
	messages = append(messages, Message{Role: string(models.RoleUser), Content: userText})
	if skipped > 0 {
		a.logger.Debug("skipped blank turns", zap.Int64("chat_id", chatID), zap.Int("count", skipped))
	}

	req := &Request{
		Model:    snap.Model,
		Messages: messages,
		Stream:   false,
		Options: Options{
			Temperature: snap.Temperature,
			TopP:        snap.TopP,
			MaxTokens:   snap.MaxTokens,
		},
	}
	if provider := strings.TrimSpace(snap.Provider); provider != "" {
		req.Provider = &ProviderFilter{Only: []string{provider}}
	}
	return req, nil
}

// Commit appends the user and assistant turns, then trims the chat to the
// retention size. The steps are not atomic; the first failure is returned.
func (a *Assembler) Commit(ctx context.Context, chatID int64, userText, assistantText string) error {
	if _, err := a.store.Append(ctx, chatID, models.RoleUser, userText); err != nil {
		return fmt.Errorf("commit user turn: %w", err)
	}
	if _, err := a.store.Append(ctx, chatID, models.RoleAssistant, assistantText); err != nil {
		return fmt.Errorf("commit assistant turn: %w", err)
	}
	if _, err := a.store.TrimToLast(ctx, chatID, a.settings.Snapshot().RetentionSize); err != nil {
		return fmt.Errorf("trim history: %w", err)
	}
	return nil
}
