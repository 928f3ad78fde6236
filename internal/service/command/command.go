package command

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"chatrelay/internal/models"
	"chatrelay/internal/settings"

	"go.uber.org/zap"
)

// HistoryClearer removes the stored turns of one chat.
type HistoryClearer interface {
	ClearChat(ctx context.Context, chatID int64) (int64, error)
}

// Command is a parsed slash command addressed to this bot.
type Command struct {
	Name string
	Args string
}

type handlerFunc func(ctx context.Context, msg models.InboundMessage, args string) string

// Service executes admin commands that inspect or change runtime settings.
type Service struct {
	settings *settings.Runtime
	history  HistoryClearer
	admins   map[int64]struct{}
	logger   *zap.Logger
	handlers map[string]handlerFunc
}

// NewService returns the command service. With no admin ids every
// restricted command is refused.
func NewService(rt *settings.Runtime, history HistoryClearer, adminIDs []int64, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		settings: rt,
		history:  history,
		admins:   make(map[int64]struct{}, len(adminIDs)),
		logger:   logger.Named("command"),
	}
	for _, id := range adminIDs {
		s.admins[id] = struct{}{}
	}
	s.handlers = map[string]handlerFunc{
		"settings":  s.showSettings,
		"model":     s.setModel,
		"provider":  s.setProvider,
		"prompt":    s.setPrompt,
		"temp":      s.setTemperature,
		"topp":      s.setTopP,
		"maxtokens": s.setMaxTokens,
		"reset":     s.reset,
	}
	return s
}

// Parse splits "/name@bot args" into its parts. ok is false when text is
// not a slash command.
func Parse(text string) (name, bot, args string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") || len(text) < 2 {
		return "", "", "", false
	}
	word, rest := text[1:], ""
	if i := strings.IndexFunc(word, unicode.IsSpace); i >= 0 {
		word, rest = word[:i], word[i:]
	}
	name, bot, _ = strings.Cut(word, "@")
	if name == "" {
		return "", "", "", false
	}
	return strings.ToLower(name), strings.ToLower(bot), strings.TrimSpace(rest), true
}

// Match returns the command in text when it is one this service knows and it
// is not addressed to a different bot. handle is the bot's own handle.
func (s *Service) Match(text, handle string) (Command, bool) {
	name, bot, args, ok := Parse(text)
	if !ok {
		return Command{}, false
	}
	if bot != "" && handle != "" && bot != strings.ToLower(strings.TrimPrefix(handle, "@")) {
		return Command{}, false
	}
	if _, known := s.handlers[name]; !known && name != "help" {
		return Command{}, false
	}
	return Command{Name: name, Args: args}, true
}

// Execute runs cmd on behalf of msg's sender and returns the reply text.
func (s *Service) Execute(ctx context.Context, msg models.InboundMessage, cmd Command) string {
	if cmd.Name == "help" {
		return helpText
	}
	handler, ok := s.handlers[cmd.Name]
	if !ok {
		return "Unknown command. " + helpText
	}
	if _, admin := s.admins[msg.SenderID]; !admin {
		s.logger.Warn("command refused",
			zap.String("command", cmd.Name),
			zap.Int64("sender_id", msg.SenderID),
			zap.Int64("chat_id", msg.ChatID),
		)
		return "This command is restricted to administrators."
	}
	s.logger.Info("command",
		zap.String("command", cmd.Name),
		zap.Int64("sender_id", msg.SenderID),
		zap.Int64("chat_id", msg.ChatID),
	)
	return handler(ctx, msg, cmd.Args)
}

const helpText = `Commands:
/settings - show current settings
/model <id> - set the model
/provider <name|-> - pin an upstream provider, - clears it
/prompt <text> - replace the system prompt
/temp <0..2> - set temperature
/topp <0..1> - set top_p
/maxtokens <1..4096> - set max tokens
/reset - forget this chat's history`

func (s *Service) showSettings(_ context.Context, _ models.InboundMessage, _ string) string {
	return FormatSnapshot(s.settings.Snapshot())
}

// FormatSnapshot renders settings for a chat reply.
func FormatSnapshot(snap settings.Snapshot) string {
	provider := snap.Provider
	if provider == "" {
		provider = "any"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "model: %s\n", snap.Model)
	fmt.Fprintf(&b, "provider: %s\n", provider)
	fmt.Fprintf(&b, "temperature: %.2f\n", snap.Temperature)
	fmt.Fprintf(&b, "top_p: %.2f\n", snap.TopP)
	fmt.Fprintf(&b, "max_tokens: %d\n", snap.MaxTokens)
	fmt.Fprintf(&b, "context_window: %d\n", snap.ContextWindow)
	fmt.Fprintf(&b, "retention_size: %d\n", snap.RetentionSize)
	fmt.Fprintf(&b, "system_prompt: %s", snap.SystemPrompt)
	return b.String()
}

func (s *Service) setModel(_ context.Context, _ models.InboundMessage, args string) string {
	if args == "" {
		return "Usage: /model <id>. Current: " + s.settings.Model()
	}
	return applied("model", args, s.settings.SetModel(args))
}

func (s *Service) setProvider(_ context.Context, _ models.InboundMessage, args string) string {
	switch args {
	case "":
		current := s.settings.Provider()
		if current == "" {
			current = "any"
		}
		return "Usage: /provider <name|->. Current: " + current
	case "-":
		return applied("provider", "any", s.settings.SetProvider(""))
	default:
		return applied("provider", args, s.settings.SetProvider(args))
	}
}

func (s *Service) setPrompt(_ context.Context, _ models.InboundMessage, args string) string {
	if args == "" {
		return "Usage: /prompt <text>"
	}
	if err := s.settings.SetSystemPrompt(args); err != nil {
		return rejected(err)
	}
	return "System prompt updated."
}

func (s *Service) setTemperature(_ context.Context, _ models.InboundMessage, args string) string {
	v, err := strconv.ParseFloat(args, 64)
	if err != nil {
		return fmt.Sprintf("Usage: /temp <0..2>. Current: %.2f", s.settings.Temperature())
	}
	return applied("temperature", args, s.settings.SetTemperature(v))
}

func (s *Service) setTopP(_ context.Context, _ models.InboundMessage, args string) string {
	v, err := strconv.ParseFloat(args, 64)
	if err != nil {
		return fmt.Sprintf("Usage: /topp <0..1>. Current: %.2f", s.settings.TopP())
	}
	return applied("top_p", args, s.settings.SetTopP(v))
}

func (s *Service) setMaxTokens(_ context.Context, _ models.InboundMessage, args string) string {
	n, err := strconv.Atoi(args)
	if err != nil {
		return fmt.Sprintf("Usage: /maxtokens <1..4096>. Current: %d", s.settings.MaxTokens())
	}
	return applied("max_tokens", args, s.settings.SetMaxTokens(n))
}

func (s *Service) reset(ctx context.Context, msg models.InboundMessage, _ string) string {
	deleted, err := s.history.ClearChat(ctx, msg.ChatID)
	if err != nil {
		s.logger.Error("clear chat history failed", zap.Int64("chat_id", msg.ChatID), zap.Error(err))
		return "Could not clear history, try again later."
	}
	return fmt.Sprintf("History cleared (%d messages).", deleted)
}

func applied(field, value string, err error) string {
	if err != nil {
		return rejected(err)
	}
	return fmt.Sprintf("%s set to %s.", field, value)
}

func rejected(err error) string {
	var cfgErr *settings.ConfigError
	if errors.As(err, &cfgErr) {
		return fmt.Sprintf("Rejected: %s %s. Previous value kept.", cfgErr.Field, cfgErr.Reason)
	}
	return "Rejected: " + err.Error()
}
