package bot

import (
	"context"

	"chatrelay/internal/models"
	"chatrelay/internal/service/command"
	"chatrelay/internal/telegram"

	"go.uber.org/zap"
)

type Sender interface {
	SendMessage(ctx context.Context, chatID int64, text string, replyTo int64) error
}

type Router interface {
	Decide(ctx context.Context, msg models.InboundMessage) bool
	Handle(ctx context.Context) string
}

type Chat interface {
	Enqueue(ctx context.Context, chatID int64, userText string, done func(reply string, err error)) error
	Fallback() string
}

type Commands interface {
	Match(text, handle string) (command.Command, bool)
	Execute(ctx context.Context, msg models.InboundMessage, cmd command.Command) string
}

type Serializer interface {
	Submit(ctx context.Context, chatID int64, fn func(context.Context)) error
}

// Bot turns Telegram updates into replies. Dispatch only routes and queues;
// the work runs on the chat's worker so the caller is never held up by a
// model call and replies leave a chat in the order messages arrived.
type Bot struct {
	router     Router
	chat       Chat
	commands   Commands
	serializer Serializer
	sender     Sender
	logger     *zap.Logger
}

func New(router Router, chat Chat, commands Commands, serializer Serializer, sender Sender, logger *zap.Logger) *Bot {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bot{
		router:     router,
		chat:       chat,
		commands:   commands,
		serializer: serializer,
		sender:     sender,
		logger:     logger.Named("bot"),
	}
}

// Dispatch handles one update. Updates without a text message are ignored.
func (b *Bot) Dispatch(ctx context.Context, u telegram.Update) {
	if u.Message == nil || u.Message.Text == "" {
		return
	}
	in := u.Message.Inbound(u.UpdateID)
	if !b.router.Decide(ctx, in) {
		return
	}

	var replyTo int64
	if in.ChatKind.MultiParty() {
		replyTo = in.MessageID
	}

	if cmd, ok := b.commands.Match(in.Text, b.router.Handle(ctx)); ok {
		err := b.serializer.Submit(ctx, in.ChatID, func(ctx context.Context) {
			b.send(ctx, in.ChatID, b.commands.Execute(ctx, in, cmd), replyTo)
		})
		if err != nil {
			b.logger.Warn("command not queued", zap.Int64("chat_id", in.ChatID), zap.String("command", cmd.Name), zap.Error(err))
		}
		return
	}

	err := b.chat.Enqueue(ctx, in.ChatID, in.Text, func(reply string, err error) {
		if err != nil {
			b.logger.Debug("sending fallback reply", zap.Int64("chat_id", in.ChatID), zap.Error(err))
		}
		b.send(ctx, in.ChatID, reply, replyTo)
	})
	if err != nil {
		b.logger.Warn("exchange not queued", zap.Int64("chat_id", in.ChatID), zap.Error(err))
		b.send(ctx, in.ChatID, b.chat.Fallback(), replyTo)
	}
}

func (b *Bot) send(ctx context.Context, chatID int64, text string, replyTo int64) {
	if text == "" {
		return
	}
	if err := b.sender.SendMessage(ctx, chatID, text, replyTo); err != nil {
		b.logger.Warn("send reply failed", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}
