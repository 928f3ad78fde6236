package chat

import (
	"context"
	"fmt"
	"time"

	"chatrelay/internal/inference"
	"chatrelay/internal/prompt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultFallbackReply = "Service temporarily unavailable"
	commitTimeout        = 10 * time.Second
)

type Assembler interface {
	Build(ctx context.Context, chatID int64, userText string) (*prompt.Request, error)
	Commit(ctx context.Context, chatID int64, userText, assistantText string) error
}

// Serializer runs work for one chat at a time.
type Serializer interface {
	Do(ctx context.Context, chatID int64, fn func(context.Context)) error
	Submit(ctx context.Context, chatID int64, fn func(context.Context)) error
}

// Service runs exchanges: build the request, ask the model, record the turns.
// Any failure yields the fallback reply together with the cause.
type Service struct {
	assembler  Assembler
	client     inference.Client
	serializer Serializer
	fallback   string
	logger     *zap.Logger
}

func NewService(assembler Assembler, client inference.Client, serializer Serializer, fallback string, logger *zap.Logger) *Service {
	if fallback == "" {
		fallback = DefaultFallbackReply
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		assembler:  assembler,
		client:     client,
		serializer: serializer,
		fallback:   fallback,
		logger:     logger.Named("chat"),
	}
}

// Fallback is the reply sent when an exchange fails.
func (s *Service) Fallback() string { return s.fallback }

// Handle runs one exchange on the chat's worker and waits for the reply.
func (s *Service) Handle(ctx context.Context, chatID int64, userText string) (string, error) {
	var (
		reply string
		exErr error
	)
	err := s.serializer.Do(ctx, chatID, func(ctx context.Context) {
		reply, exErr = s.exchange(ctx, chatID, userText)
	})
	if err != nil {
		s.logger.Warn("exchange not run", zap.Int64("chat_id", chatID), zap.Error(err))
		return s.fallback, err
	}
	return reply, exErr
}

// Enqueue queues one exchange on the chat's worker and returns at once.
// done runs on that worker with the reply, so replies for a chat are
// delivered in the order their messages were queued. done is not called
// when the task is dropped by a shutdown or an expired ctx.
func (s *Service) Enqueue(ctx context.Context, chatID int64, userText string, done func(reply string, err error)) error {
	return s.serializer.Submit(ctx, chatID, func(ctx context.Context) {
		reply, err := s.exchange(ctx, chatID, userText)
		done(reply, err)
	})
}

func (s *Service) exchange(ctx context.Context, chatID int64, userText string) (string, error) {
	log := s.logger.With(zap.String("req_id", uuid.NewString()), zap.Int64("chat_id", chatID))
	start := time.Now()

	req, err := s.assembler.Build(ctx, chatID, userText)
	if err != nil {
		log.Error("build request failed", zap.Error(err))
		return s.fallback, fmt.Errorf("build request: %w", err)
	}
	log.Info("sending exchange",
		zap.String("model", req.Model),
		zap.Int("messages", len(req.Messages)),
		zap.Int("user_len", len(userText)),
	)

	text, err := s.client.Complete(ctx, req)
	if err != nil {
		log.Error("inference failed", zap.Duration("took", time.Since(start)), zap.Error(err))
		return s.fallback, fmt.Errorf("complete: %w", err)
	}

	// The reply exists now; record it even if the caller has gone away.
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()
	if err := s.assembler.Commit(commitCtx, chatID, userText, text); err != nil {
		log.Error("commit exchange failed", zap.Error(err))
		return s.fallback, fmt.Errorf("commit exchange: %w", err)
	}
	log.Info("exchange done", zap.Duration("took", time.Since(start)), zap.Int("reply_len", len(text)))
	return text, nil
}
