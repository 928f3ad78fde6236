package routing

import (
	"context"
	"strings"
	"sync"
	"time"

	"chatrelay/internal/models"

	"go.uber.org/zap"
)

// UnknownBotID stands in for the bot's user id when it could not be resolved.
// No sender has this id, so reply-to-bot detection simply never matches.
const UnknownBotID int64 = -1

// Identity is the bot's own account.
type Identity struct {
	ID       int64
	Username string
}

// IdentityResolver looks up the bot's own account.
type IdentityResolver interface {
	Identity(ctx context.Context) (Identity, error)
}

// ResolverFunc adapts a function to IdentityResolver.
type ResolverFunc func(ctx context.Context) (Identity, error)

func (f ResolverFunc) Identity(ctx context.Context) (Identity, error) { return f(ctx) }

// Router decides which inbound messages the bot answers: every private
// message, and group messages that mention the bot or reply to it.
type Router struct {
	handle   string
	resolver IdentityResolver
	timeout  time.Duration
	logger   *zap.Logger

	once     sync.Once
	identity Identity
}

// New returns a router. handle may be empty, in which case the username of
// the resolved identity is used for mention matching.
func New(handle string, resolver IdentityResolver, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		handle:   normalizeHandle(handle),
		resolver: resolver,
		timeout:  10 * time.Second,
		logger:   logger.Named("router"),
	}
}

// Decide reports whether msg should be answered.
func (r *Router) Decide(ctx context.Context, msg models.InboundMessage) bool {
	if strings.TrimSpace(msg.Text) == "" {
		return false
	}
	switch {
	case msg.ChatKind == models.ChatPrivate:
		return true
	case msg.ChatKind.MultiParty():
		if handle := r.Handle(ctx); handle != "" && strings.Contains(strings.ToLower(msg.Text), "@"+handle) {
			return true
		}
		if msg.IsReply && msg.ReplyToSenderID == r.Identity(ctx).ID {
			return true
		}
		r.logger.Debug("group message not addressed to bot", zap.Int64("chat_id", msg.ChatID))
		return false
	default:
		return false
	}
}

// Handle returns the lowercase mention handle without the leading @.
func (r *Router) Handle(ctx context.Context) string {
	if r.handle != "" {
		return r.handle
	}
	return normalizeHandle(r.Identity(ctx).Username)
}

// Identity resolves the bot account once. On failure the id stays
// UnknownBotID for the life of the router.
func (r *Router) Identity(ctx context.Context) Identity {
	r.once.Do(func() {
		r.identity = Identity{ID: UnknownBotID}
		if r.resolver == nil {
			return
		}
		// Detached so one caller's cancellation cannot poison the result.
		resolveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()
		id, err := r.resolver.Identity(resolveCtx)
		if err != nil {
			r.logger.Warn("resolve bot identity failed, reply detection disabled", zap.Error(err))
			return
		}
		r.identity = id
		r.logger.Info("resolved bot identity", zap.Int64("id", id.ID), zap.String("username", id.Username))
	})
	return r.identity
}

func normalizeHandle(handle string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(handle), "@"))
}
