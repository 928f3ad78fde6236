package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"chatrelay/internal/models"
	"chatrelay/internal/redis"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	cacheKeyPrefix    = "chatrelay:history:"
	versionKeyPrefix  = "chatrelay:history_ver:"
	epochKey          = "chatrelay:history_epoch"
	invalidateChannel = "chatrelay:history:invalidate"
	maxLocalWindows   = 1024
	defaultCacheTTL   = 30 * time.Minute
)

// stamp identifies the state of a chat's history. Every write to a chat
// bumps its Version and ClearAll bumps the shared Epoch, so a window tagged
// with an older stamp may be missing turns.
type stamp struct {
	Epoch   int64 `json:"epoch"`
	Version int64 `json:"version"`
}

type cachedWindow struct {
	Stamp stamp         `json:"stamp"`
	Limit int           `json:"limit"`
	Turns []models.Turn `json:"turns"`
}

// serves reports whether w can answer a load of limit turns at cur.
func (w cachedWindow) serves(limit int, cur stamp) bool {
	return w.Limit == limit && w.Stamp == cur
}

type invalidateMessage struct {
	Instance string `json:"instance"`
	ChatID   int64  `json:"chat_id"`
	All      bool   `json:"all,omitempty"`
}

// CachedStore keeps the last loaded window of each chat in Redis, with an
// in-process copy in front. Windows are tagged with the chat's stamp as read
// before the backend load, and a copy is served only while that stamp is
// still current, so a window populated concurrently with another
// instance's write is never served after it. Writes bump the stamp, drop
// both copies and tell other instances to drop theirs. Cache failures fall
// back to the wrapped Backend.
type CachedStore struct {
	next     Backend
	client   *redis.Client
	ttl      time.Duration
	logger   *zap.Logger
	locks    *chatLocks
	instance string

	mu    sync.Mutex
	local map[int64]cachedWindow

	stop      context.CancelFunc
	closeOnce sync.Once
	closeErr  error
}

// NewCachedStore wraps next and starts listening for invalidations from
// other instances. Close stops the listener and closes next, not client.
func NewCachedStore(ctx context.Context, next Backend, client *redis.Client, ttl time.Duration, logger *zap.Logger) (*CachedStore, error) {
	if next == nil || client == nil {
		return nil, errors.New("cached store requires a backend and a redis client")
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	listenCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &CachedStore{
		next:     next,
		client:   client,
		ttl:      ttl,
		logger:   logger.Named("history_cache"),
		locks:    newChatLocks(),
		instance: uuid.NewString(),
		local:    make(map[int64]cachedWindow),
		stop:     cancel,
	}
	if err := client.Subscribe(listenCtx, invalidateChannel, c.onInvalidate); err != nil {
		cancel()
		return nil, fmt.Errorf("start history invalidation listener: %w", err)
	}
	return c, nil
}

func (c *CachedStore) Init(ctx context.Context) error {
	return c.next.Init(ctx)
}

func (c *CachedStore) Append(ctx context.Context, chatID int64, role models.Role, content string) (int64, error) {
	unlock := c.locks.lock(chatID)
	defer unlock()
	seq, err := c.next.Append(ctx, chatID, role, content)
	c.invalidate(ctx, chatID)
	return seq, err
}

func (c *CachedStore) LoadLast(ctx context.Context, chatID int64, limit int) ([]models.Turn, error) {
	if limit <= 0 {
		return c.next.LoadLast(ctx, chatID, limit)
	}
	unlock := c.locks.lock(chatID)
	defer unlock()

	cur, err := c.currentStamp(ctx, chatID)
	if err != nil {
		c.logger.Warn("load history stamp failed, bypassing cache", zap.Int64("chat_id", chatID), zap.Error(err))
		return c.next.LoadLast(ctx, chatID, limit)
	}
	if w, ok := c.localGet(chatID); ok && w.serves(limit, cur) {
		return slices.Clone(w.Turns), nil
	}
	if w, ok := c.remoteGet(ctx, chatID); ok && w.serves(limit, cur) {
		c.localPut(chatID, w)
		return slices.Clone(w.Turns), nil
	}

	turns, err := c.next.LoadLast(ctx, chatID, limit)
	if err != nil {
		return nil, err
	}
	w := cachedWindow{Stamp: cur, Limit: limit, Turns: slices.Clone(turns)}
	c.remotePut(ctx, chatID, w)
	c.localPut(chatID, w)
	return turns, nil
}

func (c *CachedStore) TrimToLast(ctx context.Context, chatID int64, keep int) (int64, error) {
	unlock := c.locks.lock(chatID)
	defer unlock()
	deleted, err := c.next.TrimToLast(ctx, chatID, keep)
	if deleted > 0 || err != nil {
		c.invalidate(ctx, chatID)
	}
	return deleted, err
}

func (c *CachedStore) ClearChat(ctx context.Context, chatID int64) (int64, error) {
	unlock := c.locks.lock(chatID)
	defer unlock()
	deleted, err := c.next.ClearChat(ctx, chatID)
	c.invalidate(ctx, chatID)
	return deleted, err
}

func (c *CachedStore) ClearAll(ctx context.Context) error {
	unlock := c.locks.lockAll()
	defer unlock()
	err := c.next.ClearAll(ctx)

	if _, ierr := c.client.Incr(ctx, epochKey); ierr != nil {
		c.logger.Error("bump history epoch failed", zap.Error(ierr))
	}
	c.mu.Lock()
	clear(c.local)
	c.mu.Unlock()

	keys, kerr := c.client.Keys(ctx, cacheKeyPrefix+"*")
	if kerr == nil {
		kerr = c.client.Del(ctx, keys...)
	}
	if kerr != nil {
		c.logger.Warn("drop cached windows failed", zap.Error(kerr))
	}
	c.publish(ctx, invalidateMessage{Instance: c.instance, All: true})
	return err
}

// Close stops the invalidation listener and closes the wrapped backend.
func (c *CachedStore) Close() error {
	c.closeOnce.Do(func() {
		c.stop()
		c.closeErr = c.next.Close()
	})
	return c.closeErr
}

func (c *CachedStore) invalidate(ctx context.Context, chatID int64) {
	if _, err := c.client.Incr(ctx, versionKey(chatID)); err != nil {
		c.logger.Error("bump history version failed", zap.Int64("chat_id", chatID), zap.Error(err))
	}
	c.localDrop(chatID)
	if err := c.client.Del(ctx, cacheKey(chatID)); err != nil {
		c.logger.Warn("drop cached window failed", zap.Int64("chat_id", chatID), zap.Error(err))
	}
	c.publish(ctx, invalidateMessage{Instance: c.instance, ChatID: chatID})
}

func (c *CachedStore) publish(ctx context.Context, msg invalidateMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		c.logger.Warn("encode invalidation failed", zap.Error(err))
		return
	}
	if err := c.client.Publish(ctx, invalidateChannel, payload); err != nil {
		c.logger.Warn("publish invalidation failed", zap.Error(err))
	}
}

func (c *CachedStore) onInvalidate(payload string) {
	var msg invalidateMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		c.logger.Warn("decode invalidation failed", zap.Error(err))
		return
	}
	if msg.Instance == c.instance {
		return
	}
	if msg.All {
		c.mu.Lock()
		clear(c.local)
		c.mu.Unlock()
		return
	}
	c.localDrop(msg.ChatID)
}

func (c *CachedStore) remoteGet(ctx context.Context, chatID int64) (cachedWindow, bool) {
	raw, err := c.client.Get(ctx, cacheKey(chatID))
	if err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			c.logger.Warn("load cached window failed", zap.Int64("chat_id", chatID), zap.Error(err))
		}
		return cachedWindow{}, false
	}
	var w cachedWindow
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		c.logger.Warn("decode cached window failed", zap.Int64("chat_id", chatID), zap.Error(err))
		return cachedWindow{}, false
	}
	return w, true
}

func (c *CachedStore) remotePut(ctx context.Context, chatID int64, w cachedWindow) {
	data, err := json.Marshal(w)
	if err != nil {
		c.logger.Warn("encode cached window failed", zap.Int64("chat_id", chatID), zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, cacheKey(chatID), data, c.ttl); err != nil {
		c.logger.Warn("store cached window failed", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

func (c *CachedStore) localGet(chatID int64) (cachedWindow, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.local[chatID]
	return w, ok
}

func (c *CachedStore) localPut(chatID int64, w cachedWindow) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.local) >= maxLocalWindows {
		clear(c.local)
	}
	c.local[chatID] = w
}

func (c *CachedStore) localDrop(chatID int64) {
	c.mu.Lock()
	delete(c.local, chatID)
	c.mu.Unlock()
}

// currentStamp reads the epoch and the chat's version in one round trip.
func (c *CachedStore) currentStamp(ctx context.Context, chatID int64) (stamp, error) {
	vals, err := c.client.MGet(ctx, epochKey, versionKey(chatID))
	if err != nil {
		return stamp{}, err
	}
	var cur stamp
	if cur.Epoch, err = parseCounter(vals[0]); err != nil {
		return stamp{}, fmt.Errorf("parse history epoch: %w", err)
	}
	if cur.Version, err = parseCounter(vals[1]); err != nil {
		return stamp{}, fmt.Errorf("parse history version: %w", err)
	}
	return cur, nil
}

func parseCounter(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func cacheKey(chatID int64) string {
	return cacheKeyPrefix + strconv.FormatInt(chatID, 10)
}

func versionKey(chatID int64) string {
	return versionKeyPrefix + strconv.FormatInt(chatID, 10)
}
