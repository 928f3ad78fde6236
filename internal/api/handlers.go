package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"chatrelay/internal/auth"
	"chatrelay/internal/history"
	"chatrelay/internal/models"
	"chatrelay/internal/settings"
	"chatrelay/internal/telegram"
	"chatrelay/internal/worker"
)

type HistoryReader interface {
	LoadLast(ctx context.Context, chatID int64, limit int) ([]models.Turn, error)
	ClearChat(ctx context.Context, chatID int64) (int64, error)
}

type ChatService interface {
	Handle(ctx context.Context, chatID int64, userText string) (string, error)
}

type UpdateDispatcher interface {
	Dispatch(ctx context.Context, u telegram.Update)
}

// Handler wires HTTP routes to the relay: admin endpoints over settings and
// history, plus the Telegram webhook.
type Handler struct {
	settings *settings.Runtime
	history  HistoryReader
	chat     ChatService
	updates  UpdateDispatcher
	auth     *auth.Service
	logger   *zap.Logger
}

// NewHandler constructs a Handler instance. updates may be nil when the
// relay polls instead of receiving webhooks.
func NewHandler(rt *settings.Runtime, hist HistoryReader, chat ChatService, updates UpdateDispatcher, authService *auth.Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		settings: rt,
		history:  hist,
		chat:     chat,
		updates:  updates,
		auth:     authService,
		logger:   logger.Named("api"),
	}
}

// NewEngine returns a gin engine with recovery, request logging and every
// route registered.
func (h *Handler) NewEngine() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), RequestLogger(h.logger))
	h.RegisterRoutes(router)
	return router
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", h.health)
	if h.updates != nil {
		router.POST("/telegram/webhook", h.auth.WebhookMiddleware(), h.webhook)
	}
	if !h.auth.AdminEnabled() {
		return
	}
	api := router.Group("/api")
	api.Use(h.auth.Middleware())
	api.GET("/settings", h.getSettings)
	api.PATCH("/settings", h.patchSettings)

	chats := api.Group("/chats/:chat_id")
	chats.GET("/history", h.getHistory)
	chats.DELETE("/history", h.clearHistory)
	chats.POST("/messages", h.postMessage)
}

// RequestLogger logs one line per request.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) webhook(c *gin.Context) {
	var u telegram.Update
	if err := c.ShouldBindJSON(&u); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid update"})
		return
	}
	// Dispatch only queues work; the queued reply must outlive this request.
	h.updates.Dispatch(context.WithoutCancel(c.Request.Context()), u)
	c.Status(http.StatusOK)
}

func (h *Handler) getSettings(c *gin.Context) {
	c.JSON(http.StatusOK, h.settings.Snapshot())
}

type settingsPatch struct {
	Model        *string  `json:"model"`
	Provider     *string  `json:"provider"`
	SystemPrompt *string  `json:"system_prompt"`
	Temperature  *float64 `json:"temperature"`
	TopP         *float64 `json:"top_p"`
	MaxTokens    *int     `json:"max_tokens"`
}

// patchSettings applies fields in a fixed order and stops at the first
// rejected one; fields applied before it stay applied.
func (h *Handler) patchSettings(c *gin.Context) {
	var req settingsPatch
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	var steps []func() error
	if req.Model != nil {
		steps = append(steps, func() error { return h.settings.SetModel(*req.Model) })
	}
	if req.Provider != nil {
		steps = append(steps, func() error { return h.settings.SetProvider(*req.Provider) })
	}
	if req.SystemPrompt != nil {
		steps = append(steps, func() error { return h.settings.SetSystemPrompt(*req.SystemPrompt) })
	}
	if req.Temperature != nil {
		steps = append(steps, func() error { return h.settings.SetTemperature(*req.Temperature) })
	}
	if req.TopP != nil {
		steps = append(steps, func() error { return h.settings.SetTopP(*req.TopP) })
	}
	if req.MaxTokens != nil {
		steps = append(steps, func() error { return h.settings.SetMaxTokens(*req.MaxTokens) })
	}
	for _, step := range steps {
		if err := step(); err != nil {
			var cfgErr *settings.ConfigError
			if errors.As(err, &cfgErr) {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "field": cfgErr.Field})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, h.settings.Snapshot())
}

func (h *Handler) getHistory(c *gin.Context) {
	chatID, ok := chatIDParam(c)
	if !ok {
		return
	}
	limit := h.settings.RetentionSize()
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}
	turns, err := h.history.LoadLast(c.Request.Context(), chatID, limit)
	if err != nil {
		h.logger.Error("load history failed", zap.Int64("chat_id", chatID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load history failed"})
		return
	}
	if turns == nil {
		turns = make([]models.Turn, 0)
	}
	c.JSON(http.StatusOK, gin.H{"chat_id": chatID, "turns": turns})
}

func (h *Handler) clearHistory(c *gin.Context) {
	chatID, ok := chatIDParam(c)
	if !ok {
		return
	}
	deleted, err := h.history.ClearChat(c.Request.Context(), chatID)
	if err != nil {
		h.logger.Error("clear history failed", zap.Int64("chat_id", chatID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "clear history failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

type messageRequest struct {
	Text string `json:"text"`
}

func (h *Handler) postMessage(c *gin.Context) {
	chatID, ok := chatIDParam(c)
	if !ok {
		return
	}
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Text) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "text is required"})
		return
	}
	reply, err := h.chat.Handle(c.Request.Context(), chatID, req.Text)
	if err != nil {
		if errors.Is(err, worker.ErrQueueFull) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "chat is busy, please retry"})
			return
		}
		// The fallback is still the reply a chat user would have seen.
		c.JSON(http.StatusOK, gin.H{"reply": reply, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reply": reply})
}

func chatIDParam(c *gin.Context) (int64, bool) {
	chatID, err := strconv.ParseInt(c.Param("chat_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chat id"})
		return 0, false
	}
	return chatID, true
}

var _ HistoryReader = (*history.Store)(nil)
