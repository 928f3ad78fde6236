package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Middleware requires the admin bearer token.
func (s *Service) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearer(c.GetHeader(adminHeader))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		if !s.ValidateAdminToken(token) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Next()
	}
}

// WebhookMiddleware rejects Telegram deliveries without the webhook secret.
func (s *Service) WebhookMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.ValidateWebhookSecret(c.GetHeader(webhookHeader)) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid webhook secret"})
			return
		}
		c.Next()
	}
}

func extractBearer(header string) string {
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}
