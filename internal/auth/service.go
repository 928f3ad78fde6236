package auth

import (
	"crypto/subtle"
)

const (
	adminHeader   = "Authorization"
	webhookHeader = "X-Telegram-Bot-Api-Secret-Token"
)

// Service checks the shared secrets that guard the admin API and the
// Telegram webhook.
type Service struct {
	adminToken    string
	webhookSecret string
}

// NewService constructs an auth service. An empty adminToken rejects every
// admin request; an empty webhookSecret accepts every webhook delivery.
func NewService(adminToken, webhookSecret string) *Service {
	return &Service{adminToken: adminToken, webhookSecret: webhookSecret}
}

// AdminEnabled reports whether an admin token is configured.
func (s *Service) AdminEnabled() bool {
	return s.adminToken != ""
}

// ValidateAdminToken reports whether token matches the configured admin token.
func (s *Service) ValidateAdminToken(token string) bool {
	if s.adminToken == "" || token == "" {
		return false
	}
	return equal(token, s.adminToken)
}

// ValidateWebhookSecret reports whether a webhook delivery carries the
// configured secret.
func (s *Service) ValidateWebhookSecret(secret string) bool {
	if s.webhookSecret == "" {
		return true
	}
	return equal(secret, s.webhookSecret)
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
