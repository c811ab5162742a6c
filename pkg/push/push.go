package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"linguachat-backend/pkg/logger"
)

// ErrTokenNotFound is returned when a token does not exist or belongs to
// another user
var ErrTokenNotFound = errors.New("push token not found")

// Provider defines interface for sending push notifications
type Provider interface {
	Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error)
}

// SendResult contains the result of a push notification send operation
type SendResult struct {
	SuccessCount  int
	FailureCount  int
	InvalidTokens []string
	Errors        []error
}

// Notification represents a push notification
type Notification struct {
	Title       string            `json:"title"`
	Body        string            `json:"body"`
	Data        map[string]string `json:"data,omitempty"`
	Priority    string            `json:"priority,omitempty"` // high, normal, low
	Sound       string            `json:"sound,omitempty"`
	Badge       *int              `json:"badge,omitempty"`
	Category    string            `json:"category,omitempty"`
	ClickAction string            `json:"click_action,omitempty"`
}

// TokenType represents the type of push notification token
type TokenType string

const (
	TokenTypeFCM  TokenType = "fcm"  // Firebase Cloud Messaging
	TokenTypeAPNs TokenType = "apns" // Apple Push Notification Service
	TokenTypeWeb  TokenType = "web"  // Web Push
)

// Token represents a push notification token for a user
type Token struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	Token     string    `json:"token"`
	Type      TokenType `json:"type"`
	DeviceID  string    `json:"device_id,omitempty"`
	Platform  string    `json:"platform,omitempty"` // ios, android, web
	Active    bool      `json:"active"`
	CreatedAt int64     `json:"created_at"`
	UpdatedAt int64     `json:"updated_at"`
}

// TokenRepository defines interface for storing and retrieving push tokens
type TokenRepository interface {
	Store(ctx context.Context, token *Token) error
	GetByUserID(ctx context.Context, userID uuid.UUID) ([]*Token, error)
	GetByToken(ctx context.Context, token string) (*Token, error)
	Remove(ctx context.Context, userID uuid.UUID, token string) error
	DeleteByUserID(ctx context.Context, userID uuid.UUID) error
}

// Service handles push notification operations
type Service struct {
	provider Provider
	repo     TokenRepository
}

// NewService creates a new push notification service
func NewService(provider Provider, repo TokenRepository) *Service {
	return &Service{
		provider: provider,
		repo:     repo,
	}
}

// RegisterToken registers a new push notification token for a user
func (s *Service) RegisterToken(ctx context.Context, token *Token) error {
	existing, err := s.repo.GetByToken(ctx, token.Token)
	if err == nil && existing != nil {
		existing.Active = true
		existing.DeviceID = token.DeviceID
		existing.Platform = token.Platform
		return s.repo.Store(ctx, existing)
	}
	token.Active = true
	return s.repo.Store(ctx, token)
}

// UnregisterToken removes a single token after verifying ownership
func (s *Service) UnregisterToken(ctx context.Context, userID uuid.UUID, tokenStr string) error {
	existing, err := s.repo.GetByToken(ctx, tokenStr)
	if err != nil {
		return err
	}
	if existing == nil || existing.UserID != userID {
		return ErrTokenNotFound
	}
	return s.repo.Remove(ctx, userID, tokenStr)
}

// UnregisterAllTokens removes all tokens for a user
func (s *Service) UnregisterAllTokens(ctx context.Context, userID uuid.UUID) error {
	return s.repo.DeleteByUserID(ctx, userID)
}

// SendToUsers sends one notification to every active device of the given
// users. Invalid tokens reported by the provider are pruned.
func (s *Service) SendToUsers(ctx context.Context, notification *Notification, userIDs []uuid.UUID) error {
	var allTokens []string
	tokenOwners := make(map[string]uuid.UUID)

	for _, userID := range userIDs {
		tokens, err := s.repo.GetByUserID(ctx, userID)
		if err != nil {
			logger.Warn("Failed to get push tokens for user",
				zap.String("user_id", userID.String()),
				zap.Error(err))
			continue
		}

		for _, token := range tokens {
			if token.Active {
				allTokens = append(allTokens, token.Token)
				tokenOwners[token.Token] = token.UserID
			}
		}
	}

	if len(allTokens) == 0 {
		logger.Debug("No active push tokens for recipients",
			zap.Int("recipient_count", len(userIDs)))
		return nil
	}

	result, err := s.provider.Send(ctx, notification, allTokens)
	if err != nil {
		return fmt.Errorf("failed to send push notification: %w", err)
	}

	logger.Info("Push notification sent",
		zap.String("title", notification.Title),
		zap.Int("success_count", result.SuccessCount),
		zap.Int("failure_count", result.FailureCount),
		zap.Int("invalid_tokens", len(result.InvalidTokens)))

	for _, tokenStr := range result.InvalidTokens {
		owner, ok := tokenOwners[tokenStr]
		if !ok {
			continue
		}
		if err := s.repo.Remove(ctx, owner, tokenStr); err != nil {
			logger.Warn("Failed to prune invalid push token",
				zap.String("user_id", owner.String()),
				zap.Error(err))
		}
	}

	return nil
}

// GetTokensByUserID retrieves all tokens for a user
func (s *Service) GetTokensByUserID(ctx context.Context, userID uuid.UUID) ([]*Token, error) {
	return s.repo.GetByUserID(ctx, userID)
}

// MockProvider is a mock implementation for development/testing
type MockProvider struct {
	NotificationsSent int
}

// Send implements Provider interface
func (m *MockProvider) Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error) {
	m.NotificationsSent++

	logger.Debug("MockProvider: Sending notification",
		zap.String("title", notification.Title),
		zap.String("body", notification.Body),
		zap.Int("token_count", len(tokens)))

	return &SendResult{
		SuccessCount: len(tokens),
	}, nil
}

// ToJSON converts notification to JSON
func (n *Notification) ToJSON() ([]byte, error) {
	return json.Marshal(n)
}

// FromJSON creates notification from JSON
func FromJSON(data []byte) (*Notification, error) {
	var notification Notification
	err := json.Unmarshal(data, &notification)
	return &notification, err
}
