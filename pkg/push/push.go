package push

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"callrelay-backend/pkg/constants"
	"callrelay-backend/pkg/logger"
	"callrelay-backend/pkg/metrics"
)

// ErrTokenNotFound is returned when a token does not exist or belongs to another user
var ErrTokenNotFound = errors.New("push token not found")

// Provider defines interface for sending push notifications
type Provider interface {
	Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error)
	// Accepts reports whether the provider can deliver to tokens of type t
	Accepts(t TokenType) bool
	Name() string
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
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Data     map[string]string `json:"data,omitempty"`
	Priority string            `json:"priority,omitempty"` // high, normal
	Sound    string            `json:"sound,omitempty"`
	Category string            `json:"category,omitempty"`
	// CollapseID lets a later notification for the same call replace this one
	CollapseID string        `json:"collapse_id,omitempty"`
	TTL        time.Duration `json:"-"`
}

// CallNotificationData contains data for call-related notifications
type CallNotificationData struct {
	CallID         uuid.UUID
	ConversationID *uuid.UUID
	CallerID       uuid.UUID
	CallType       string
	CallStatus     string
	Timestamp      time.Time
}

// TokenType represents the type of push notification token
type TokenType string

const (
	TokenTypeFCM  TokenType = "fcm"  // Firebase Cloud Messaging
	TokenTypeAPNs TokenType = "apns" // Apple Push Notification Service
)

// Valid reports whether t is a supported token type
func (t TokenType) Valid() bool {
	return t == TokenTypeFCM || t == TokenTypeAPNs
}

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
	Update(ctx context.Context, token *Token) error
	Delete(ctx context.Context, userID, tokenID uuid.UUID) error
	MarkInactive(ctx context.Context, token *Token) error
}

// Service handles push notification operations
type Service struct {
	provider Provider
	repo     TokenRepository
	metrics  *metrics.Metrics
}

// NewService creates a new push notification service. m may be nil.
func NewService(provider Provider, repo TokenRepository, m *metrics.Metrics) *Service {
	return &Service{
		provider: provider,
		repo:     repo,
		metrics:  m,
	}
}

// RegisterToken registers a push token for a user, reactivating it if it is already known
func (s *Service) RegisterToken(ctx context.Context, token *Token) (*Token, error) {
	existing, err := s.repo.GetByToken(ctx, token.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to look up token: %w", err)
	}
	if existing != nil {
		// A device token moves with the device when another account signs in on it
		existing.UserID = token.UserID
		existing.Type = token.Type
		existing.Active = true
		existing.DeviceID = token.DeviceID
		existing.Platform = token.Platform
		if err := s.repo.Update(ctx, existing); err != nil {
			return nil, err
		}
		return existing, nil
	}

	token.Active = true
	if err := s.repo.Store(ctx, token); err != nil {
		return nil, err
	}
	return token, nil
}

// UnregisterToken removes one of the user's push tokens
func (s *Service) UnregisterToken(ctx context.Context, userID, tokenID uuid.UUID) error {
	return s.repo.Delete(ctx, userID, tokenID)
}

// SendCallNotification rings the callees' devices for an incoming call
func (s *Service) SendCallNotification(ctx context.Context, data *CallNotificationData, calleeIDs []uuid.UUID) error {
	notification := &Notification{
		Title:      "Incoming call",
		Body:       "You have an incoming " + data.CallType + " call",
		Priority:   "high",
		Sound:      "default",
		Category:   "INCOMING_CALL",
		CollapseID: data.CallID.String(),
		TTL:        constants.IncomingCallPushTTL,
		Data: map[string]string{
			"type":        "call",
			"call_id":     data.CallID.String(),
			"caller_id":   data.CallerID.String(),
			"call_type":   data.CallType,
			"call_status": data.CallStatus,
			"timestamp":   strconv.FormatInt(data.Timestamp.Unix(), 10),
		},
	}
	if data.ConversationID != nil {
		notification.Data["conversation_id"] = data.ConversationID.String()
	}

	tokens := s.activeTokens(ctx, calleeIDs)
	if len(tokens) == 0 {
		logger.Debug("No active push tokens found for callees",
			logger.CallID(data.CallID),
			zap.Int("callee_count", len(calleeIDs)))
		return nil
	}

	values := make([]string, len(tokens))
	for i, t := range tokens {
		values[i] = t.Token
	}

	result, err := s.provider.Send(ctx, notification, values)
	if err != nil {
		s.metrics.RecordPushNotificationFailure("incoming_call", s.provider.Name(), "send_error")
		return fmt.Errorf("failed to send call notification: %w", err)
	}

	s.metrics.RecordPushNotification("incoming_call", s.provider.Name())
	if result.FailureCount > 0 {
		s.metrics.RecordPushNotificationFailure("incoming_call", s.provider.Name(), "rejected")
	}

	logger.Info("Call notification sent",
		logger.CallID(data.CallID),
		zap.Int("success_count", result.SuccessCount),
		zap.Int("failure_count", result.FailureCount),
		zap.Int("invalid_tokens", len(result.InvalidTokens)))

	if len(result.InvalidTokens) > 0 {
		s.handleInvalidTokens(ctx, tokens, result.InvalidTokens)
	}
	return nil
}

func (s *Service) activeTokens(ctx context.Context, userIDs []uuid.UUID) []*Token {
	var out []*Token
	for _, userID := range userIDs {
		tokens, err := s.repo.GetByUserID(ctx, userID)
		if err != nil {
			logger.Warn("Failed to get push tokens for user",
				logger.UserID(userID),
				zap.Error(err))
			continue
		}
		for _, t := range tokens {
			if t.Active && s.provider.Accepts(t.Type) {
				out = append(out, t)
			}
		}
	}
	return out
}

// handleInvalidTokens marks tokens the provider rejected as inactive
func (s *Service) handleInvalidTokens(ctx context.Context, tokens []*Token, invalid []string) {
	rejected := make(map[string]bool, len(invalid))
	for _, v := range invalid {
		rejected[v] = true
	}
	for _, t := range tokens {
		if !rejected[t.Token] {
			continue
		}
		if err := s.repo.MarkInactive(ctx, t); err != nil {
			logger.Warn("Failed to mark token as inactive",
				zap.String("token_id", t.ID.String()),
				zap.Error(err))
		}
	}
}

// MockProvider records notifications instead of sending them
type MockProvider struct {
	mu   sync.Mutex
	sent []*Notification
}

// Send implements Provider interface
func (m *MockProvider) Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error) {
	m.mu.Lock()
	m.sent = append(m.sent, notification)
	m.mu.Unlock()

	logger.Debug("MockProvider: Sending notification",
		zap.String("title", notification.Title),
		zap.Int("token_count", len(tokens)))

	return &SendResult{SuccessCount: len(tokens)}, nil
}

// Accepts implements Provider interface
func (m *MockProvider) Accepts(TokenType) bool { return true }

// Name implements Provider interface
func (m *MockProvider) Name() string { return "mock" }

// Sent returns the notifications recorded so far
func (m *MockProvider) Sent() []*Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Notification(nil), m.sent...)
}

// maskPushToken returns a safe masked version of a push token for logging
// Shows only first 8 and last 8 characters, with middle masked
func maskPushToken(token string) string {
	if len(token) <= 16 {
		return "********"
	}
	return token[:8] + "..." + token[len(token)-8:]
}
