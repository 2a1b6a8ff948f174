package push

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"callrelay-backend/pkg/logger"
)

// FCMProvider implements Provider interface for Firebase Cloud Messaging
type FCMProvider struct {
	client *messaging.Client
}

// FCMConfig contains configuration for FCM provider
type FCMConfig struct {
	CredentialsPath string // Path to service account JSON file
	CredentialsJSON []byte // Service account JSON content (alternative to file path)
	ProjectID       string // Firebase Project ID
}

// NewFCMProvider creates a new FCM provider
func NewFCMProvider(ctx context.Context, config *FCMConfig) (*FCMProvider, error) {
	if config == nil {
		return nil, fmt.Errorf("FCM config is required")
	}

	var opts []option.ClientOption
	if len(config.CredentialsJSON) > 0 {
		opts = append(opts, option.WithCredentialsJSON(config.CredentialsJSON))
	} else if config.CredentialsPath != "" {
		opts = append(opts, option.WithCredentialsFile(config.CredentialsPath))
	} else {
		return nil, fmt.Errorf("either CredentialsPath or CredentialsJSON must be provided")
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: config.ProjectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Firebase app: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get messaging client: %w", err)
	}

	logger.Info("FCM provider initialized", zap.String("project_id", config.ProjectID))
	return &FCMProvider{client: client}, nil
}

// Name implements Provider interface
func (f *FCMProvider) Name() string { return "fcm" }

// Accepts implements Provider interface
func (f *FCMProvider) Accepts(t TokenType) bool { return t == TokenTypeFCM }

// Send implements Provider interface for FCM
func (f *FCMProvider) Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error) {
	if len(tokens) == 0 {
		return &SendResult{}, nil
	}

	response, err := f.client.SendEachForMulticast(ctx, f.buildMessage(notification, tokens))
	if err != nil {
		logger.Error("Failed to send FCM multicast message",
			zap.Error(err),
			zap.Int("token_count", len(tokens)))
		return nil, fmt.Errorf("failed to send FCM message: %w", err)
	}

	result := &SendResult{
		SuccessCount: response.SuccessCount,
		FailureCount: response.FailureCount,
	}
	for i, resp := range response.Responses {
		if resp.Success || resp.Error == nil {
			continue
		}
		result.Errors = append(result.Errors, resp.Error)
		logger.Warn("FCM send failed for token",
			zap.String("token_prefix", maskPushToken(tokens[i])),
			zap.Error(resp.Error))

		if messaging.IsUnregistered(resp.Error) || messaging.IsInvalidArgument(resp.Error) {
			result.InvalidTokens = append(result.InvalidTokens, tokens[i])
		}
	}

	return result, nil
}

func (f *FCMProvider) buildMessage(notification *Notification, tokens []string) *messaging.MulticastMessage {
	android := &messaging.AndroidConfig{
		CollapseKey: notification.CollapseID,
		Notification: &messaging.AndroidNotification{
			Sound:     notification.Sound,
			ChannelID: notification.Category,
		},
	}
	if notification.Priority == "high" {
		android.Priority = "high"
	}
	if notification.TTL > 0 {
		ttl := notification.TTL
		android.TTL = &ttl
	}

	return &messaging.MulticastMessage{
		Notification: &messaging.Notification{
			Title: notification.Title,
			Body:  notification.Body,
		},
		Tokens:  tokens,
		Data:    notification.Data,
		Android: android,
	}
}
