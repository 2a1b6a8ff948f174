package push

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"callrelay-backend/pkg/config"
	"callrelay-backend/pkg/logger"
)

// ProviderType represents the type of push notification provider
type ProviderType string

const (
	ProviderTypeMock     ProviderType = "mock"
	ProviderTypeFirebase ProviderType = "firebase"
	ProviderTypeFCM      ProviderType = "fcm"
	ProviderTypeAPNs     ProviderType = "apns"
)

// NewProvider creates the push notification provider selected by cfg.Provider
func NewProvider(ctx context.Context, cfg *config.PushConfig) (Provider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("push config is required")
	}
	providerType := ProviderType(cfg.Provider)

	logger.Info("Initializing push notification provider",
		zap.String("provider_type", string(providerType)))

	switch providerType {
	case ProviderTypeFirebase, ProviderTypeFCM:
		if cfg.FirebaseProjectID == "" {
			return nil, fmt.Errorf("FIREBASE_PROJECT_ID is required for the firebase provider")
		}
		return NewFCMProvider(ctx, &FCMConfig{
			ProjectID:       cfg.FirebaseProjectID,
			CredentialsPath: cfg.FirebaseCredentials,
		})

	case ProviderTypeAPNs:
		if cfg.APNsTopic == "" {
			return nil, fmt.Errorf("APNS_TOPIC is required for the apns provider")
		}
		return NewAPNsProvider(&APNsConfig{
			BundleID:            cfg.APNsTopic,
			KeyPath:             cfg.APNsKeyPath,
			KeyID:               cfg.APNsKeyID,
			TeamID:              cfg.APNsTeamID,
			CertificatePath:     cfg.APNsCertPath,
			CertificatePassword: cfg.APNsCertPassword,
			Production:          cfg.APNsProduction,
		})

	case ProviderTypeMock, "":
		logger.Info("Using mock push notification provider")
		return &MockProvider{}, nil

	default:
		return nil, fmt.Errorf("unknown push provider %q", cfg.Provider)
	}
}
