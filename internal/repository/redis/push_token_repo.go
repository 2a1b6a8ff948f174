package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"callrelay-backend/internal/database"
	"callrelay-backend/pkg/constants"
	"callrelay-backend/pkg/logger"
	"callrelay-backend/pkg/push"
)

// PushTokenRepository handles push notification token storage in Redis.
//
// Keys:
//
//	push:token:{token}        JSON encoded push.Token
//	push:id:{tokenID}         token value, for deletes by ID
//	push:user:{userID}:tokens set of token values
type PushTokenRepository struct {
	client *database.RedisClient
}

// NewPushTokenRepository creates a new push token repository
func NewPushTokenRepository(client *database.RedisClient) *PushTokenRepository {
	return &PushTokenRepository{client: client}
}

func tokenKey(token string) string { return fmt.Sprintf("push:token:%s", token) }

func tokenIDKey(id uuid.UUID) string { return fmt.Sprintf("push:id:%s", id) }

func userTokensKey(id uuid.UUID) string { return fmt.Sprintf("push:user:%s:tokens", id) }

// Store stores a push notification token
func (r *PushTokenRepository) Store(ctx context.Context, token *push.Token) error {
	if token.ID == uuid.Nil {
		token.ID = uuid.New()
	}
	now := time.Now().Unix()
	if token.CreatedAt == 0 {
		token.CreatedAt = now
	}
	token.UpdatedAt = now

	if err := r.write(ctx, token); err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}
	if err := r.client.SafeSet(ctx, tokenIDKey(token.ID), token.Token, constants.PushTokenExpiry).Err(); err != nil {
		return fmt.Errorf("failed to index token: %w", err)
	}
	if err := r.addToUser(ctx, token); err != nil {
		return err
	}

	logger.Debug("Push token stored",
		zap.String("token_id", token.ID.String()),
		logger.UserID(token.UserID),
		zap.String("token_type", string(token.Type)))
	return nil
}

// GetByToken retrieves a token by its value. A missing token is (nil, nil).
func (r *PushTokenRepository) GetByToken(ctx context.Context, value string) (*push.Token, error) {
	data, err := r.client.SafeGet(ctx, tokenKey(value)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get token: %w", err)
	}

	var token push.Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}
	return &token, nil
}

// GetByUserID retrieves all tokens for a user
func (r *PushTokenRepository) GetByUserID(ctx context.Context, userID uuid.UUID) ([]*push.Token, error) {
	values, err := r.client.SafeSMembers(ctx, userTokensKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get user tokens: %w", err)
	}

	var result []*push.Token
	for _, value := range values {
		token, err := r.GetByToken(ctx, value)
		if err != nil {
			logger.Warn("Failed to get token", logger.UserID(userID), zap.Error(err))
			continue
		}
		// The set can outlive the token after a reassignment to another user
		if token == nil || token.UserID != userID {
			continue
		}
		result = append(result, token)
	}
	return result, nil
}

// Update rewrites an existing token. A change of owner moves the token
// between the user sets.
func (r *PushTokenRepository) Update(ctx context.Context, token *push.Token) error {
	previous, err := r.GetByToken(ctx, token.Token)
	if err != nil {
		return err
	}

	token.UpdatedAt = time.Now().Unix()
	if err := r.write(ctx, token); err != nil {
		return fmt.Errorf("failed to update token: %w", err)
	}
	if err := r.client.SafeSet(ctx, tokenIDKey(token.ID), token.Token, constants.PushTokenExpiry).Err(); err != nil {
		return fmt.Errorf("failed to index token: %w", err)
	}
	if previous != nil && previous.UserID != token.UserID {
		if err := r.client.SafeSRem(ctx, userTokensKey(previous.UserID), token.Token).Err(); err != nil {
			logger.Warn("Failed to remove token from previous owner",
				logger.UserID(previous.UserID),
				zap.Error(err))
		}
	}
	return r.addToUser(ctx, token)
}

// Delete removes one of the user's tokens. A token owned by somebody else is reported as not found.
func (r *PushTokenRepository) Delete(ctx context.Context, userID, tokenID uuid.UUID) error {
	value, err := r.client.SafeGet(ctx, tokenIDKey(tokenID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return push.ErrTokenNotFound
		}
		return fmt.Errorf("failed to look up token: %w", err)
	}

	token, err := r.GetByToken(ctx, value)
	if err != nil {
		return err
	}
	if token == nil || token.ID != tokenID || token.UserID != userID {
		return push.ErrTokenNotFound
	}

	if err := r.client.SafeDel(ctx, tokenKey(value), tokenIDKey(tokenID)).Err(); err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	if err := r.client.SafeSRem(ctx, userTokensKey(userID), value).Err(); err != nil {
		logger.Warn("Failed to remove token from user set", logger.UserID(userID), zap.Error(err))
	}

	logger.Debug("Push token deleted",
		zap.String("token_id", tokenID.String()),
		logger.UserID(userID))
	return nil
}

// MarkInactive marks a token the provider rejected as inactive
func (r *PushTokenRepository) MarkInactive(ctx context.Context, token *push.Token) error {
	token.Active = false
	token.UpdatedAt = time.Now().Unix()
	if err := r.write(ctx, token); err != nil {
		return fmt.Errorf("failed to mark token inactive: %w", err)
	}

	logger.Debug("Push token marked as inactive",
		zap.String("token_id", token.ID.String()),
		logger.UserID(token.UserID))
	return nil
}

func (r *PushTokenRepository) write(ctx context.Context, token *push.Token) error {
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}
	return r.client.SafeSet(ctx, tokenKey(token.Token), data, constants.PushTokenExpiry).Err()
}

func (r *PushTokenRepository) addToUser(ctx context.Context, token *push.Token) error {
	key := userTokensKey(token.UserID)
	if err := r.client.SafeSAdd(ctx, key, token.Token).Err(); err != nil {
		return fmt.Errorf("failed to add token to user set: %w", err)
	}
	if err := r.client.SafeExpire(ctx, key, constants.PushTokenExpiry).Err(); err != nil {
		logger.Warn("Failed to set expiration on user tokens set",
			logger.UserID(token.UserID),
			zap.Error(err))
	}
	return nil
}
