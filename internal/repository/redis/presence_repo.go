package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"callrelay-backend/internal/database"
	"callrelay-backend/pkg/constants"
	"callrelay-backend/pkg/logger"
)

const onlineSetKey = "presence:online"

// PresenceRepository mirrors registry presence into Redis so other
// services can ask whether a user is reachable
type PresenceRepository struct {
	client  *database.RedisClient
	timeout time.Duration
	changes chan presenceChange
}

type presenceChange struct {
	userID uuid.UUID
	online bool
}

// NewPresenceRepository creates a new PresenceRepository.
// Start Run in a goroutine before installing it as a presence observer.
func NewPresenceRepository(client *database.RedisClient) *PresenceRepository {
	return &PresenceRepository{
		client:  client,
		timeout: 2 * time.Second,
		changes: make(chan presenceChange, 1024),
	}
}

func presenceKey(userID uuid.UUID) string {
	return fmt.Sprintf("presence:%s", userID)
}

// SetUserOnline marks user as online
func (r *PresenceRepository) SetUserOnline(ctx context.Context, userID uuid.UUID) error {
	if err := r.client.SafeSet(ctx, presenceKey(userID), "online", constants.PresenceTTL).Err(); err != nil {
		return fmt.Errorf("failed to set user online: %w", err)
	}
	if err := r.client.SafeSAdd(ctx, onlineSetKey, userID.String()).Err(); err != nil {
		return fmt.Errorf("failed to add to online set: %w", err)
	}
	return nil
}

// SetUserOffline marks user as offline
func (r *PresenceRepository) SetUserOffline(ctx context.Context, userID uuid.UUID) error {
	if err := r.client.SafeDel(ctx, presenceKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to delete presence: %w", err)
	}
	if err := r.client.SafeSRem(ctx, onlineSetKey, userID.String()).Err(); err != nil {
		return fmt.Errorf("failed to remove from online set: %w", err)
	}
	return nil
}

// IsUserOnline checks if user is currently online
func (r *PresenceRepository) IsUserOnline(ctx context.Context, userID uuid.UUID) (bool, error) {
	exists, err := r.client.SafeExists(ctx, presenceKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check presence: %w", err)
	}
	return exists > 0, nil
}

// UserOnline implements registry.PresenceObserver
func (r *PresenceRepository) UserOnline(userID uuid.UUID) {
	r.enqueue(presenceChange{userID: userID, online: true})
}

// UserOffline implements registry.PresenceObserver
func (r *PresenceRepository) UserOffline(userID uuid.UUID) {
	r.enqueue(presenceChange{userID: userID, online: false})
}

// Touch re-arms the presence TTL of a user whose connection is still alive
func (r *PresenceRepository) Touch(userID uuid.UUID) {
	r.enqueue(presenceChange{userID: userID, online: true})
}

// enqueue never blocks the registry; a full queue drops the change and the
// key expires on its own after PresenceTTL.
func (r *PresenceRepository) enqueue(change presenceChange) {
	select {
	case r.changes <- change:
	default:
		logger.Warn("Presence queue full, dropping change",
			logger.UserID(change.userID),
			zap.Bool("online", change.online))
	}
}

// Run applies queued presence changes in order until ctx is cancelled
func (r *PresenceRepository) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case change := <-r.changes:
			r.apply(ctx, change)
		}
	}
}

func (r *PresenceRepository) apply(ctx context.Context, change presenceChange) {
	if r.client.IsDegraded() {
		return
	}
	opCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var err error
	if change.online {
		err = r.SetUserOnline(opCtx, change.userID)
	} else {
		err = r.SetUserOffline(opCtx, change.userID)
	}
	if err != nil {
		logger.Warn("Failed to mirror presence",
			logger.UserID(change.userID),
			zap.Bool("online", change.online),
			zap.Error(err))
	}
}
