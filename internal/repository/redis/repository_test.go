package redis

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callrelay-backend/internal/database"
	"callrelay-backend/pkg/config"
	"callrelay-backend/pkg/push"
)

// degradedClient returns a client whose health check has already failed
func degradedClient(t *testing.T) *database.RedisClient {
	t.Helper()
	client := database.NewRedisDB(&config.RedisConfig{
		Host:    "127.0.0.1",
		Port:    1,
		Timeout: 200 * time.Millisecond,
	}, nil)
	t.Cleanup(client.Close)
	require.Error(t, client.HealthCheck(context.Background()))
	require.True(t, client.IsDegraded())
	return client
}

func TestPresenceRepository_DegradedReportsErrors(t *testing.T) {
	repo := NewPresenceRepository(degradedClient(t))
	ctx := context.Background()
	userID := uuid.New()

	assert.ErrorIs(t, repo.SetUserOnline(ctx, userID), database.ErrDegraded)
	assert.ErrorIs(t, repo.SetUserOffline(ctx, userID), database.ErrDegraded)

	online, err := repo.IsUserOnline(ctx, userID)
	assert.ErrorIs(t, err, database.ErrDegraded)
	assert.False(t, online)
}

func TestPresenceRepository_ObserverNeverBlocks(t *testing.T) {
	repo := NewPresenceRepository(degradedClient(t))
	userID := uuid.New()

	// No Run loop: the queue fills and further changes are dropped
	done := make(chan struct{})
	go func() {
		for i := 0; i < cap(repo.changes)+10; i++ {
			repo.UserOnline(userID)
		}
		repo.UserOffline(userID)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("presence observer blocked the caller")
	}
	assert.Len(t, repo.changes, cap(repo.changes))
}

func TestPresenceRepository_RunDrainsQueue(t *testing.T) {
	repo := NewPresenceRepository(degradedClient(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo.UserOnline(uuid.New())
	repo.Touch(uuid.New())
	go repo.Run(ctx)

	assert.Eventually(t, func() bool { return len(repo.changes) == 0 }, time.Second, 10*time.Millisecond)
}

func TestPushTokenRepository_Degraded(t *testing.T) {
	repo := NewPushTokenRepository(degradedClient(t))
	ctx := context.Background()

	err := repo.Store(ctx, &push.Token{UserID: uuid.New(), Token: "device-token", Type: push.TokenTypeFCM})
	assert.ErrorIs(t, err, database.ErrDegraded)

	tok, err := repo.GetByToken(ctx, "device-token")
	assert.ErrorIs(t, err, database.ErrDegraded)
	assert.Nil(t, tok)

	err = repo.Delete(ctx, uuid.New(), uuid.New())
	assert.ErrorIs(t, err, database.ErrDegraded)
	assert.NotErrorIs(t, err, push.ErrTokenNotFound)
}
