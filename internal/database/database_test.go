package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callrelay-backend/pkg/config"
)

func TestConnString(t *testing.T) {
	cfg := &config.DatabaseConfig{
		Host:     "db",
		Port:     26257,
		User:     "root",
		Password: "secret",
		Database: "callrelay",
		SSLMode:  "disable",
	}

	assert.Equal(t, "postgresql://root:secret@db:26257/callrelay?sslmode=disable", ConnString(cfg))
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, 1*time.Second, backoff(1))
	assert.Equal(t, 2*time.Second, backoff(2))
	assert.Equal(t, 16*time.Second, backoff(5))
	assert.Equal(t, 30*time.Second, backoff(10))
}

func TestConnectWithRetry_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	db, err := ConnectWithRetry(ctx, &config.DatabaseConfig{
		Host:       "127.0.0.1",
		Port:       1,
		User:       "root",
		Database:   "callrelay",
		SSLMode:    "disable",
		MaxRetries: 3,
	})

	assert.Nil(t, db)
	require.Error(t, err)
}

func TestRedisClient_DegradedMode(t *testing.T) {
	// Nothing listens on port 1, so the health check must fail
	client := NewRedisDB(&config.RedisConfig{
		Host:    "127.0.0.1",
		Port:    1,
		Timeout: 200 * time.Millisecond,
	}, nil)
	defer client.Close()

	ctx := context.Background()
	assert.False(t, client.IsDegraded())

	err := client.HealthCheck(ctx)
	require.Error(t, err)
	assert.True(t, client.IsDegraded())

	assert.ErrorIs(t, client.SafeSet(ctx, "k", "v", time.Minute).Err(), ErrDegraded)
	assert.ErrorIs(t, client.SafeGet(ctx, "k").Err(), ErrDegraded)
	assert.ErrorIs(t, client.SafeSAdd(ctx, "s", "m").Err(), ErrDegraded)
	members, err := client.SafeSMembers(ctx, "s").Result()
	assert.ErrorIs(t, err, ErrDegraded)
	assert.Empty(t, members)
}
