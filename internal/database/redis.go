package database

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"callrelay-backend/pkg/config"
	"callrelay-backend/pkg/logger"
	"callrelay-backend/pkg/metrics"
)

// ErrDegraded is returned by every Safe* call while Redis is unreachable
var ErrDegraded = errors.New("redis is in degraded mode")

// RedisClient wraps Redis client with degraded mode support
type RedisClient struct {
	Client         *redis.Client
	degradedMode   bool
	degradedModeMu sync.RWMutex
	healthCheckMu  sync.Mutex
	metrics        *metrics.Metrics
}

// NewRedisDB creates a new Redis client from config with degraded mode support.
// The server is not contacted here; run HealthCheck once to learn its state.
func NewRedisDB(cfg *config.RedisConfig, m *metrics.Metrics) *RedisClient {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
		DialTimeout:  cfg.Timeout,
	})

	return &RedisClient{
		Client:  client,
		metrics: m,
	}
}

// Close closes the Redis client connection
func (r *RedisClient) Close() {
	if err := r.Client.Close(); err != nil {
		logger.Warn("Failed to close Redis client", zap.Error(err))
	}
}

// StartHealthCheck starts a background goroutine that periodically checks Redis health
func (r *RedisClient) StartHealthCheck(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = r.HealthCheck(ctx)
			}
		}
	}()
}

// IsDegraded returns true if Redis is in degraded mode
func (r *RedisClient) IsDegraded() bool {
	r.degradedModeMu.RLock()
	defer r.degradedModeMu.RUnlock()
	return r.degradedMode
}

func (r *RedisClient) setDegradedState(degraded bool) {
	r.degradedModeMu.Lock()
	changed := r.degradedMode != degraded
	r.degradedMode = degraded
	r.degradedModeMu.Unlock()

	if !changed {
		return
	}
	r.metrics.SetRedisDegraded(degraded)
	if degraded {
		logger.Warn("Redis unavailable, entering degraded mode")
	} else {
		logger.Info("Redis reachable again, leaving degraded mode")
	}
}

// HealthCheck performs a health check on Redis and updates degraded mode.
// Concurrent callers are serialised so a flapping server is pinged once at a time.
func (r *RedisClient) HealthCheck(ctx context.Context) error {
	r.healthCheckMu.Lock()
	defer r.healthCheckMu.Unlock()

	healthCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := r.Client.Ping(healthCtx).Err(); err != nil {
		r.setDegradedState(true)
		r.metrics.RecordRedisHealthCheck("failed")
		return fmt.Errorf("redis health check failed: %w", err)
	}

	r.setDegradedState(false)
	r.metrics.RecordRedisHealthCheck("ok")
	return nil
}

// SafeGet performs a GET operation with degraded mode handling
func (r *RedisClient) SafeGet(ctx context.Context, key string) *redis.StringCmd {
	if r.IsDegraded() {
		return redis.NewStringResult("", ErrDegraded)
	}
	return r.Client.Get(ctx, key)
}

// SafeSet performs a SET operation with degraded mode handling
func (r *RedisClient) SafeSet(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	if r.IsDegraded() {
		return redis.NewStatusResult("", ErrDegraded)
	}
	return r.Client.Set(ctx, key, value, expiration)
}

// SafeDel performs a DEL operation with degraded mode handling
func (r *RedisClient) SafeDel(ctx context.Context, keys ...string) *redis.IntCmd {
	if r.IsDegraded() {
		return redis.NewIntResult(0, ErrDegraded)
	}
	return r.Client.Del(ctx, keys...)
}

// SafeExpire performs an EXPIRE operation with degraded mode handling
func (r *RedisClient) SafeExpire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	if r.IsDegraded() {
		return redis.NewBoolResult(false, ErrDegraded)
	}
	return r.Client.Expire(ctx, key, expiration)
}

// SafeSAdd performs a SADD operation with degraded mode handling
func (r *RedisClient) SafeSAdd(ctx context.Context, key string, members ...interface{}) *redis.IntCmd {
	if r.IsDegraded() {
		return redis.NewIntResult(0, ErrDegraded)
	}
	return r.Client.SAdd(ctx, key, members...)
}

// SafeSRem performs a SREM operation with degraded mode handling
func (r *RedisClient) SafeSRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd {
	if r.IsDegraded() {
		return redis.NewIntResult(0, ErrDegraded)
	}
	return r.Client.SRem(ctx, key, members...)
}

// SafeSMembers performs a SMEMBERS operation with degraded mode handling
func (r *RedisClient) SafeSMembers(ctx context.Context, key string) *redis.StringSliceCmd {
	if r.IsDegraded() {
		return redis.NewStringSliceResult([]string{}, ErrDegraded)
	}
	return r.Client.SMembers(ctx, key)
}

// SafeExists performs an EXISTS operation with degraded mode handling
func (r *RedisClient) SafeExists(ctx context.Context, keys ...string) *redis.IntCmd {
	if r.IsDegraded() {
		return redis.NewIntResult(0, ErrDegraded)
	}
	return r.Client.Exists(ctx, keys...)
}

// SafeSCard performs a SCARD operation with degraded mode handling
func (r *RedisClient) SafeSCard(ctx context.Context, key string) *redis.IntCmd {
	if r.IsDegraded() {
		return redis.NewIntResult(0, ErrDegraded)
	}
	return r.Client.SCard(ctx, key)
}
