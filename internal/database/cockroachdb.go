package database

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"callrelay-backend/pkg/config"
	"callrelay-backend/pkg/constants"
	"callrelay-backend/pkg/logger"
)

const (
	retryBaseDelay = 1 * time.Second
	retryMaxDelay  = 30 * time.Second
)

// DB wraps the pgxpool.Pool used by the CockroachDB repositories
type DB struct {
	Pool *pgxpool.Pool
}

// ConnString builds the postgresql:// URL for cfg
func ConnString(cfg *config.DatabaseConfig) string {
	return fmt.Sprintf(
		"postgresql://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.User,
		cfg.Password,
		cfg.Host,
		cfg.Port,
		cfg.Database,
		cfg.SSLMode,
	)
}

// NewDB creates a connection pool and pings it once
func NewDB(ctx context.Context, cfg *config.DatabaseConfig) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(ConnString(cfg))
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = int32(cfg.MinConns)
	}
	poolConfig.MaxConnLifetime = constants.MaxConnLifetime
	poolConfig.MaxConnIdleTime = constants.MaxConnIdleTime
	poolConfig.HealthCheckPeriod = constants.HealthCheckPeriod

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// ConnectWithRetry calls NewDB up to cfg.MaxRetries times with exponential
// backoff capped at 30s. It returns the last error when every attempt fails.
func ConnectWithRetry(ctx context.Context, cfg *config.DatabaseConfig) (*DB, error) {
	attempts := cfg.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		db, err := NewDB(ctx, cfg)
		if err == nil {
			logger.Info("Connected to CockroachDB", zap.Int("attempt", attempt))
			return db, nil
		}
		lastErr = err
		if attempt == attempts {
			break
		}

		delay := backoff(attempt)
		logger.Warn("CockroachDB connection attempt failed",
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", delay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, fmt.Errorf("failed to connect to CockroachDB after %d attempts: %w", attempts, lastErr)
}

func backoff(attempt int) time.Duration {
	delay := time.Duration(float64(retryBaseDelay) * math.Pow(2, float64(attempt-1)))
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	return delay
}

// Close closes the database connection pool
func (db *DB) Close() {
	db.Pool.Close()
	logger.Info("Database connection pool closed")
}

// Ping tests the database connection
func (db *DB) Ping(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// Stats returns connection pool statistics
func (db *DB) Stats() *pgxpool.Stat {
	return db.Pool.Stat()
}
