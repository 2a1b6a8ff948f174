package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"callrelay-backend/internal/database"
	apperrors "callrelay-backend/pkg/errors"
	"callrelay-backend/pkg/logger"
	"callrelay-backend/pkg/metrics"
	"callrelay-backend/pkg/response"
)

// RateLimiter implements a Redis fixed-window rate limit
type RateLimiter struct {
	client   *database.RedisClient
	requests int
	window   time.Duration
	metrics  *metrics.Metrics
}

// NewRateLimiter creates a new rate limiter.
// requests is the number of requests allowed per window.
func NewRateLimiter(client *database.RedisClient, requests int, window time.Duration, m *metrics.Metrics) *RateLimiter {
	return &RateLimiter{
		client:   client,
		requests: requests,
		window:   window,
		metrics:  m,
	}
}

// Middleware returns a Gin middleware limiting requests on the named endpoint
func (rl *RateLimiter) Middleware(endpoint string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var identifier string
		if userID, ok := UserID(c); ok {
			identifier = "user:" + userID.String()
		} else {
			identifier = "ip:" + c.ClientIP()
		}

		allowed, remaining, resetAt, err := rl.Allow(c.Request.Context(), endpoint, identifier)
		if err != nil {
			// Fail open while Redis is unavailable
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.requests))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(resetAt, 10))

		if !allowed {
			response.Error(c, http.StatusTooManyRequests, string(apperrors.ErrCodeRateLimitExceeded), "Rate limit exceeded")
			c.Abort()
			return
		}

		c.Next()
	}
}

// Allow counts one request for identifier on endpoint and reports whether it
// fits in the current window, the remaining budget and the window's reset time.
func (rl *RateLimiter) Allow(ctx context.Context, endpoint, identifier string) (bool, int, int64, error) {
	if rl.client.IsDegraded() {
		return true, rl.requests, 0, database.ErrDegraded
	}

	windowSeconds := int64(rl.window / time.Second)
	if windowSeconds < 1 {
		windowSeconds = 1
	}
	windowStart := time.Now().Unix() / windowSeconds * windowSeconds
	resetAt := windowStart + windowSeconds
	key := fmt.Sprintf("ratelimit:%s:%s:%d", endpoint, identifier, windowStart)

	pipe := rl.client.Client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, rl.window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		logger.Warn("Rate limit check failed", zap.String("endpoint", endpoint), zap.Error(err))
		return true, rl.requests, resetAt, fmt.Errorf("failed to increment rate limit: %w", err)
	}

	count := int(incr.Val())
	remaining := rl.requests - count
	if remaining < 0 {
		remaining = 0
	}

	allowed := count <= rl.requests
	if !allowed {
		rl.metrics.RecordRateLimitBlocked(endpoint)
	}
	return allowed, remaining, resetAt, nil
}
