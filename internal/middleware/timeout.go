package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"callrelay-backend/pkg/constants"
	apperrors "callrelay-backend/pkg/errors"
	"callrelay-backend/pkg/logger"
	"callrelay-backend/pkg/response"
)

// RequestTimeout bounds the request context of REST handlers. WebSocket
// upgrades are left alone since the socket outlives the request.
func RequestTimeout(timeout time.Duration) gin.HandlerFunc {
	if timeout <= 0 {
		timeout = constants.DefaultTimeout
	}
	return func(c *gin.Context) {
		if strings.EqualFold(c.GetHeader("Upgrade"), "websocket") {
			c.Next()
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)

		startTime := time.Now()
		c.Next()

		if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return
		}
		logger.FromContext(ctx).Warn("Request timed out",
			zap.Duration("timeout", timeout),
			zap.Duration("duration", time.Since(startTime)),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path))

		if !c.Writer.Written() {
			response.Error(c, http.StatusGatewayTimeout, string(apperrors.ErrCodeTimeout), "Request timeout")
			c.Abort()
		}
	}
}
