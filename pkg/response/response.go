package response

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "callrelay-backend/pkg/errors"
	"callrelay-backend/pkg/logger"

	"go.uber.org/zap"
)

// Response represents standard API response envelope
type Response struct {
	Success bool         `json:"success"`
	Data    interface{}  `json:"data,omitempty"`
	Error   *ErrorDetail `json:"error,omitempty"`
	Warning string       `json:"warning,omitempty"`
	Meta    Meta         `json:"meta"`
}

// ErrorDetail contains error information
type ErrorDetail struct {
	Code    string `json:"code"`    // Error code (e.g., "NOT_PARTICIPANT")
	Message string `json:"message"` // Human-readable error message
	Details any    `json:"details,omitempty"`
}

// Meta contains response metadata
type Meta struct {
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

// Success sends a successful response
func Success(c *gin.Context, statusCode int, data interface{}) {
	c.JSON(statusCode, Response{
		Success: true,
		Data:    data,
		Meta:    meta(c),
	})
}

// Accepted sends a successful response that carries a soft warning code.
// Used when an operation was valid but had nobody to deliver to.
func Accepted(c *gin.Context, data interface{}, warning apperrors.ErrorCode) {
	c.JSON(http.StatusAccepted, Response{
		Success: true,
		Data:    data,
		Warning: string(warning),
		Meta:    meta(c),
	})
}

// Error sends an error response
func Error(c *gin.Context, statusCode int, errorCode, errorMessage string) {
	c.JSON(statusCode, Response{
		Success: false,
		Error: &ErrorDetail{
			Code:    errorCode,
			Message: errorMessage,
		},
		Meta: meta(c),
	})
}

// FromError maps any service error onto the envelope.
// Unknown errors are logged and reported as 500 without leaking internals.
func FromError(c *gin.Context, err error) {
	appErr := apperrors.GetAppError(err)
	if appErr.StatusCode >= http.StatusInternalServerError {
		logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.String("request_id", getRequestID(c)),
			zap.Error(err))
		Error(c, appErr.StatusCode, string(appErr.Code), "Internal server error")
		return
	}
	c.JSON(appErr.StatusCode, Response{
		Success: false,
		Error: &ErrorDetail{
			Code:    string(appErr.Code),
			Message: appErr.Message,
			Details: appErr.Details,
		},
		Meta: meta(c),
	})
}

// ValidationError sends a validation error response (400)
func ValidationError(c *gin.Context, message string) {
	Error(c, http.StatusBadRequest, string(apperrors.ErrCodeValidation), message)
}

// Unauthorized sends unauthorized error (401)
func Unauthorized(c *gin.Context, message string) {
	Error(c, http.StatusUnauthorized, string(apperrors.ErrCodeUnauthorized), message)
}

// Forbidden sends forbidden error (403)
func Forbidden(c *gin.Context, message string) {
	Error(c, http.StatusForbidden, string(apperrors.ErrCodeForbidden), message)
}

// NotFound sends not found error (404)
func NotFound(c *gin.Context, message string) {
	Error(c, http.StatusNotFound, string(apperrors.ErrCodeNotFound), message)
}

// InternalError sends internal server error (500)
func InternalError(c *gin.Context, message string) {
	Error(c, http.StatusInternalServerError, string(apperrors.ErrCodeInternal), message)
}

func meta(c *gin.Context) Meta {
	return Meta{
		Timestamp: time.Now().UTC(),
		RequestID: getRequestID(c),
	}
}

// getRequestID extracts request ID from context
func getRequestID(c *gin.Context) string {
	if requestID, exists := c.Get("request_id"); exists {
		if id, ok := requestID.(string); ok {
			return id
		}
	}
	return ""
}
