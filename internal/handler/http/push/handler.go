package push

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"callrelay-backend/internal/middleware"
	"callrelay-backend/pkg/logger"
	"callrelay-backend/pkg/push"
	"callrelay-backend/pkg/response"
)

// TokenService registers the devices that receive incoming-call pushes
type TokenService interface {
	RegisterToken(ctx context.Context, token *push.Token) (*push.Token, error)
	UnregisterToken(ctx context.Context, userID, tokenID uuid.UUID) error
}

// Handler handles push notification HTTP requests
type Handler struct {
	pushService TokenService
}

// NewHandler creates a new push notification handler
func NewHandler(pushService TokenService) *Handler {
	return &Handler{
		pushService: pushService,
	}
}

// RegisterTokenRequest represents request to register a push token
type RegisterTokenRequest struct {
	Token    string         `json:"token" binding:"required"`
	Type     push.TokenType `json:"type" binding:"required,oneof=fcm apns"`
	DeviceID string         `json:"device_id"`
	Platform string         `json:"platform" binding:"omitempty,oneof=ios android web"`
}

// RegisterToken registers a push notification token for the authenticated user
// POST /v1/push/tokens
func (h *Handler) RegisterToken(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "User not authenticated")
		return
	}

	var req RegisterTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	token, err := h.pushService.RegisterToken(c.Request.Context(), &push.Token{
		UserID:   userID,
		Token:    req.Token,
		Type:     req.Type,
		DeviceID: req.DeviceID,
		Platform: req.Platform,
	})
	if err != nil {
		logger.Error("Failed to register push token",
			logger.UserID(userID),
			zap.Error(err))
		response.InternalError(c, "Failed to register token")
		return
	}

	logger.Info("Push token registered",
		logger.UserID(userID),
		zap.String("token_type", string(req.Type)),
		zap.String("platform", req.Platform))

	response.Success(c, http.StatusOK, gin.H{
		"message":  "Token registered successfully",
		"token_id": token.ID,
	})
}

// UnregisterToken removes one of the user's push notification tokens
// DELETE /v1/push/tokens/:id
func (h *Handler) UnregisterToken(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "User not authenticated")
		return
	}

	tokenID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid token ID")
		return
	}

	if err := h.pushService.UnregisterToken(c.Request.Context(), userID, tokenID); err != nil {
		if errors.Is(err, push.ErrTokenNotFound) {
			response.NotFound(c, "Token not found")
			return
		}
		logger.Error("Failed to unregister push token",
			logger.UserID(userID),
			zap.String("token_id", tokenID.String()),
			zap.Error(err))
		response.InternalError(c, "Failed to unregister token")
		return
	}

	logger.Info("Push token unregistered",
		logger.UserID(userID),
		zap.String("token_id", tokenID.String()))

	response.Success(c, http.StatusOK, gin.H{
		"message": "Token unregistered successfully",
	})
}

// RegisterRoutes mounts the push routes on an authenticated group
func (h *Handler) RegisterRoutes(tokens *gin.RouterGroup) {
	tokens.POST("", h.RegisterToken)
	tokens.DELETE("/:id", h.UnregisterToken)
}
