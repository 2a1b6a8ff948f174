package presence

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"callrelay-backend/pkg/constants"
	"callrelay-backend/pkg/logger"
	"callrelay-backend/pkg/response"
)

// LocalPresence answers for connections held by this process
type LocalPresence interface {
	IsOnline(userID uuid.UUID) bool
}

// SharedPresence answers from the Redis mirror written by every relay instance
type SharedPresence interface {
	IsUserOnline(ctx context.Context, userID uuid.UUID) (bool, error)
}

// Status is the presence of one user
type Status struct {
	UserID uuid.UUID `json:"user_id"`
	Status string    `json:"status"`
}

// Handler handles presence HTTP requests
type Handler struct {
	local  LocalPresence
	shared SharedPresence
}

// NewHandler creates a new presence handler. shared may be nil.
func NewHandler(local LocalPresence, shared SharedPresence) *Handler {
	return &Handler{
		local:  local,
		shared: shared,
	}
}

// GetPresence reports whether a user has a live connection
// GET /v1/presence/:user_id
func (h *Handler) GetPresence(c *gin.Context) {
	userID, err := uuid.Parse(c.Param("user_id"))
	if err != nil {
		response.ValidationError(c, "Invalid user ID")
		return
	}

	status := constants.UserStatusOffline
	if h.local.IsOnline(userID) {
		status = constants.UserStatusOnline
	} else if h.shared != nil {
		online, err := h.shared.IsUserOnline(c.Request.Context(), userID)
		if err != nil {
			// Redis down: the local registry is all we know
			logger.Debug("Shared presence unavailable", logger.UserID(userID), zap.Error(err))
		} else if online {
			status = constants.UserStatusOnline
		}
	}

	response.Success(c, http.StatusOK, &Status{UserID: userID, Status: status})
}
