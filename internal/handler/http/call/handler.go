package call

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"callrelay-backend/internal/domain"
	"callrelay-backend/internal/middleware"
	"callrelay-backend/internal/service/call"
	"callrelay-backend/internal/service/signaling"
	apperrors "callrelay-backend/pkg/errors"
	"callrelay-backend/pkg/logger"
	"callrelay-backend/pkg/pagination"
	"callrelay-backend/pkg/response"
)

// CallService is the call lifecycle used by the handler
type CallService interface {
	Initiate(ctx context.Context, in *call.InitiateInput) (*domain.Call, error)
	Accept(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error)
	Reject(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error)
	End(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error)
	JoinParticipant(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error)
	LeaveParticipant(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error)
	ToggleAudio(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error)
	ToggleVideo(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error)
	Get(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error)
	History(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Call, error)
}

// Relayer forwards a negotiation message to the other participants
type Relayer interface {
	Relay(ctx context.Context, in *signaling.RelayInput) (*signaling.RelayResult, error)
}

// Handler handles call HTTP requests
type Handler struct {
	calls  CallService
	router Relayer
}

// NewHandler creates a new call handler
func NewHandler(calls CallService, router Relayer) *Handler {
	return &Handler{
		calls:  calls,
		router: router,
	}
}

// InitiateCallRequest represents call initiation request
type InitiateCallRequest struct {
	CallType       string   `json:"call_type" binding:"required,oneof=audio video conference"`
	ConversationID string   `json:"conversation_id" binding:"omitempty,uuid"`
	CalleeIDs      []string `json:"callee_ids" binding:"required,min=1"`
}

// SignalRequest carries one offer, answer or candidate
type SignalRequest struct {
	Kind     string          `json:"kind" binding:"required"`
	Payload  json.RawMessage `json:"payload" binding:"required"`
	TargetID string          `json:"target_id" binding:"omitempty,uuid"`
}

// InitiateCall starts a new call
// POST /v1/calls/initiate
func (h *Handler) InitiateCall(c *gin.Context) {
	var req InitiateCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	callerID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	calleeUUIDs := make([]uuid.UUID, len(req.CalleeIDs))
	for i, idStr := range req.CalleeIDs {
		id, err := uuid.Parse(idStr)
		if err != nil {
			response.ValidationError(c, "Invalid callee ID: "+idStr)
			return
		}
		calleeUUIDs[i] = id
	}

	input := &call.InitiateInput{
		InitiatorID: callerID,
		CalleeIDs:   calleeUUIDs,
		Kind:        domain.CallKind(req.CallType),
	}
	if req.ConversationID != "" {
		conversationID, err := uuid.Parse(req.ConversationID)
		if err != nil {
			response.ValidationError(c, "Invalid conversation ID")
			return
		}
		input.ConversationID = &conversationID
	}

	result, err := h.calls.Initiate(c.Request.Context(), input)
	if err != nil {
		response.FromError(c, err)
		return
	}

	logger.FromContext(c.Request.Context()).Info("Call initiated",
		logger.CallID(result.ID),
		logger.UserID(callerID),
		zap.String("call_type", string(result.Kind)),
		zap.Int("participants", len(result.Participants)))

	response.Success(c, http.StatusCreated, result)
}

// GetCall retrieves a call the user is on
// GET /v1/calls/:id
func (h *Handler) GetCall(c *gin.Context) {
	h.transition(c, h.calls.Get)
}

// AcceptCall answers a ringing call
// POST /v1/calls/:id/accept
func (h *Handler) AcceptCall(c *gin.Context) {
	h.transition(c, h.calls.Accept)
}

// RejectCall declines a ringing call
// POST /v1/calls/:id/reject
func (h *Handler) RejectCall(c *gin.Context) {
	h.transition(c, h.calls.Reject)
}

// EndCall terminates a call
// POST /v1/calls/:id/end
func (h *Handler) EndCall(c *gin.Context) {
	h.transition(c, h.calls.End)
}

// JoinCall joins an ongoing call
// POST /v1/calls/:id/join
func (h *Handler) JoinCall(c *gin.Context) {
	h.transition(c, h.calls.JoinParticipant)
}

// LeaveCall leaves a call without ending it for the others
// POST /v1/calls/:id/leave
func (h *Handler) LeaveCall(c *gin.Context) {
	h.transition(c, h.calls.LeaveParticipant)
}

// ToggleAudio flips the caller's mute flag
// POST /v1/calls/:id/audio/toggle
func (h *Handler) ToggleAudio(c *gin.Context) {
	h.transition(c, h.calls.ToggleAudio)
}

// ToggleVideo flips the caller's camera flag
// POST /v1/calls/:id/video/toggle
func (h *Handler) ToggleVideo(c *gin.Context) {
	h.transition(c, h.calls.ToggleVideo)
}

func (h *Handler) transition(c *gin.Context, op func(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error)) {
	callID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid call ID")
		return
	}

	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	result, err := op(c.Request.Context(), callID, userID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, result)
}

// GetCallHistory lists the user's calls, newest first
// GET /v1/calls/history?page=&limit=
func (h *Handler) GetCallHistory(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	params, err := pagination.Parse(c.Query("page"), c.Query("limit"))
	if err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	calls, err := h.calls.History(c.Request.Context(), userID, params.Limit, params.Offset)
	if err != nil {
		response.FromError(c, err)
		return
	}
	if calls == nil {
		calls = []*domain.Call{}
	}

	response.Success(c, http.StatusOK, params.Build(calls, len(calls)))
}

// Signal relays an offer, answer or candidate over HTTP for clients without
// a socket. It answers 202 with a NO_REACHABLE_PEER warning when nobody is connected.
// POST /v1/calls/:id/signal
func (h *Handler) Signal(c *gin.Context) {
	callID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid call ID")
		return
	}

	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	var req SignalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	input := &signaling.RelayInput{
		CallID:   callID,
		SenderID: userID,
		Kind:     domain.SignalKind(req.Kind),
		Payload:  req.Payload,
	}
	if req.TargetID != "" {
		targetID, err := uuid.Parse(req.TargetID)
		if err != nil {
			response.ValidationError(c, "Invalid target ID")
			return
		}
		input.TargetID = &targetID
	}

	result, err := h.router.Relay(c.Request.Context(), input)
	if err != nil {
		if apperrors.HasCode(err, apperrors.ErrCodeNoReachablePeer) {
			response.Accepted(c, result, apperrors.ErrCodeNoReachablePeer)
			return
		}
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, result)
}

// RegisterRoutes mounts the call routes on an authenticated group
func (h *Handler) RegisterRoutes(calls *gin.RouterGroup, signalLimit gin.HandlerFunc) {
	calls.POST("/initiate", h.InitiateCall)
	calls.GET("/history", h.GetCallHistory)
	calls.GET("/:id", h.GetCall)
	calls.POST("/:id/accept", h.AcceptCall)
	calls.POST("/:id/reject", h.RejectCall)
	calls.POST("/:id/end", h.EndCall)
	calls.POST("/:id/join", h.JoinCall)
	calls.POST("/:id/leave", h.LeaveCall)
	calls.POST("/:id/audio/toggle", h.ToggleAudio)
	calls.POST("/:id/video/toggle", h.ToggleVideo)
	if signalLimit != nil {
		calls.POST("/:id/signal", signalLimit, h.Signal)
	} else {
		calls.POST("/:id/signal", h.Signal)
	}
}
