package conversation

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"callrelay-backend/internal/middleware"
	"callrelay-backend/internal/service/broadcast"
	"callrelay-backend/internal/service/registry"
	"callrelay-backend/pkg/response"
)

// SocketIDHeader names the caller's own WebSocket connection so it is left
// out of the fan-out
const SocketIDHeader = "X-Socket-ID"

// EventPublisher sends conversation events to channel subscribers
type EventPublisher interface {
	Typing(ctx context.Context, in *broadcast.TypingInput) (registry.DeliveryResult, error)
	MessageRead(ctx context.Context, in *broadcast.ReadInput) (registry.DeliveryResult, error)
	Reaction(ctx context.Context, in *broadcast.ReactionInput) (registry.DeliveryResult, error)
}

// ConnectionOwner resolves a connection to the user that holds it
type ConnectionOwner interface {
	UserOf(connID uuid.UUID) (uuid.UUID, bool)
}

// Handler handles conversation event HTTP requests
type Handler struct {
	events EventPublisher
	conns  ConnectionOwner
}

// NewHandler creates a new conversation handler
func NewHandler(events EventPublisher, conns ConnectionOwner) *Handler {
	return &Handler{
		events: events,
		conns:  conns,
	}
}

// TypingRequest starts or stops a typing indicator
type TypingRequest struct {
	Typing *bool `json:"typing" binding:"required"`
}

// ReadRequest marks a message as read
type ReadRequest struct {
	MessageID string `json:"message_id" binding:"required,uuid"`
}

// ReactionRequest adds or removes a reaction
type ReactionRequest struct {
	MessageID string `json:"message_id" binding:"required,uuid"`
	Reaction  string `json:"reaction" binding:"required"`
	Removed   bool   `json:"removed"`
}

// Typing broadcasts a typing indicator
// POST /v1/conversations/:id/typing
func (h *Handler) Typing(c *gin.Context) {
	conversationID, userID, ok := h.identify(c)
	if !ok {
		return
	}

	var req TypingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	res, err := h.events.Typing(c.Request.Context(), &broadcast.TypingInput{
		ConversationID: conversationID,
		UserID:         userID,
		Typing:         *req.Typing,
		SenderConn:     h.senderConn(c, userID),
	})
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, res)
}

// MarkRead broadcasts a read receipt
// POST /v1/conversations/:id/read
func (h *Handler) MarkRead(c *gin.Context) {
	conversationID, userID, ok := h.identify(c)
	if !ok {
		return
	}

	var req ReadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	res, err := h.events.MessageRead(c.Request.Context(), &broadcast.ReadInput{
		ConversationID: conversationID,
		UserID:         userID,
		MessageID:      uuid.MustParse(req.MessageID),
		SenderConn:     h.senderConn(c, userID),
	})
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, res)
}

// React broadcasts a reaction change
// POST /v1/conversations/:id/reactions
func (h *Handler) React(c *gin.Context) {
	conversationID, userID, ok := h.identify(c)
	if !ok {
		return
	}

	var req ReactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	res, err := h.events.Reaction(c.Request.Context(), &broadcast.ReactionInput{
		ConversationID: conversationID,
		UserID:         userID,
		MessageID:      uuid.MustParse(req.MessageID),
		Reaction:       req.Reaction,
		Removed:        req.Removed,
		SenderConn:     h.senderConn(c, userID),
	})
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, res)
}

func (h *Handler) identify(c *gin.Context) (uuid.UUID, uuid.UUID, bool) {
	conversationID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid conversation ID")
		return uuid.Nil, uuid.Nil, false
	}

	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return uuid.Nil, uuid.Nil, false
	}
	return conversationID, userID, true
}

// senderConn returns the socket named by X-Socket-ID when it belongs to the caller
func (h *Handler) senderConn(c *gin.Context, userID uuid.UUID) uuid.UUID {
	raw := c.GetHeader(SocketIDHeader)
	if raw == "" || h.conns == nil {
		return uuid.Nil
	}
	connID, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil
	}
	if owner, ok := h.conns.UserOf(connID); !ok || owner != userID {
		return uuid.Nil
	}
	return connID
}

// RegisterRoutes mounts the conversation routes on an authenticated group
func (h *Handler) RegisterRoutes(conversations *gin.RouterGroup) {
	conversations.POST("/:id/typing", h.Typing)
	conversations.POST("/:id/read", h.MarkRead)
	conversations.POST("/:id/reactions", h.React)
}
