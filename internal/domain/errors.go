package domain

import (
	"net/http"

	apperrors "callrelay-backend/pkg/errors"
)

// Relay error taxonomy. Services return these (optionally WithDetails);
// handlers map them onto HTTP statuses and websocket error frames.
var (
	ErrInvalidParticipants = apperrors.NewWithStatus(apperrors.ErrCodeInvalidParticipants, "Invalid call participants", http.StatusBadRequest)
	ErrNotParticipant      = apperrors.NewWithStatus(apperrors.ErrCodeNotParticipant, "User is not a participant of this call", http.StatusForbidden)
	ErrInvalidTransition   = apperrors.NewWithStatus(apperrors.ErrCodeInvalidTransition, "Operation not allowed in the current call state", http.StatusConflict)
	ErrNoReachablePeer     = apperrors.NewWithStatus(apperrors.ErrCodeNoReachablePeer, "No participant has a live connection", http.StatusAccepted)
	ErrForbidden           = apperrors.NewWithStatus(apperrors.ErrCodeForbidden, "Not allowed to subscribe to this channel", http.StatusForbidden)

	ErrCallNotFound         = apperrors.NewWithStatus(apperrors.ErrCodeCallNotFound, "Call not found", http.StatusNotFound)
	ErrConversationNotFound = apperrors.NewWithStatus(apperrors.ErrCodeConversationNotFound, "Conversation not found", http.StatusNotFound)
	ErrNotMember            = apperrors.NewWithStatus(apperrors.ErrCodeNotParticipant, "User is not a member of this conversation", http.StatusForbidden)
	ErrInvalidSignal        = apperrors.NewWithStatus(apperrors.ErrCodeInvalidSignal, "Invalid signal message", http.StatusBadRequest)

	ErrConnectionNotFound = apperrors.NewWithStatus(apperrors.ErrCodeConnectionNotFound, "Connection not registered", http.StatusNotFound)
	ErrConnectionClosed   = apperrors.NewWithStatus(apperrors.ErrCodeConnClosed, "Connection closed", http.StatusGone)
	ErrSendQueueFull      = apperrors.NewWithStatus(apperrors.ErrCodeQueueFull, "Connection send queue is full", http.StatusServiceUnavailable)
)
