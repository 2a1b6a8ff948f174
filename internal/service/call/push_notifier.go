package call

import (
	"context"

	"github.com/google/uuid"

	"callrelay-backend/internal/domain"
	"callrelay-backend/pkg/push"
)

// CallPusher is the part of push.Service used to ring offline callees
type CallPusher interface {
	SendCallNotification(ctx context.Context, data *push.CallNotificationData, calleeIDs []uuid.UUID) error
}

// PushNotifier adapts the push service to the Notifier interface
type PushNotifier struct {
	pusher CallPusher
}

// NewPushNotifier creates a Notifier backed by pusher
func NewPushNotifier(pusher CallPusher) *PushNotifier {
	return &PushNotifier{pusher: pusher}
}

// NotifyIncomingCall sends the incoming-call notification to one callee
func (n *PushNotifier) NotifyIncomingCall(ctx context.Context, c *domain.Call, calleeID uuid.UUID) error {
	return n.pusher.SendCallNotification(ctx, &push.CallNotificationData{
		CallID:         c.ID,
		ConversationID: c.ConversationID,
		CallerID:       c.InitiatorID,
		CallType:       string(c.Kind),
		CallStatus:     string(c.State),
		Timestamp:      c.CreatedAt,
	}, []uuid.UUID{calleeID})
}
