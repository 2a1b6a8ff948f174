// Package broadcast fans events out to channel subscribers and to users'
// live connections. Delivery is fire-and-forget: slow or closed connections
// only lose their own copy.
package broadcast

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"callrelay-backend/internal/domain"
	"callrelay-backend/internal/service/registry"
	apperrors "callrelay-backend/pkg/errors"
	"callrelay-backend/pkg/logger"
	"callrelay-backend/pkg/metrics"
)

// Gate authorizes subscriptions and reports whether a channel's backing entity still exists
type Gate interface {
	CanSubscribe(ctx context.Context, userID uuid.UUID, channel string) bool
	ChannelExists(ctx context.Context, channel string) (bool, error)
}

// MembershipChecker answers conversation membership questions
type MembershipChecker interface {
	IsParticipant(ctx context.Context, conversationID, userID uuid.UUID) (bool, error)
}

// Broadcaster publishes events through the session registry
type Broadcaster struct {
	reg     *registry.Registry
	gate    Gate
	members MembershipChecker
	metrics *metrics.Metrics
	tracer  trace.Tracer
	now     func() time.Time
}

// New creates a broadcaster. m may be nil.
func New(reg *registry.Registry, gate Gate, members MembershipChecker, m *metrics.Metrics) *Broadcaster {
	return &Broadcaster{
		reg:     reg,
		gate:    gate,
		members: members,
		metrics: m,
		tracer:  otel.Tracer("callrelay/broadcast"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func namespace(channel string) string {
	ns, _, _ := strings.Cut(channel, ":")
	return ns
}

// Publish sends ev to every subscriber of channel except the exclude connection.
// Zero subscribers is not an error.
func (b *Broadcaster) Publish(ctx context.Context, channel string, ev *domain.Event, exclude uuid.UUID) registry.DeliveryResult {
	_, span := b.tracer.Start(ctx, "Broadcaster.Publish", trace.WithAttributes(
		attribute.String("channel", channel),
		attribute.String("event.type", ev.Type),
	))
	defer span.End()

	ev.Channel = channel
	data, err := ev.Encode()
	if err != nil {
		logger.Error("Failed to encode event", logger.Channel(channel), zap.String("type", ev.Type), zap.Error(err))
		return registry.DeliveryResult{}
	}

	res := b.reg.SendToChannel(channel, data, exclude)
	span.SetAttributes(attribute.Int("delivered", res.Delivered), attribute.Int("dropped", res.Dropped))
	b.metrics.RecordFanout(namespace(channel), res.Delivered, res.Dropped)
	return res
}

// PublishToUsers sends ev to every live connection of the given users
func (b *Broadcaster) PublishToUsers(ctx context.Context, userIDs []uuid.UUID, ev *domain.Event) registry.DeliveryResult {
	_, span := b.tracer.Start(ctx, "Broadcaster.PublishToUsers", trace.WithAttributes(
		attribute.String("event.type", ev.Type),
		attribute.Int("users", len(userIDs)),
	))
	defer span.End()

	data, err := ev.Encode()
	if err != nil {
		logger.Error("Failed to encode event", zap.String("type", ev.Type), zap.Error(err))
		return registry.DeliveryResult{}
	}

	res := b.reg.SendToUsers(userIDs, data)
	b.metrics.RecordFanout("user", res.Delivered, res.Dropped)
	return res
}

// CloseChannel drops every subscription to channel
func (b *Broadcaster) CloseChannel(ctx context.Context, channel string) {
	if n := b.reg.DropChannel(channel); n > 0 {
		logger.Debug("Channel closed", logger.Channel(channel), zap.Int("subscriptions", n))
	}
}

// Subscribe adds the connection to channel if its user passes the gate.
// The gate is consulted again after recording the subscription so a channel
// closed in between cannot keep a stale subscriber.
func (b *Broadcaster) Subscribe(ctx context.Context, connID uuid.UUID, channel string) error {
	userID, ok := b.reg.UserOf(connID)
	if !ok {
		return domain.ErrConnectionNotFound
	}

	if !b.gate.CanSubscribe(ctx, userID, channel) {
		b.deny(userID, connID, channel)
		return domain.ErrForbidden
	}
	if err := b.reg.Subscribe(connID, channel); err != nil {
		return err
	}
	if !b.gate.CanSubscribe(ctx, userID, channel) {
		b.reg.Unsubscribe(connID, channel)
		b.deny(userID, connID, channel)
		return domain.ErrForbidden
	}

	logger.Debug("Subscribed", logger.UserID(userID), logger.ConnID(connID), logger.Channel(channel))
	return nil
}

func (b *Broadcaster) deny(userID, connID uuid.UUID, channel string) {
	b.metrics.RecordSubscriptionDenied(namespace(channel))
	logger.Info("Subscription denied",
		logger.UserID(userID),
		logger.ConnID(connID),
		logger.Channel(channel))
}

// Unsubscribe removes the connection from channel
func (b *Broadcaster) Unsubscribe(ctx context.Context, connID uuid.UUID, channel string) {
	b.reg.Unsubscribe(connID, channel)
}

// UnsubscribeUser drops every subscription userID holds on channel.
// Used when the user stops being a current member of the entity behind it.
func (b *Broadcaster) UnsubscribeUser(ctx context.Context, channel string, userID uuid.UUID) {
	if n := b.reg.UnsubscribeUser(userID, channel); n > 0 {
		logger.Debug("Subscriptions revoked",
			logger.UserID(userID),
			logger.Channel(channel),
			zap.Int("subscriptions", n))
	}
}

// TypingInput is a typing indicator from a conversation member
type TypingInput struct {
	ConversationID uuid.UUID
	UserID         uuid.UUID
	Typing         bool
	// SenderConn is excluded from the fan-out
	SenderConn uuid.UUID
}

// ReadInput marks a message as read
type ReadInput struct {
	ConversationID uuid.UUID
	UserID         uuid.UUID
	MessageID      uuid.UUID
	SenderConn     uuid.UUID
}

// ReactionInput adds or removes a reaction on a message
type ReactionInput struct {
	ConversationID uuid.UUID
	UserID         uuid.UUID
	MessageID      uuid.UUID
	Reaction       string
	Removed        bool
	SenderConn     uuid.UUID
}

// Typing publishes a typing started/stopped event to the conversation channel
func (b *Broadcaster) Typing(ctx context.Context, in *TypingInput) (registry.DeliveryResult, error) {
	if err := b.checkMember(ctx, in.ConversationID, in.UserID); err != nil {
		return registry.DeliveryResult{}, err
	}

	evType := domain.EventTypingStopped
	if in.Typing {
		evType = domain.EventTypingStarted
	}
	return b.Publish(ctx, domain.ConversationChannel(in.ConversationID), &domain.Event{
		Type: evType,
		Data: domain.TypingEvent{
			ConversationID: in.ConversationID,
			UserID:         in.UserID,
			Typing:         in.Typing,
		},
	}, in.SenderConn), nil
}

// MessageRead publishes a read receipt to the conversation channel
func (b *Broadcaster) MessageRead(ctx context.Context, in *ReadInput) (registry.DeliveryResult, error) {
	if in.MessageID == uuid.Nil {
		return registry.DeliveryResult{}, apperrors.ValidationError("message_id is required")
	}
	if err := b.checkMember(ctx, in.ConversationID, in.UserID); err != nil {
		return registry.DeliveryResult{}, err
	}

	return b.Publish(ctx, domain.ConversationChannel(in.ConversationID), &domain.Event{
		Type: domain.EventMessageRead,
		Data: domain.ReadReceipt{
			ConversationID: in.ConversationID,
			UserID:         in.UserID,
			MessageID:      in.MessageID,
			ReadAt:         b.now(),
		},
	}, in.SenderConn), nil
}

// Reaction publishes a reaction change to the conversation channel
func (b *Broadcaster) Reaction(ctx context.Context, in *ReactionInput) (registry.DeliveryResult, error) {
	if in.MessageID == uuid.Nil {
		return registry.DeliveryResult{}, apperrors.ValidationError("message_id is required")
	}
	if in.Reaction == "" || len(in.Reaction) > 32 {
		return registry.DeliveryResult{}, apperrors.ValidationError("reaction must be 1-32 bytes")
	}
	if err := b.checkMember(ctx, in.ConversationID, in.UserID); err != nil {
		return registry.DeliveryResult{}, err
	}

	return b.Publish(ctx, domain.ConversationChannel(in.ConversationID), &domain.Event{
		Type: domain.EventMessageReaction,
		Data: domain.ReactionEvent{
			ConversationID: in.ConversationID,
			UserID:         in.UserID,
			MessageID:      in.MessageID,
			Reaction:       in.Reaction,
			Removed:        in.Removed,
		},
	}, in.SenderConn), nil
}

func (b *Broadcaster) checkMember(ctx context.Context, conversationID, userID uuid.UUID) error {
	if b.members == nil {
		return domain.ErrConversationNotFound
	}
	ok, err := b.members.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return apperrors.DatabaseError(err)
	}
	if !ok {
		return domain.ErrNotMember
	}
	return nil
}

// Audit drops subscriptions to channels whose call or conversation is gone.
// Such subscriptions should never exist, so each one is logged as an error.
// Returns the number of subscriptions dropped.
func (b *Broadcaster) Audit(ctx context.Context) int {
	dropped := 0
	for _, channel := range b.reg.Channels() {
		exists, err := b.gate.ChannelExists(ctx, channel)
		if err != nil {
			logger.Warn("Channel audit lookup failed", logger.Channel(channel), zap.Error(err))
			continue
		}
		if exists {
			continue
		}

		n := b.reg.DropChannel(channel)
		dropped += n
		logger.Error("Dropped subscriptions to a channel with no backing entity",
			logger.Channel(channel),
			zap.Int("subscriptions", n))
	}
	b.metrics.RecordOrphanedSubscriptions(dropped)
	return dropped
}

// StartAudit runs Audit every interval until ctx is done
func (b *Broadcaster) StartAudit(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.Audit(ctx)
			}
		}
	}()
}
