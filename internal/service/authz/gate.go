// Package authz decides who may subscribe to a named channel.
package authz

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"callrelay-backend/internal/domain"
	"callrelay-backend/pkg/logger"
)

// CallLookup returns a read-only snapshot of a call
type CallLookup interface {
	Snapshot(ctx context.Context, callID uuid.UUID) (*domain.Call, error)
}

// ConversationLookup answers conversation membership questions
type ConversationLookup interface {
	IsParticipant(ctx context.Context, conversationID, userID uuid.UUID) (bool, error)
	ConversationExists(ctx context.Context, conversationID uuid.UUID) (bool, error)
}

// Gate authorizes channel subscriptions
type Gate struct {
	calls CallLookup
	convs ConversationLookup
}

// NewGate creates a gate over conversation membership. Call channels stay
// closed until SetCallLookup is called.
func NewGate(convs ConversationLookup) *Gate {
	return &Gate{convs: convs}
}

// SetCallLookup installs the call source. Call before serving traffic.
func (g *Gate) SetCallLookup(calls CallLookup) {
	g.calls = calls
}

// CanSubscribe reports whether userID may receive events on channel.
// Call channels admit roster members of a live call who have neither declined
// nor left; conversation channels admit conversation members. Anything else is denied.
func (g *Gate) CanSubscribe(ctx context.Context, userID uuid.UUID, channel string) bool {
	ch, err := domain.ParseChannel(channel)
	if err != nil {
		return false
	}

	switch ch.Kind {
	case domain.ChannelKindCall:
		if g.calls == nil {
			return false
		}
		c, err := g.calls.Snapshot(ctx, ch.ID)
		if err != nil {
			g.lookupFailed(channel, err)
			return false
		}
		if c.State.IsTerminal() {
			return false
		}
		p := c.Participant(userID)
		return p != nil && p.Active()

	case domain.ChannelKindConversation:
		if g.convs == nil {
			return false
		}
		ok, err := g.convs.IsParticipant(ctx, ch.ID, userID)
		if err != nil {
			g.lookupFailed(channel, err)
			return false
		}
		return ok
	}
	return false
}

// ChannelExists reports whether the entity behind channel is still live.
// A terminal call counts as gone.
func (g *Gate) ChannelExists(ctx context.Context, channel string) (bool, error) {
	ch, err := domain.ParseChannel(channel)
	if err != nil {
		return false, nil
	}

	switch ch.Kind {
	case domain.ChannelKindCall:
		if g.calls == nil {
			return false, nil
		}
		c, err := g.calls.Snapshot(ctx, ch.ID)
		if errors.Is(err, domain.ErrCallNotFound) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("failed to look up call: %w", err)
		}
		return !c.State.IsTerminal(), nil

	case domain.ChannelKindConversation:
		if g.convs == nil {
			return false, nil
		}
		ok, err := g.convs.ConversationExists(ctx, ch.ID)
		if err != nil {
			return false, fmt.Errorf("failed to look up conversation: %w", err)
		}
		return ok, nil
	}
	return false, nil
}

func (g *Gate) lookupFailed(channel string, err error) {
	if errors.Is(err, domain.ErrCallNotFound) {
		return
	}
	logger.Warn("Subscription lookup failed", logger.Channel(channel), zap.Error(err))
}
