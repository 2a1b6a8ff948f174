// Package signaling relays WebRTC negotiation messages between the live
// connections of a call's participants. Payloads are never inspected.
package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"callrelay-backend/internal/domain"
	"callrelay-backend/internal/service/registry"
	"callrelay-backend/pkg/constants"
	"callrelay-backend/pkg/logger"
	"callrelay-backend/pkg/metrics"
)

// CallSequencer runs fn under the call's lock with the next sequence number
type CallSequencer interface {
	Sequenced(ctx context.Context, callID uuid.UUID, fn func(c *domain.Call, seq uint64) error) error
}

// Delivery sends bytes to every live connection of a user
type Delivery interface {
	SendToUser(userID uuid.UUID, data []byte) registry.DeliveryResult
}

// Config holds relay settings
type Config struct {
	// AllowWhileCalling lets participants exchange offers before the call is accepted
	AllowWhileCalling bool
	MaxPayloadBytes   int
	Metrics           *metrics.Metrics
}

// RelayInput is one signal from a participant
type RelayInput struct {
	CallID   uuid.UUID
	SenderID uuid.UUID
	Kind     domain.SignalKind
	Payload  json.RawMessage
	TargetID *uuid.UUID
}

// RelayResult reports what happened to an accepted signal
type RelayResult struct {
	Seq        uint64 `json:"seq"`
	Recipients int    `json:"recipients"`
	Delivered  int    `json:"delivered"`
	Dropped    int    `json:"dropped"`
}

// Router relays signals between call participants
type Router struct {
	calls   CallSequencer
	conns   Delivery
	cfg     Config
	metrics *metrics.Metrics
	tracer  trace.Tracer
	now     func() time.Time
}

// NewRouter creates a new signal router
func NewRouter(calls CallSequencer, conns Delivery, cfg Config) *Router {
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = constants.MaxSignalPayloadBytes
	}
	return &Router{
		calls:   calls,
		conns:   conns,
		cfg:     cfg,
		metrics: cfg.Metrics,
		tracer:  otel.Tracer("callrelay/signaling"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Relay delivers a signal to the other participants of the call, or to the
// single target when one is given. The sequence number is assigned and the
// frames enqueued under the call's lock so every peer observes accepted order.
// When no destination has a live connection the result is still returned,
// together with domain.ErrNoReachablePeer.
func (r *Router) Relay(ctx context.Context, in *RelayInput) (*RelayResult, error) {
	ctx, span := r.tracer.Start(ctx, "Router.Relay", trace.WithAttributes(
		attribute.String("call.id", in.CallID.String()),
		attribute.String("signal.kind", string(in.Kind)),
	))
	defer span.End()

	if err := r.validate(in); err != nil {
		r.reject(span, in, err)
		return nil, err
	}

	result := &RelayResult{}
	err := r.calls.Sequenced(ctx, in.CallID, func(c *domain.Call, seq uint64) error {
		targets, err := r.targets(c, in)
		if err != nil {
			return err
		}

		data, err := json.Marshal(&domain.SignalEnvelope{
			Type:      domain.EventSignal,
			CallID:    c.ID,
			Kind:      in.Kind,
			SenderID:  in.SenderID,
			TargetID:  in.TargetID,
			Seq:       seq,
			Payload:   in.Payload,
			Timestamp: r.now(),
		})
		if err != nil {
			return fmt.Errorf("failed to encode signal: %w", err)
		}

		result.Seq = seq
		result.Recipients = len(targets)
		for _, id := range targets {
			res := r.conns.SendToUser(id, data)
			result.Delivered += res.Delivered
			result.Dropped += res.Dropped
		}
		return nil
	})
	if err != nil {
		r.reject(span, in, err)
		return nil, err
	}

	span.SetAttributes(
		attribute.Int64("signal.seq", int64(result.Seq)),
		attribute.Int("signal.delivered", result.Delivered),
	)

	if result.Delivered == 0 {
		r.metrics.RecordSignal(string(in.Kind), "unreachable")
		logger.Debug("Signal had no reachable peer",
			logger.CallID(in.CallID),
			logger.UserID(in.SenderID),
			zap.String("kind", string(in.Kind)))
		return result, domain.ErrNoReachablePeer
	}

	r.metrics.RecordSignal(string(in.Kind), "delivered")
	return result, nil
}

func (r *Router) validate(in *RelayInput) error {
	if !in.Kind.Valid() {
		return domain.ErrInvalidSignal.WithDetails("kind must be one of offer, answer, candidate")
	}
	if len(in.Payload) == 0 || !json.Valid(in.Payload) {
		return domain.ErrInvalidSignal.WithDetails("payload must be a JSON value")
	}
	if len(in.Payload) > r.cfg.MaxPayloadBytes {
		return domain.ErrInvalidSignal.WithDetails(fmt.Sprintf("payload exceeds %d bytes", r.cfg.MaxPayloadBytes))
	}
	if in.TargetID != nil && *in.TargetID == in.SenderID {
		return domain.ErrInvalidSignal.WithDetails("cannot target yourself")
	}
	return nil
}

// targets returns the users the signal goes to. Caller holds the call's lock.
func (r *Router) targets(c *domain.Call, in *RelayInput) ([]uuid.UUID, error) {
	sender := c.Participant(in.SenderID)
	if sender == nil {
		return nil, domain.ErrNotParticipant
	}

	switch c.State {
	case domain.CallStateOngoing:
	case domain.CallStateCalling:
		if !r.cfg.AllowWhileCalling {
			return nil, domain.ErrInvalidTransition.WithDetails("call has not been accepted")
		}
	default:
		return nil, domain.ErrInvalidTransition.WithDetails(map[string]string{"status": string(c.State)})
	}
	if !sender.Active() {
		return nil, domain.ErrNotParticipant
	}

	if in.TargetID != nil {
		target := c.Participant(*in.TargetID)
		if target == nil || !target.Active() {
			return nil, domain.ErrInvalidSignal.WithDetails("target is not an active participant")
		}
		return []uuid.UUID{target.UserID}, nil
	}

	ids := make([]uuid.UUID, 0, len(c.Participants)-1)
	for _, id := range c.ActiveParticipantIDs() {
		if id != in.SenderID {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (r *Router) reject(span trace.Span, in *RelayInput, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	r.metrics.RecordSignal(string(in.Kind), "rejected")
}
