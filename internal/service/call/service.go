// Package call implements the call lifecycle: who is in a call and which
// state it is in. Every transition is serialized per call and persisted
// before it becomes visible.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"callrelay-backend/internal/domain"
	"callrelay-backend/internal/service/registry"
	"callrelay-backend/pkg/constants"
	apperrors "callrelay-backend/pkg/errors"
	"callrelay-backend/pkg/logger"
	"callrelay-backend/pkg/metrics"
)

// Store persists call snapshots. LoadCall returns domain.ErrCallNotFound for unknown IDs.
type Store interface {
	SaveCall(ctx context.Context, call *domain.Call) error
	LoadCall(ctx context.Context, callID uuid.UUID) (*domain.Call, error)
	UserCalls(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Call, error)
}

// OpenCallLister is implemented by stores that can list non-terminal calls
type OpenCallLister interface {
	OpenCalls(ctx context.Context) ([]uuid.UUID, error)
}

// MembershipChecker answers conversation membership questions
type MembershipChecker interface {
	IsParticipant(ctx context.Context, conversationID, userID uuid.UUID) (bool, error)
}

// Publisher delivers call events to clients
type Publisher interface {
	Publish(ctx context.Context, channel string, ev *domain.Event, exclude uuid.UUID) registry.DeliveryResult
	PublishToUsers(ctx context.Context, userIDs []uuid.UUID, ev *domain.Event) registry.DeliveryResult
	CloseChannel(ctx context.Context, channel string)
	UnsubscribeUser(ctx context.Context, channel string, userID uuid.UUID)
}

// Notifier rings invitees that have no live connection
type Notifier interface {
	NotifyIncomingCall(ctx context.Context, call *domain.Call, calleeID uuid.UUID) error
}

// Config holds state machine settings
type Config struct {
	RingTimeout   time.Duration
	Shards        int
	MaxRoster     int
	NotifyTimeout time.Duration
	Metrics       *metrics.Metrics
}

// InitiateInput contains call initiation data
type InitiateInput struct {
	InitiatorID    uuid.UUID
	CalleeIDs      []uuid.UUID
	Kind           domain.CallKind
	ConversationID *uuid.UUID
}

// liveCall is a non-terminal call held in memory. mu is the single-writer lock.
type liveCall struct {
	mu      sync.Mutex
	call    *domain.Call
	timer   *time.Timer
	seq     uint64
	evicted bool
	live    bool
}

type callShard struct {
	mu    sync.Mutex
	calls map[uuid.UUID]*liveCall
}

// Service handles call lifecycle business logic
type Service struct {
	store    Store
	members  MembershipChecker
	events   Publisher
	notifier Notifier
	cfg      Config
	metrics  *metrics.Metrics
	tracer   trace.Tracer

	shards []*callShard
	now    func() time.Time
}

// NewService creates a new call service. members and notifier may be nil.
func NewService(store Store, members MembershipChecker, events Publisher, notifier Notifier, cfg Config) *Service {
	if cfg.Shards <= 0 {
		cfg.Shards = 32
	}
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = 45 * time.Second
	}
	if cfg.MaxRoster <= 0 {
		cfg.MaxRoster = 32
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 10 * time.Second
	}

	s := &Service{
		store:    store,
		members:  members,
		events:   events,
		notifier: notifier,
		cfg:      cfg,
		metrics:  cfg.Metrics,
		tracer:   otel.Tracer("callrelay/call"),
		shards:   make([]*callShard, cfg.Shards),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for i := range s.shards {
		s.shards[i] = &callShard{calls: make(map[uuid.UUID]*liveCall)}
	}
	return s
}

func (s *Service) shard(id uuid.UUID) *callShard {
	return s.shards[xxhash.Sum64(id[:])%uint64(len(s.shards))]
}

// acquire returns the call's entry with its mutex held.
// Terminal calls come back detached from the live table; they never change again.
func (s *Service) acquire(ctx context.Context, callID uuid.UUID) (*liveCall, error) {
	for {
		sh := s.shard(callID)
		sh.mu.Lock()
		lc, ok := sh.calls[callID]
		sh.mu.Unlock()

		if !ok {
			stored, err := s.store.LoadCall(ctx, callID)
			if err != nil {
				if errors.Is(err, domain.ErrCallNotFound) {
					return nil, domain.ErrCallNotFound
				}
				return nil, fmt.Errorf("failed to load call: %w", err)
			}

			if stored.State.IsTerminal() {
				lc = &liveCall{call: stored}
			} else {
				// A non-terminal call that is not in memory survived a restart.
				sh.mu.Lock()
				if existing, raced := sh.calls[callID]; raced {
					lc = existing
				} else {
					lc = &liveCall{call: stored, live: true}
					sh.calls[callID] = lc
					if stored.State == domain.CallStateCalling {
						s.armRingTimer(lc, stored)
					}
				}
				sh.mu.Unlock()
			}
		}

		lc.mu.Lock()
		if lc.evicted {
			lc.mu.Unlock()
			continue
		}
		return lc, nil
	}
}

// evict drops a terminal call from the live table. Caller holds lc.mu.
func (s *Service) evict(lc *liveCall) {
	if lc.timer != nil {
		lc.timer.Stop()
		lc.timer = nil
	}
	if !lc.live {
		return
	}
	sh := s.shard(lc.call.ID)
	sh.mu.Lock()
	if sh.calls[lc.call.ID] == lc {
		delete(sh.calls, lc.call.ID)
	}
	sh.mu.Unlock()
	lc.evicted = true
	lc.live = false
}

func (s *Service) armRingTimer(lc *liveCall, c *domain.Call) {
	wait := s.cfg.RingTimeout - s.now().Sub(c.CreatedAt)
	if wait < 0 {
		wait = 0
	}
	id := c.ID
	lc.timer = time.AfterFunc(wait, func() {
		if _, err := s.MarkMissed(context.Background(), id); err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
			logger.Warn("Failed to mark call missed", logger.CallID(id), zap.Error(err))
		}
	})
}

// change describes the user-visible effect of a committed transition
type change struct {
	event string
	actor uuid.UUID
	prev  domain.CallState
	// ring lists invitees that should receive call.incoming
	ring []uuid.UUID
	// revoke drops the actor's subscriptions to the call channel
	revoke bool
}

// mutate runs fn against a copy of the call under its lock.
// fn returns a nil change for a no-op. Nothing is visible until the store accepts the copy.
func (s *Service) mutate(ctx context.Context, op string, callID uuid.UUID, fn func(c *domain.Call) (*change, error)) (*domain.Call, error) {
	ctx, span := s.tracer.Start(ctx, "CallService."+op, trace.WithAttributes(
		attribute.String("call.id", callID.String()),
	))
	defer span.End()

	lc, err := s.acquire(ctx, callID)
	if err != nil {
		s.fail(span, op, err)
		return nil, err
	}
	defer lc.mu.Unlock()

	next := lc.call.Clone()
	ch, err := fn(next)
	if err != nil {
		s.fail(span, op, err)
		return nil, err
	}
	if ch == nil {
		return lc.call.Clone(), nil
	}

	if err := s.store.SaveCall(ctx, next); err != nil {
		s.fail(span, op, err)
		return nil, fmt.Errorf("failed to save call: %w", err)
	}
	lc.call = next
	span.SetAttributes(attribute.String("call.state", string(next.State)))

	if next.State != domain.CallStateCalling && lc.timer != nil {
		lc.timer.Stop()
		lc.timer = nil
	}

	s.emit(ctx, next, ch)

	if next.State.IsTerminal() {
		s.evict(lc)
		s.recordTerminal(next)
	}
	return next.Clone(), nil
}

func (s *Service) fail(span trace.Span, op string, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if appErr := apperrors.GetAppError(err); appErr.StatusCode < 500 {
		s.metrics.RecordCallFailure(op, string(appErr.Code))
	} else {
		s.metrics.RecordCallFailure(op, "internal")
	}
}

func (s *Service) recordTerminal(c *domain.Call) {
	s.metrics.RecordCall(string(c.Kind), string(c.State))
	if c.StartedAt != nil && c.EndedAt != nil {
		s.metrics.RecordCallDuration(string(c.Kind), c.EndedAt.Sub(*c.StartedAt))
	}
	s.metrics.SetActiveCalls(s.ActiveCount())
}

// emit publishes the transition. While a call is ringing, invitees are not yet
// subscribed to the call channel, so lifecycle events go to every roster member's
// connections directly. Afterwards they go to the call channel.
func (s *Service) emit(ctx context.Context, c *domain.Call, ch *change) {
	if s.events == nil {
		return
	}

	if len(ch.ring) > 0 {
		s.ring(ctx, c, ch.ring)
	}
	if ch.event == "" {
		return
	}

	data := domain.CallEventData{
		CallID: c.ID,
		Kind:   c.Kind,
		State:  c.State,
		UserID: ch.actor,
		Call:   c.Clone(),
	}
	if p := c.Participant(ch.actor); p != nil && ch.event == domain.EventMediaToggled {
		muted, videoOff := p.Muted, p.VideoOff
		data.Muted, data.VideoOff = &muted, &videoOff
	}
	ev := &domain.Event{
		Type:    ch.event,
		Channel: domain.CallChannel(c.ID),
		Data:    data,
	}

	if ch.prev == domain.CallStateCalling {
		s.events.PublishToUsers(ctx, c.ParticipantIDs(), ev)
	} else {
		s.events.Publish(ctx, ev.Channel, ev, uuid.Nil)
	}

	if c.State.IsTerminal() {
		s.events.CloseChannel(ctx, ev.Channel)
	} else if ch.revoke {
		s.events.UnsubscribeUser(ctx, ev.Channel, ch.actor)
	}
}

// ring sends call.incoming to each invitee and pushes to the ones with no live connection
func (s *Service) ring(ctx context.Context, c *domain.Call, invitees []uuid.UUID) {
	ev := &domain.Event{
		Type:    domain.EventCallIncoming,
		Channel: domain.CallChannel(c.ID),
		Data: domain.CallEventData{
			CallID: c.ID,
			Kind:   c.Kind,
			State:  c.State,
			UserID: c.InitiatorID,
			Call:   c.Clone(),
		},
	}

	var offline []uuid.UUID
	for _, id := range invitees {
		if res := s.events.PublishToUsers(ctx, []uuid.UUID{id}, ev); res.Delivered == 0 {
			offline = append(offline, id)
		}
	}
	if len(offline) == 0 || s.notifier == nil {
		return
	}

	snapshot := c.Clone()
	go func() {
		pushCtx, cancel := context.WithTimeout(context.Background(), s.cfg.NotifyTimeout)
		defer cancel()
		for _, id := range offline {
			if err := s.notifier.NotifyIncomingCall(pushCtx, snapshot, id); err != nil {
				logger.Warn("Failed to push incoming call",
					logger.CallID(snapshot.ID),
					logger.UserID(id),
					zap.Error(err))
			}
		}
	}()
}

// Initiate creates a call in the calling state and rings the invitees
func (s *Service) Initiate(ctx context.Context, in *InitiateInput) (*domain.Call, error) {
	ctx, span := s.tracer.Start(ctx, "CallService.Initiate", trace.WithAttributes(
		attribute.String("call.kind", string(in.Kind)),
		attribute.Int("call.invitees", len(in.CalleeIDs)),
	))
	defer span.End()

	roster, err := s.buildRoster(in)
	if err != nil {
		s.fail(span, "Initiate", err)
		return nil, err
	}

	if in.ConversationID != nil {
		if err := s.checkConversation(ctx, *in.ConversationID, in.InitiatorID, roster); err != nil {
			s.fail(span, "Initiate", err)
			return nil, err
		}
	}

	now := s.now()
	c := &domain.Call{
		ID:             uuid.New(),
		ConversationID: in.ConversationID,
		InitiatorID:    in.InitiatorID,
		Kind:           in.Kind,
		State:          domain.CallStateCalling,
		CreatedAt:      now,
	}
	for _, id := range roster {
		p := domain.Participant{UserID: id, Role: domain.RoleInvitee}
		if id == in.InitiatorID {
			p.Role = domain.RoleInitiator
			joined := now
			p.JoinedAt = &joined
		}
		c.Participants = append(c.Participants, p)
	}
	span.SetAttributes(attribute.String("call.id", c.ID.String()))

	if err := s.store.SaveCall(ctx, c); err != nil {
		s.fail(span, "Initiate", err)
		return nil, fmt.Errorf("failed to create call record: %w", err)
	}

	lc := &liveCall{call: c, live: true}
	lc.mu.Lock()
	sh := s.shard(c.ID)
	sh.mu.Lock()
	sh.calls[c.ID] = lc
	sh.mu.Unlock()
	s.armRingTimer(lc, c)
	s.emit(ctx, c, &change{ring: c.InviteeIDs(), prev: domain.CallStateCalling})
	lc.mu.Unlock()

	s.metrics.RecordCall(string(c.Kind), string(c.State))
	s.metrics.SetActiveCalls(s.ActiveCount())

	logger.Info("Call initiated",
		logger.CallID(c.ID),
		logger.UserID(in.InitiatorID),
		zap.String("call_type", string(c.Kind)),
		zap.Int("invitees", len(roster)-1))

	return c.Clone(), nil
}

// buildRoster returns the initiator followed by distinct invitees
func (s *Service) buildRoster(in *InitiateInput) ([]uuid.UUID, error) {
	if !in.Kind.Valid() {
		return nil, apperrors.ValidationError("call_type must be one of audio, video, conference")
	}
	if in.InitiatorID == uuid.Nil {
		return nil, domain.ErrInvalidParticipants.WithDetails("missing initiator")
	}

	roster := []uuid.UUID{in.InitiatorID}
	seen := map[uuid.UUID]bool{in.InitiatorID: true}
	for _, id := range in.CalleeIDs {
		if id == uuid.Nil {
			return nil, domain.ErrInvalidParticipants.WithDetails("nil callee id")
		}
		if in.Kind.IsDirect() && id == in.InitiatorID {
			return nil, domain.ErrInvalidParticipants.WithDetails("cannot call yourself")
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		roster = append(roster, id)
	}

	if in.Kind.IsDirect() {
		if len(in.CalleeIDs) != 1 {
			return nil, domain.ErrInvalidParticipants.WithDetails("direct calls take exactly one callee")
		}
	} else if len(roster) < 2 {
		return nil, domain.ErrInvalidParticipants.WithDetails("conference needs at least two participants")
	}
	if len(roster) > s.cfg.MaxRoster {
		return nil, domain.ErrInvalidParticipants.WithDetails(fmt.Sprintf("at most %d participants", s.cfg.MaxRoster))
	}
	return roster, nil
}

func (s *Service) checkConversation(ctx context.Context, conversationID, initiator uuid.UUID, roster []uuid.UUID) error {
	if s.members == nil {
		return domain.ErrConversationNotFound
	}
	for _, id := range roster {
		ok, err := s.members.IsParticipant(ctx, conversationID, id)
		if err != nil {
			return fmt.Errorf("failed to check conversation membership: %w", err)
		}
		if !ok {
			if id == initiator {
				return domain.ErrNotParticipant.WithDetails("initiator is not a member of the conversation")
			}
			return domain.ErrInvalidParticipants.WithDetails("invitee is not a member of the conversation")
		}
	}
	return nil
}

func invalid(c *domain.Call, op string) error {
	return domain.ErrInvalidTransition.WithDetails(map[string]string{
		"status":    string(c.State),
		"operation": op,
	})
}

// Accept moves a ringing call to ongoing. Accepting an ongoing call joins the
// caller if they have not joined yet and is otherwise a no-op.
func (s *Service) Accept(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error) {
	return s.mutate(ctx, "Accept", callID, func(c *domain.Call) (*change, error) {
		p := c.Participant(userID)
		if p == nil {
			return nil, domain.ErrNotParticipant
		}
		if c.State.IsTerminal() || p.Role == domain.RoleInitiator || !p.Active() {
			return nil, invalid(c, "accept")
		}

		now := s.now()
		switch c.State {
		case domain.CallStateCalling:
			p.JoinedAt = &now
			c.State = domain.CallStateOngoing
			c.StartedAt = &now
			return &change{event: domain.EventCallAccepted, actor: userID, prev: domain.CallStateCalling}, nil
		default:
			if p.Joined() {
				return nil, nil
			}
			p.JoinedAt = &now
			return &change{event: domain.EventParticipantJoined, actor: userID, prev: c.State}, nil
		}
	})
}

// Reject declines a ringing call. A direct call becomes declined. In a conference
// only the caller is marked declined until no invitee is left ringing.
func (s *Service) Reject(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error) {
	return s.mutate(ctx, "Reject", callID, func(c *domain.Call) (*change, error) {
		p := c.Participant(userID)
		if p == nil {
			return nil, domain.ErrNotParticipant
		}
		if c.State != domain.CallStateCalling || p.Role == domain.RoleInitiator {
			return nil, invalid(c, "reject")
		}
		if p.Declined {
			return nil, nil
		}

		now := s.now()
		p.Declined = true
		p.LeftAt = &now

		if c.Kind.IsDirect() || !c.HasOutstandingInvitees() {
			c.State = domain.CallStateDeclined
			s.closeRoster(c, now)
			return &change{event: domain.EventCallDeclined, actor: userID, prev: domain.CallStateCalling}, nil
		}
		return &change{event: domain.EventParticipantDeclined, actor: userID, prev: domain.CallStateCalling, revoke: true}, nil
	})
}

// End terminates a call. Ending a call that is already over succeeds and changes nothing.
func (s *Service) End(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error) {
	return s.mutate(ctx, "End", callID, func(c *domain.Call) (*change, error) {
		p := c.Participant(userID)
		if p == nil {
			return nil, domain.ErrNotParticipant
		}
		if c.State.IsTerminal() {
			return nil, nil
		}
		if !p.Active() {
			return nil, domain.ErrNotParticipant
		}

		prev := c.State
		now := s.now()
		c.State = domain.CallStateEnded
		s.closeRoster(c, now)
		return &change{event: domain.EventCallEnded, actor: userID, prev: prev}, nil
	})
}

// MarkMissed is fired by the ring timer when nobody answered
func (s *Service) MarkMissed(ctx context.Context, callID uuid.UUID) (*domain.Call, error) {
	return s.mutate(ctx, "MarkMissed", callID, func(c *domain.Call) (*change, error) {
		if c.State != domain.CallStateCalling {
			return nil, invalid(c, "mark_missed")
		}
		now := s.now()
		c.State = domain.CallStateMissed
		s.closeRoster(c, now)
		logger.Info("Call missed", logger.CallID(c.ID))
		return &change{event: domain.EventCallMissed, actor: c.InitiatorID, prev: domain.CallStateCalling}, nil
	})
}

// closeRoster stamps the end of the call on the call and on every joined participant
func (s *Service) closeRoster(c *domain.Call, now time.Time) {
	c.EndedAt = &now
	if c.StartedAt != nil {
		c.Duration = int(now.Sub(*c.StartedAt).Seconds())
	}
	for i := range c.Participants {
		if c.Participants[i].Joined() {
			c.Participants[i].LeftAt = &now
		}
	}
}

// JoinParticipant adds a roster member to the media session of an ongoing call.
// Members of the call's conversation may join a conference they were not invited to.
func (s *Service) JoinParticipant(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error) {
	return s.mutate(ctx, "Join", callID, func(c *domain.Call) (*change, error) {
		p := c.Participant(userID)
		if p == nil {
			eligible, err := s.canJoinUninvited(ctx, c, userID)
			if err != nil {
				return nil, err
			}
			if !eligible {
				return nil, domain.ErrNotParticipant
			}
			if c.State != domain.CallStateOngoing {
				return nil, invalid(c, "join")
			}
			if len(c.Participants) >= s.cfg.MaxRoster {
				return nil, domain.ErrInvalidParticipants.WithDetails("call is full")
			}
			c.Participants = append(c.Participants, domain.Participant{UserID: userID, Role: domain.RoleInvitee})
			p = &c.Participants[len(c.Participants)-1]
		}
		if c.State != domain.CallStateOngoing {
			return nil, invalid(c, "join")
		}
		if p.Joined() {
			return nil, nil
		}

		now := s.now()
		p.JoinedAt = &now
		p.LeftAt = nil
		p.Declined = false
		return &change{event: domain.EventParticipantJoined, actor: userID, prev: c.State}, nil
	})
}

func (s *Service) canJoinUninvited(ctx context.Context, c *domain.Call, userID uuid.UUID) (bool, error) {
	if c.Kind != domain.CallKindConference || c.ConversationID == nil || s.members == nil {
		return false, nil
	}
	ok, err := s.members.IsParticipant(ctx, *c.ConversationID, userID)
	if err != nil {
		return false, fmt.Errorf("failed to check conversation membership: %w", err)
	}
	return ok, nil
}

// LeaveParticipant removes a member from the media session. The call state is
// unchanged; a call left empty is ended later by SweepEmpty.
func (s *Service) LeaveParticipant(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error) {
	return s.mutate(ctx, "Leave", callID, func(c *domain.Call) (*change, error) {
		p := c.Participant(userID)
		if p == nil {
			return nil, domain.ErrNotParticipant
		}
		if c.State != domain.CallStateOngoing {
			return nil, invalid(c, "leave")
		}
		if !p.Joined() {
			return nil, nil
		}
		now := s.now()
		p.LeftAt = &now
		return &change{event: domain.EventParticipantLeft, actor: userID, prev: c.State, revoke: true}, nil
	})
}

// ToggleAudio flips the caller's muted flag
func (s *Service) ToggleAudio(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error) {
	return s.toggle(ctx, "ToggleAudio", callID, userID, func(p *domain.Participant) { p.Muted = !p.Muted })
}

// ToggleVideo flips the caller's video-off flag
func (s *Service) ToggleVideo(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error) {
	return s.toggle(ctx, "ToggleVideo", callID, userID, func(p *domain.Participant) { p.VideoOff = !p.VideoOff })
}

func (s *Service) toggle(ctx context.Context, op string, callID, userID uuid.UUID, flip func(p *domain.Participant)) (*domain.Call, error) {
	return s.mutate(ctx, op, callID, func(c *domain.Call) (*change, error) {
		p := c.Participant(userID)
		if p == nil {
			return nil, domain.ErrNotParticipant
		}
		if c.State != domain.CallStateOngoing || !p.Active() {
			return nil, invalid(c, "toggle")
		}
		flip(p)
		return &change{event: domain.EventMediaToggled, actor: userID, prev: c.State}, nil
	})
}

// Snapshot returns a copy of the current call
func (s *Service) Snapshot(ctx context.Context, callID uuid.UUID) (*domain.Call, error) {
	lc, err := s.acquire(ctx, callID)
	if err != nil {
		return nil, err
	}
	defer lc.mu.Unlock()
	return lc.call.Clone(), nil
}

// Get returns the call if userID is on its roster
func (s *Service) Get(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error) {
	c, err := s.Snapshot(ctx, callID)
	if err != nil {
		return nil, err
	}
	if !c.IsParticipant(userID) {
		return nil, domain.ErrNotParticipant
	}
	return c, nil
}

// Sequenced runs fn under the call's lock with the next per-call sequence number.
// The number is consumed only when fn succeeds. fn must not block or mutate c.
func (s *Service) Sequenced(ctx context.Context, callID uuid.UUID, fn func(c *domain.Call, seq uint64) error) error {
	lc, err := s.acquire(ctx, callID)
	if err != nil {
		return err
	}
	defer lc.mu.Unlock()

	next := lc.seq + 1
	if err := fn(lc.call, next); err != nil {
		return err
	}
	lc.seq = next
	return nil
}

// History returns the user's calls, newest first
func (s *Service) History(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Call, error) {
	if limit <= 0 {
		limit = constants.DefaultPageSize
	}
	if limit > constants.MaxPageSize {
		limit = constants.MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	calls, err := s.store.UserCalls(ctx, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get call history: %w", err)
	}
	return calls, nil
}

// liveIDs lists the calls held in memory
func (s *Service) liveIDs() []uuid.UUID {
	var ids []uuid.UUID
	for _, sh := range s.shards {
		sh.mu.Lock()
		for id := range sh.calls {
			ids = append(ids, id)
		}
		sh.mu.Unlock()
	}
	return ids
}

// SweepEmpty ends ongoing calls nobody has been joined to for at least idle.
// It returns the number of calls ended.
func (s *Service) SweepEmpty(ctx context.Context, idle time.Duration) int {
	ended := 0
	for _, id := range s.liveIDs() {
		var closed bool
		_, err := s.mutate(ctx, "EndIdle", id, func(c *domain.Call) (*change, error) {
			since, empty := emptySince(c)
			if c.State != domain.CallStateOngoing || !empty || s.now().Sub(since) < idle {
				return nil, nil
			}
			c.State = domain.CallStateEnded
			s.closeRoster(c, s.now())
			closed = true
			return &change{event: domain.EventCallEnded, actor: c.InitiatorID, prev: domain.CallStateOngoing}, nil
		})
		if err != nil {
			if !errors.Is(err, domain.ErrCallNotFound) {
				logger.Warn("Failed to end idle call", logger.CallID(id), zap.Error(err))
			}
			continue
		}
		if closed {
			ended++
			logger.Info("Idle call ended", logger.CallID(id))
		}
	}
	return ended
}

// emptySince reports whether no participant is joined and when the last one left
func emptySince(c *domain.Call) (time.Time, bool) {
	var last time.Time
	if c.StartedAt != nil {
		last = *c.StartedAt
	}
	for i := range c.Participants {
		p := &c.Participants[i]
		if p.Joined() {
			return time.Time{}, false
		}
		if p.LeftAt != nil && p.LeftAt.After(last) {
			last = *p.LeftAt
		}
	}
	return last, true
}

// StartEmptyCallSweep runs SweepEmpty every interval until ctx is done
func (s *Service) StartEmptyCallSweep(ctx context.Context, interval, idle time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.SweepEmpty(ctx, idle)
			}
		}
	}()
}

// Recover loads calls left open by a previous run into memory, re-arming ring
// timers. Stores that cannot list open calls are skipped.
func (s *Service) Recover(ctx context.Context) (int, error) {
	lister, ok := s.store.(OpenCallLister)
	if !ok {
		return 0, nil
	}
	ids, err := lister.OpenCalls(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list open calls: %w", err)
	}

	n := 0
	for _, id := range ids {
		lc, err := s.acquire(ctx, id)
		if err != nil {
			logger.Warn("Failed to recover call", logger.CallID(id), zap.Error(err))
			continue
		}
		if lc.live {
			n++
		}
		lc.mu.Unlock()
	}
	s.metrics.SetActiveCalls(s.ActiveCount())
	return n, nil
}

// ActiveCount returns the number of calls held in memory
func (s *Service) ActiveCount() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.calls)
		sh.mu.Unlock()
	}
	return n
}

// Shutdown stops all ring timers. Calls stay in the store and resume on restart.
func (s *Service) Shutdown() {
	for _, sh := range s.shards {
		sh.mu.Lock()
		entries := make([]*liveCall, 0, len(sh.calls))
		for _, lc := range sh.calls {
			entries = append(entries, lc)
		}
		sh.mu.Unlock()

		for _, lc := range entries {
			lc.mu.Lock()
			if lc.timer != nil {
				lc.timer.Stop()
				lc.timer = nil
			}
			lc.mu.Unlock()
		}
	}
}
