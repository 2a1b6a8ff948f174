package domain

import (
	"time"

	"github.com/google/uuid"
)

// CallKind distinguishes direct calls from conferences
type CallKind string

const (
	CallKindAudio      CallKind = "audio"
	CallKindVideo      CallKind = "video"
	CallKindConference CallKind = "conference"
)

// Valid reports whether k is a known call kind
func (k CallKind) Valid() bool {
	switch k {
	case CallKindAudio, CallKindVideo, CallKindConference:
		return true
	}
	return false
}

// IsDirect reports whether the call is a two-party call
func (k CallKind) IsDirect() bool {
	return k == CallKindAudio || k == CallKindVideo
}

// CallState is the lifecycle state of a call
type CallState string

const (
	CallStateCalling  CallState = "calling"
	CallStateOngoing  CallState = "ongoing"
	CallStateEnded    CallState = "ended"
	CallStateDeclined CallState = "declined"
	CallStateMissed   CallState = "missed"
)

// IsTerminal reports whether no further transitions are possible
func (s CallState) IsTerminal() bool {
	return s == CallStateEnded || s == CallStateDeclined || s == CallStateMissed
}

func (s CallState) rank() int {
	switch s {
	case CallStateCalling:
		return 0
	case CallStateOngoing:
		return 1
	case CallStateEnded, CallStateDeclined, CallStateMissed:
		return 2
	}
	return -1
}

// CanTransitionTo reports whether moving from s to next keeps the lifecycle forward-only.
// calling -> ongoing|declined|missed|ended, ongoing -> ended. Terminal states are final.
func (s CallState) CanTransitionTo(next CallState) bool {
	if s.IsTerminal() || next.rank() <= s.rank() {
		return false
	}
	if s == CallStateOngoing {
		return next == CallStateEnded
	}
	return s == CallStateCalling
}

// ParticipantRole is a participant's role on the roster
type ParticipantRole string

const (
	RoleInitiator ParticipantRole = "initiator"
	RoleInvitee   ParticipantRole = "invitee"
)

// Participant is one roster entry of a call
type Participant struct {
	UserID   uuid.UUID       `json:"user_id"`
	Role     ParticipantRole `json:"role"`
	JoinedAt *time.Time      `json:"joined_at,omitempty"`
	LeftAt   *time.Time      `json:"left_at,omitempty"`
	Declined bool            `json:"declined"`
	Muted    bool            `json:"is_muted"`
	VideoOff bool            `json:"is_video_off"`
}

// Active reports whether the participant is still part of the call:
// neither declined nor left. Invitees who are still ringing are active.
func (p *Participant) Active() bool {
	return !p.Declined && p.LeftAt == nil
}

// Joined reports whether the participant is currently in the media session
func (p *Participant) Joined() bool {
	return p.JoinedAt != nil && p.LeftAt == nil
}

// Outstanding reports whether an invitee has neither answered nor refused yet
func (p *Participant) Outstanding() bool {
	return p.Role == RoleInvitee && p.JoinedAt == nil && p.Active()
}

// Call is a signaling session with an ordered roster.
// The initiator is always Participants[0].
type Call struct {
	ID             uuid.UUID     `json:"call_id"`
	ConversationID *uuid.UUID    `json:"conversation_id,omitempty"`
	InitiatorID    uuid.UUID     `json:"initiator_id"`
	Kind           CallKind      `json:"call_type"`
	State          CallState     `json:"status"`
	Participants   []Participant `json:"participants"`
	CreatedAt      time.Time     `json:"created_at"`
	StartedAt      *time.Time    `json:"started_at,omitempty"`
	EndedAt        *time.Time    `json:"ended_at,omitempty"`
	Duration       int           `json:"duration,omitempty"` // in seconds
}

// Clone returns a copy that can be mutated without affecting c.
// Timestamp pointers are shared; they are replaced, never written through.
func (c *Call) Clone() *Call {
	cp := *c
	cp.Participants = make([]Participant, len(c.Participants))
	copy(cp.Participants, c.Participants)
	return &cp
}

// Participant returns the roster entry for userID, or nil
func (c *Call) Participant(userID uuid.UUID) *Participant {
	for i := range c.Participants {
		if c.Participants[i].UserID == userID {
			return &c.Participants[i]
		}
	}
	return nil
}

// IsParticipant reports whether userID is on the roster
func (c *Call) IsParticipant(userID uuid.UUID) bool {
	return c.Participant(userID) != nil
}

// ParticipantIDs returns every roster member in roster order
func (c *Call) ParticipantIDs() []uuid.UUID {
	ids := make([]uuid.UUID, len(c.Participants))
	for i := range c.Participants {
		ids[i] = c.Participants[i].UserID
	}
	return ids
}

// ActiveParticipantIDs returns roster members that have neither declined nor left
func (c *Call) ActiveParticipantIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(c.Participants))
	for i := range c.Participants {
		if c.Participants[i].Active() {
			ids = append(ids, c.Participants[i].UserID)
		}
	}
	return ids
}

// InviteeIDs returns every non-initiator roster member
func (c *Call) InviteeIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(c.Participants))
	for i := range c.Participants {
		if c.Participants[i].Role == RoleInvitee {
			ids = append(ids, c.Participants[i].UserID)
		}
	}
	return ids
}

// HasOutstandingInvitees reports whether any invitee is still ringing
func (c *Call) HasOutstandingInvitees() bool {
	for i := range c.Participants {
		if c.Participants[i].Outstanding() {
			return true
		}
	}
	return false
}
