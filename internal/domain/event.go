package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types pushed to clients
const (
	EventCallIncoming        = "call.incoming"
	EventCallAccepted        = "call.accepted"
	EventCallDeclined        = "call.declined"
	EventCallEnded           = "call.ended"
	EventCallMissed          = "call.missed"
	EventParticipantJoined   = "call.participant_joined"
	EventParticipantLeft     = "call.participant_left"
	EventParticipantDeclined = "call.participant_declined"
	EventMediaToggled        = "call.media_toggled"

	EventSignal = "signal"

	EventTypingStarted   = "conversation.typing_started"
	EventTypingStopped   = "conversation.typing_stopped"
	EventMessageRead     = "conversation.message_read"
	EventMessageReaction = "conversation.message_reaction"
)

// Event is the server-to-client frame for everything except signals
type Event struct {
	Type      string    `json:"type"`
	Channel   string    `json:"channel,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Encode renders the event once so fan-out can reuse the bytes
func (e *Event) Encode() ([]byte, error) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	return json.Marshal(e)
}

// SignalKind is the type of a WebRTC negotiation message
type SignalKind string

const (
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "candidate"
)

// Valid reports whether k is a relayable signal kind
func (k SignalKind) Valid() bool {
	return k == SignalOffer || k == SignalAnswer || k == SignalCandidate
}

// SignalEnvelope is delivered verbatim to peer connections.
// Payload is opaque to the relay.
type SignalEnvelope struct {
	Type      string          `json:"type"`
	CallID    uuid.UUID       `json:"call_id"`
	Kind      SignalKind      `json:"kind"`
	SenderID  uuid.UUID       `json:"sender_id"`
	TargetID  *uuid.UUID      `json:"target_id,omitempty"`
	Seq       uint64          `json:"seq"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// CallEventData is the payload of call lifecycle events
type CallEventData struct {
	CallID   uuid.UUID  `json:"call_id"`
	Kind     CallKind   `json:"call_type"`
	State    CallState  `json:"status"`
	UserID   uuid.UUID  `json:"user_id"`
	Call     *Call      `json:"call,omitempty"`
	Muted    *bool      `json:"is_muted,omitempty"`
	VideoOff *bool      `json:"is_video_off,omitempty"`
	Ended    *time.Time `json:"ended_at,omitempty"`
}
