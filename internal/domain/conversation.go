package domain

import (
	"time"

	"github.com/google/uuid"
)

// ConversationParticipant represents a user in a conversation
// Maps to CockroachDB conversation_participants table
type ConversationParticipant struct {
	ConversationID uuid.UUID `json:"conversation_id" db:"conversation_id"`
	UserID         uuid.UUID `json:"user_id" db:"user_id"`
	Role           string    `json:"role" db:"role"` // admin, member
	JoinedAt       time.Time `json:"joined_at" db:"joined_at"`
}

// TypingEvent is broadcast when a member starts or stops typing
type TypingEvent struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	UserID         uuid.UUID `json:"user_id"`
	Typing         bool      `json:"is_typing"`
}

// ReadReceipt is broadcast when a member reads a message
type ReadReceipt struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	UserID         uuid.UUID `json:"user_id"`
	MessageID      uuid.UUID `json:"message_id"`
	ReadAt         time.Time `json:"read_at"`
}

// ReactionEvent is broadcast when a member adds or removes a reaction
type ReactionEvent struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	UserID         uuid.UUID `json:"user_id"`
	MessageID      uuid.UUID `json:"message_id"`
	Reaction       string    `json:"reaction"`
	Removed        bool      `json:"removed"`
}
