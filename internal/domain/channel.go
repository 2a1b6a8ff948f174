package domain

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ChannelKind is the namespace of a named broadcast channel
type ChannelKind string

const (
	ChannelKindCall         ChannelKind = "call"
	ChannelKindConversation ChannelKind = "conversation"
)

// Channel identifies a broadcast channel such as "call:<uuid>"
type Channel struct {
	Kind ChannelKind
	ID   uuid.UUID
}

// CallChannel returns the channel name for a call
func CallChannel(callID uuid.UUID) string {
	return string(ChannelKindCall) + ":" + callID.String()
}

// ConversationChannel returns the channel name for a conversation
func ConversationChannel(conversationID uuid.UUID) string {
	return string(ChannelKindConversation) + ":" + conversationID.String()
}

// ParseChannel splits a channel name into its namespace and ID
func ParseChannel(name string) (Channel, error) {
	prefix, rawID, ok := strings.Cut(name, ":")
	if !ok {
		return Channel{}, fmt.Errorf("malformed channel name %q", name)
	}

	kind := ChannelKind(prefix)
	if kind != ChannelKindCall && kind != ChannelKindConversation {
		return Channel{}, fmt.Errorf("unknown channel namespace %q", prefix)
	}

	id, err := uuid.Parse(rawID)
	if err != nil {
		return Channel{}, fmt.Errorf("invalid channel id in %q: %w", name, err)
	}

	return Channel{Kind: kind, ID: id}, nil
}

// String returns the canonical channel name
func (c Channel) String() string {
	return string(c.Kind) + ":" + c.ID.String()
}
