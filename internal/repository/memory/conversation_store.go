package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// ConversationStore keeps conversation membership in a map
type ConversationStore struct {
	mu      sync.RWMutex
	members map[uuid.UUID]map[uuid.UUID]struct{}
}

// NewConversationStore creates an empty membership store
func NewConversationStore() *ConversationStore {
	return &ConversationStore{members: make(map[uuid.UUID]map[uuid.UUID]struct{})}
}

// AddMembers records users as members of a conversation, creating it if needed
func (s *ConversationStore) AddMembers(conversationID uuid.UUID, userIDs ...uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.members[conversationID]
	if !ok {
		set = make(map[uuid.UUID]struct{})
		s.members[conversationID] = set
	}
	for _, id := range userIDs {
		set[id] = struct{}{}
	}
}

// RemoveConversation forgets a conversation entirely
func (s *ConversationStore) RemoveConversation(conversationID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members, conversationID)
}

// IsParticipant checks if a user is a member of a conversation
func (s *ConversationStore) IsParticipant(ctx context.Context, conversationID, userID uuid.UUID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.members[conversationID][userID]
	return ok, nil
}

// ConversationExists reports whether the conversation is known
func (s *ConversationStore) ConversationExists(ctx context.Context, conversationID uuid.UUID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.members[conversationID]
	return ok, nil
}
