// Package memory holds process-local stores used when CockroachDB is
// unreachable and in tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"callrelay-backend/internal/domain"
)

// CallStore keeps call snapshots in a map
type CallStore struct {
	mu    sync.RWMutex
	calls map[uuid.UUID]*domain.Call
}

// NewCallStore creates an empty call store
func NewCallStore() *CallStore {
	return &CallStore{calls: make(map[uuid.UUID]*domain.Call)}
}

// SaveCall stores a copy of call, replacing any previous snapshot
func (s *CallStore) SaveCall(ctx context.Context, call *domain.Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[call.ID] = call.Clone()
	return nil
}

// LoadCall returns a copy of the stored call
func (s *CallStore) LoadCall(ctx context.Context, callID uuid.UUID) (*domain.Call, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.calls[callID]
	if !ok {
		return nil, domain.ErrCallNotFound
	}
	return c.Clone(), nil
}

// UserCalls returns calls the user is on the roster of, newest first
func (s *CallStore) UserCalls(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Call, error) {
	s.mu.RLock()
	var matched []*domain.Call
	for _, c := range s.calls {
		if c.IsParticipant(userID) {
			matched = append(matched, c.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if offset >= len(matched) {
		return []*domain.Call{}, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], nil
}

// OpenCalls returns the IDs of calls that have not reached a terminal state
func (s *CallStore) OpenCalls(ctx context.Context) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]uuid.UUID, 0)
	for id, c := range s.calls {
		if !c.State.IsTerminal() {
			ids = append(ids, id)
		}
	}
	return ids, nil
}
