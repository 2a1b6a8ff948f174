package cockroach

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ConversationRepository reads conversation membership owned by the chat backend
type ConversationRepository struct {
	pool *pgxpool.Pool
}

// NewConversationRepository creates a new ConversationRepository
func NewConversationRepository(pool *pgxpool.Pool) *ConversationRepository {
	return &ConversationRepository{pool: pool}
}

// IsParticipant checks if a user is a participant in a conversation
func (r *ConversationRepository) IsParticipant(ctx context.Context, conversationID, userID uuid.UUID) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM conversation_participants WHERE conversation_id = $1 AND user_id = $2)`

	var exists bool
	err := r.pool.QueryRow(ctx, query, conversationID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check participant: %w", err)
	}

	return exists, nil
}

// ConversationExists reports whether the conversation still exists
func (r *ConversationRepository) ConversationExists(ctx context.Context, conversationID uuid.UUID) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM conversations WHERE conversation_id = $1)`

	var exists bool
	err := r.pool.QueryRow(ctx, query, conversationID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check conversation: %w", err)
	}

	return exists, nil
}
