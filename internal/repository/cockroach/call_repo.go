package cockroach

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"callrelay-backend/internal/domain"
)

// CallRepository persists call snapshots in CockroachDB
type CallRepository struct {
	pool *pgxpool.Pool
}

// NewCallRepository creates a new call repository
func NewCallRepository(pool *pgxpool.Pool) *CallRepository {
	return &CallRepository{pool: pool}
}

const callSchema = `
CREATE TABLE IF NOT EXISTS calls (
	call_id         UUID PRIMARY KEY,
	conversation_id UUID NULL,
	caller_id       UUID NOT NULL,
	call_type       STRING NOT NULL,
	status          STRING NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	started_at      TIMESTAMPTZ NULL,
	ended_at        TIMESTAMPTZ NULL,
	duration        INT NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS call_participants (
	call_id     UUID NOT NULL REFERENCES calls (call_id) ON DELETE CASCADE,
	user_id     UUID NOT NULL,
	position    INT NOT NULL,
	role        STRING NOT NULL,
	joined_at   TIMESTAMPTZ NULL,
	left_at     TIMESTAMPTZ NULL,
	declined    BOOL NOT NULL DEFAULT false,
	is_muted    BOOL NOT NULL DEFAULT false,
	is_video_on BOOL NOT NULL DEFAULT true,
	PRIMARY KEY (call_id, user_id)
);
CREATE INDEX IF NOT EXISTS call_participants_user_idx ON call_participants (user_id);
`

// EnsureSchema creates the call tables if they do not exist
func (r *CallRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, callSchema); err != nil {
		return fmt.Errorf("failed to create call schema: %w", err)
	}
	return nil
}

// SaveCall upserts the call row and its roster in one transaction
func (r *CallRepository) SaveCall(ctx context.Context, call *domain.Call) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	batch.Queue(`
		INSERT INTO calls (
			call_id, conversation_id, caller_id, call_type, status,
			created_at, started_at, ended_at, duration
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (call_id) DO UPDATE SET
			status = excluded.status,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at,
			duration = excluded.duration
	`,
		call.ID,
		call.ConversationID,
		call.InitiatorID,
		string(call.Kind),
		string(call.State),
		call.CreatedAt,
		call.StartedAt,
		call.EndedAt,
		call.Duration,
	)

	for i, p := range call.Participants {
		batch.Queue(upsertParticipant, participantArgs(call.ID, i, p)...)
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to save call: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit call: %w", err)
	}
	return nil
}

const upsertParticipant = `
	INSERT INTO call_participants (
		call_id, user_id, position, role, joined_at, left_at,
		declined, is_muted, is_video_on
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (call_id, user_id) DO UPDATE SET
		joined_at = excluded.joined_at,
		left_at = excluded.left_at,
		declined = excluded.declined,
		is_muted = excluded.is_muted,
		is_video_on = excluded.is_video_on
`

// participantArgs orders a roster entry for upsertParticipant.
// The column stores video on, the domain tracks video off.
func participantArgs(callID uuid.UUID, position int, p domain.Participant) []any {
	return []any{
		callID,
		p.UserID,
		position,
		string(p.Role),
		p.JoinedAt,
		p.LeftAt,
		p.Declined,
		p.Muted,
		!p.VideoOff,
	}
}

// participantRow is a scanned call_participants row
type participantRow struct {
	callID    uuid.UUID
	p         domain.Participant
	role      string
	isVideoOn bool
}

func (row *participantRow) dest() []any {
	return []any{
		&row.callID,
		&row.p.UserID,
		&row.role,
		&row.p.JoinedAt,
		&row.p.LeftAt,
		&row.p.Declined,
		&row.p.Muted,
		&row.isVideoOn,
	}
}

func (row *participantRow) participant() domain.Participant {
	p := row.p
	p.Role = domain.ParticipantRole(row.role)
	p.VideoOff = !row.isVideoOn
	return p
}

const selectCall = `
	SELECT call_id, conversation_id, caller_id, call_type, status,
	       created_at, started_at, ended_at, duration
	FROM calls
`

func scanCall(row pgx.Row) (*domain.Call, error) {
	call := &domain.Call{}
	var kind, state string
	err := row.Scan(
		&call.ID,
		&call.ConversationID,
		&call.InitiatorID,
		&kind,
		&state,
		&call.CreatedAt,
		&call.StartedAt,
		&call.EndedAt,
		&call.Duration,
	)
	if err != nil {
		return nil, err
	}
	call.Kind = domain.CallKind(kind)
	call.State = domain.CallState(state)
	return call, nil
}

// LoadCall retrieves a call and its roster
func (r *CallRepository) LoadCall(ctx context.Context, callID uuid.UUID) (*domain.Call, error) {
	call, err := scanCall(r.pool.QueryRow(ctx, selectCall+` WHERE call_id = $1`, callID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrCallNotFound
		}
		return nil, fmt.Errorf("failed to get call: %w", err)
	}

	rosters, err := r.participants(ctx, []uuid.UUID{callID})
	if err != nil {
		return nil, err
	}
	call.Participants = rosters[callID]
	return call, nil
}

// UserCalls retrieves calls the user is on the roster of, newest first
func (r *CallRepository) UserCalls(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Call, error) {
	query := selectCall + `
		WHERE call_id IN (SELECT call_id FROM call_participants WHERE user_id = $1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get user calls: %w", err)
	}
	defer rows.Close()

	calls := []*domain.Call{}
	ids := []uuid.UUID{}
	for rows.Next() {
		call, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call: %w", err)
		}
		calls = append(calls, call)
		ids = append(ids, call.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate calls: %w", err)
	}
	if len(calls) == 0 {
		return calls, nil
	}

	rosters, err := r.participants(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, call := range calls {
		call.Participants = rosters[call.ID]
	}
	return calls, nil
}

// OpenCalls returns the IDs of calls still ringing or ongoing
func (r *CallRepository) OpenCalls(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `SELECT call_id FROM calls WHERE status IN ($1, $2)`,
		string(domain.CallStateCalling), string(domain.CallStateOngoing))
	if err != nil {
		return nil, fmt.Errorf("failed to get open calls: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("failed to scan open calls: %w", err)
	}
	return ids, nil
}

// participants loads the rosters of several calls in roster order
func (r *CallRepository) participants(ctx context.Context, callIDs []uuid.UUID) (map[uuid.UUID][]domain.Participant, error) {
	query := `
		SELECT call_id, user_id, role, joined_at, left_at, declined, is_muted, is_video_on
		FROM call_participants
		WHERE call_id = ANY($1)
		ORDER BY call_id, position ASC
	`

	rows, err := r.pool.Query(ctx, query, callIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to get participants: %w", err)
	}
	defer rows.Close()

	rosters := make(map[uuid.UUID][]domain.Participant, len(callIDs))
	for rows.Next() {
		var row participantRow
		if err := rows.Scan(row.dest()...); err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		rosters[row.callID] = append(rosters[row.callID], row.participant())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate participants: %w", err)
	}
	return rosters, nil
}
