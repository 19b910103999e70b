package cockroach

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"wavelink-backend/internal/domain"
)

// CallRepository persists finished call sessions. It is written to once
// per terminal transition; mid-call state lives only in memory.
type CallRepository struct {
	pool *pgxpool.Pool
}

// NewCallRepository creates a new call repository
func NewCallRepository(pool *pgxpool.Pool) *CallRepository {
	return &CallRepository{pool: pool}
}

// PersistCall writes a terminal call session and its participant roster
// in one transaction.
func (r *CallRepository) PersistCall(ctx context.Context, call *domain.CallSession) error {
	if !call.Terminal() {
		return fmt.Errorf("refusing to persist non-terminal call %s in state %s", call.CallID, call.State)
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO calls (
			call_id, caller_id, receiver_id, call_type, status, end_reason,
			created_at, started_at, ended_at, duration
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err = tx.Exec(ctx, query,
		call.CallID,
		call.CallerID,
		call.ReceiverID,
		call.CallType,
		call.State,
		call.EndReason,
		call.CreatedAt,
		call.StartedAt,
		call.EndedAt,
		call.Duration,
	)
	if err != nil {
		return fmt.Errorf("failed to insert call: %w", err)
	}

	participantQuery := `
		INSERT INTO call_participants (call_id, user_id)
		VALUES ($1, $2)
	`
	for participantID := range call.Participants {
		if _, err := tx.Exec(ctx, participantQuery, call.CallID, participantID); err != nil {
			return fmt.Errorf("failed to insert call participant: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit call: %w", err)
	}

	return nil
}

// GetUserCalls retrieves call history for a user, newest first
func (r *CallRepository) GetUserCalls(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.CallSession, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	query := `
		SELECT c.call_id, c.caller_id, c.receiver_id, c.call_type, c.status,
		       c.end_reason, c.created_at, c.started_at, c.ended_at, c.duration
		FROM calls c
		WHERE c.caller_id = $1 OR c.receiver_id = $1
		ORDER BY c.created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get user calls: %w", err)
	}
	defer rows.Close()

	calls := make([]*domain.CallSession, 0)
	for rows.Next() {
		call := &domain.CallSession{}
		err := rows.Scan(
			&call.CallID,
			&call.CallerID,
			&call.ReceiverID,
			&call.CallType,
			&call.State,
			&call.EndReason,
			&call.CreatedAt,
			&call.StartedAt,
			&call.EndedAt,
			&call.Duration,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call: %w", err)
		}
		calls = append(calls, call)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating calls: %w", err)
	}

	return calls, nil
}
