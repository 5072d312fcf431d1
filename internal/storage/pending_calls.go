package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/machi/internal/model"
)

const pendingCallColumns = `id, run_id, agent_id, correlation_id, tool_name, args, status, result,
	created_at, expires_at, resolved_at`

func scanPendingCall(row rowScanner) (model.PendingCall, error) {
	var c model.PendingCall
	err := row.Scan(
		&c.ID, &c.RunID, &c.AgentID, &c.CorrelationID, &c.ToolName, &c.Args, &c.Status, &c.Result,
		&c.CreatedAt, &c.ExpiresAt, &c.ResolvedAt,
	)
	return c, err
}

// CreatePendingCall inserts a call. The correlation id is unique.
func (db *DB) CreatePendingCall(ctx context.Context, call model.PendingCall) error {
	if call.ID == uuid.Nil {
		call.ID = uuid.New()
	}
	if call.CreatedAt.IsZero() {
		call.CreatedAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO pending_calls (id, run_id, agent_id, correlation_id, tool_name, args, status, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		call.ID, call.RunID, call.AgentID, call.CorrelationID, call.ToolName, jsonOrEmpty(call.Args),
		string(call.Status), call.CreatedAt, call.ExpiresAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("storage: pending call %s: %w", call.CorrelationID, ErrConflict)
		}
		return fmt.Errorf("storage: create pending call: %w", err)
	}
	return nil
}

// GetPendingCall reads a call by correlation id.
func (db *DB) GetPendingCall(ctx context.Context, correlationID string) (model.PendingCall, error) {
	c, err := scanPendingCall(db.pool.QueryRow(ctx,
		`SELECT `+pendingCallColumns+` FROM pending_calls WHERE correlation_id = $1`, correlationID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.PendingCall{}, fmt.Errorf("storage: pending call %s: %w", correlationID, ErrNotFound)
		}
		return model.PendingCall{}, fmt.Errorf("storage: get pending call: %w", err)
	}
	return c, nil
}

// ExpirePendingCall flips waiting to pending. Under READ COMMITTED a
// concurrent ResolvePendingCall holding the row lock makes this UPDATE
// re-check the predicate after it commits, so a landed resolution always wins.
func (db *DB) ExpirePendingCall(ctx context.Context, correlationID string) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE pending_calls SET status = 'pending'
		 WHERE correlation_id = $1 AND status = 'waiting'`, correlationID)
	if err != nil {
		return false, fmt.Errorf("storage: expire pending call: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ResolvePendingCall stores the first result for a call. It returns the
// status the call had before; CallResolved means nothing was written.
func (db *DB) ResolvePendingCall(ctx context.Context, correlationID string, result json.RawMessage, at time.Time) (model.CallStatus, error) {
	var prev model.CallStatus
	err := db.txRetry(ctx, func(tx pgx.Tx) error {
		c, err := scanPendingCall(tx.QueryRow(ctx,
			`SELECT `+pendingCallColumns+` FROM pending_calls WHERE correlation_id = $1 FOR UPDATE`, correlationID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("storage: pending call %s: %w", correlationID, ErrNotFound)
			}
			return fmt.Errorf("storage: lock pending call: %w", err)
		}
		prev = c.Status
		if c.Status == model.CallResolved {
			return nil
		}
		if _, err := tx.Exec(ctx,
			`UPDATE pending_calls SET status = 'resolved', result = $1, resolved_at = $2 WHERE id = $3`,
			jsonOrEmpty(result), at, c.ID,
		); err != nil {
			return fmt.Errorf("storage: resolve pending call: %w", err)
		}
		if c.Status != model.CallPending {
			return nil
		}
		ev, err := lateResultEvent(c, result, at)
		if err != nil {
			return err
		}
		return insertInbox(ctx, tx, ev, nil)
	})
	if err != nil {
		return "", err
	}
	return prev, nil
}

// ListOverdueCalls returns waiting calls whose deadline passed before now.
func (db *DB) ListOverdueCalls(ctx context.Context, now time.Time, limit int) ([]model.PendingCall, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+pendingCallColumns+` FROM pending_calls
		 WHERE status = 'waiting' AND expires_at IS NOT NULL AND expires_at < $1
		 ORDER BY expires_at ASC LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list overdue calls: %w", err)
	}
	defer rows.Close()

	var calls []model.PendingCall
	for rows.Next() {
		c, err := scanPendingCall(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan pending call: %w", err)
		}
		calls = append(calls, c)
	}
	return calls, rows.Err()
}

// lateResultEvent builds the inbox event that carries a result nobody was
// waiting for to the agent's next run.
func lateResultEvent(c model.PendingCall, result json.RawMessage, at time.Time) (model.InboxEvent, error) {
	payload, err := json.Marshal(model.ToolResultTrigger{
		CorrelationID: c.CorrelationID,
		RunID:         c.RunID,
		ToolName:      c.ToolName,
		Result:        jsonOrEmpty(result),
		ResolvedAt:    at,
	})
	if err != nil {
		return model.InboxEvent{}, fmt.Errorf("storage: encode tool result event: %w", err)
	}
	return model.InboxEvent{
		ID:        uuid.New(),
		AgentID:   c.AgentID,
		EventID:   model.ToolResultEventID(c.CorrelationID),
		Type:      model.TriggerToolResult,
		Payload:   payload,
		Status:    model.InboxPending,
		CreatedAt: at,
		UpdatedAt: at,
	}, nil
}
