package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/machi/internal/model"
	"github.com/ashita-ai/machi/internal/storage"
)

const pendingCallColumns = `id, run_id, agent_id, correlation_id, tool_name, args, status, result,
	created_at, expires_at, resolved_at`

func scanPendingCall(row rowScanner) (model.PendingCall, error) {
	var (
		c                     model.PendingCall
		args, result          []byte
		createdAt             int64
		expiresAt, resolvedAt sql.NullInt64
	)
	if err := row.Scan(&c.ID, &c.RunID, &c.AgentID, &c.CorrelationID, &c.ToolName, &args, &c.Status, &result,
		&createdAt, &expiresAt, &resolvedAt); err != nil {
		return model.PendingCall{}, err
	}
	c.Args = rawJSON(args)
	c.Result = rawJSON(result)
	c.CreatedAt = fromMS(createdAt)
	c.ExpiresAt = fromNullMS(expiresAt)
	c.ResolvedAt = fromNullMS(resolvedAt)
	return c, nil
}

// CreatePendingCall inserts a call. The correlation id is unique.
func (db *DB) CreatePendingCall(ctx context.Context, call model.PendingCall) error {
	if call.ID == uuid.Nil {
		call.ID = uuid.New()
	}
	if call.CreatedAt.IsZero() {
		call.CreatedAt = time.Now().UTC()
	}
	_, err := db.db.ExecContext(ctx,
		`INSERT INTO pending_calls (id, run_id, agent_id, correlation_id, tool_name, args, status, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		call.ID, call.RunID, call.AgentID, call.CorrelationID, call.ToolName, textJSONOrEmpty(call.Args),
		string(call.Status), ms(call.CreatedAt), msPtr(call.ExpiresAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("sqlite: pending call %s: %w", call.CorrelationID, storage.ErrConflict)
		}
		return fmt.Errorf("sqlite: create pending call: %w", err)
	}
	return nil
}

func getPendingCall(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, correlationID string) (model.PendingCall, error) {
	c, err := scanPendingCall(q.QueryRowContext(ctx,
		`SELECT `+pendingCallColumns+` FROM pending_calls WHERE correlation_id = ?`, correlationID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.PendingCall{}, fmt.Errorf("sqlite: pending call %s: %w", correlationID, storage.ErrNotFound)
		}
		return model.PendingCall{}, fmt.Errorf("sqlite: get pending call: %w", err)
	}
	return c, nil
}

// GetPendingCall reads a call by correlation id.
func (db *DB) GetPendingCall(ctx context.Context, correlationID string) (model.PendingCall, error) {
	return getPendingCall(ctx, db.db, correlationID)
}

// ExpirePendingCall flips waiting to pending.
func (db *DB) ExpirePendingCall(ctx context.Context, correlationID string) (bool, error) {
	res, err := db.db.ExecContext(ctx,
		`UPDATE pending_calls SET status = 'pending' WHERE correlation_id = ? AND status = 'waiting'`, correlationID)
	if err != nil {
		return false, fmt.Errorf("sqlite: expire pending call: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: expire pending call: %w", err)
	}
	return n == 1, nil
}

// ResolvePendingCall stores the first result for a call and returns the
// previous status. A pending call also gets a tool_result inbox event.
func (db *DB) ResolvePendingCall(ctx context.Context, correlationID string, result json.RawMessage, at time.Time) (model.CallStatus, error) {
	var prev model.CallStatus
	err := db.inTx(ctx, func(tx *sql.Tx) error {
		c, err := getPendingCall(ctx, tx, correlationID)
		if err != nil {
			return err
		}
		prev = c.Status
		if c.Status == model.CallResolved {
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE pending_calls SET status = 'resolved', result = ?, resolved_at = ? WHERE id = ?`,
			textJSONOrEmpty(result), ms(at), c.ID,
		); err != nil {
			return fmt.Errorf("sqlite: resolve pending call: %w", err)
		}
		if c.Status != model.CallPending {
			return nil
		}
		payload, err := json.Marshal(model.ToolResultTrigger{
			CorrelationID: c.CorrelationID,
			RunID:         c.RunID,
			ToolName:      c.ToolName,
			Result:        json.RawMessage(textJSONOrEmpty(result)),
			ResolvedAt:    at,
		})
		if err != nil {
			return fmt.Errorf("sqlite: encode tool result event: %w", err)
		}
		_, err = insertInbox(ctx, tx, model.InboxEvent{
			AgentID:   c.AgentID,
			EventID:   model.ToolResultEventID(c.CorrelationID),
			Type:      model.TriggerToolResult,
			Payload:   payload,
			CreatedAt: at,
		})
		return err
	})
	if err != nil {
		return "", err
	}
	return prev, nil
}

// ListOverdueCalls returns waiting calls whose deadline passed before now.
func (db *DB) ListOverdueCalls(ctx context.Context, now time.Time, limit int) ([]model.PendingCall, error) {
	rows, err := db.db.QueryContext(ctx,
		`SELECT `+pendingCallColumns+` FROM pending_calls
		 WHERE status = 'waiting' AND expires_at IS NOT NULL AND expires_at < ?
		 ORDER BY expires_at ASC LIMIT ?`, ms(now), limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list overdue calls: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var calls []model.PendingCall
	for rows.Next() {
		c, err := scanPendingCall(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan pending call: %w", err)
		}
		calls = append(calls, c)
	}
	return calls, rows.Err()
}
