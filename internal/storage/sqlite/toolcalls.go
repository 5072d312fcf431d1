package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/machi/internal/model"
	"github.com/ashita-ai/machi/internal/storage"
)

// RecordToolCall appends an entry to a run's tool action log.
func (db *DB) RecordToolCall(ctx context.Context, rec model.ToolCallRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := db.db.ExecContext(ctx,
		`INSERT INTO run_tool_calls (run_id, id, seq, tool_name, args, status, result, correlation_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.ID, rec.Seq, rec.ToolName, textJSONOrEmpty(rec.Args), string(rec.Status),
		textJSON(rec.Result), rec.CorrelationID, ms(rec.CreatedAt), ms(rec.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("sqlite: tool call %s: %w", rec.ID, storage.ErrConflict)
		}
		return fmt.Errorf("sqlite: record tool call: %w", err)
	}
	return nil
}

// UpdateToolCall sets the status and result of a logged tool call.
func (db *DB) UpdateToolCall(ctx context.Context, runID uuid.UUID, id string, status model.ToolCallStatus, result json.RawMessage) error {
	res, err := db.db.ExecContext(ctx,
		`UPDATE run_tool_calls SET status = ?, result = COALESCE(?, result), updated_at = ?
		 WHERE run_id = ? AND id = ?`,
		string(status), textJSON(result), ms(time.Now()), runID, id,
	)
	if err != nil {
		return fmt.Errorf("sqlite: update tool call: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: tool call %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// ListToolCalls returns the run's tool calls in seq order.
func (db *DB) ListToolCalls(ctx context.Context, runID uuid.UUID) ([]model.ToolCallRecord, error) {
	rows, err := db.db.QueryContext(ctx,
		`SELECT run_id, id, seq, tool_name, args, status, result, correlation_id, acknowledged, created_at, updated_at
		 FROM run_tool_calls WHERE run_id = ? ORDER BY seq ASC, id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list tool calls: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.ToolCallRecord
	for rows.Next() {
		var (
			r                    model.ToolCallRecord
			args, result         []byte
			createdAt, updatedAt int64
		)
		if err := rows.Scan(&r.RunID, &r.ID, &r.Seq, &r.ToolName, &args, &r.Status, &result,
			&r.CorrelationID, &r.Acknowledged, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan tool call: %w", err)
		}
		r.Args = rawJSON(args)
		r.Result = rawJSON(result)
		r.CreatedAt = fromMS(createdAt)
		r.UpdatedAt = fromMS(updatedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// AckToolCalls marks tool calls as shown to the model.
func (db *DB) AckToolCalls(ctx context.Context, runID uuid.UUID, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return db.inTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx,
				`UPDATE run_tool_calls SET acknowledged = 1 WHERE run_id = ? AND id = ?`, runID, id,
			); err != nil {
				return fmt.Errorf("sqlite: ack tool calls: %w", err)
			}
		}
		return nil
	})
}
