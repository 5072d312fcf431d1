package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/machi/internal/model"
)

// RecordToolCall appends an entry to a run's tool action log.
func (db *DB) RecordToolCall(ctx context.Context, rec model.ToolCallRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO run_tool_calls (run_id, id, seq, tool_name, args, status, result, correlation_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)`,
		rec.RunID, rec.ID, rec.Seq, rec.ToolName, jsonOrEmpty(rec.Args), string(rec.Status),
		nullJSON(rec.Result), rec.CorrelationID, rec.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("storage: tool call %s: %w", rec.ID, ErrConflict)
		}
		return fmt.Errorf("storage: record tool call: %w", err)
	}
	return nil
}

// UpdateToolCall sets the status and result of a logged tool call.
func (db *DB) UpdateToolCall(ctx context.Context, runID uuid.UUID, id string, status model.ToolCallStatus, result json.RawMessage) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE run_tool_calls SET status = $1, result = COALESCE($2, result), updated_at = $3
		 WHERE run_id = $4 AND id = $5`,
		string(status), nullJSON(result), time.Now().UTC(), runID, id,
	)
	if err != nil {
		return fmt.Errorf("storage: update tool call: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: tool call %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListToolCalls returns the run's tool calls in seq order.
func (db *DB) ListToolCalls(ctx context.Context, runID uuid.UUID) ([]model.ToolCallRecord, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT run_id, id, seq, tool_name, args, status, result, correlation_id, acknowledged, created_at, updated_at
		 FROM run_tool_calls WHERE run_id = $1 ORDER BY seq ASC, id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("storage: list tool calls: %w", err)
	}
	defer rows.Close()

	var out []model.ToolCallRecord
	for rows.Next() {
		var r model.ToolCallRecord
		if err := rows.Scan(&r.RunID, &r.ID, &r.Seq, &r.ToolName, &r.Args, &r.Status, &r.Result,
			&r.CorrelationID, &r.Acknowledged, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan tool call: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AckToolCalls marks tool calls as shown to the model.
func (db *DB) AckToolCalls(ctx context.Context, runID uuid.UUID, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := db.pool.Exec(ctx,
		`UPDATE run_tool_calls SET acknowledged = true WHERE run_id = $1 AND id = ANY($2)`, runID, ids,
	); err != nil {
		return fmt.Errorf("storage: ack tool calls: %w", err)
	}
	return nil
}
