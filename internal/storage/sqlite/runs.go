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

const runColumns = `id, agent_id, parent_run_id, status, trigger_type, trigger_payload, inbox_event_id,
	active_space_id, cycle_number, step_count, input_tokens, output_tokens, error, metrics,
	created_at, updated_at, completed_at`

func scanRun(row rowScanner) (model.Run, error) {
	var (
		r                    model.Run
		payload, metrics     []byte
		createdAt, updatedAt int64
		completedAt          sql.NullInt64
	)
	if err := row.Scan(
		&r.ID, &r.AgentID, &r.ParentRunID, &r.Status, &r.TriggerType, &payload, &r.InboxEventID,
		&r.ActiveSpaceID, &r.CycleNumber, &r.StepCount, &r.InputTokens, &r.OutputTokens, &r.Error, &metrics,
		&createdAt, &updatedAt, &completedAt,
	); err != nil {
		return model.Run{}, err
	}
	r.TriggerPayload = rawJSON(payload)
	r.Metrics = rawJSON(metrics)
	r.CreatedAt = fromMS(createdAt)
	r.UpdatedAt = fromMS(updatedAt)
	r.CompletedAt = fromNullMS(completedAt)
	return r, nil
}

// CreateRun inserts a run in status running with the agent's next cycle number.
func (db *DB) CreateRun(ctx context.Context, run model.Run) (model.Run, error) {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	run.CreatedAt = fromMS(ms(run.CreatedAt))
	run.UpdatedAt = run.CreatedAt
	run.Status = model.RunStatusRunning
	if len(run.TriggerPayload) == 0 {
		run.TriggerPayload = json.RawMessage(`{}`)
	}

	err := db.inTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx,
			`INSERT INTO agent_counters (agent_id, cycles) VALUES (?, 1)
			 ON CONFLICT (agent_id) DO UPDATE SET cycles = cycles + 1
			 RETURNING cycles`, run.AgentID,
		).Scan(&run.CycleNumber); err != nil {
			return fmt.Errorf("sqlite: next cycle: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO runs (id, agent_id, parent_run_id, status, trigger_type, trigger_payload, inbox_event_id,
			                   active_space_id, cycle_number, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID, run.AgentID, run.ParentRunID, string(run.Status), string(run.TriggerType), string(run.TriggerPayload),
			run.InboxEventID, run.ActiveSpaceID, run.CycleNumber, ms(run.CreatedAt), ms(run.UpdatedAt),
		); err != nil {
			if isUniqueViolation(err) {
				return storage.ErrConflict
			}
			return fmt.Errorf("sqlite: create run: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.Run{}, err
	}
	return run, nil
}

func getRun(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, id uuid.UUID) (model.Run, error) {
	r, err := scanRun(q.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Run{}, fmt.Errorf("sqlite: run %s: %w", id, storage.ErrNotFound)
		}
		return model.Run{}, fmt.Errorf("sqlite: get run: %w", err)
	}
	return r, nil
}

// GetRun retrieves a run by ID.
func (db *DB) GetRun(ctx context.Context, id uuid.UUID) (model.Run, error) {
	return getRun(ctx, db.db, id)
}

// ListActiveRuns returns the agent's running and waiting_tool runs, oldest first.
func (db *DB) ListActiveRuns(ctx context.Context, agentID string) ([]model.Run, error) {
	rows, err := db.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE agent_id = ? AND status IN ('running', 'waiting_tool')
		 ORDER BY created_at ASC, id ASC`, agentID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list active runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// TransitionRun moves a run to `to` when its status is one of from.
func (db *DB) TransitionRun(ctx context.Context, id uuid.UUID, from []model.RunStatus, to model.RunStatus, patch model.RunPatch) (model.Run, error) {
	if len(from) == 0 {
		return model.Run{}, fmt.Errorf("sqlite: transition run %s to %s: %w", id, to, storage.ErrInvalidTransition)
	}
	args := []any{string(to), ms(time.Now()), patch.Error, textJSON(patch.Metrics), msPtr(patch.CompletedAt), id}
	for _, f := range from {
		if !f.CanTransition(to) {
			return model.Run{}, fmt.Errorf("sqlite: transition run %s %s -> %s: %w", id, f, to, storage.ErrInvalidTransition)
		}
		args = append(args, string(f))
	}

	var out model.Run
	err := db.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE runs SET status = ?, updated_at = ?,
			        error = COALESCE(?, error),
			        metrics = COALESCE(?, metrics),
			        completed_at = COALESCE(?, completed_at)
			 WHERE id = ? AND status IN (`+placeholders(len(from))+`)`, args...)
		if err != nil {
			return fmt.Errorf("sqlite: transition run: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("sqlite: transition run %s to %s: %w", id, to, storage.ErrInvalidTransition)
		}
		out, err = getRun(ctx, tx, id)
		return err
	})
	if err != nil {
		return model.Run{}, err
	}
	return out, nil
}

// RecordRunStep bumps the step counter and token totals of an active run.
func (db *DB) RecordRunStep(ctx context.Context, id uuid.UUID, usage model.Usage) error {
	res, err := db.db.ExecContext(ctx,
		`UPDATE runs SET step_count = step_count + 1,
		        input_tokens = input_tokens + ?, output_tokens = output_tokens + ?, updated_at = ?
		 WHERE id = ? AND status IN ('running', 'waiting_tool')`,
		usage.InputTokens, usage.OutputTokens, ms(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("sqlite: record run step: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: record step on run %s: %w", id, storage.ErrInvalidTransition)
	}
	return nil
}

// SetRunActiveSpace updates the run's active space. The single writer
// connection serializes concurrent callers.
func (db *DB) SetRunActiveSpace(ctx context.Context, id uuid.UUID, spaceID *string) error {
	res, err := db.db.ExecContext(ctx,
		`UPDATE runs SET active_space_id = ?, updated_at = ?
		 WHERE id = ? AND status IN ('running', 'waiting_tool')`,
		spaceID, ms(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("sqlite: set active space: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: set active space on run %s: %w", id, storage.ErrInvalidTransition)
	}
	return nil
}
