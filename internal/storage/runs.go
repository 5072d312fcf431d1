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

// rowScanner is satisfied by pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const runColumns = `id, agent_id, parent_run_id, status, trigger_type, trigger_payload, inbox_event_id,
	active_space_id, cycle_number, step_count, input_tokens, output_tokens, error, metrics,
	created_at, updated_at, completed_at`

func scanRun(row rowScanner) (model.Run, error) {
	var r model.Run
	err := row.Scan(
		&r.ID, &r.AgentID, &r.ParentRunID, &r.Status, &r.TriggerType, &r.TriggerPayload, &r.InboxEventID,
		&r.ActiveSpaceID, &r.CycleNumber, &r.StepCount, &r.InputTokens, &r.OutputTokens, &r.Error, &r.Metrics,
		&r.CreatedAt, &r.UpdatedAt, &r.CompletedAt,
	)
	return r, err
}

// CreateRun inserts a run in status running. The agent's cycle counter is
// bumped in the same transaction so cycle numbers are dense per agent.
func (db *DB) CreateRun(ctx context.Context, run model.Run) (model.Run, error) {
	now := time.Now().UTC()
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = run.CreatedAt
	run.Status = model.RunStatusRunning
	if len(run.TriggerPayload) == 0 {
		run.TriggerPayload = json.RawMessage(`{}`)
	}

	err := db.txRetry(ctx, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx,
			`INSERT INTO agent_counters (agent_id, cycles) VALUES ($1, 1)
			 ON CONFLICT (agent_id) DO UPDATE SET cycles = agent_counters.cycles + 1
			 RETURNING cycles`, run.AgentID,
		).Scan(&run.CycleNumber); err != nil {
			return fmt.Errorf("storage: next cycle: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO runs (id, agent_id, parent_run_id, status, trigger_type, trigger_payload, inbox_event_id,
			                   active_space_id, cycle_number, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			run.ID, run.AgentID, run.ParentRunID, string(run.Status), string(run.TriggerType), run.TriggerPayload,
			run.InboxEventID, run.ActiveSpaceID, run.CycleNumber, run.CreatedAt, run.UpdatedAt,
		); err != nil {
			if isUniqueViolation(err) {
				return ErrConflict
			}
			return fmt.Errorf("storage: create run: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.Run{}, err
	}
	return run, nil
}

// GetRun retrieves a run by ID.
func (db *DB) GetRun(ctx context.Context, id uuid.UUID) (model.Run, error) {
	r, err := scanRun(db.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, fmt.Errorf("storage: run %s: %w", id, ErrNotFound)
		}
		return model.Run{}, fmt.Errorf("storage: get run: %w", err)
	}
	return r, nil
}

// ListActiveRuns returns the agent's running and waiting_tool runs, oldest first.
func (db *DB) ListActiveRuns(ctx context.Context, agentID string) ([]model.Run, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE agent_id = $1 AND status IN ('running', 'waiting_tool')
		 ORDER BY created_at ASC, id ASC`, agentID)
	if err != nil {
		return nil, fmt.Errorf("storage: list active runs: %w", err)
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// TransitionRun is a conditional UPDATE on status. Zero affected rows
// means the run is missing or not in any of the from states.
func (db *DB) TransitionRun(ctx context.Context, id uuid.UUID, from []model.RunStatus, to model.RunStatus, patch model.RunPatch) (model.Run, error) {
	if len(from) == 0 {
		return model.Run{}, fmt.Errorf("storage: transition run %s to %s: %w", id, to, ErrInvalidTransition)
	}
	for _, f := range from {
		if !f.CanTransition(to) {
			return model.Run{}, fmt.Errorf("storage: transition run %s %s -> %s: %w", id, f, to, ErrInvalidTransition)
		}
	}
	fromStr := make([]string, len(from))
	for i, f := range from {
		fromStr[i] = string(f)
	}

	r, err := scanRun(db.pool.QueryRow(ctx,
		`UPDATE runs SET status = $1, updated_at = $2,
		        error = COALESCE($3, error),
		        metrics = COALESCE($4, metrics),
		        completed_at = COALESCE($5, completed_at)
		 WHERE id = $6 AND status = ANY($7)
		 RETURNING `+runColumns,
		string(to), time.Now().UTC(), patch.Error, nullJSON(patch.Metrics), patch.CompletedAt, id, fromStr,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, fmt.Errorf("storage: transition run %s to %s: %w", id, to, ErrInvalidTransition)
		}
		return model.Run{}, fmt.Errorf("storage: transition run: %w", err)
	}
	return r, nil
}

// RecordRunStep bumps the step counter and token totals of an active run.
func (db *DB) RecordRunStep(ctx context.Context, id uuid.UUID, usage model.Usage) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET step_count = step_count + 1,
		        input_tokens = input_tokens + $1, output_tokens = output_tokens + $2, updated_at = $3
		 WHERE id = $4 AND status IN ('running', 'waiting_tool')`,
		usage.InputTokens, usage.OutputTokens, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("storage: record run step: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: record step on run %s: %w", id, ErrInvalidTransition)
	}
	return nil
}

// SetRunActiveSpace serializes concurrent updates of one run's active
// space with a transaction-scoped advisory lock keyed on the run id.
func (db *DB) SetRunActiveSpace(ctx context.Context, id uuid.UUID, spaceID *string) error {
	return db.beginFunc(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, id.String()); err != nil {
			return fmt.Errorf("storage: lock run %s: %w", id, err)
		}
		tag, err := tx.Exec(ctx,
			`UPDATE runs SET active_space_id = $1, updated_at = $2
			 WHERE id = $3 AND status IN ('running', 'waiting_tool')`,
			spaceID, time.Now().UTC(), id,
		)
		if err != nil {
			return fmt.Errorf("storage: set active space: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("storage: set active space on run %s: %w", id, ErrInvalidTransition)
		}
		return nil
	})
}

// nullJSON maps an empty document to SQL NULL.
func nullJSON(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}

// jsonOrEmpty substitutes an empty object for a missing document.
func jsonOrEmpty(b json.RawMessage) []byte {
	if len(b) == 0 {
		return []byte(`{}`)
	}
	return b
}
