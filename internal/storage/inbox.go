package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ashita-ai/machi/internal/model"
)

// execer is satisfied by *pgxpool.Pool and pgx.Tx.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const inboxColumns = `id, agent_id, event_id, type, payload, status, run_id, attempts, last_error,
	locked_until, created_at, updated_at`

func scanInboxEvent(row rowScanner) (model.InboxEvent, error) {
	var e model.InboxEvent
	err := row.Scan(
		&e.ID, &e.AgentID, &e.EventID, &e.Type, &e.Payload, &e.Status, &e.RunID, &e.Attempts, &e.LastError,
		&e.LockedUntil, &e.CreatedAt, &e.UpdatedAt,
	)
	return e, err
}

func insertInbox(ctx context.Context, ex execer, ev model.InboxEvent, inserted *bool) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	if ev.UpdatedAt.IsZero() {
		ev.UpdatedAt = ev.CreatedAt
	}
	tag, err := ex.Exec(ctx,
		`INSERT INTO inbox_events (id, agent_id, event_id, type, payload, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, 'pending', $6, $7)
		 ON CONFLICT (agent_id, event_id) DO NOTHING`,
		ev.ID, ev.AgentID, ev.EventID, string(ev.Type), jsonOrEmpty(ev.Payload), ev.CreatedAt, ev.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: enqueue inbox: %w", err)
	}
	if inserted != nil {
		*inserted = tag.RowsAffected() == 1
	}
	return nil
}

// EnqueueInbox inserts ev unless (agent_id, event_id) already exists.
// A duplicate is not an error.
func (db *DB) EnqueueInbox(ctx context.Context, ev model.InboxEvent) (bool, error) {
	var inserted bool
	if err := insertInbox(ctx, db.pool, ev, &inserted); err != nil {
		return false, err
	}
	return inserted, nil
}

// GetInboxEvent reads an event by its idempotency key.
func (db *DB) GetInboxEvent(ctx context.Context, agentID, eventID string) (model.InboxEvent, error) {
	e, err := scanInboxEvent(db.pool.QueryRow(ctx,
		`SELECT `+inboxColumns+` FROM inbox_events WHERE agent_id = $1 AND event_id = $2`, agentID, eventID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.InboxEvent{}, fmt.Errorf("storage: inbox event %s/%s: %w", agentID, eventID, ErrNotFound)
		}
		return model.InboxEvent{}, fmt.Errorf("storage: get inbox event: %w", err)
	}
	return e, nil
}

// ClaimInbox leases up to limit pending events. SKIP LOCKED lets several
// workers claim concurrently without handing out the same row twice.
func (db *DB) ClaimInbox(ctx context.Context, limit int, lease time.Duration) ([]model.InboxEvent, error) {
	now := time.Now().UTC()
	rows, err := db.pool.Query(ctx,
		`UPDATE inbox_events SET status = 'processing', attempts = attempts + 1,
		        locked_until = $1, updated_at = $2
		 WHERE id IN (
		     SELECT id FROM inbox_events
		     WHERE status = 'pending'
		     ORDER BY created_at ASC, id ASC
		     LIMIT $3
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+inboxColumns,
		now.Add(lease), now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: claim inbox: %w", err)
	}
	defer rows.Close()

	var events []model.InboxEvent
	for rows.Next() {
		e, err := scanInboxEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan inbox event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: claim inbox: %w", err)
	}
	sortInbox(events)
	return events, nil
}

// MarkInboxProcessed records the run that consumed the event.
func (db *DB) MarkInboxProcessed(ctx context.Context, id, runID uuid.UUID) error {
	return db.finishInbox(ctx, id, model.InboxProcessed, &runID, nil)
}

// MarkInboxFailed records why the event could not start a run.
func (db *DB) MarkInboxFailed(ctx context.Context, id uuid.UUID, reason string) error {
	return db.finishInbox(ctx, id, model.InboxFailed, nil, &reason)
}

func (db *DB) finishInbox(ctx context.Context, id uuid.UUID, status model.InboxStatus, runID *uuid.UUID, reason *string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE inbox_events SET status = $1, run_id = COALESCE($2, run_id), last_error = COALESCE($3, last_error),
		        locked_until = NULL, updated_at = $4
		 WHERE id = $5 AND status = 'processing'`,
		string(status), runID, reason, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("storage: mark inbox %s: %w", status, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: inbox event %s not processing: %w", id, ErrNotFound)
	}
	return nil
}

// RequeueStaleInbox returns processing events whose lease expired before now.
func (db *DB) RequeueStaleInbox(ctx context.Context, now time.Time) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE inbox_events SET status = 'pending', locked_until = NULL, updated_at = $1
		 WHERE status = 'processing' AND locked_until < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("storage: requeue stale inbox: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountInbox returns the number of events in status.
func (db *DB) CountInbox(ctx context.Context, status model.InboxStatus) (int64, error) {
	var n int64
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM inbox_events WHERE status = $1`, string(status),
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count inbox: %w", err)
	}
	return n, nil
}

// sortInbox orders events oldest first with id as a tiebreaker.
func sortInbox(events []model.InboxEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].CreatedAt.Equal(events[j].CreatedAt) {
			return events[i].CreatedAt.Before(events[j].CreatedAt)
		}
		return events[i].ID.String() < events[j].ID.String()
	})
}
