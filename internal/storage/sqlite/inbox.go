package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/machi/internal/model"
	"github.com/ashita-ai/machi/internal/storage"
)

const inboxColumns = `id, agent_id, event_id, type, payload, status, run_id, attempts, last_error,
	locked_until, created_at, updated_at`

func scanInboxEvent(row rowScanner) (model.InboxEvent, error) {
	var (
		e                    model.InboxEvent
		payload              []byte
		lockedUntil          sql.NullInt64
		createdAt, updatedAt int64
	)
	if err := row.Scan(&e.ID, &e.AgentID, &e.EventID, &e.Type, &payload, &e.Status, &e.RunID, &e.Attempts,
		&e.LastError, &lockedUntil, &createdAt, &updatedAt); err != nil {
		return model.InboxEvent{}, err
	}
	e.Payload = rawJSON(payload)
	e.LockedUntil = fromNullMS(lockedUntil)
	e.CreatedAt = fromMS(createdAt)
	e.UpdatedAt = fromMS(updatedAt)
	return e, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertInbox(ctx context.Context, ex execer, ev model.InboxEvent) (bool, error) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	res, err := ex.ExecContext(ctx,
		`INSERT INTO inbox_events (id, agent_id, event_id, type, payload, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 'pending', ?, ?)
		 ON CONFLICT (agent_id, event_id) DO NOTHING`,
		ev.ID, ev.AgentID, ev.EventID, string(ev.Type), textJSONOrEmpty(ev.Payload), ms(ev.CreatedAt), ms(ev.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("sqlite: enqueue inbox: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: enqueue inbox: %w", err)
	}
	return n == 1, nil
}

// EnqueueInbox inserts ev unless (agent_id, event_id) already exists.
func (db *DB) EnqueueInbox(ctx context.Context, ev model.InboxEvent) (bool, error) {
	return insertInbox(ctx, db.db, ev)
}

// GetInboxEvent reads an event by its idempotency key.
func (db *DB) GetInboxEvent(ctx context.Context, agentID, eventID string) (model.InboxEvent, error) {
	e, err := scanInboxEvent(db.db.QueryRowContext(ctx,
		`SELECT `+inboxColumns+` FROM inbox_events WHERE agent_id = ? AND event_id = ?`, agentID, eventID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.InboxEvent{}, fmt.Errorf("sqlite: inbox event %s/%s: %w", agentID, eventID, storage.ErrNotFound)
		}
		return model.InboxEvent{}, fmt.Errorf("sqlite: get inbox event: %w", err)
	}
	return e, nil
}

// ClaimInbox leases up to limit pending events, oldest first.
func (db *DB) ClaimInbox(ctx context.Context, limit int, lease time.Duration) ([]model.InboxEvent, error) {
	now := time.Now().UTC()
	var events []model.InboxEvent
	err := db.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT `+inboxColumns+` FROM inbox_events WHERE status = 'pending'
			 ORDER BY created_at ASC, id ASC LIMIT ?`, limit)
		if err != nil {
			return fmt.Errorf("sqlite: select pending inbox: %w", err)
		}
		for rows.Next() {
			e, err := scanInboxEvent(rows)
			if err != nil {
				_ = rows.Close()
				return fmt.Errorf("sqlite: scan inbox event: %w", err)
			}
			events = append(events, e)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}

		lockedUntil := now.Add(lease)
		for i := range events {
			if _, err := tx.ExecContext(ctx,
				`UPDATE inbox_events SET status = 'processing', attempts = attempts + 1, locked_until = ?, updated_at = ?
				 WHERE id = ?`, ms(lockedUntil), ms(now), events[i].ID,
			); err != nil {
				return fmt.Errorf("sqlite: claim inbox event: %w", err)
			}
			events[i].Status = model.InboxProcessing
			events[i].Attempts++
			lu := fromMS(ms(lockedUntil))
			events[i].LockedUntil = &lu
			events[i].UpdatedAt = fromMS(ms(now))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
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
	res, err := db.db.ExecContext(ctx,
		`UPDATE inbox_events SET status = ?, run_id = COALESCE(?, run_id), last_error = COALESCE(?, last_error),
		        locked_until = NULL, updated_at = ?
		 WHERE id = ? AND status = 'processing'`,
		string(status), runID, reason, ms(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("sqlite: mark inbox %s: %w", status, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: inbox event %s not processing: %w", id, storage.ErrNotFound)
	}
	return nil
}

// RequeueStaleInbox returns processing events whose lease expired before now.
func (db *DB) RequeueStaleInbox(ctx context.Context, now time.Time) (int64, error) {
	res, err := db.db.ExecContext(ctx,
		`UPDATE inbox_events SET status = 'pending', locked_until = NULL, updated_at = ?
		 WHERE status = 'processing' AND locked_until < ?`, ms(now), ms(now))
	if err != nil {
		return 0, fmt.Errorf("sqlite: requeue stale inbox: %w", err)
	}
	return res.RowsAffected()
}

// CountInbox returns the number of events in status.
func (db *DB) CountInbox(ctx context.Context, status model.InboxStatus) (int64, error) {
	var n int64
	if err := db.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM inbox_events WHERE status = ?`, string(status)).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: count inbox: %w", err)
	}
	return n, nil
}
