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

// UpsertEntity creates or renames an entity.
func (db *DB) UpsertEntity(ctx context.Context, e model.Entity) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if _, err := db.pool.Exec(ctx,
		`INSERT INTO entities (id, kind, display_name, instructions, created_at) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET kind = EXCLUDED.kind, display_name = EXCLUDED.display_name,
		                                instructions = EXCLUDED.instructions`,
		e.ID, string(e.Kind), e.DisplayName, e.Instructions, e.CreatedAt,
	); err != nil {
		return fmt.Errorf("storage: upsert entity: %w", err)
	}
	return nil
}

// GetEntity reads an entity by id.
func (db *DB) GetEntity(ctx context.Context, id string) (model.Entity, error) {
	var e model.Entity
	err := db.pool.QueryRow(ctx,
		`SELECT id, kind, display_name, instructions, created_at FROM entities WHERE id = $1`, id,
	).Scan(&e.ID, &e.Kind, &e.DisplayName, &e.Instructions, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Entity{}, fmt.Errorf("storage: entity %s: %w", id, ErrNotFound)
		}
		return model.Entity{}, fmt.Errorf("storage: get entity: %w", err)
	}
	return e, nil
}

// CreateSpace inserts a space.
func (db *DB) CreateSpace(ctx context.Context, s model.Space) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	if _, err := db.pool.Exec(ctx,
		`INSERT INTO spaces (id, name, created_at) VALUES ($1, $2, $3)`, s.ID, s.Name, s.CreatedAt,
	); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("storage: space %s: %w", s.ID, ErrConflict)
		}
		return fmt.Errorf("storage: create space: %w", err)
	}
	return nil
}

// GetSpace reads a space by id.
func (db *DB) GetSpace(ctx context.Context, id string) (model.Space, error) {
	var s model.Space
	err := db.pool.QueryRow(ctx, `SELECT id, name, created_at FROM spaces WHERE id = $1`, id).
		Scan(&s.ID, &s.Name, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Space{}, fmt.Errorf("storage: space %s: %w", id, ErrNotFound)
		}
		return model.Space{}, fmt.Errorf("storage: get space: %w", err)
	}
	return s, nil
}

// AddMembership joins an entity to a space. Joining twice is a no-op.
func (db *DB) AddMembership(ctx context.Context, spaceID, entityID string) error {
	if _, err := db.pool.Exec(ctx,
		`INSERT INTO memberships (space_id, entity_id, joined_at) VALUES ($1, $2, $3)
		 ON CONFLICT (space_id, entity_id) DO NOTHING`, spaceID, entityID, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("storage: add membership: %w", err)
	}
	return nil
}

// GetMembership reads one membership.
func (db *DB) GetMembership(ctx context.Context, spaceID, entityID string) (model.Membership, error) {
	var m model.Membership
	err := db.pool.QueryRow(ctx,
		`SELECT space_id, entity_id, last_processed_seq, joined_at FROM memberships
		 WHERE space_id = $1 AND entity_id = $2`, spaceID, entityID,
	).Scan(&m.SpaceID, &m.EntityID, &m.LastProcessedSeq, &m.JoinedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Membership{}, fmt.Errorf("storage: membership %s/%s: %w", spaceID, entityID, ErrNotFound)
		}
		return model.Membership{}, fmt.Errorf("storage: get membership: %w", err)
	}
	return m, nil
}

// ListMemberships returns the entity's memberships ordered by space id.
func (db *DB) ListMemberships(ctx context.Context, entityID string) ([]model.Membership, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT space_id, entity_id, last_processed_seq, joined_at FROM memberships
		 WHERE entity_id = $1 ORDER BY space_id ASC`, entityID)
	if err != nil {
		return nil, fmt.Errorf("storage: list memberships: %w", err)
	}
	defer rows.Close()

	var out []model.Membership
	for rows.Next() {
		var m model.Membership
		if err := rows.Scan(&m.SpaceID, &m.EntityID, &m.LastProcessedSeq, &m.JoinedAt); err != nil {
			return nil, fmt.Errorf("storage: scan membership: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListSpaceMembers returns the entities in a space ordered by id.
func (db *DB) ListSpaceMembers(ctx context.Context, spaceID string) ([]model.Entity, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT e.id, e.kind, e.display_name, e.instructions, e.created_at
		 FROM memberships m JOIN entities e ON e.id = m.entity_id
		 WHERE m.space_id = $1 ORDER BY e.id ASC`, spaceID)
	if err != nil {
		return nil, fmt.Errorf("storage: list space members: %w", err)
	}
	defer rows.Close()

	var out []model.Entity
	for rows.Next() {
		var e model.Entity
		if err := rows.Scan(&e.ID, &e.Kind, &e.DisplayName, &e.Instructions, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan entity: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AdvanceCursor raises the membership cursor to seq. It never lowers it.
func (db *DB) AdvanceCursor(ctx context.Context, spaceID, entityID string, seq int64) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE memberships SET last_processed_seq = GREATEST(last_processed_seq, $1)
		 WHERE space_id = $2 AND entity_id = $3`, seq, spaceID, entityID)
	if err != nil {
		return fmt.Errorf("storage: advance cursor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: membership %s/%s: %w", spaceID, entityID, ErrNotFound)
	}
	return nil
}

const messageColumns = `id, space_id, seq, sender_id, kind, content, tool_call, metadata, run_id, created_at`

func scanMessage(row rowScanner) (model.Message, error) {
	var (
		m        model.Message
		toolCall []byte
		metadata []byte
	)
	if err := row.Scan(&m.ID, &m.SpaceID, &m.Seq, &m.SenderID, &m.Kind, &m.Content,
		&toolCall, &metadata, &m.RunID, &m.CreatedAt); err != nil {
		return model.Message{}, err
	}
	if err := decodeMessageJSON(&m, toolCall, metadata); err != nil {
		return model.Message{}, err
	}
	return m, nil
}

func decodeMessageJSON(m *model.Message, toolCall, metadata []byte) error {
	if len(toolCall) > 0 {
		m.ToolCall = &model.ToolCallContent{}
		if err := json.Unmarshal(toolCall, m.ToolCall); err != nil {
			return fmt.Errorf("storage: decode tool_call of message %s: %w", m.ID, err)
		}
	}
	if len(metadata) > 0 {
		m.Metadata = &model.MessageMetadata{}
		if err := json.Unmarshal(metadata, m.Metadata); err != nil {
			return fmt.Errorf("storage: decode metadata of message %s: %w", m.ID, err)
		}
	}
	return nil
}

// encodeMessageJSON returns the tool_call and metadata documents or nil.
func encodeMessageJSON(m model.Message) (toolCall, metadata []byte, err error) {
	if m.ToolCall != nil {
		if toolCall, err = json.Marshal(m.ToolCall); err != nil {
			return nil, nil, fmt.Errorf("storage: encode tool_call: %w", err)
		}
	}
	if m.Metadata != nil {
		if metadata, err = json.Marshal(m.Metadata); err != nil {
			return nil, nil, fmt.Errorf("storage: encode metadata: %w", err)
		}
	}
	return toolCall, metadata, nil
}

// AppendMessage assigns the next sequence number in the space and inserts
// the message. The counter row lock serializes appends per space.
func (db *DB) AppendMessage(ctx context.Context, msg model.Message) (model.Message, error) {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.Kind == "" {
		msg.Kind = model.MessageText
	}
	toolCall, metadata, err := encodeMessageJSON(msg)
	if err != nil {
		return model.Message{}, err
	}

	err = db.txRetry(ctx, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx,
			`INSERT INTO space_sequences (space_id, seq) VALUES ($1, 1)
			 ON CONFLICT (space_id) DO UPDATE SET seq = space_sequences.seq + 1
			 RETURNING seq`, msg.SpaceID,
		).Scan(&msg.Seq); err != nil {
			return fmt.Errorf("storage: next message seq: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO messages (id, space_id, seq, sender_id, kind, content, tool_call, metadata, run_id, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			msg.ID, msg.SpaceID, msg.Seq, msg.SenderID, string(msg.Kind), msg.Content,
			toolCall, metadata, msg.RunID, msg.CreatedAt,
		); err != nil {
			return fmt.Errorf("storage: append message: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.Message{}, err
	}
	return msg, nil
}

// ListRecentMessages returns the last limit messages of a space in ascending seq.
func (db *DB) ListRecentMessages(ctx context.Context, spaceID string, limit int) ([]model.Message, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM (
		     SELECT `+messageColumns+` FROM messages WHERE space_id = $1 ORDER BY seq DESC LIMIT $2
		 ) recent ORDER BY seq ASC`, spaceID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list messages: %w", err)
	}
	return collectMessages(rows)
}

// ListRunMessages returns messages a run sent, in creation order.
func (db *DB) ListRunMessages(ctx context.Context, runID uuid.UUID) ([]model.Message, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE run_id = $1 ORDER BY created_at ASC, seq ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("storage: list run messages: %w", err)
	}
	return collectMessages(rows)
}

func collectMessages(rows pgx.Rows) ([]model.Message, error) {
	defer rows.Close()
	var out []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
