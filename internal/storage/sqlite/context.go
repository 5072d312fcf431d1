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

// UpsertEntity creates or renames an entity.
func (db *DB) UpsertEntity(ctx context.Context, e model.Entity) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if _, err := db.db.ExecContext(ctx,
		`INSERT INTO entities (id, kind, display_name, instructions, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET kind = excluded.kind, display_name = excluded.display_name,
		                                instructions = excluded.instructions`,
		e.ID, string(e.Kind), e.DisplayName, e.Instructions, ms(e.CreatedAt),
	); err != nil {
		return fmt.Errorf("sqlite: upsert entity: %w", err)
	}
	return nil
}

func scanEntity(row rowScanner) (model.Entity, error) {
	var (
		e         model.Entity
		createdAt int64
	)
	if err := row.Scan(&e.ID, &e.Kind, &e.DisplayName, &e.Instructions, &createdAt); err != nil {
		return model.Entity{}, err
	}
	e.CreatedAt = fromMS(createdAt)
	return e, nil
}

// GetEntity reads an entity by id.
func (db *DB) GetEntity(ctx context.Context, id string) (model.Entity, error) {
	e, err := scanEntity(db.db.QueryRowContext(ctx,
		`SELECT id, kind, display_name, instructions, created_at FROM entities WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Entity{}, fmt.Errorf("sqlite: entity %s: %w", id, storage.ErrNotFound)
		}
		return model.Entity{}, fmt.Errorf("sqlite: get entity: %w", err)
	}
	return e, nil
}

// CreateSpace inserts a space.
func (db *DB) CreateSpace(ctx context.Context, s model.Space) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	if _, err := db.db.ExecContext(ctx,
		`INSERT INTO spaces (id, name, created_at) VALUES (?, ?, ?)`, s.ID, s.Name, ms(s.CreatedAt),
	); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("sqlite: space %s: %w", s.ID, storage.ErrConflict)
		}
		return fmt.Errorf("sqlite: create space: %w", err)
	}
	return nil
}

// GetSpace reads a space by id.
func (db *DB) GetSpace(ctx context.Context, id string) (model.Space, error) {
	var (
		s         model.Space
		createdAt int64
	)
	err := db.db.QueryRowContext(ctx, `SELECT id, name, created_at FROM spaces WHERE id = ?`, id).
		Scan(&s.ID, &s.Name, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Space{}, fmt.Errorf("sqlite: space %s: %w", id, storage.ErrNotFound)
		}
		return model.Space{}, fmt.Errorf("sqlite: get space: %w", err)
	}
	s.CreatedAt = fromMS(createdAt)
	return s, nil
}

// AddMembership joins an entity to a space. Joining twice is a no-op.
func (db *DB) AddMembership(ctx context.Context, spaceID, entityID string) error {
	if _, err := db.db.ExecContext(ctx,
		`INSERT INTO memberships (space_id, entity_id, joined_at) VALUES (?, ?, ?)
		 ON CONFLICT (space_id, entity_id) DO NOTHING`, spaceID, entityID, ms(time.Now()),
	); err != nil {
		return fmt.Errorf("sqlite: add membership: %w", err)
	}
	return nil
}

func scanMembership(row rowScanner) (model.Membership, error) {
	var (
		m        model.Membership
		joinedAt int64
	)
	if err := row.Scan(&m.SpaceID, &m.EntityID, &m.LastProcessedSeq, &joinedAt); err != nil {
		return model.Membership{}, err
	}
	m.JoinedAt = fromMS(joinedAt)
	return m, nil
}

// GetMembership reads one membership.
func (db *DB) GetMembership(ctx context.Context, spaceID, entityID string) (model.Membership, error) {
	m, err := scanMembership(db.db.QueryRowContext(ctx,
		`SELECT space_id, entity_id, last_processed_seq, joined_at FROM memberships
		 WHERE space_id = ? AND entity_id = ?`, spaceID, entityID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Membership{}, fmt.Errorf("sqlite: membership %s/%s: %w", spaceID, entityID, storage.ErrNotFound)
		}
		return model.Membership{}, fmt.Errorf("sqlite: get membership: %w", err)
	}
	return m, nil
}

// ListMemberships returns the entity's memberships ordered by space id.
func (db *DB) ListMemberships(ctx context.Context, entityID string) ([]model.Membership, error) {
	rows, err := db.db.QueryContext(ctx,
		`SELECT space_id, entity_id, last_processed_seq, joined_at FROM memberships
		 WHERE entity_id = ? ORDER BY space_id ASC`, entityID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list memberships: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan membership: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListSpaceMembers returns the entities in a space ordered by id.
func (db *DB) ListSpaceMembers(ctx context.Context, spaceID string) ([]model.Entity, error) {
	rows, err := db.db.QueryContext(ctx,
		`SELECT e.id, e.kind, e.display_name, e.instructions, e.created_at
		 FROM memberships m JOIN entities e ON e.id = m.entity_id
		 WHERE m.space_id = ? ORDER BY e.id ASC`, spaceID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list space members: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan entity: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AdvanceCursor raises the membership cursor to seq. It never lowers it.
func (db *DB) AdvanceCursor(ctx context.Context, spaceID, entityID string, seq int64) error {
	res, err := db.db.ExecContext(ctx,
		`UPDATE memberships SET last_processed_seq = MAX(last_processed_seq, ?)
		 WHERE space_id = ? AND entity_id = ?`, seq, spaceID, entityID)
	if err != nil {
		return fmt.Errorf("sqlite: advance cursor: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: membership %s/%s: %w", spaceID, entityID, storage.ErrNotFound)
	}
	return nil
}

const messageColumns = `id, space_id, seq, sender_id, kind, content, tool_call, metadata, run_id, created_at`

func scanMessage(row rowScanner) (model.Message, error) {
	var (
		m                  model.Message
		toolCall, metadata []byte
		createdAt          int64
	)
	if err := row.Scan(&m.ID, &m.SpaceID, &m.Seq, &m.SenderID, &m.Kind, &m.Content,
		&toolCall, &metadata, &m.RunID, &createdAt); err != nil {
		return model.Message{}, err
	}
	m.CreatedAt = fromMS(createdAt)
	if len(toolCall) > 0 {
		m.ToolCall = &model.ToolCallContent{}
		if err := json.Unmarshal(toolCall, m.ToolCall); err != nil {
			return model.Message{}, fmt.Errorf("sqlite: decode tool_call of message %s: %w", m.ID, err)
		}
	}
	if len(metadata) > 0 {
		m.Metadata = &model.MessageMetadata{}
		if err := json.Unmarshal(metadata, m.Metadata); err != nil {
			return model.Message{}, fmt.Errorf("sqlite: decode metadata of message %s: %w", m.ID, err)
		}
	}
	return m, nil
}

// AppendMessage assigns the next sequence number in the space and inserts the message.
func (db *DB) AppendMessage(ctx context.Context, msg model.Message) (model.Message, error) {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	msg.CreatedAt = fromMS(ms(msg.CreatedAt))
	if msg.Kind == "" {
		msg.Kind = model.MessageText
	}
	var toolCall, metadata any
	if msg.ToolCall != nil {
		b, err := json.Marshal(msg.ToolCall)
		if err != nil {
			return model.Message{}, fmt.Errorf("sqlite: encode tool_call: %w", err)
		}
		toolCall = string(b)
	}
	if msg.Metadata != nil {
		b, err := json.Marshal(msg.Metadata)
		if err != nil {
			return model.Message{}, fmt.Errorf("sqlite: encode metadata: %w", err)
		}
		metadata = string(b)
	}

	err := db.inTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx,
			`INSERT INTO space_sequences (space_id, seq) VALUES (?, 1)
			 ON CONFLICT (space_id) DO UPDATE SET seq = seq + 1
			 RETURNING seq`, msg.SpaceID,
		).Scan(&msg.Seq); err != nil {
			return fmt.Errorf("sqlite: next message seq: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (id, space_id, seq, sender_id, kind, content, tool_call, metadata, run_id, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			msg.ID, msg.SpaceID, msg.Seq, msg.SenderID, string(msg.Kind), msg.Content,
			toolCall, metadata, msg.RunID, ms(msg.CreatedAt),
		); err != nil {
			return fmt.Errorf("sqlite: append message: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.Message{}, err
	}
	return msg, nil
}

func (db *DB) queryMessages(ctx context.Context, query string, args ...any) ([]model.Message, error) {
	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListRecentMessages returns the last limit messages of a space in ascending seq.
func (db *DB) ListRecentMessages(ctx context.Context, spaceID string, limit int) ([]model.Message, error) {
	return db.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM (
		     SELECT `+messageColumns+` FROM messages WHERE space_id = ? ORDER BY seq DESC LIMIT ?
		 ) ORDER BY seq ASC`, spaceID, limit)
}

// ListRunMessages returns messages a run sent, in creation order.
func (db *DB) ListRunMessages(ctx context.Context, runID uuid.UUID) ([]model.Message, error) {
	return db.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE run_id = ? ORDER BY created_at ASC, seq ASC`, runID)
}

// SetMemory upserts a key/value memory.
func (db *DB) SetMemory(ctx context.Context, m model.Memory) error {
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = time.Now().UTC()
	}
	if _, err := db.db.ExecContext(ctx,
		`INSERT INTO memories (agent_id, key, value, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (agent_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		m.AgentID, m.Key, m.Value, ms(m.UpdatedAt),
	); err != nil {
		return fmt.Errorf("sqlite: set memory: %w", err)
	}
	return nil
}

// DeleteMemory removes a memory. Deleting a missing key is a no-op.
func (db *DB) DeleteMemory(ctx context.Context, agentID, key string) error {
	if _, err := db.db.ExecContext(ctx,
		`DELETE FROM memories WHERE agent_id = ? AND key = ?`, agentID, key); err != nil {
		return fmt.Errorf("sqlite: delete memory: %w", err)
	}
	return nil
}

// ListMemories returns the agent's memories ordered by key.
func (db *DB) ListMemories(ctx context.Context, agentID string) ([]model.Memory, error) {
	rows, err := db.db.QueryContext(ctx,
		`SELECT agent_id, key, value, updated_at FROM memories WHERE agent_id = ? ORDER BY key ASC`, agentID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list memories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Memory
	for rows.Next() {
		var (
			m         model.Memory
			updatedAt int64
		)
		if err := rows.Scan(&m.AgentID, &m.Key, &m.Value, &updatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan memory: %w", err)
		}
		m.UpdatedAt = fromMS(updatedAt)
		out = append(out, m)
	}
	return out, rows.Err()
}

// CreateGoal inserts a goal.
func (db *DB) CreateGoal(ctx context.Context, g model.Goal) error {
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}
	if g.Status == "" {
		g.Status = model.GoalActive
	}
	if _, err := db.db.ExecContext(ctx,
		`INSERT INTO goals (id, agent_id, description, priority, status, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		g.ID, g.AgentID, g.Description, g.Priority, string(g.Status), ms(g.CreatedAt),
	); err != nil {
		return fmt.Errorf("sqlite: create goal: %w", err)
	}
	return nil
}

// ListActiveGoals returns active goals ordered by priority then id.
func (db *DB) ListActiveGoals(ctx context.Context, agentID string) ([]model.Goal, error) {
	rows, err := db.db.QueryContext(ctx,
		`SELECT id, agent_id, description, priority, status, created_at FROM goals
		 WHERE agent_id = ? AND status = 'active' ORDER BY priority ASC, id ASC`, agentID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list goals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Goal
	for rows.Next() {
		var (
			g         model.Goal
			createdAt int64
		)
		if err := rows.Scan(&g.ID, &g.AgentID, &g.Description, &g.Priority, &g.Status, &createdAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan goal: %w", err)
		}
		g.CreatedAt = fromMS(createdAt)
		out = append(out, g)
	}
	return out, rows.Err()
}

// CreatePlan inserts a plan.
func (db *DB) CreatePlan(ctx context.Context, p model.Plan) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if p.Status == "" {
		p.Status = model.PlanActive
	}
	if _, err := db.db.ExecContext(ctx,
		`INSERT INTO plans (id, agent_id, description, schedule, status, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.AgentID, p.Description, p.Schedule, string(p.Status), ms(p.CreatedAt),
	); err != nil {
		return fmt.Errorf("sqlite: create plan: %w", err)
	}
	return nil
}

func scanPlan(row rowScanner) (model.Plan, error) {
	var (
		p         model.Plan
		createdAt int64
	)
	if err := row.Scan(&p.ID, &p.AgentID, &p.Description, &p.Schedule, &p.Status, &createdAt); err != nil {
		return model.Plan{}, err
	}
	p.CreatedAt = fromMS(createdAt)
	return p, nil
}

// GetPlan reads a plan by id.
func (db *DB) GetPlan(ctx context.Context, id uuid.UUID) (model.Plan, error) {
	p, err := scanPlan(db.db.QueryRowContext(ctx,
		`SELECT id, agent_id, description, schedule, status, created_at FROM plans WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Plan{}, fmt.Errorf("sqlite: plan %s: %w", id, storage.ErrNotFound)
		}
		return model.Plan{}, fmt.Errorf("sqlite: get plan: %w", err)
	}
	return p, nil
}

// ListOpenPlans returns active and pending plans ordered by creation.
func (db *DB) ListOpenPlans(ctx context.Context, agentID string) ([]model.Plan, error) {
	rows, err := db.db.QueryContext(ctx,
		`SELECT id, agent_id, description, schedule, status, created_at FROM plans
		 WHERE agent_id = ? AND status IN ('active', 'pending') ORDER BY created_at ASC, id ASC`, agentID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list plans: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan plan: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
