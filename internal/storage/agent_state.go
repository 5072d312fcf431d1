package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/machi/internal/model"
)

// SetMemory upserts a key/value memory.
func (db *DB) SetMemory(ctx context.Context, m model.Memory) error {
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = time.Now().UTC()
	}
	if _, err := db.pool.Exec(ctx,
		`INSERT INTO memories (agent_id, key, value, updated_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (agent_id, key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		m.AgentID, m.Key, m.Value, m.UpdatedAt,
	); err != nil {
		return fmt.Errorf("storage: set memory: %w", err)
	}
	return nil
}

// DeleteMemory removes a memory. Deleting a missing key is a no-op.
func (db *DB) DeleteMemory(ctx context.Context, agentID, key string) error {
	if _, err := db.pool.Exec(ctx,
		`DELETE FROM memories WHERE agent_id = $1 AND key = $2`, agentID, key,
	); err != nil {
		return fmt.Errorf("storage: delete memory: %w", err)
	}
	return nil
}

// ListMemories returns the agent's memories ordered by key.
func (db *DB) ListMemories(ctx context.Context, agentID string) ([]model.Memory, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT agent_id, key, value, updated_at FROM memories WHERE agent_id = $1 ORDER BY key ASC`, agentID)
	if err != nil {
		return nil, fmt.Errorf("storage: list memories: %w", err)
	}
	defer rows.Close()

	var out []model.Memory
	for rows.Next() {
		var m model.Memory
		if err := rows.Scan(&m.AgentID, &m.Key, &m.Value, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan memory: %w", err)
		}
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
	if _, err := db.pool.Exec(ctx,
		`INSERT INTO goals (id, agent_id, description, priority, status, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		g.ID, g.AgentID, g.Description, g.Priority, string(g.Status), g.CreatedAt,
	); err != nil {
		return fmt.Errorf("storage: create goal: %w", err)
	}
	return nil
}

// ListActiveGoals returns active goals ordered by priority then id.
func (db *DB) ListActiveGoals(ctx context.Context, agentID string) ([]model.Goal, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, agent_id, description, priority, status, created_at FROM goals
		 WHERE agent_id = $1 AND status = 'active' ORDER BY priority ASC, id ASC`, agentID)
	if err != nil {
		return nil, fmt.Errorf("storage: list goals: %w", err)
	}
	defer rows.Close()

	var out []model.Goal
	for rows.Next() {
		var g model.Goal
		if err := rows.Scan(&g.ID, &g.AgentID, &g.Description, &g.Priority, &g.Status, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan goal: %w", err)
		}
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
	if _, err := db.pool.Exec(ctx,
		`INSERT INTO plans (id, agent_id, description, schedule, status, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		p.ID, p.AgentID, p.Description, p.Schedule, string(p.Status), p.CreatedAt,
	); err != nil {
		return fmt.Errorf("storage: create plan: %w", err)
	}
	return nil
}

// GetPlan reads a plan by id.
func (db *DB) GetPlan(ctx context.Context, id uuid.UUID) (model.Plan, error) {
	var p model.Plan
	err := db.pool.QueryRow(ctx,
		`SELECT id, agent_id, description, schedule, status, created_at FROM plans WHERE id = $1`, id,
	).Scan(&p.ID, &p.AgentID, &p.Description, &p.Schedule, &p.Status, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Plan{}, fmt.Errorf("storage: plan %s: %w", id, ErrNotFound)
		}
		return model.Plan{}, fmt.Errorf("storage: get plan: %w", err)
	}
	return p, nil
}

// ListOpenPlans returns active and pending plans ordered by creation.
func (db *DB) ListOpenPlans(ctx context.Context, agentID string) ([]model.Plan, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, agent_id, description, schedule, status, created_at FROM plans
		 WHERE agent_id = $1 AND status IN ('active', 'pending') ORDER BY created_at ASC, id ASC`, agentID)
	if err != nil {
		return nil, fmt.Errorf("storage: list plans: %w", err)
	}
	defer rows.Close()

	var out []model.Plan
	for rows.Next() {
		var p model.Plan
		if err := rows.Scan(&p.ID, &p.AgentID, &p.Description, &p.Schedule, &p.Status, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan plan: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
