package model

import (
	"time"

	"github.com/google/uuid"
)

// EntityKind distinguishes agents from humans. Only agents have runs.
type EntityKind string

const (
	EntityAgent EntityKind = "agent"
	EntityHuman EntityKind = "human"
)

// Entity is a participant in spaces.
type Entity struct {
	ID           string     `json:"id"`
	Kind         EntityKind `json:"kind"`
	DisplayName  string     `json:"display_name"`
	Instructions string     `json:"instructions,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Memory is one key/value fact an agent has chosen to keep.
type Memory struct {
	AgentID   string    `json:"agent_id"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GoalStatus is the lifecycle of an agent goal.
type GoalStatus string

const (
	GoalActive    GoalStatus = "active"
	GoalDone      GoalStatus = "done"
	GoalAbandoned GoalStatus = "abandoned"
)

// Goal is an objective the agent is pursuing. Lower Priority sorts first.
type Goal struct {
	ID          uuid.UUID  `json:"id"`
	AgentID     string     `json:"agent_id"`
	Description string     `json:"description"`
	Priority    int        `json:"priority"`
	Status      GoalStatus `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
}

// PlanStatus is the lifecycle of a plan.
type PlanStatus string

const (
	PlanActive  PlanStatus = "active"
	PlanPending PlanStatus = "pending"
	PlanDone    PlanStatus = "done"
)

// Plan is a scheduled or one-off intention. Schedule is a standard
// five-field cron expression or empty for a one-off plan.
type Plan struct {
	ID          uuid.UUID  `json:"id"`
	AgentID     string     `json:"agent_id"`
	Description string     `json:"description"`
	Schedule    string     `json:"schedule,omitempty"`
	Status      PlanStatus `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
}
