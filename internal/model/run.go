// Package model defines the core domain types for machi.
//
// Types map directly onto database rows and trigger payloads. They use
// strong typing (UUIDs, time.Time, string enums) and keep free-form data
// in json.RawMessage so it round-trips byte-for-byte.
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the lifecycle state of an agent run.
type RunStatus string

const (
	RunStatusRunning     RunStatus = "running"
	RunStatusWaitingTool RunStatus = "waiting_tool"
	RunStatusCompleted   RunStatus = "completed"
	RunStatusFailed      RunStatus = "failed"
)

// runTransitions is the full transition graph. Terminal states have no
// outgoing edges.
var runTransitions = map[RunStatus][]RunStatus{
	RunStatusRunning:     {RunStatusWaitingTool, RunStatusCompleted, RunStatusFailed},
	RunStatusWaitingTool: {RunStatusRunning, RunStatusCompleted, RunStatusFailed},
}

// Valid reports whether s is a known run status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusRunning, RunStatusWaitingTool, RunStatusCompleted, RunStatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s is a final state.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// Active reports whether a run in state s still has work outstanding.
func (s RunStatus) Active() bool {
	return s == RunStatusRunning || s == RunStatusWaitingTool
}

// CanTransition reports whether the edge s -> to exists.
func (s RunStatus) CanTransition(to RunStatus) bool {
	for _, next := range runTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// SourcesOf returns every status that may legally move to to.
func SourcesOf(to RunStatus) []RunStatus {
	var out []RunStatus
	for _, from := range []RunStatus{RunStatusRunning, RunStatusWaitingTool} {
		if from.CanTransition(to) {
			out = append(out, from)
		}
	}
	return out
}

// Run is one unit of agent work from trigger to terminal outcome.
type Run struct {
	ID             uuid.UUID       `json:"id"`
	AgentID        string          `json:"agent_id"`
	ParentRunID    *uuid.UUID      `json:"parent_run_id,omitempty"`
	Status         RunStatus       `json:"status"`
	TriggerType    TriggerType     `json:"trigger_type"`
	TriggerPayload json.RawMessage `json:"trigger_payload"`
	InboxEventID   *uuid.UUID      `json:"inbox_event_id,omitempty"`
	ActiveSpaceID  *string         `json:"active_space_id,omitempty"`
	CycleNumber    int64           `json:"cycle_number"`
	StepCount      int             `json:"step_count"`
	InputTokens    int64           `json:"input_tokens"`
	OutputTokens   int64           `json:"output_tokens"`
	Error          *string         `json:"error,omitempty"`
	Metrics        json.RawMessage `json:"metrics,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// RunPatch carries the fields written alongside a status transition.
// Nil fields are left untouched.
type RunPatch struct {
	Error       *string
	Metrics     json.RawMessage
	CompletedAt *time.Time
}

// RunMetrics is the summary recorded when a run reaches a terminal state.
type RunMetrics struct {
	StepCount    int        `json:"step_count"`
	DurationMS   int64      `json:"duration_ms"`
	InputTokens  int64      `json:"input_tokens"`
	OutputTokens int64      `json:"output_tokens"`
	ResumedBy    *uuid.UUID `json:"resumed_by,omitempty"`
	FinalText    string     `json:"final_text,omitempty"`
}

// Usage is token accounting reported by the model client for one step.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}
