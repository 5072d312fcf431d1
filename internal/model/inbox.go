package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// InboxStatus is the processing state of a queued event.
type InboxStatus string

const (
	InboxPending    InboxStatus = "pending"
	InboxProcessing InboxStatus = "processing"
	InboxProcessed  InboxStatus = "processed"
	InboxFailed     InboxStatus = "failed"
)

// InboxEvent is a durable, idempotently keyed event waiting for a run.
// (AgentID, EventID) is unique.
type InboxEvent struct {
	ID          uuid.UUID       `json:"id"`
	AgentID     string          `json:"agent_id"`
	EventID     string          `json:"event_id"`
	Type        TriggerType     `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Status      InboxStatus     `json:"status"`
	RunID       *uuid.UUID      `json:"run_id,omitempty"`
	Attempts    int             `json:"attempts"`
	LastError   *string         `json:"last_error,omitempty"`
	LockedUntil *time.Time      `json:"locked_until,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// ToolResultEventID is the inbox event id used for a late tool result, so
// repeated deliveries of the same result collapse onto one row.
func ToolResultEventID(correlationID string) string {
	return "tool_result:" + correlationID
}
