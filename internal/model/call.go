package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// CallStatus is the lifecycle state of a PendingCall.
//
//	waiting  - a run is inside a bounded wait for this call
//	pending  - nobody is waiting; the result will travel through the inbox
//	resolved - the result is stored and immutable
type CallStatus string

const (
	CallWaiting  CallStatus = "waiting"
	CallPending  CallStatus = "pending"
	CallResolved CallStatus = "resolved"
)

// CallMode selects the initial status of a PendingCall.
type CallMode string

const (
	CallModeSync  CallMode = "sync"
	CallModeAsync CallMode = "async"
)

// InitialStatus returns the status a call created in mode m starts in.
func (m CallMode) InitialStatus() CallStatus {
	if m == CallModeSync {
		return CallWaiting
	}
	return CallPending
}

// PendingCall is a tool invocation awaiting an out-of-band result.
type PendingCall struct {
	ID            uuid.UUID       `json:"id"`
	RunID         uuid.UUID       `json:"run_id"`
	AgentID       string          `json:"agent_id"`
	CorrelationID string          `json:"correlation_id"`
	ToolName      string          `json:"tool_name"`
	Args          json.RawMessage `json:"args"`
	Status        CallStatus      `json:"status"`
	Result        json.RawMessage `json:"result,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	ExpiresAt     *time.Time      `json:"expires_at,omitempty"`
	ResolvedAt    *time.Time      `json:"resolved_at,omitempty"`
}

// ToolCallStatus tracks a single tool invocation in a run's action log.
type ToolCallStatus string

const (
	ToolCallRunning   ToolCallStatus = "running"
	ToolCallCompleted ToolCallStatus = "completed"
	ToolCallFailed    ToolCallStatus = "failed"
	ToolCallTimedOut  ToolCallStatus = "timed_out"
	ToolCallPending   ToolCallStatus = "pending"
	ToolCallWaiting   ToolCallStatus = "waiting"
)

// ToolCallRecord is one entry of a run's tool action log. Acknowledged
// flips once the model has been shown the result.
type ToolCallRecord struct {
	ID            string          `json:"id"`
	RunID         uuid.UUID       `json:"run_id"`
	Seq           int             `json:"seq"`
	ToolName      string          `json:"tool_name"`
	Args          json.RawMessage `json:"args"`
	Status        ToolCallStatus  `json:"status"`
	Result        json.RawMessage `json:"result,omitempty"`
	CorrelationID *string         `json:"correlation_id,omitempty"`
	Acknowledged  bool            `json:"acknowledged"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}
