package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TriggerType identifies what started a run. Inbox events share the same
// vocabulary since every queued event becomes a run trigger.
type TriggerType string

const (
	TriggerMessage    TriggerType = "message"
	TriggerPlan       TriggerType = "plan"
	TriggerService    TriggerType = "service"
	TriggerToolResult TriggerType = "tool_result"
)

// Valid reports whether t is a known trigger type.
func (t TriggerType) Valid() bool {
	switch t {
	case TriggerMessage, TriggerPlan, TriggerService, TriggerToolResult:
		return true
	}
	return false
}

// MessageTrigger is the payload of a message-posted trigger.
type MessageTrigger struct {
	SpaceID   string    `json:"space_id"`
	MessageID uuid.UUID `json:"message_id"`
	Seq       int64     `json:"seq"`
	SenderID  string    `json:"sender_id"`
	Content   string    `json:"content"`
	SentAt    time.Time `json:"sent_at"`
}

// PlanTrigger is the payload of a plan-fired trigger.
type PlanTrigger struct {
	PlanID      uuid.UUID `json:"plan_id"`
	Description string    `json:"description"`
	Schedule    string    `json:"schedule,omitempty"`
	FiredAt     time.Time `json:"fired_at"`
}

// ServiceTrigger is the payload of a service-invoked trigger.
type ServiceTrigger struct {
	ServiceName string          `json:"service_name"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	ReceivedAt  time.Time       `json:"received_at"`
}

// ToolResultTrigger carries a result that arrived after its run stopped waiting.
type ToolResultTrigger struct {
	CorrelationID string          `json:"correlation_id"`
	RunID         uuid.UUID       `json:"run_id"`
	ToolName      string          `json:"tool_name"`
	Result        json.RawMessage `json:"result"`
	ResolvedAt    time.Time       `json:"resolved_at"`
}

// ValidateTrigger checks that payload decodes as the shape required by t.
func ValidateTrigger(t TriggerType, payload json.RawMessage) error {
	if !t.Valid() {
		return fmt.Errorf("unknown trigger type %q", t)
	}
	if len(payload) == 0 {
		return fmt.Errorf("%s trigger: payload is required", t)
	}
	switch t {
	case TriggerMessage:
		var m MessageTrigger
		if err := json.Unmarshal(payload, &m); err != nil {
			return fmt.Errorf("message trigger: %w", err)
		}
		if m.SpaceID == "" || m.SenderID == "" {
			return fmt.Errorf("message trigger: space_id and sender_id are required")
		}
	case TriggerPlan:
		var p PlanTrigger
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("plan trigger: %w", err)
		}
		if p.PlanID == uuid.Nil {
			return fmt.Errorf("plan trigger: plan_id is required")
		}
	case TriggerService:
		var s ServiceTrigger
		if err := json.Unmarshal(payload, &s); err != nil {
			return fmt.Errorf("service trigger: %w", err)
		}
		if s.ServiceName == "" {
			return fmt.Errorf("service trigger: service_name is required")
		}
	case TriggerToolResult:
		var r ToolResultTrigger
		if err := json.Unmarshal(payload, &r); err != nil {
			return fmt.Errorf("tool_result trigger: %w", err)
		}
		if r.CorrelationID == "" {
			return fmt.Errorf("tool_result trigger: correlation_id is required")
		}
	}
	return nil
}

// SummarizeTrigger renders a one-line description of a trigger for context
// sections and message metadata. Unknown or malformed payloads fall back to
// the bare type.
func SummarizeTrigger(t TriggerType, payload json.RawMessage) string {
	switch t {
	case TriggerMessage:
		var m MessageTrigger
		if json.Unmarshal(payload, &m) == nil && m.SpaceID != "" {
			return fmt.Sprintf("message from %s in %s: %s", m.SenderID, m.SpaceID, Truncate(m.Content, 80))
		}
	case TriggerPlan:
		var p PlanTrigger
		if json.Unmarshal(payload, &p) == nil && p.PlanID != uuid.Nil {
			return fmt.Sprintf("plan %s fired: %s", p.PlanID, Truncate(p.Description, 80))
		}
	case TriggerService:
		var s ServiceTrigger
		if json.Unmarshal(payload, &s) == nil && s.ServiceName != "" {
			return "service call from " + s.ServiceName
		}
	case TriggerToolResult:
		var r ToolResultTrigger
		if json.Unmarshal(payload, &r) == nil && r.CorrelationID != "" {
			return fmt.Sprintf("late result for %s (%s)", r.ToolName, r.CorrelationID)
		}
	}
	return string(t)
}

// Truncate shortens s to at most n runes, marking the cut with "...".
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}
