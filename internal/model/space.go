package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Space is a shared conversation that entities join.
type Space struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Membership links an entity to a space. LastProcessedSeq is the
// membership cursor: messages at or below it have been seen.
type Membership struct {
	SpaceID          string    `json:"space_id"`
	EntityID         string    `json:"entity_id"`
	LastProcessedSeq int64     `json:"last_processed_seq"`
	JoinedAt         time.Time `json:"joined_at"`
}

// MessageKind distinguishes plain text from recorded tool invocations.
type MessageKind string

const (
	MessageText     MessageKind = "text"
	MessageToolCall MessageKind = "tool_call"
)

// Message is one entry in a space. Seq is strictly increasing per space.
type Message struct {
	ID        uuid.UUID        `json:"id"`
	SpaceID   string           `json:"space_id"`
	Seq       int64            `json:"seq"`
	SenderID  string           `json:"sender_id"`
	Kind      MessageKind      `json:"kind"`
	Content   string           `json:"content"`
	ToolCall  *ToolCallContent `json:"tool_call,omitempty"`
	Metadata  *MessageMetadata `json:"metadata,omitempty"`
	RunID     *uuid.UUID       `json:"run_id,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// ToolCallContent is the structured body of a tool_call message.
type ToolCallContent struct {
	Name   string          `json:"name"`
	Args   json.RawMessage `json:"args,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// MessageMetadata is recorded when an agent sends a message so later
// context can explain why it was sent.
type MessageMetadata struct {
	RunID            string      `json:"run_id,omitempty"`
	TriggerType      TriggerType `json:"trigger_type,omitempty"`
	TriggerSummary   string      `json:"trigger_summary,omitempty"`
	PrecedingActions []string    `json:"preceding_actions,omitempty"`
}
