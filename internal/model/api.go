package model

import (
	"bytes"
	"encoding/json"
	"time"
)

// Field length limits for inbound API payloads.
const (
	MaxMessageContentLen = 32 * 1024 // 32 KB
	MaxServiceNameLen    = 200
	MaxEventIDLen        = 256
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeUnavailable   = "UNAVAILABLE"
)

// ToolResultRequest is the body of POST /v1/runs/{run_id}/tool-results.
type ToolResultRequest struct {
	CallID string          `json:"callId"`
	Result json.RawMessage `json:"result"`
}

// ToolResultResponse reports whether the submission was the first resolution.
type ToolResultResponse struct {
	CallID    string `json:"callId"`
	Duplicate bool   `json:"duplicate"`
}

// TriggerRequest is the body of POST /v1/agents/{agent_id}/trigger.
type TriggerRequest struct {
	ServiceName string          `json:"serviceName"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	EventID     string          `json:"eventId,omitempty"`
}

// PostMessageRequest is the body of POST /v1/spaces/{space_id}/messages.
// TriggerAgents, when set, restricts which agent members are woken.
type PostMessageRequest struct {
	SenderID      string   `json:"senderId"`
	Content       string   `json:"content"`
	TriggerAgents []string `json:"triggerAgents,omitempty"`
}

// EnqueueResponse reports the inbox outcome of a trigger submission.
type EnqueueResponse struct {
	AgentID  string `json:"agentId"`
	EventID  string `json:"eventId"`
	Enqueued bool   `json:"enqueued"`
}

// PostMessageResponse is returned after a message is appended to a space.
type PostMessageResponse struct {
	Message   Message           `json:"message"`
	Triggered []EnqueueResponse `json:"triggered"`
}

// ContextResponse wraps the rendered context of a run.
type ContextResponse struct {
	RunID    string   `json:"runId"`
	Sections []string `json:"sections"`
	Text     string   `json:"text"`
}

// ToolCallEvent is broadcast to external tool workers.
type ToolCallEvent struct {
	Type       string          `json:"type"`
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Args       json.RawMessage `json:"args"`
	RunID      string          `json:"runId"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	Store      string `json:"store"`
	InboxDepth int64  `json:"inbox_depth"`
	Uptime     int64  `json:"uptime_seconds"`
}

// FirePlanRequest is the optional body of POST
// /v1/agents/{agent_id}/plans/{plan_id}/fire. A fixed FiredAt makes
// retries of the same firing idempotent.
type FirePlanRequest struct {
	FiredAt *time.Time `json:"firedAt,omitempty"`
}

// IsAbsentJSON reports whether raw carries no value: empty, whitespace or
// a bare null.
func IsAbsentJSON(raw json.RawMessage) bool {
	v := bytes.TrimSpace(raw)
	return len(v) == 0 || bytes.Equal(v, []byte("null"))
}
