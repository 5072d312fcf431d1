package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/machi/internal/model"
)

// RunStore persists runs. TransitionRun is the only status writer.
type RunStore interface {
	// CreateRun inserts run with status running and the next cycle number
	// for its agent. ID and timestamps are filled in when zero.
	CreateRun(ctx context.Context, run model.Run) (model.Run, error)
	GetRun(ctx context.Context, id uuid.UUID) (model.Run, error)
	// ListActiveRuns returns the agent's running and waiting_tool runs,
	// oldest first.
	ListActiveRuns(ctx context.Context, agentID string) ([]model.Run, error)
	// TransitionRun moves the run to `to` only if its current status is in
	// from. Returns ErrInvalidTransition otherwise.
	TransitionRun(ctx context.Context, id uuid.UUID, from []model.RunStatus, to model.RunStatus, patch model.RunPatch) (model.Run, error)
	RecordRunStep(ctx context.Context, id uuid.UUID, usage model.Usage) error
	// SetRunActiveSpace updates the run's active space under a per-run lock.
	SetRunActiveSpace(ctx context.Context, id uuid.UUID, spaceID *string) error
}

// PendingCallStore persists pending calls. Status is written only by
// ExpirePendingCall and ResolvePendingCall.
type PendingCallStore interface {
	// CreatePendingCall returns ErrConflict if the correlation id exists.
	CreatePendingCall(ctx context.Context, call model.PendingCall) error
	GetPendingCall(ctx context.Context, correlationID string) (model.PendingCall, error)
	// ExpirePendingCall is the waiting -> pending compare-and-swap. It
	// reports whether the swap happened.
	ExpirePendingCall(ctx context.Context, correlationID string) (bool, error)
	// ResolvePendingCall stores result unless the call is already resolved
	// and returns the status the call had before. When that status was
	// pending, a tool_result inbox event is enqueued in the same transaction.
	ResolvePendingCall(ctx context.Context, correlationID string, result json.RawMessage, at time.Time) (model.CallStatus, error)
	// ListOverdueCalls returns waiting calls whose deadline is before now.
	ListOverdueCalls(ctx context.Context, now time.Time, limit int) ([]model.PendingCall, error)
}

// InboxStore persists inbox events keyed by (agent_id, event_id).
type InboxStore interface {
	// EnqueueInbox inserts ev unless (AgentID, EventID) exists and reports
	// whether a row was written.
	EnqueueInbox(ctx context.Context, ev model.InboxEvent) (bool, error)
	GetInboxEvent(ctx context.Context, agentID, eventID string) (model.InboxEvent, error)
	// ClaimInbox moves up to limit pending events to processing with a lease,
	// oldest first.
	ClaimInbox(ctx context.Context, limit int, lease time.Duration) ([]model.InboxEvent, error)
	MarkInboxProcessed(ctx context.Context, id, runID uuid.UUID) error
	MarkInboxFailed(ctx context.Context, id uuid.UUID, reason string) error
	// RequeueStaleInbox returns expired processing leases to pending.
	RequeueStaleInbox(ctx context.Context, now time.Time) (int64, error)
	CountInbox(ctx context.Context, status model.InboxStatus) (int64, error)
}

// ToolCallStore persists the per-run tool action log.
type ToolCallStore interface {
	RecordToolCall(ctx context.Context, rec model.ToolCallRecord) error
	UpdateToolCall(ctx context.Context, runID uuid.UUID, id string, status model.ToolCallStatus, result json.RawMessage) error
	// ListToolCalls returns the run's tool calls in seq order.
	ListToolCalls(ctx context.Context, runID uuid.UUID) ([]model.ToolCallRecord, error)
	AckToolCalls(ctx context.Context, runID uuid.UUID, ids []string) error
}

// ContextStore holds the agent state the context assembler reads, plus
// the minimal writers the prebuilt tools and HTTP API need.
type ContextStore interface {
	UpsertEntity(ctx context.Context, e model.Entity) error
	GetEntity(ctx context.Context, id string) (model.Entity, error)

	CreateSpace(ctx context.Context, s model.Space) error
	GetSpace(ctx context.Context, id string) (model.Space, error)
	AddMembership(ctx context.Context, spaceID, entityID string) error
	GetMembership(ctx context.Context, spaceID, entityID string) (model.Membership, error)
	// ListMemberships returns the entity's memberships ordered by space id.
	ListMemberships(ctx context.Context, entityID string) ([]model.Membership, error)
	// ListSpaceMembers returns the members of a space ordered by entity id.
	ListSpaceMembers(ctx context.Context, spaceID string) ([]model.Entity, error)
	// AdvanceCursor raises the membership cursor to seq. It never lowers it.
	AdvanceCursor(ctx context.Context, spaceID, entityID string, seq int64) error

	// AppendMessage assigns the next sequence number in the space.
	AppendMessage(ctx context.Context, msg model.Message) (model.Message, error)
	// ListRecentMessages returns the last limit messages in ascending seq.
	ListRecentMessages(ctx context.Context, spaceID string, limit int) ([]model.Message, error)
	ListRunMessages(ctx context.Context, runID uuid.UUID) ([]model.Message, error)

	SetMemory(ctx context.Context, m model.Memory) error
	DeleteMemory(ctx context.Context, agentID, key string) error
	// ListMemories returns memories ordered by key.
	ListMemories(ctx context.Context, agentID string) ([]model.Memory, error)

	CreateGoal(ctx context.Context, g model.Goal) error
	// ListActiveGoals returns active goals ordered by priority then id.
	ListActiveGoals(ctx context.Context, agentID string) ([]model.Goal, error)

	CreatePlan(ctx context.Context, p model.Plan) error
	GetPlan(ctx context.Context, id uuid.UUID) (model.Plan, error)
	// ListOpenPlans returns active and pending plans ordered by creation.
	ListOpenPlans(ctx context.Context, agentID string) ([]model.Plan, error)
}

// Store is the full persistence surface. Both the Postgres DB and the
// embedded SQLite store implement it.
type Store interface {
	RunStore
	PendingCallStore
	InboxStore
	ToolCallStore
	ContextStore

	Ping(ctx context.Context) error
	Close(ctx context.Context)
}

var _ Store = (*DB)(nil)
