package tools

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/ashita-ai/machi/internal/model"
	"github.com/ashita-ai/machi/internal/storage"
)

// Store is the persistence the prebuilt tools need.
type Store interface {
	SetRunActiveSpace(ctx context.Context, id uuid.UUID, spaceID *string) error
	GetMembership(ctx context.Context, spaceID, entityID string) (model.Membership, error)
	AppendMessage(ctx context.Context, msg model.Message) (model.Message, error)
	AdvanceCursor(ctx context.Context, spaceID, entityID string, seq int64) error
	SetMemory(ctx context.Context, m model.Memory) error
	DeleteMemory(ctx context.Context, agentID, key string) error
	CreateGoal(ctx context.Context, g model.Goal) error
}

// RunContext is the per-run state shared by every tool call in one run.
// The active space is guarded by mu and persisted on each change.
type RunContext struct {
	run   model.Run
	store Store

	mu          sync.Mutex
	activeSpace *string
	actions     []string
}

// NewRunContext starts from the run's persisted active space.
func NewRunContext(run model.Run, store Store) *RunContext {
	rc := &RunContext{run: run, store: store}
	if run.ActiveSpaceID != nil {
		s := *run.ActiveSpaceID
		rc.activeSpace = &s
	}
	return rc
}

// Run returns the run this context belongs to.
func (rc *RunContext) Run() model.Run { return rc.run }

// ActiveSpace returns the space the run is addressing, or "" when none.
func (rc *RunContext) ActiveSpace() string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.activeSpace == nil {
		return ""
	}
	return *rc.activeSpace
}

// EnterSpace switches the active space. The agent must be a member.
func (rc *RunContext) EnterSpace(ctx context.Context, spaceID string) error {
	if _, err := rc.store.GetMembership(ctx, spaceID, rc.run.AgentID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("not a member of space %s", spaceID)
		}
		return err
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()
	if err := rc.store.SetRunActiveSpace(ctx, rc.run.ID, &spaceID); err != nil {
		return err
	}
	rc.activeSpace = &spaceID
	return nil
}

// NoteAction records a tool call for message metadata.
func (rc *RunContext) NoteAction(name string) {
	rc.mu.Lock()
	rc.actions = append(rc.actions, name)
	rc.mu.Unlock()
}

// PrecedingActions returns the tool calls made so far, oldest first.
func (rc *RunContext) PrecedingActions() []string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return append([]string(nil), rc.actions...)
}
