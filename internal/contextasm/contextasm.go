// Package contextasm rebuilds an agent's working context for one run from
// persisted state. Assembly has no side effects and keeps no state between
// calls: the same stored data always renders to the same bytes.
package contextasm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/machi/internal/fault"
	"github.com/ashita-ai/machi/internal/model"
	"github.com/ashita-ai/machi/internal/storage"
)

// Store is the read surface the assembler uses.
type Store interface {
	GetRun(ctx context.Context, id uuid.UUID) (model.Run, error)
	ListActiveRuns(ctx context.Context, agentID string) ([]model.Run, error)
	ListToolCalls(ctx context.Context, runID uuid.UUID) ([]model.ToolCallRecord, error)
	GetEntity(ctx context.Context, id string) (model.Entity, error)
	GetSpace(ctx context.Context, id string) (model.Space, error)
	GetMembership(ctx context.Context, spaceID, entityID string) (model.Membership, error)
	ListMemberships(ctx context.Context, entityID string) ([]model.Membership, error)
	ListSpaceMembers(ctx context.Context, spaceID string) ([]model.Entity, error)
	ListRecentMessages(ctx context.Context, spaceID string, limit int) ([]model.Message, error)
	ListRunMessages(ctx context.Context, runID uuid.UUID) ([]model.Message, error)
	ListMemories(ctx context.Context, agentID string) ([]model.Memory, error)
	ListActiveGoals(ctx context.Context, agentID string) ([]model.Goal, error)
	ListOpenPlans(ctx context.Context, agentID string) ([]model.Plan, error)
}

// Section titles, in render order.
const (
	SectionIdentity     = "Identity"
	SectionTrigger      = "Trigger"
	SectionActiveSpace  = "Active space"
	SectionHistory      = "Conversation"
	SectionMemberships  = "Spaces"
	SectionState        = "Memory, goals and plans"
	SectionSiblings     = "Other active runs"
	SectionToolResults  = "Tool results"
	SectionInstructions = "Instructions"
)

// Section is one titled block of the snapshot.
type Section struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Snapshot is the assembled context for one run.
type Snapshot struct {
	RunID    uuid.UUID `json:"run_id"`
	Sections []Section `json:"sections"`
}

// Text renders the snapshot as the prompt text handed to the model.
func (s Snapshot) Text() string {
	var b strings.Builder
	for i, sec := range s.Sections {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("## ")
		b.WriteString(sec.Title)
		b.WriteString("\n")
		b.WriteString(sec.Body)
		if !strings.HasSuffix(sec.Body, "\n") {
			b.WriteString("\n")
		}
	}
	return b.String()
}

// Section returns the body of the named section.
func (s Snapshot) Section(title string) (string, bool) {
	for _, sec := range s.Sections {
		if sec.Title == title {
			return sec.Body, true
		}
	}
	return "", false
}

// Assembler builds snapshots.
type Assembler struct {
	store        Store
	policy       CompactionPolicy
	instructions string
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithPolicy replaces the default history policy.
func WithPolicy(p CompactionPolicy) Option {
	return func(a *Assembler) { a.policy = p }
}

// WithInstructions replaces the base behavioural instructions.
func WithInstructions(s string) Option {
	return func(a *Assembler) { a.instructions = s }
}

// DefaultInstructions are appended to every context before agent-specific
// instructions.
const DefaultInstructions = `You act inside shared spaces alongside humans and other agents.
Speak only through send_message; plain answers are not shown to anyone.
Messages marked [new] have not been handled yet. Do not repeat work another
active run of yours is already doing.
A tool that times out may still deliver its result later as a new trigger.`

// New creates an Assembler. The default policy keeps the last 50 messages.
func New(store Store, opts ...Option) *Assembler {
	a := &Assembler{
		store:        store,
		policy:       RecentWindow{Size: 50},
		instructions: DefaultInstructions,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// sources is everything read from the store for one assembly.
type sources struct {
	run    model.Run
	entity model.Entity

	historySpace string
	history      []model.Message
	cursor       int64

	activeSpace *model.Space
	spaces      []spaceView

	memories []model.Memory
	goals    []model.Goal
	plans    []model.Plan

	siblings []siblingView
	results  []model.ToolCallRecord
}

type spaceView struct {
	space   model.Space
	members []model.Entity
}

type siblingView struct {
	run      model.Run
	calls    []model.ToolCallRecord
	messages []model.Message
}

// Assemble builds the snapshot for runID.
func (a *Assembler) Assemble(ctx context.Context, runID uuid.UUID) (Snapshot, error) {
	run, err := a.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Snapshot{}, fmt.Errorf("contextasm: run %s: %w", runID, err)
		}
		return Snapshot{}, fault.Persist("contextasm.assemble", err)
	}
	return a.AssembleRun(ctx, run)
}

// AssembleRun builds the snapshot for an already loaded run.
func (a *Assembler) AssembleRun(ctx context.Context, run model.Run) (Snapshot, error) {
	src, err := a.load(ctx, run)
	if err != nil {
		return Snapshot{}, fault.Persist("contextasm.assemble", err)
	}
	return Snapshot{
		RunID: run.ID,
		Sections: []Section{
			{SectionIdentity, renderIdentity(src)},
			{SectionTrigger, renderTrigger(src.run)},
			{SectionActiveSpace, renderActiveSpace(src)},
			{SectionHistory, renderHistory(src)},
			{SectionMemberships, renderMemberships(src)},
			{SectionState, renderState(src)},
			{SectionSiblings, renderSiblings(src)},
			{SectionToolResults, renderToolResults(src)},
			{SectionInstructions, a.renderInstructions(src)},
		},
	}, nil
}

func (a *Assembler) load(ctx context.Context, run model.Run) (*sources, error) {
	src := &sources{run: run, historySpace: historySpaceOf(run)}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		e, err := a.store.GetEntity(gctx, run.AgentID)
		if errors.Is(err, storage.ErrNotFound) {
			src.entity = model.Entity{ID: run.AgentID, Kind: model.EntityAgent}
			return nil
		}
		src.entity = e
		return err
	})

	g.Go(func() error {
		if src.historySpace == "" {
			return nil
		}
		msgs, err := a.store.ListRecentMessages(gctx, src.historySpace, a.policy.Fetch())
		if err != nil {
			return err
		}
		src.history = a.policy.Compact(msgs)
		m, err := a.store.GetMembership(gctx, src.historySpace, run.AgentID)
		switch {
		case err == nil:
			src.cursor = m.LastProcessedSeq
		case !errors.Is(err, storage.ErrNotFound):
			return err
		}
		return nil
	})

	g.Go(func() error {
		ms, err := a.store.ListMemberships(gctx, run.AgentID)
		if err != nil {
			return err
		}
		for _, m := range ms {
			sp, err := a.store.GetSpace(gctx, m.SpaceID)
			if err != nil {
				return err
			}
			members, err := a.store.ListSpaceMembers(gctx, m.SpaceID)
			if err != nil {
				return err
			}
			src.spaces = append(src.spaces, spaceView{space: sp, members: members})
		}
		if run.ActiveSpaceID != nil {
			sp, err := a.store.GetSpace(gctx, *run.ActiveSpaceID)
			switch {
			case err == nil:
				src.activeSpace = &sp
			case errors.Is(err, storage.ErrNotFound):
				src.activeSpace = &model.Space{ID: *run.ActiveSpaceID}
			default:
				return err
			}
		}
		return nil
	})

	g.Go(func() (err error) {
		if src.memories, err = a.store.ListMemories(gctx, run.AgentID); err != nil {
			return err
		}
		if src.goals, err = a.store.ListActiveGoals(gctx, run.AgentID); err != nil {
			return err
		}
		src.plans, err = a.store.ListOpenPlans(gctx, run.AgentID)
		return err
	})

	g.Go(func() error {
		runs, err := a.store.ListActiveRuns(gctx, run.AgentID)
		if err != nil {
			return err
		}
		for _, r := range runs {
			if r.ID == run.ID {
				continue
			}
			calls, err := a.store.ListToolCalls(gctx, r.ID)
			if err != nil {
				return err
			}
			msgs, err := a.store.ListRunMessages(gctx, r.ID)
			if err != nil {
				return err
			}
			src.siblings = append(src.siblings, siblingView{run: r, calls: calls, messages: msgs})
		}
		return nil
	})

	g.Go(func() error {
		calls, err := a.store.ListToolCalls(gctx, run.ID)
		if err != nil {
			return err
		}
		for _, c := range calls {
			if !c.Acknowledged && len(c.Result) > 0 {
				src.results = append(src.results, c)
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return src, nil
}

// historySpaceOf picks the space whose history is shown: the trigger's
// space for message triggers, otherwise the run's active space.
func historySpaceOf(run model.Run) string {
	if run.TriggerType == model.TriggerMessage {
		if t, ok := decodeMessageTrigger(run); ok {
			return t.SpaceID
		}
	}
	if run.ActiveSpaceID != nil {
		return *run.ActiveSpaceID
	}
	return ""
}
