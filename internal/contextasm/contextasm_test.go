package contextasm

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/machi/internal/model"
	"github.com/ashita-ai/machi/internal/storage"
	"github.com/ashita-ai/machi/internal/storage/sqlite"
	"github.com/ashita-ai/machi/internal/testutil"
)

const agent = "ada"

type world struct {
	t     *testing.T
	store *sqlite.DB
	ctx   context.Context
}

func newWorld(t *testing.T) *world {
	t.Helper()
	w := &world{t: t, store: testutil.NewSQLite(t), ctx: context.Background()}
	require.NoError(t, w.store.UpsertEntity(w.ctx, model.Entity{
		ID: agent, Kind: model.EntityAgent, DisplayName: "Ada", Instructions: "Always answer in haiku.",
	}))
	require.NoError(t, w.store.UpsertEntity(w.ctx, model.Entity{ID: "sam", Kind: model.EntityHuman, DisplayName: "Sam"}))
	require.NoError(t, w.store.UpsertEntity(w.ctx, model.Entity{ID: "bot", Kind: model.EntityAgent, DisplayName: "Bot"}))
	require.NoError(t, w.store.CreateSpace(w.ctx, model.Space{ID: "lobby", Name: "Main lobby"}))
	require.NoError(t, w.store.CreateSpace(w.ctx, model.Space{ID: "ops", Name: "ops"}))
	for _, m := range [][2]string{{"lobby", agent}, {"lobby", "sam"}, {"ops", agent}, {"ops", "bot"}} {
		require.NoError(t, w.store.AddMembership(w.ctx, m[0], m[1]))
	}
	return w
}

func (w *world) post(space, sender, content string) model.Message {
	w.t.Helper()
	msg, err := w.store.AppendMessage(w.ctx, model.Message{SpaceID: space, SenderID: sender, Content: content})
	require.NoError(w.t, err)
	return msg
}

func (w *world) messageRun(msg model.Message) model.Run {
	w.t.Helper()
	payload, err := json.Marshal(model.MessageTrigger{
		SpaceID: msg.SpaceID, MessageID: msg.ID, Seq: msg.Seq,
		SenderID: msg.SenderID, Content: msg.Content, SentAt: msg.CreatedAt,
	})
	require.NoError(w.t, err)
	run, err := w.store.CreateRun(w.ctx, model.Run{AgentID: agent, TriggerType: model.TriggerMessage, TriggerPayload: payload})
	require.NoError(w.t, err)
	return run
}

func (w *world) serviceRun(name string) model.Run {
	w.t.Helper()
	payload, _ := json.Marshal(model.ServiceTrigger{ServiceName: name, Payload: json.RawMessage(`{"b":2,"a":1}`)})
	run, err := w.store.CreateRun(w.ctx, model.Run{AgentID: agent, TriggerType: model.TriggerService, TriggerPayload: payload})
	require.NoError(w.t, err)
	return run
}

func section(t *testing.T, s Snapshot, title string) string {
	t.Helper()
	body, ok := s.Section(title)
	require.True(t, ok, "missing section %s", title)
	return body
}

func TestSectionsInFixedOrder(t *testing.T) {
	w := newWorld(t)
	run := w.serviceRun("billing")

	snap, err := New(w.store).Assemble(w.ctx, run.ID)
	require.NoError(t, err)

	var titles []string
	for _, s := range snap.Sections {
		titles = append(titles, s.Title)
	}
	assert.Equal(t, []string{
		SectionIdentity, SectionTrigger, SectionActiveSpace, SectionHistory, SectionMemberships,
		SectionState, SectionSiblings, SectionToolResults, SectionInstructions,
	}, titles)

	text := snap.Text()
	assert.True(t, strings.HasPrefix(text, "## Identity\n"))
	assert.True(t, strings.HasSuffix(strings.TrimSpace(text), "Always answer in haiku."))
}

func TestAssembleIsDeterministic(t *testing.T) {
	w := newWorld(t)
	w.post("lobby", "sam", "first")
	trigger := w.post("lobby", "sam", "second")
	run := w.messageRun(trigger)
	w.serviceRun("sibling")
	require.NoError(t, w.store.SetMemory(w.ctx, model.Memory{AgentID: agent, Key: "k", Value: "v"}))
	require.NoError(t, w.store.CreatePlan(w.ctx, model.Plan{
		ID: uuid.New(), AgentID: agent, Description: "standup", Schedule: "0 9 * * 1-5", Status: model.PlanActive,
	}))

	a := New(w.store)
	first, err := a.Assemble(w.ctx, run.ID)
	require.NoError(t, err)
	for range 5 {
		again, err := a.Assemble(w.ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, first.Text(), again.Text())
	}
	// A fresh assembler carries no state from earlier calls.
	other, err := New(w.store).Assemble(w.ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, first, other)
}

func TestHistoryMarksSeenNewAndTrigger(t *testing.T) {
	w := newWorld(t)
	old := w.post("lobby", "sam", "good morning")
	w.post("lobby", "sam", "anyone there?")
	trigger := w.post("lobby", "sam", "ping")
	require.NoError(t, w.store.AdvanceCursor(w.ctx, "lobby", agent, old.Seq))
	run := w.messageRun(trigger)

	snap, err := New(w.store).Assemble(w.ctx, run.ID)
	require.NoError(t, err)
	hist := section(t, snap, SectionHistory)

	lines := strings.Split(strings.TrimSpace(hist), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], "Space lobby, last 3 messages")
	assert.True(t, strings.HasPrefix(lines[1], "[seen] #1"), lines[1])
	assert.True(t, strings.HasPrefix(lines[2], "[new] #2"), lines[2])
	assert.True(t, strings.HasPrefix(lines[3], "[trigger] #3"), lines[3])
	assert.Contains(t, lines[3], "sam: ping")

	trig := section(t, snap, SectionTrigger)
	assert.Contains(t, trig, "Message from sam in space lobby")
	assert.Contains(t, trig, "ping")
}

func TestHistoryRendersToolCallsAndOwnAnnotations(t *testing.T) {
	w := newWorld(t)
	_, err := w.store.AppendMessage(w.ctx, model.Message{
		SpaceID: "lobby", SenderID: agent, Kind: model.MessageToolCall,
		ToolCall: &model.ToolCallContent{
			Name: "lookup", Args: json.RawMessage(`{"q": "weather"}`), Result: json.RawMessage(`{"temp": 21}`),
		},
	})
	require.NoError(t, err)
	_, err = w.store.AppendMessage(w.ctx, model.Message{
		SpaceID: "lobby", SenderID: agent, Content: "It is 21 degrees.",
		Metadata: &model.MessageMetadata{
			TriggerType:      model.TriggerMessage,
			TriggerSummary:   "message from sam in lobby: weather?",
			PrecedingActions: []string{"lookup"},
		},
	})
	require.NoError(t, err)
	w.post("lobby", agent, "no metadata here")
	trigger := w.post("lobby", "sam", "thanks")
	run := w.messageRun(trigger)

	snap, err := New(w.store).Assemble(w.ctx, run.ID)
	require.NoError(t, err)
	hist := section(t, snap, SectionHistory)

	assert.Contains(t, hist, `called lookup({"q":"weather"}) -> {"temp":21}`)
	assert.Contains(t, hist, "It is 21 degrees. (sent while handling message from sam in lobby: weather?; after lookup)")
	assert.Contains(t, hist, "ada: no metadata here\n")
}

func TestCompactionPolicyIsPluggable(t *testing.T) {
	w := newWorld(t)
	for i := range 10 {
		w.post("lobby", "sam", strings.Repeat("x", i+1))
	}
	trigger := w.post("lobby", "sam", "last")
	run := w.messageRun(trigger)

	snap, err := New(w.store, WithPolicy(RecentWindow{Size: 3})).Assemble(w.ctx, run.ID)
	require.NoError(t, err)
	hist := section(t, snap, SectionHistory)
	assert.Contains(t, hist, "last 3 messages")
	assert.NotContains(t, hist, "#8 ")
	assert.Contains(t, hist, "#9 ")
}

func TestMembershipsAndActiveSpace(t *testing.T) {
	w := newWorld(t)
	run := w.serviceRun("cron")
	ops := "ops"
	require.NoError(t, w.store.SetRunActiveSpace(w.ctx, run.ID, &ops))

	snap, err := New(w.store).Assemble(w.ctx, run.ID)
	require.NoError(t, err)

	assert.Equal(t, "Active space: ops\n", section(t, snap, SectionActiveSpace))
	spaces := section(t, snap, SectionMemberships)
	assert.Contains(t, spaces, `- lobby "Main lobby": Sam (sam, human)`)
	assert.Contains(t, spaces, "- ops [active]: Bot (bot, agent)")
	assert.NotContains(t, spaces, "Ada")

	// With no message trigger the active space supplies history.
	assert.Contains(t, section(t, snap, SectionHistory), "Space ops has no messages.")
}

func TestNoActiveSpace(t *testing.T) {
	w := newWorld(t)
	run := w.serviceRun("cron")
	snap, err := New(w.store).Assemble(w.ctx, run.ID)
	require.NoError(t, err)
	assert.Contains(t, section(t, snap, SectionActiveSpace), "No active space")
	assert.Equal(t, "No conversation for this trigger.\n", section(t, snap, SectionHistory))
	assert.Contains(t, section(t, snap, SectionTrigger), `Payload: {"a":1,"b":2}`)
}

func TestAgentState(t *testing.T) {
	w := newWorld(t)
	run := w.serviceRun("cron")
	require.NoError(t, w.store.SetMemory(w.ctx, model.Memory{AgentID: agent, Key: "zone", Value: "UTC"}))
	require.NoError(t, w.store.SetMemory(w.ctx, model.Memory{AgentID: agent, Key: "city", Value: "Kyoto"}))
	require.NoError(t, w.store.CreateGoal(w.ctx, model.Goal{ID: uuid.New(), AgentID: agent, Description: "later", Priority: 5, Status: model.GoalActive}))
	require.NoError(t, w.store.CreateGoal(w.ctx, model.Goal{ID: uuid.New(), AgentID: agent, Description: "first", Priority: 1, Status: model.GoalActive}))
	require.NoError(t, w.store.CreateGoal(w.ctx, model.Goal{ID: uuid.New(), AgentID: agent, Description: "finished", Priority: 0, Status: model.GoalDone}))
	require.NoError(t, w.store.CreatePlan(w.ctx, model.Plan{ID: uuid.New(), AgentID: agent, Description: "daily digest", Schedule: "0 8 * * *", Status: model.PlanActive}))
	require.NoError(t, w.store.CreatePlan(w.ctx, model.Plan{ID: uuid.New(), AgentID: agent, Description: "call back", Status: model.PlanPending}))
	require.NoError(t, w.store.CreatePlan(w.ctx, model.Plan{ID: uuid.New(), AgentID: agent, Description: "bad cron", Schedule: "every day", Status: model.PlanActive}))

	snap, err := New(w.store).Assemble(w.ctx, run.ID)
	require.NoError(t, err)
	state := section(t, snap, SectionState)

	assert.Less(t, strings.Index(state, "- city: Kyoto"), strings.Index(state, "- zone: UTC"))
	assert.Less(t, strings.Index(state, "[p1] first"), strings.Index(state, "[p5] later"))
	assert.NotContains(t, state, "finished")
	assert.Contains(t, state, `cron "0 8 * * *", next at `)
	assert.Contains(t, state, "T08:00:00Z")
	assert.Contains(t, state, "one-off): call back")
	assert.Contains(t, state, `cron "every day" (unparseable)`)
}

// Three concurrent sibling runs are each listed with their own action log.
func TestSiblingRuns(t *testing.T) {
	w := newWorld(t)
	self := w.serviceRun("self")

	var siblings []model.Run
	for i, name := range []string{"alpha", "beta", "gamma"} {
		run := w.serviceRun(name)
		siblings = append(siblings, run)
		require.NoError(t, w.store.RecordToolCall(w.ctx, model.ToolCallRecord{
			ID: "call-" + name, RunID: run.ID, Seq: 1, ToolName: "lookup_" + name,
			Args: json.RawMessage(`{}`), Status: model.ToolCallCompleted, Result: json.RawMessage(`{"ok":true}`),
		}))
		runID := run.ID
		_, err := w.store.AppendMessage(w.ctx, model.Message{
			SpaceID: "lobby", SenderID: agent, RunID: &runID,
			Content: "update from " + name + " " + strings.Repeat("z", 80),
		})
		require.NoError(t, err)
		if i == 1 {
			_, err := w.store.TransitionRun(w.ctx, run.ID, []model.RunStatus{model.RunStatusRunning},
				model.RunStatusWaitingTool, model.RunPatch{})
			require.NoError(t, err)
		}
	}
	finished := w.serviceRun("finished")
	_, err := w.store.TransitionRun(w.ctx, finished.ID, []model.RunStatus{model.RunStatusRunning},
		model.RunStatusCompleted, model.RunPatch{})
	require.NoError(t, err)

	snap, err := New(w.store).Assemble(w.ctx, self.ID)
	require.NoError(t, err)
	body := section(t, snap, SectionSiblings)

	assert.NotContains(t, body, self.ID.String())
	assert.NotContains(t, body, finished.ID.String())
	for i, name := range []string{"alpha", "beta", "gamma"} {
		assert.Contains(t, body, siblings[i].ID.String())
		assert.Contains(t, body, "service call from "+name)
		assert.Contains(t, body, "tools: lookup_"+name+"(completed)")
		assert.Contains(t, body, "message to lobby: update from "+name)
	}
	assert.Contains(t, body, "(waiting_tool, cycle")
	assert.Equal(t, 3, strings.Count(body, "- Run "))
	assert.NotContains(t, body, strings.Repeat("z", 80))
}

func TestUnacknowledgedToolResults(t *testing.T) {
	w := newWorld(t)
	run := w.serviceRun("cron")
	for i, id := range []string{"t1", "t2", "t3"} {
		require.NoError(t, w.store.RecordToolCall(w.ctx, model.ToolCallRecord{
			ID: id, RunID: run.ID, Seq: i + 1, ToolName: "fetch", Args: json.RawMessage(`{"n":1}`),
			Status: model.ToolCallRunning,
		}))
	}
	require.NoError(t, w.store.UpdateToolCall(w.ctx, run.ID, "t1", model.ToolCallCompleted, json.RawMessage(`{"v":1}`)))
	require.NoError(t, w.store.UpdateToolCall(w.ctx, run.ID, "t2", model.ToolCallTimedOut, json.RawMessage(`{"error":"timed out"}`)))
	require.NoError(t, w.store.AckToolCalls(w.ctx, run.ID, []string{"t1"}))

	snap, err := New(w.store).Assemble(w.ctx, run.ID)
	require.NoError(t, err)
	body := section(t, snap, SectionToolResults)
	assert.NotContains(t, body, "t1 ")
	assert.Contains(t, body, `t2 fetch({"n":1}) timed_out: {"error":"timed out"}`)
	assert.NotContains(t, body, "t3 ")
}

func TestIdentityUsesRunClock(t *testing.T) {
	w := newWorld(t)
	run := w.serviceRun("cron")
	snap, err := New(w.store).Assemble(w.ctx, run.ID)
	require.NoError(t, err)

	id := section(t, snap, SectionIdentity)
	assert.Contains(t, id, "You are Ada (id ada).")
	assert.Contains(t, id, "Current time: "+run.UpdatedAt.UTC().Format(time.RFC3339))
	assert.Contains(t, id, "cycle 1, step 0")
}

func TestAssembleUnknownRun(t *testing.T) {
	w := newWorld(t)
	_, err := New(w.store).Assemble(w.ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCustomInstructions(t *testing.T) {
	w := newWorld(t)
	run := w.serviceRun("cron")
	snap, err := New(w.store, WithInstructions("Be brief.")).Assemble(w.ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "Be brief.\n\nAlways answer in haiku.\n", section(t, snap, SectionInstructions))
}
