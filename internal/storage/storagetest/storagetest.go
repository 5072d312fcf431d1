// Package storagetest is a conformance suite for storage.Store
// implementations. Each backend's tests call Run with a migrated store.
// The suite isolates itself with fresh agent and space ids, so it can share
// a database with other tests.
package storagetest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/machi/internal/model"
	"github.com/ashita-ai/machi/internal/storage"
)

// Run executes every conformance test against s.
func Run(t *testing.T, s storage.Store) {
	t.Run("RunLifecycle", func(t *testing.T) { testRunLifecycle(t, s) })
	t.Run("ActiveSpace", func(t *testing.T) { testActiveSpace(t, s) })
	t.Run("PendingCallExpireThenResolve", func(t *testing.T) { testExpireThenResolve(t, s) })
	t.Run("PendingCallResolveThenExpire", func(t *testing.T) { testResolveThenExpire(t, s) })
	t.Run("PendingCallAsync", func(t *testing.T) { testAsyncCall(t, s) })
	t.Run("OverdueCalls", func(t *testing.T) { testOverdueCalls(t, s) })
	t.Run("InboxConcurrentEnqueue", func(t *testing.T) { testConcurrentEnqueue(t, s) })
	t.Run("InboxClaimLifecycle", func(t *testing.T) { testInboxClaim(t, s) })
	t.Run("ToolCallLog", func(t *testing.T) { testToolCalls(t, s) })
	t.Run("MessagesAndCursor", func(t *testing.T) { testMessages(t, s) })
	t.Run("AgentState", func(t *testing.T) { testAgentState(t, s) })
}

func newAgent() string { return "agent-" + uuid.NewString()[:8] }

func createRun(t *testing.T, s storage.Store, agentID string) model.Run {
	t.Helper()
	run, err := s.CreateRun(context.Background(), model.Run{
		AgentID:        agentID,
		TriggerType:    model.TriggerService,
		TriggerPayload: json.RawMessage(`{"service_name":"test"}`),
	})
	require.NoError(t, err)
	return run
}

func testRunLifecycle(t *testing.T, s storage.Store) {
	ctx := context.Background()
	agent := newAgent()

	first := createRun(t, s, agent)
	second := createRun(t, s, agent)
	assert.Equal(t, model.RunStatusRunning, first.Status)
	assert.Equal(t, int64(1), first.CycleNumber)
	assert.Equal(t, int64(2), second.CycleNumber)

	got, err := s.GetRun(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, agent, got.AgentID)
	assert.JSONEq(t, `{"service_name":"test"}`, string(got.TriggerPayload))

	require.NoError(t, s.RecordRunStep(ctx, first.ID, model.Usage{InputTokens: 10, OutputTokens: 3}))
	require.NoError(t, s.RecordRunStep(ctx, first.ID, model.Usage{InputTokens: 5, OutputTokens: 2}))

	waiting, err := s.TransitionRun(ctx, first.ID, []model.RunStatus{model.RunStatusRunning}, model.RunStatusWaitingTool, model.RunPatch{})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusWaitingTool, waiting.Status)
	assert.Equal(t, 2, waiting.StepCount)
	assert.Equal(t, int64(15), waiting.InputTokens)
	assert.Equal(t, int64(5), waiting.OutputTokens)

	active, err := s.ListActiveRuns(ctx, agent)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, first.ID, active[0].ID)

	now := time.Now().UTC()
	done, err := s.TransitionRun(ctx, first.ID, model.SourcesOf(model.RunStatusCompleted), model.RunStatusCompleted,
		model.RunPatch{CompletedAt: &now, Metrics: json.RawMessage(`{"step_count":2}`)})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)
	assert.JSONEq(t, `{"step_count":2}`, string(done.Metrics))

	_, err = s.TransitionRun(ctx, first.ID, []model.RunStatus{model.RunStatusWaitingTool}, model.RunStatusRunning, model.RunPatch{})
	assert.ErrorIs(t, err, storage.ErrInvalidTransition)
	_, err = s.TransitionRun(ctx, first.ID, []model.RunStatus{model.RunStatusCompleted}, model.RunStatusRunning, model.RunPatch{})
	assert.ErrorIs(t, err, storage.ErrInvalidTransition)
	assert.ErrorIs(t, s.RecordRunStep(ctx, first.ID, model.Usage{}), storage.ErrInvalidTransition)

	active, err = s.ListActiveRuns(ctx, agent)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, second.ID, active[0].ID)

	msg := "model exploded"
	failed, err := s.TransitionRun(ctx, second.ID, model.SourcesOf(model.RunStatusFailed), model.RunStatusFailed, model.RunPatch{Error: &msg})
	require.NoError(t, err)
	require.NotNil(t, failed.Error)
	assert.Equal(t, msg, *failed.Error)

	_, err = s.GetRun(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testActiveSpace(t *testing.T, s storage.Store) {
	ctx := context.Background()
	run := createRun(t, s, newAgent())

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			space := "space-" + string(rune('a'+i))
			assert.NoError(t, s.SetRunActiveSpace(ctx, run.ID, &space))
		}(i)
	}
	wg.Wait()

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ActiveSpaceID)
	assert.Contains(t, *got.ActiveSpaceID, "space-")

	require.NoError(t, s.SetRunActiveSpace(ctx, run.ID, nil))
	got, err = s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Nil(t, got.ActiveSpaceID)
}

func newCall(run model.Run, status model.CallStatus, expires *time.Time) model.PendingCall {
	return model.PendingCall{
		RunID:         run.ID,
		AgentID:       run.AgentID,
		CorrelationID: uuid.NewString(),
		ToolName:      "ask_human",
		Args:          json.RawMessage(`{"question":"ok?"}`),
		Status:        status,
		ExpiresAt:     expires,
	}
}

func testExpireThenResolve(t *testing.T, s storage.Store) {
	ctx := context.Background()
	run := createRun(t, s, newAgent())
	expires := time.Now().Add(time.Minute)
	call := newCall(run, model.CallWaiting, &expires)
	require.NoError(t, s.CreatePendingCall(ctx, call))

	dup := call
	dup.ID = uuid.Nil
	assert.ErrorIs(t, s.CreatePendingCall(ctx, dup), storage.ErrConflict)

	swapped, err := s.ExpirePendingCall(ctx, call.CorrelationID)
	require.NoError(t, err)
	assert.True(t, swapped)
	swapped, err = s.ExpirePendingCall(ctx, call.CorrelationID)
	require.NoError(t, err)
	assert.False(t, swapped, "second CAS must not succeed")

	prev, err := s.ResolvePendingCall(ctx, call.CorrelationID, json.RawMessage(`{"answer":"first"}`), time.Now())
	require.NoError(t, err)
	assert.Equal(t, model.CallPending, prev)

	prev, err = s.ResolvePendingCall(ctx, call.CorrelationID, json.RawMessage(`{"answer":"second"}`), time.Now())
	require.NoError(t, err)
	assert.Equal(t, model.CallResolved, prev)

	got, err := s.GetPendingCall(ctx, call.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, model.CallResolved, got.Status)
	assert.JSONEq(t, `{"answer":"first"}`, string(got.Result))
	require.NotNil(t, got.ResolvedAt)

	ev, err := s.GetInboxEvent(ctx, run.AgentID, model.ToolResultEventID(call.CorrelationID))
	require.NoError(t, err)
	assert.Equal(t, model.TriggerToolResult, ev.Type)
	assert.Equal(t, model.InboxPending, ev.Status)
	var trig model.ToolResultTrigger
	require.NoError(t, json.Unmarshal(ev.Payload, &trig))
	assert.Equal(t, call.CorrelationID, trig.CorrelationID)
	assert.Equal(t, run.ID, trig.RunID)
	assert.JSONEq(t, `{"answer":"first"}`, string(trig.Result))
}

func testResolveThenExpire(t *testing.T, s storage.Store) {
	ctx := context.Background()
	run := createRun(t, s, newAgent())
	expires := time.Now().Add(time.Minute)
	call := newCall(run, model.CallWaiting, &expires)
	require.NoError(t, s.CreatePendingCall(ctx, call))

	prev, err := s.ResolvePendingCall(ctx, call.CorrelationID, json.RawMessage(`"done"`), time.Now())
	require.NoError(t, err)
	assert.Equal(t, model.CallWaiting, prev)

	swapped, err := s.ExpirePendingCall(ctx, call.CorrelationID)
	require.NoError(t, err)
	assert.False(t, swapped)

	got, err := s.GetPendingCall(ctx, call.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, model.CallResolved, got.Status)

	_, err = s.GetInboxEvent(ctx, run.AgentID, model.ToolResultEventID(call.CorrelationID))
	assert.ErrorIs(t, err, storage.ErrNotFound, "a result delivered to a waiting run is not queued")

	_, err = s.ResolvePendingCall(ctx, "missing-"+uuid.NewString(), json.RawMessage(`1`), time.Now())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testAsyncCall(t *testing.T, s storage.Store) {
	ctx := context.Background()
	run := createRun(t, s, newAgent())
	call := newCall(run, model.CallPending, nil)
	require.NoError(t, s.CreatePendingCall(ctx, call))

	swapped, err := s.ExpirePendingCall(ctx, call.CorrelationID)
	require.NoError(t, err)
	assert.False(t, swapped)

	got, err := s.GetPendingCall(ctx, call.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, model.CallPending, got.Status)
	assert.Nil(t, got.ExpiresAt)
	assert.JSONEq(t, `{"question":"ok?"}`, string(got.Args))
}

func testOverdueCalls(t *testing.T, s storage.Store) {
	ctx := context.Background()
	run := createRun(t, s, newAgent())
	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)
	overdue := newCall(run, model.CallWaiting, &past)
	fresh := newCall(run, model.CallWaiting, &future)
	require.NoError(t, s.CreatePendingCall(ctx, overdue))
	require.NoError(t, s.CreatePendingCall(ctx, fresh))

	calls, err := s.ListOverdueCalls(ctx, time.Now(), 1000)
	require.NoError(t, err)
	var ids []string
	for _, c := range calls {
		ids = append(ids, c.CorrelationID)
	}
	assert.Contains(t, ids, overdue.CorrelationID)
	assert.NotContains(t, ids, fresh.CorrelationID)
}

func testConcurrentEnqueue(t *testing.T, s storage.Store) {
	ctx := context.Background()
	agent := newAgent()

	const workers = 10
	results := make(chan bool, workers)
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inserted, err := s.EnqueueInbox(ctx, model.InboxEvent{
				AgentID: agent,
				EventID: "evt-1",
				Type:    model.TriggerService,
				Payload: json.RawMessage(`{"service_name":"billing"}`),
			})
			assert.NoError(t, err)
			results <- inserted
		}()
	}
	wg.Wait()
	close(results)

	inserted := 0
	for ok := range results {
		if ok {
			inserted++
		}
	}
	assert.Equal(t, 1, inserted, "exactly one enqueue may write the row")

	ev, err := s.GetInboxEvent(ctx, agent, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, model.InboxPending, ev.Status)
	assert.Equal(t, 0, ev.Attempts)
}

// claimFor claims everything pending and returns the events of agent.
func claimFor(t *testing.T, s storage.Store, agent string, lease time.Duration) []model.InboxEvent {
	t.Helper()
	events, err := s.ClaimInbox(context.Background(), 1000, lease)
	require.NoError(t, err)
	var out []model.InboxEvent
	for _, e := range events {
		if e.AgentID == agent {
			out = append(out, e)
		}
	}
	return out
}

func testInboxClaim(t *testing.T, s storage.Store) {
	ctx := context.Background()
	agent := newAgent()
	base := time.Now().UTC().Add(-time.Hour)
	for i, id := range []string{"a", "b", "c"} {
		_, err := s.EnqueueInbox(ctx, model.InboxEvent{
			AgentID:   agent,
			EventID:   id,
			Type:      model.TriggerService,
			Payload:   json.RawMessage(`{"service_name":"svc"}`),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	claimed := claimFor(t, s, agent, time.Minute)
	require.Len(t, claimed, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{claimed[0].EventID, claimed[1].EventID, claimed[2].EventID})
	for _, e := range claimed {
		assert.Equal(t, model.InboxProcessing, e.Status)
		assert.Equal(t, 1, e.Attempts)
		require.NotNil(t, e.LockedUntil)
	}
	assert.Empty(t, claimFor(t, s, agent, time.Minute), "claimed events are not handed out twice")

	runID := uuid.New()
	require.NoError(t, s.MarkInboxProcessed(ctx, claimed[0].ID, runID))
	require.NoError(t, s.MarkInboxFailed(ctx, claimed[1].ID, "boom"))
	assert.ErrorIs(t, s.MarkInboxProcessed(ctx, claimed[0].ID, runID), storage.ErrNotFound)

	processed, err := s.GetInboxEvent(ctx, agent, "a")
	require.NoError(t, err)
	assert.Equal(t, model.InboxProcessed, processed.Status)
	require.NotNil(t, processed.RunID)
	assert.Equal(t, runID, *processed.RunID)

	failed, err := s.GetInboxEvent(ctx, agent, "b")
	require.NoError(t, err)
	assert.Equal(t, model.InboxFailed, failed.Status)
	require.NotNil(t, failed.LastError)
	assert.Equal(t, "boom", *failed.LastError)

	n, err := s.RequeueStaleInbox(ctx, time.Now().Add(2*time.Minute))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))

	again := claimFor(t, s, agent, time.Minute)
	require.Len(t, again, 1)
	assert.Equal(t, "c", again[0].EventID)
	assert.Equal(t, 2, again[0].Attempts)

	count, err := s.CountInbox(ctx, model.InboxProcessed)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, count, int64(1))
}

func testToolCalls(t *testing.T, s storage.Store) {
	ctx := context.Background()
	run := createRun(t, s, newAgent())
	corr := uuid.NewString()

	require.NoError(t, s.RecordToolCall(ctx, model.ToolCallRecord{
		ID: "call-2", RunID: run.ID, Seq: 2, ToolName: "ask_human", Args: json.RawMessage(`{}`),
		Status: model.ToolCallWaiting, CorrelationID: &corr,
	}))
	require.NoError(t, s.RecordToolCall(ctx, model.ToolCallRecord{
		ID: "call-1", RunID: run.ID, Seq: 1, ToolName: "set_memory", Args: json.RawMessage(`{"key":"k"}`),
		Status: model.ToolCallRunning,
	}))
	assert.ErrorIs(t, s.RecordToolCall(ctx, model.ToolCallRecord{
		ID: "call-1", RunID: run.ID, Seq: 3, ToolName: "x", Status: model.ToolCallRunning,
	}), storage.ErrConflict)

	require.NoError(t, s.UpdateToolCall(ctx, run.ID, "call-1", model.ToolCallCompleted, json.RawMessage(`{"ok":true}`)))
	assert.ErrorIs(t, s.UpdateToolCall(ctx, run.ID, "nope", model.ToolCallCompleted, nil), storage.ErrNotFound)

	calls, err := s.ListToolCalls(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, calls, 2)
	assert.Equal(t, "call-1", calls[0].ID)
	assert.Equal(t, model.ToolCallCompleted, calls[0].Status)
	assert.JSONEq(t, `{"ok":true}`, string(calls[0].Result))
	assert.Nil(t, calls[1].Result)
	require.NotNil(t, calls[1].CorrelationID)
	assert.Equal(t, corr, *calls[1].CorrelationID)

	require.NoError(t, s.AckToolCalls(ctx, run.ID, []string{"call-1"}))
	calls, err = s.ListToolCalls(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, calls[0].Acknowledged)
	assert.False(t, calls[1].Acknowledged)
}

func testMessages(t *testing.T, s storage.Store) {
	ctx := context.Background()
	agent := newAgent()
	human := "human-" + uuid.NewString()[:8]
	space := "space-" + uuid.NewString()[:8]

	require.NoError(t, s.UpsertEntity(ctx, model.Entity{ID: agent, Kind: model.EntityAgent, DisplayName: "Agent"}))
	require.NoError(t, s.UpsertEntity(ctx, model.Entity{ID: human, Kind: model.EntityHuman, DisplayName: "Hana"}))
	require.NoError(t, s.CreateSpace(ctx, model.Space{ID: space, Name: "general"}))
	assert.ErrorIs(t, s.CreateSpace(ctx, model.Space{ID: space, Name: "dup"}), storage.ErrConflict)
	require.NoError(t, s.AddMembership(ctx, space, agent))
	require.NoError(t, s.AddMembership(ctx, space, human))
	require.NoError(t, s.AddMembership(ctx, space, human))

	var wg sync.WaitGroup
	seqs := make(chan int64, 3)
	for i := range 3 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m, err := s.AppendMessage(ctx, model.Message{SpaceID: space, SenderID: human, Content: "hello"})
			assert.NoError(t, err)
			seqs <- m.Seq
		}(i)
	}
	wg.Wait()
	close(seqs)
	seen := map[int64]bool{}
	for seq := range seqs {
		seen[seq] = true
	}
	assert.Equal(t, map[int64]bool{1: true, 2: true, 3: true}, seen)

	run := createRun(t, s, agent)
	sent, err := s.AppendMessage(ctx, model.Message{
		SpaceID:  space,
		SenderID: agent,
		Kind:     model.MessageToolCall,
		ToolCall: &model.ToolCallContent{Name: "lookup", Args: json.RawMessage(`{"q":"x"}`), Result: json.RawMessage(`{"hits":1}`)},
		Metadata: &model.MessageMetadata{RunID: run.ID.String(), TriggerType: model.TriggerService, PrecedingActions: []string{"set_memory"}},
		RunID:    &run.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(4), sent.Seq)

	recent, err := s.ListRecentMessages(ctx, space, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, int64(3), recent[0].Seq)
	assert.Equal(t, int64(4), recent[1].Seq)
	require.NotNil(t, recent[1].ToolCall)
	assert.Equal(t, "lookup", recent[1].ToolCall.Name)
	require.NotNil(t, recent[1].Metadata)
	assert.Equal(t, []string{"set_memory"}, recent[1].Metadata.PrecedingActions)

	byRun, err := s.ListRunMessages(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, byRun, 1)
	assert.Equal(t, sent.ID, byRun[0].ID)

	require.NoError(t, s.AdvanceCursor(ctx, space, agent, 3))
	require.NoError(t, s.AdvanceCursor(ctx, space, agent, 1))
	m, err := s.GetMembership(ctx, space, agent)
	require.NoError(t, err)
	assert.Equal(t, int64(3), m.LastProcessedSeq, "cursor never moves backwards")
	assert.ErrorIs(t, s.AdvanceCursor(ctx, "missing", agent, 1), storage.ErrNotFound)

	members, err := s.ListSpaceMembers(ctx, space)
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, agent, members[0].ID)

	ms, err := s.ListMemberships(ctx, human)
	require.NoError(t, err)
	require.Len(t, ms, 1)
	assert.Equal(t, space, ms[0].SpaceID)

	e, err := s.GetEntity(ctx, human)
	require.NoError(t, err)
	assert.Equal(t, model.EntityHuman, e.Kind)
	_, err = s.GetEntity(ctx, "nobody-"+uuid.NewString())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testAgentState(t *testing.T, s storage.Store) {
	ctx := context.Background()
	agent := newAgent()

	require.NoError(t, s.SetMemory(ctx, model.Memory{AgentID: agent, Key: "zeta", Value: "1"}))
	require.NoError(t, s.SetMemory(ctx, model.Memory{AgentID: agent, Key: "alpha", Value: "1"}))
	require.NoError(t, s.SetMemory(ctx, model.Memory{AgentID: agent, Key: "alpha", Value: "2"}))
	mems, err := s.ListMemories(ctx, agent)
	require.NoError(t, err)
	require.Len(t, mems, 2)
	assert.Equal(t, "alpha", mems[0].Key)
	assert.Equal(t, "2", mems[0].Value)
	require.NoError(t, s.DeleteMemory(ctx, agent, "zeta"))
	require.NoError(t, s.DeleteMemory(ctx, agent, "zeta"))
	mems, err = s.ListMemories(ctx, agent)
	require.NoError(t, err)
	assert.Len(t, mems, 1)

	require.NoError(t, s.CreateGoal(ctx, model.Goal{AgentID: agent, Description: "later", Priority: 5}))
	require.NoError(t, s.CreateGoal(ctx, model.Goal{AgentID: agent, Description: "first", Priority: 1}))
	require.NoError(t, s.CreateGoal(ctx, model.Goal{AgentID: agent, Description: "old", Priority: 0, Status: model.GoalDone}))
	goals, err := s.ListActiveGoals(ctx, agent)
	require.NoError(t, err)
	require.Len(t, goals, 2)
	assert.Equal(t, "first", goals[0].Description)

	plan := model.Plan{ID: uuid.New(), AgentID: agent, Description: "daily report", Schedule: "0 9 * * *"}
	require.NoError(t, s.CreatePlan(ctx, plan))
	require.NoError(t, s.CreatePlan(ctx, model.Plan{AgentID: agent, Description: "done", Status: model.PlanDone}))
	plans, err := s.ListOpenPlans(ctx, agent)
	require.NoError(t, err)
	require.Len(t, plans, 1)
	assert.Equal(t, "0 9 * * *", plans[0].Schedule)

	got, err := s.GetPlan(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, "daily report", got.Description)
	_, err = s.GetPlan(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
