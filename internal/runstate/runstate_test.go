package runstate

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/machi/internal/bus"
	"github.com/ashita-ai/machi/internal/contextasm"
	"github.com/ashita-ai/machi/internal/correlation"
	"github.com/ashita-ai/machi/internal/fault"
	"github.com/ashita-ai/machi/internal/model"
	"github.com/ashita-ai/machi/internal/modelclient"
	"github.com/ashita-ai/machi/internal/storage"
	"github.com/ashita-ai/machi/internal/storage/sqlite"
	"github.com/ashita-ai/machi/internal/testutil"
	"github.com/ashita-ai/machi/internal/tools"
)

const agent = "ada"

type harness struct {
	t      *testing.T
	ctx    context.Context
	store  *sqlite.DB
	bus    *bus.MemoryBus
	corr   *correlation.Manager
	client *modelclient.Scripted
	m      *Machine
}

func newHarness(t *testing.T, cfg Config, steps ...modelclient.Step) *harness {
	t.Helper()
	ctx := context.Background()
	store := testutil.NewSQLite(t)
	b := bus.NewMemoryBus()
	logger := testutil.TestLogger()

	require.NoError(t, store.UpsertEntity(ctx, model.Entity{ID: agent, Kind: model.EntityAgent, DisplayName: "Ada"}))
	require.NoError(t, store.UpsertEntity(ctx, model.Entity{ID: "sam", Kind: model.EntityHuman, DisplayName: "Sam"}))
	require.NoError(t, store.CreateSpace(ctx, model.Space{ID: "lobby", Name: "Lobby"}))
	require.NoError(t, store.AddMembership(ctx, "lobby", agent))
	require.NoError(t, store.AddMembership(ctx, "lobby", "sam"))

	objectSchema := json.RawMessage(`{"type":"object"}`)
	custom := []tools.Tool{
		{Name: "approve", Execution: tools.Wait, Schema: objectSchema, Timeout: 5 * time.Second},
		{Name: "approve_quick", Execution: tools.Wait, Schema: objectSchema, Timeout: 100 * time.Millisecond},
		{Name: "ship", Execution: tools.Async, Schema: objectSchema},
		{Name: "ask_human", Execution: tools.Client, Schema: objectSchema},
		{Name: "explode", Execution: tools.Inline, Executor: func(context.Context, *tools.RunContext, json.RawMessage) (json.RawMessage, error) {
			panic("kaboom")
		}},
	}
	reg, err := tools.NewRegistry(logger, append(tools.Builtin(store), custom...)...)
	require.NoError(t, err)

	corr := correlation.New(store, b, logger)
	client := modelclient.NewScripted(steps...)
	m := New(Deps{
		Store:       store,
		Correlation: corr,
		Assembler:   contextasm.New(store),
		Client:      client,
		Registry:    reg,
		Bus:         b,
		Logger:      logger,
	}, cfg)
	return &harness{t: t, ctx: ctx, store: store, bus: b, corr: corr, client: client, m: m}
}

func serviceTrigger(name string) Trigger {
	payload, _ := json.Marshal(model.ServiceTrigger{ServiceName: name})
	return Trigger{AgentID: agent, Type: model.TriggerService, Payload: payload}
}

func (h *harness) start(t Trigger) model.Run {
	h.t.Helper()
	run, err := h.m.Start(h.ctx, t)
	require.NoError(h.t, err)
	return run
}

func (h *harness) toolCalls(runID uuid.UUID) []model.ToolCallRecord {
	h.t.Helper()
	calls, err := h.store.ListToolCalls(h.ctx, runID)
	require.NoError(h.t, err)
	return calls
}

func metricsOf(t *testing.T, run model.Run) model.RunMetrics {
	t.Helper()
	var m model.RunMetrics
	require.NoError(t, json.Unmarshal(run.Metrics, &m))
	return m
}

// resolveNextToolCall answers the next tool.call announcement with result.
func (h *harness) resolveNextToolCall(result string) <-chan string {
	h.t.Helper()
	sub, err := h.bus.Subscribe(h.ctx, bus.ToolsChannel)
	require.NoError(h.t, err)
	done := make(chan string, 1)
	go func() {
		defer sub.Close()
		select {
		case payload := <-sub.C:
			var ev model.ToolCallEvent
			if err := json.Unmarshal(payload, &ev); err != nil {
				close(done)
				return
			}
			time.Sleep(20 * time.Millisecond)
			_, _ = h.corr.Resolve(h.ctx, ev.ToolCallID, json.RawMessage(result))
			done <- ev.ToolCallID
		case <-time.After(5 * time.Second):
			close(done)
		}
	}()
	return done
}

func TestFinalAnswerCompletes(t *testing.T) {
	h := newHarness(t, Config{}, modelclient.Answer("all good"))
	run := h.start(serviceTrigger("billing"))

	assert.Equal(t, model.RunStatusCompleted, run.Status)
	require.NotNil(t, run.CompletedAt)
	assert.Nil(t, run.Error)

	m := metricsOf(t, run)
	assert.Equal(t, 1, m.StepCount)
	assert.Equal(t, int64(10), m.InputTokens)
	assert.Equal(t, int64(5), m.OutputTokens)
	assert.Equal(t, "all good", m.FinalText)

	reqs := h.client.Requests()
	require.Len(t, reqs, 1)
	assert.Contains(t, reqs[0].Context, "Service billing invoked")
	assert.NotEmpty(t, reqs[0].Tools)
}

func TestStartRejectsInvalidTrigger(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.m.Start(h.ctx, Trigger{AgentID: agent, Type: model.TriggerService, Payload: json.RawMessage(`{}`)})
	assert.True(t, fault.Is(err, fault.Validation))

	_, err = h.m.Start(h.ctx, Trigger{Type: model.TriggerService, Payload: json.RawMessage(`{"service_name":"x"}`)})
	assert.True(t, fault.Is(err, fault.Validation))

	runs, err := h.store.ListActiveRuns(h.ctx, agent)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestInlineToolResultIsShownThenAcknowledged(t *testing.T) {
	h := newHarness(t, Config{},
		modelclient.Call("c1", "set_memory", `{"key":"tz","value":"JST"}`),
		modelclient.Answer("noted"),
	)
	run := h.start(serviceTrigger("billing"))
	assert.Equal(t, model.RunStatusCompleted, run.Status)
	assert.Equal(t, 2, run.StepCount)

	mems, err := h.store.ListMemories(h.ctx, agent)
	require.NoError(t, err)
	require.Len(t, mems, 1)

	calls := h.toolCalls(run.ID)
	require.Len(t, calls, 1)
	assert.Equal(t, model.ToolCallCompleted, calls[0].Status)
	assert.True(t, calls[0].Acknowledged)

	reqs := h.client.Requests()
	require.Len(t, reqs, 2)
	assert.Contains(t, reqs[1].Context, `c1 set_memory(`)
}

func TestToolPanicIsReturnedToModel(t *testing.T) {
	h := newHarness(t, Config{},
		modelclient.Call("c1", "explode", `{}`),
		modelclient.Answer("recovered"),
	)
	run := h.start(serviceTrigger("billing"))
	assert.Equal(t, model.RunStatusCompleted, run.Status)

	calls := h.toolCalls(run.ID)
	require.Len(t, calls, 1)
	assert.Equal(t, model.ToolCallFailed, calls[0].Status)
	assert.Contains(t, string(calls[0].Result), "kaboom")
}

func TestInvalidToolArgsFailRun(t *testing.T) {
	h := newHarness(t, Config{}, modelclient.Call("c1", "set_memory", `{"key":"only"}`))
	run := h.start(serviceTrigger("billing"))

	assert.Equal(t, model.RunStatusFailed, run.Status)
	require.NotNil(t, run.Error)
	assert.Contains(t, *run.Error, "validation")

	calls := h.toolCalls(run.ID)
	require.Len(t, calls, 1)
	assert.Equal(t, model.ToolCallFailed, calls[0].Status)
}

func TestUnknownToolFailsRun(t *testing.T) {
	h := newHarness(t, Config{}, modelclient.Call("c1", "launch_rockets", `{}`))
	run := h.start(serviceTrigger("billing"))
	assert.Equal(t, model.RunStatusFailed, run.Status)
	assert.Contains(t, *run.Error, "launch_rockets")
}

func TestModelErrorFailsRun(t *testing.T) {
	h := newHarness(t, Config{}, modelclient.Fail(errors.New("provider unavailable")))
	run := h.start(serviceTrigger("billing"))
	assert.Equal(t, model.RunStatusFailed, run.Status)
	assert.Contains(t, *run.Error, "provider unavailable")
	require.NotNil(t, run.CompletedAt)
}

func TestStepLimit(t *testing.T) {
	h := newHarness(t, Config{MaxSteps: 2},
		modelclient.Call("a", "set_memory", `{"key":"a","value":"1"}`),
		modelclient.Call("b", "set_memory", `{"key":"b","value":"2"}`),
		modelclient.Answer("never reached"),
	)
	run := h.start(serviceTrigger("billing"))
	assert.Equal(t, model.RunStatusFailed, run.Status)
	assert.Contains(t, *run.Error, "step limit")
	assert.Len(t, h.client.Requests(), 2)
}

// A bounded wait that gets its answer keeps the run in running.
func TestWaitToolResolvedInline(t *testing.T) {
	h := newHarness(t, Config{},
		modelclient.Call("c1", "approve", `{"amount":5}`),
		modelclient.Answer("approved"),
	)
	done := h.resolveNextToolCall(`{"approved":true}`)
	run := h.start(serviceTrigger("billing"))
	corrID := <-done
	require.NotEmpty(t, corrID)

	assert.Equal(t, model.RunStatusCompleted, run.Status)
	calls := h.toolCalls(run.ID)
	require.Len(t, calls, 1)
	assert.Equal(t, model.ToolCallCompleted, calls[0].Status)
	assert.JSONEq(t, `{"approved":true}`, string(calls[0].Result))
	require.NotNil(t, calls[0].CorrelationID)
	assert.Equal(t, corrID, *calls[0].CorrelationID)
}

// The wait times out, the run carries on, and the late result starts a
// new run through the inbox.
func TestWaitToolTimeoutThenLateResult(t *testing.T) {
	h := newHarness(t, Config{},
		modelclient.Call("c1", "approve_quick", `{}`),
		modelclient.Answer("gave up waiting"),
		modelclient.Answer("late approval noted"),
	)
	parent := h.start(serviceTrigger("billing"))
	assert.Equal(t, model.RunStatusCompleted, parent.Status)

	calls := h.toolCalls(parent.ID)
	require.Len(t, calls, 1)
	assert.Equal(t, model.ToolCallTimedOut, calls[0].Status)
	assert.Contains(t, string(calls[0].Result), "timed out")
	corrID := *calls[0].CorrelationID

	dup, err := h.corr.Resolve(h.ctx, corrID, json.RawMessage(`{"approved":"late"}`))
	require.NoError(t, err)
	assert.False(t, dup)

	ev, err := h.store.GetInboxEvent(h.ctx, agent, model.ToolResultEventID(corrID))
	require.NoError(t, err)

	child, err := h.m.StartFromInbox(h.ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, child.Status)
	assert.Equal(t, model.TriggerToolResult, child.TriggerType)
	require.NotNil(t, child.ParentRunID)
	assert.Equal(t, parent.ID, *child.ParentRunID)
	require.NotNil(t, child.InboxEventID)
	assert.Equal(t, ev.ID, *child.InboxEventID)

	reqs := h.client.Requests()
	assert.Contains(t, reqs[len(reqs)-1].Context, "Late result for tool approve_quick")

	// The parent was already terminal: neither the run nor its tool log
	// changes.
	calls = h.toolCalls(parent.ID)
	assert.Equal(t, model.ToolCallTimedOut, calls[0].Status)
	assert.Contains(t, string(calls[0].Result), "timed out")

	after, err := h.store.GetRun(h.ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, after.Status)
	assert.Equal(t, parent.Metrics, after.Metrics)
}

// Message metadata lists the calls that went out before it: external
// ones included, rejected ones left out.
func TestSendMessagePrecedingActions(t *testing.T) {
	h := newHarness(t, Config{},
		modelclient.Call("c1", "send_message", `{"content":"too early"}`),
		modelclient.Call("c2", "ship", `{"sku":"x"}`),
		modelclient.Call("c3", "enter_space", `{"space_id":"lobby"}`),
		modelclient.Call("c4", "send_message", `{"content":"shipping"}`),
		modelclient.Answer("done"),
	)
	run := h.start(serviceTrigger("billing"))
	assert.Equal(t, model.RunStatusCompleted, run.Status)

	calls := h.toolCalls(run.ID)
	require.Len(t, calls, 4)
	assert.Equal(t, model.ToolCallFailed, calls[0].Status)

	msgs, err := h.store.ListRecentMessages(h.ctx, "lobby", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].Metadata)
	assert.Equal(t, []string{"ship", "enter_space"}, msgs[0].Metadata.PrecedingActions)
}

func TestAsyncToolDoesNotWait(t *testing.T) {
	h := newHarness(t, Config{},
		modelclient.Call("c1", "ship", `{"sku":"x"}`),
		modelclient.Answer("shipping started"),
	)
	start := time.Now()
	run := h.start(serviceTrigger("billing"))
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Equal(t, model.RunStatusCompleted, run.Status)

	calls := h.toolCalls(run.ID)
	require.Len(t, calls, 1)
	assert.Equal(t, model.ToolCallPending, calls[0].Status)
	call, err := h.corr.Get(h.ctx, *calls[0].CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, model.CallPending, call.Status)
}

// A client tool has no bounded wait: the run suspends and a new run picks
// up the answer.
func TestClientToolSuspendsAndResumes(t *testing.T) {
	h := newHarness(t, Config{},
		modelclient.Call("c1", "enter_space", `{"space_id":"lobby"}`),
		modelclient.Call("c2", "ask_human", `{"question":"ship it?"}`),
		modelclient.Answer("human said yes"),
	)
	parent := h.start(serviceTrigger("billing"))
	assert.Equal(t, model.RunStatusWaitingTool, parent.Status)
	assert.Nil(t, parent.CompletedAt)

	msgs, err := h.store.ListRecentMessages(h.ctx, "lobby", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.MessageToolCall, msgs[0].Kind)
	assert.Equal(t, "ask_human", msgs[0].ToolCall.Name)

	calls := h.toolCalls(parent.ID)
	require.Len(t, calls, 2)
	assert.Equal(t, model.ToolCallWaiting, calls[1].Status)

	_, err = h.corr.Resolve(h.ctx, *calls[1].CorrelationID, json.RawMessage(`{"answer":"yes"}`))
	require.NoError(t, err)
	ev, err := h.store.GetInboxEvent(h.ctx, agent, model.ToolResultEventID(*calls[1].CorrelationID))
	require.NoError(t, err)

	child, err := h.m.StartFromInbox(h.ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, child.Status)

	parent, err = h.store.GetRun(h.ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, parent.Status)
	calls = h.toolCalls(parent.ID)
	assert.Equal(t, model.ToolCallCompleted, calls[1].Status)
	assert.JSONEq(t, `{"answer":"yes"}`, string(calls[1].Result))
	m := metricsOf(t, parent)
	require.NotNil(t, m.ResumedBy)
	assert.Equal(t, child.ID, *m.ResumedBy)
}

func TestCancelWaitingRun(t *testing.T) {
	h := newHarness(t, Config{}, modelclient.Call("c1", "ask_human", `{}`))
	run := h.start(serviceTrigger("billing"))
	require.Equal(t, model.RunStatusWaitingTool, run.Status)

	cancelled, err := h.m.Cancel(h.ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, cancelled.Status)
	assert.Equal(t, ErrCancelled.Error(), *cancelled.Error)

	_, err = h.m.Cancel(h.ctx, run.ID)
	assert.ErrorIs(t, err, storage.ErrInvalidTransition)

	_, err = h.m.Cancel(h.ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

// Cancelling a run inside a bounded wait ends the wait early.
func TestCancelDuringBoundedWait(t *testing.T) {
	h := newHarness(t, Config{}, modelclient.Call("c1", "approve", `{}`))
	sub, err := h.bus.Subscribe(h.ctx, bus.ToolsChannel)
	require.NoError(t, err)
	defer sub.Close()

	type result struct {
		run model.Run
		err error
	}
	out := make(chan result, 1)
	go func() {
		run, err := h.m.Start(h.ctx, serviceTrigger("billing"))
		out <- result{run, err}
	}()

	var ev model.ToolCallEvent
	select {
	case payload := <-sub.C:
		require.NoError(t, json.Unmarshal(payload, &ev))
	case <-time.After(5 * time.Second):
		t.Fatal("tool call never announced")
	}
	runID := uuid.MustParse(ev.RunID)
	_, err = h.m.Cancel(h.ctx, runID)
	require.NoError(t, err)

	select {
	case r := <-out:
		require.NoError(t, r.err)
		assert.Equal(t, model.RunStatusFailed, r.run.Status)
		assert.Equal(t, ErrCancelled.Error(), *r.run.Error)
	case <-time.After(3 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
}

func TestMessageTriggerAdvancesCursor(t *testing.T) {
	h := newHarness(t, Config{}, modelclient.Answer("hi sam"))
	msg, err := h.store.AppendMessage(h.ctx, model.Message{SpaceID: "lobby", SenderID: "sam", Content: "hello"})
	require.NoError(t, err)
	payload, _ := json.Marshal(model.MessageTrigger{
		SpaceID: "lobby", MessageID: msg.ID, Seq: msg.Seq, SenderID: "sam", Content: "hello", SentAt: msg.CreatedAt,
	})

	run := h.start(Trigger{AgentID: agent, Type: model.TriggerMessage, Payload: payload})
	assert.Equal(t, model.RunStatusCompleted, run.Status)

	mem, err := h.store.GetMembership(h.ctx, "lobby", agent)
	require.NoError(t, err)
	assert.Equal(t, msg.Seq, mem.LastProcessedSeq)
}

// However finishes and cancels interleave, a terminal run never returns
// to running.
func TestTerminalRunsStayTerminal(t *testing.T) {
	h := newHarness(t, Config{})

	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 30
	properties := gopter.NewProperties(params)

	properties.Property("no edge leaves a terminal state", prop.ForAll(
		func(ops []int) bool {
			run, err := h.store.CreateRun(h.ctx, model.Run{
				AgentID: agent, TriggerType: model.TriggerService,
				TriggerPayload: json.RawMessage(`{"service_name":"prop"}`),
			})
			if err != nil {
				return false
			}
			var terminal model.RunStatus
			for _, op := range ops {
				switch op {
				case 0:
					_, _ = h.m.finish(h.ctx, run, model.RunStatusCompleted, nil, "", nil)
				case 1:
					_, _ = h.m.finish(h.ctx, run, model.RunStatusFailed, errors.New("x"), "", nil)
				case 2:
					_, _ = h.m.Cancel(h.ctx, run.ID)
				case 3:
					_, _ = h.store.TransitionRun(h.ctx, run.ID,
						[]model.RunStatus{model.RunStatusWaitingTool}, model.RunStatusRunning, model.RunPatch{})
				case 4:
					_, _ = h.store.TransitionRun(h.ctx, run.ID,
						[]model.RunStatus{model.RunStatusRunning}, model.RunStatusWaitingTool, model.RunPatch{})
				}
				cur, err := h.store.GetRun(h.ctx, run.ID)
				if err != nil {
					return false
				}
				if terminal != "" && cur.Status != terminal {
					return false
				}
				if cur.Status.Terminal() {
					terminal = cur.Status
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 4)),
	))

	properties.TestingRun(t)
}
