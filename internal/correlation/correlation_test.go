package correlation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/machi/internal/bus"
	"github.com/ashita-ai/machi/internal/fault"
	"github.com/ashita-ai/machi/internal/model"
	"github.com/ashita-ai/machi/internal/storage"
	"github.com/ashita-ai/machi/internal/storage/sqlite"
	"github.com/ashita-ai/machi/internal/testutil"
)

type fixture struct {
	store *sqlite.DB
	bus   *bus.MemoryBus
	mgr   *Manager
	run   model.Run
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	store := testutil.NewSQLite(t)
	b := bus.NewMemoryBus()
	run, err := store.CreateRun(context.Background(), model.Run{
		AgentID:        "agent-a",
		TriggerType:    model.TriggerService,
		TriggerPayload: json.RawMessage(`{"service_name":"test"}`),
	})
	require.NoError(t, err)
	return &fixture{
		store: store,
		bus:   b,
		mgr:   New(store, b, testutil.TestLogger(), opts...),
		run:   run,
	}
}

func (f *fixture) create(t *testing.T, mode model.CallMode, timeout time.Duration) string {
	t.Helper()
	id, err := f.mgr.CreatePendingCall(context.Background(), CreateRequest{
		RunID:    f.run.ID,
		AgentID:  f.run.AgentID,
		ToolName: "approve_refund",
		Args:     json.RawMessage(`{"amount":42}`),
		Mode:     mode,
		Timeout:  timeout,
	})
	require.NoError(t, err)
	return id
}

func (f *fixture) status(t *testing.T, id string) model.CallStatus {
	t.Helper()
	call, err := f.store.GetPendingCall(context.Background(), id)
	require.NoError(t, err)
	return call.Status
}

func TestCreatePendingCallInitialStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	syncID := f.create(t, model.CallModeSync, time.Minute)
	asyncID := f.create(t, model.CallModeAsync, time.Minute)
	assert.NotEqual(t, syncID, asyncID)

	syncCall, err := f.mgr.Get(ctx, syncID)
	require.NoError(t, err)
	assert.Equal(t, model.CallWaiting, syncCall.Status)
	require.NotNil(t, syncCall.ExpiresAt)

	asyncCall, err := f.mgr.Get(ctx, asyncID)
	require.NoError(t, err)
	assert.Equal(t, model.CallPending, asyncCall.Status)
	assert.Nil(t, asyncCall.ExpiresAt)
}

func TestCreatePendingCallValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.mgr.CreatePendingCall(ctx, CreateRequest{RunID: f.run.ID, Mode: model.CallModeSync})
	assert.True(t, fault.Is(err, fault.Validation))

	_, err = f.mgr.CreatePendingCall(ctx, CreateRequest{RunID: f.run.ID, ToolName: "x", Mode: "later"})
	assert.True(t, fault.Is(err, fault.Validation))

	_, err = f.mgr.CreatePendingCall(ctx, CreateRequest{
		RunID: f.run.ID, ToolName: "x", Mode: model.CallModeAsync, Args: json.RawMessage(`{`),
	})
	assert.True(t, fault.Is(err, fault.Validation))
}

// Resolution arrives well inside the wait.
func TestAwaitResolvedBeforeTimeout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t, model.CallModeSync, 5*time.Second)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_, err := f.mgr.Resolve(ctx, id, json.RawMessage(`{"approved":true}`))
		assert.NoError(t, err)
	}()

	start := time.Now()
	result, ok, err := f.mgr.AwaitResolution(ctx, id, 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"approved":true}`, string(result))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, model.CallResolved, f.status(t, id))
}

// Nobody resolves: the call flips to pending and a later result is queued
// for the agent's inbox.
func TestAwaitTimeoutThenLateResultReachesInbox(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t, model.CallModeSync, 100*time.Millisecond)

	result, ok, err := f.mgr.AwaitResolution(ctx, id, 100*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, result)
	assert.Equal(t, model.CallPending, f.status(t, id))

	dup, err := f.mgr.Resolve(ctx, id, json.RawMessage(`{"approved":false}`))
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, model.CallResolved, f.status(t, id))

	ev, err := f.store.GetInboxEvent(ctx, f.run.AgentID, model.ToolResultEventID(id))
	require.NoError(t, err)
	assert.Equal(t, model.TriggerToolResult, ev.Type)
	assert.Equal(t, model.InboxPending, ev.Status)

	var payload model.ToolResultTrigger
	require.NoError(t, json.Unmarshal(ev.Payload, &payload))
	assert.Equal(t, id, payload.CorrelationID)
	assert.Equal(t, f.run.ID, payload.RunID)
	assert.JSONEq(t, `{"approved":false}`, string(payload.Result))
}

// A resolution that lands between the timer firing and the CAS must be
// returned, not lost to the inbox.
func TestResolveInsideExpiryWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t, model.CallModeSync, 50*time.Millisecond)

	f.mgr.beforeExpire = func(cid string) {
		time.Sleep(5 * time.Millisecond)
		_, err := f.mgr.Resolve(ctx, cid, json.RawMessage(`{"late_but_in_time":true}`))
		require.NoError(t, err)
	}

	result, ok, err := f.mgr.AwaitResolution(ctx, id, 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"late_but_in_time":true}`, string(result))
	assert.Equal(t, model.CallResolved, f.status(t, id))

	_, err = f.store.GetInboxEvent(ctx, f.run.AgentID, model.ToolResultEventID(id))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAwaitReturnsWithinBound(t *testing.T) {
	f := newFixture(t)
	const timeout = 150 * time.Millisecond
	id := f.create(t, model.CallModeSync, timeout)

	start := time.Now()
	_, ok, err := f.mgr.AwaitResolution(context.Background(), id, timeout)
	elapsed := time.Since(start)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+time.Second)
}

func TestAwaitFastPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t, model.CallModeSync, time.Minute)

	_, err := f.mgr.Resolve(ctx, id, json.RawMessage(`"done"`))
	require.NoError(t, err)

	start := time.Now()
	result, ok, err := f.mgr.AwaitResolution(ctx, id, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `"done"`, string(result))
	assert.Less(t, time.Since(start), time.Second)
}

// Resolved directly in the store with only an empty nudge on the bus.
func TestAwaitRereadsOnEmptyNotification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t, model.CallModeSync, 5*time.Second)

	go func() {
		assert.Eventually(t, func() bool { return f.bus.Subscribers(bus.Channel(id)) == 1 },
			2*time.Second, 5*time.Millisecond)
		_, err := f.store.ResolvePendingCall(ctx, id, json.RawMessage(`{"via":"store"}`), time.Now())
		assert.NoError(t, err)
		assert.NoError(t, f.bus.Publish(ctx, bus.Channel(id), nil))
	}()

	start := time.Now()
	result, ok, err := f.mgr.AwaitResolution(ctx, id, 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"via":"store"}`, string(result))
	assert.Less(t, time.Since(start), 3*time.Second)
}

type brokenBus struct{}

func (brokenBus) Publish(context.Context, string, []byte) error {
	return fault.Errorf(fault.Transport, "bus.publish", "connection refused")
}

func (brokenBus) Subscribe(context.Context, string) (*bus.Subscription, error) {
	return nil, fault.Errorf(fault.Transport, "bus.subscribe", "connection refused")
}

func TestSubscribeFailureDegradesToTimeout(t *testing.T) {
	f := newFixture(t)
	mgr := New(f.store, brokenBus{}, testutil.TestLogger())
	id := f.create(t, model.CallModeSync, time.Minute)

	start := time.Now()
	_, ok, err := mgr.AwaitResolution(context.Background(), id, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, model.CallPending, f.status(t, id))

	// Publishing is best effort; the resolution itself still sticks.
	dup, err := mgr.Resolve(context.Background(), id, json.RawMessage(`1`))
	require.NoError(t, err)
	assert.False(t, dup)
}

func TestPublishFailureStillResolves(t *testing.T) {
	f := newFixture(t)
	mgr := New(f.store, brokenBus{}, testutil.TestLogger())
	id := f.create(t, model.CallModeSync, time.Minute)

	dup, err := mgr.Resolve(context.Background(), id, json.RawMessage(`{"ok":1}`))
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, model.CallResolved, f.status(t, id))
}

func TestAwaitCancelledIsTimeout(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, model.CallModeSync, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	_, ok, err := f.mgr.AwaitResolution(ctx, id, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, model.CallPending, f.status(t, id))
}

func TestPollingStrategy(t *testing.T) {
	f := newFixture(t, WithPolling(10*time.Millisecond))
	ctx := context.Background()

	id := f.create(t, model.CallModeSync, 5*time.Second)
	go func() {
		time.Sleep(30 * time.Millisecond)
		_, err := f.mgr.Resolve(ctx, id, json.RawMessage(`{"polled":true}`))
		assert.NoError(t, err)
	}()
	result, ok, err := f.mgr.AwaitResolution(ctx, id, 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"polled":true}`, string(result))

	idle := f.create(t, model.CallModeSync, 80*time.Millisecond)
	_, ok, err = f.mgr.AwaitResolution(ctx, idle, 80*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, model.CallPending, f.status(t, idle))
}

func TestAsyncCallDeliversThroughInbox(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t, model.CallModeAsync, 0)

	dup, err := f.mgr.Resolve(ctx, id, json.RawMessage(`{"shipped":true}`))
	require.NoError(t, err)
	assert.False(t, dup)

	ev, err := f.store.GetInboxEvent(ctx, f.run.AgentID, model.ToolResultEventID(id))
	require.NoError(t, err)
	assert.Equal(t, model.TriggerToolResult, ev.Type)
}

func TestResolveUnknownCall(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.Resolve(context.Background(), "missing", json.RawMessage(`{}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestResolveRejectsInvalidJSON(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, model.CallModeSync, time.Minute)
	_, err := f.mgr.Resolve(context.Background(), id, json.RawMessage(`{"open":`))
	assert.True(t, fault.Is(err, fault.Validation))
	assert.Equal(t, model.CallWaiting, f.status(t, id))
}

func TestResolveRejectsNullResult(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, model.CallModeSync, time.Minute)
	for _, raw := range []string{"", "null", "  null\n"} {
		_, err := f.mgr.Resolve(context.Background(), id, json.RawMessage(raw))
		assert.True(t, fault.Is(err, fault.Validation), "result %q", raw)
	}
	assert.Equal(t, model.CallWaiting, f.status(t, id))

	dup, err := f.mgr.Resolve(context.Background(), id, json.RawMessage(`{"ok":true}`))
	require.NoError(t, err)
	assert.False(t, dup)
}

func TestResolveIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 25
	properties := gopter.NewProperties(params)

	properties.Property("second resolve keeps the first result", prop.ForAll(
		func(first, second string, async bool) bool {
			mode := model.CallModeSync
			if async {
				mode = model.CallModeAsync
			}
			id := f.create(t, mode, time.Minute)

			a, _ := json.Marshal(map[string]string{"v": first})
			b, _ := json.Marshal(map[string]string{"v": second})

			dup1, err := f.mgr.Resolve(ctx, id, a)
			if err != nil || dup1 {
				return false
			}
			dup2, err := f.mgr.Resolve(ctx, id, b)
			if err != nil || !dup2 {
				return false
			}
			call, err := f.store.GetPendingCall(ctx, id)
			if err != nil {
				return false
			}
			return call.Status == model.CallResolved && string(call.Result) == string(a)
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

func TestConcurrentResolversOneWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t, model.CallModeSync, time.Minute)

	var winners atomic.Int32
	done := make(chan struct{})
	for i := range 8 {
		go func() {
			defer func() { done <- struct{}{} }()
			dup, err := f.mgr.Resolve(ctx, id, json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)))
			assert.NoError(t, err)
			if !dup {
				winners.Add(1)
			}
		}()
	}
	for range 8 {
		<-done
	}
	assert.Equal(t, int32(1), winners.Load())
}

func TestSweepOverdue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	stale := f.create(t, model.CallModeSync, time.Millisecond)
	fresh := f.create(t, model.CallModeSync, time.Hour)

	later := New(f.store, f.bus, testutil.TestLogger(), WithClock(func() time.Time {
		return time.Now().Add(time.Minute)
	}))
	n, err := later.SweepOverdue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, model.CallPending, f.status(t, stale))
	assert.Equal(t, model.CallWaiting, f.status(t, fresh))

	n, err = later.SweepOverdue(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)
}
