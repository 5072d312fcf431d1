package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/machi/internal/fault"
	"github.com/ashita-ai/machi/internal/model"
	"github.com/ashita-ai/machi/internal/storage/sqlite"
	"github.com/ashita-ai/machi/internal/testutil"
)

func newInbox(t *testing.T) (*Inbox, *sqlite.DB) {
	t.Helper()
	store := testutil.NewSQLite(t)
	return New(store, testutil.TestLogger()), store
}

func servicePayload(name string) json.RawMessage {
	return json.RawMessage(`{"service_name":"` + name + `","received_at":"2026-01-02T03:04:05Z"}`)
}

func TestEnqueueIsIdempotent(t *testing.T) {
	in, _ := newInbox(t)
	ctx := context.Background()

	ok, err := in.Enqueue(ctx, "ada", "evt-1", model.TriggerService, servicePayload("billing"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = in.Enqueue(ctx, "ada", "evt-1", model.TriggerService, servicePayload("billing"))
	require.NoError(t, err)
	assert.False(t, ok)

	// Same event id for another agent is a different event.
	ok, err = in.Enqueue(ctx, "bea", "evt-1", model.TriggerService, servicePayload("billing"))
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := in.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestEnqueueConcurrentDuplicates(t *testing.T) {
	in, _ := newInbox(t)
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	results := make(chan bool, workers)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := in.Enqueue(ctx, "ada", "evt-race", model.TriggerService, servicePayload("billing"))
			assert.NoError(t, err)
			results <- ok
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
	assert.Equal(t, 1, inserted)

	n, err := in.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestEnqueueValidation(t *testing.T) {
	in, _ := newInbox(t)
	ctx := context.Background()

	cases := map[string]struct {
		agent, event string
		typ          model.TriggerType
		payload      json.RawMessage
	}{
		"missing agent":   {"", "e", model.TriggerService, servicePayload("x")},
		"missing event":   {"ada", "", model.TriggerService, servicePayload("x")},
		"unknown type":    {"ada", "e", model.TriggerType("webhook"), servicePayload("x")},
		"bad payload":     {"ada", "e", model.TriggerService, json.RawMessage(`{}`)},
		"garbage payload": {"ada", "e", model.TriggerMessage, json.RawMessage(`nope`)},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := in.Enqueue(ctx, tc.agent, tc.event, tc.typ, tc.payload)
			require.Error(t, err)
			assert.True(t, fault.Is(err, fault.Validation))
		})
	}
}

func TestEnqueueHelpers(t *testing.T) {
	in, _ := newInbox(t)
	ctx := context.Background()

	msg := model.Message{ID: uuid.New(), SpaceID: "lobby", Seq: 7, SenderID: "sam", Content: "hi", CreatedAt: time.Now()}
	id, ok, err := in.EnqueueMessage(ctx, "ada", msg)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "message:lobby:7", id)

	ev, err := in.Get(ctx, "ada", id)
	require.NoError(t, err)
	assert.Equal(t, model.TriggerMessage, ev.Type)
	assert.Equal(t, model.InboxPending, ev.Status)

	plan := model.Plan{ID: uuid.New(), AgentID: "ada", Description: "daily digest", Schedule: "0 9 * * *"}
	fired := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	id, ok, err = in.EnqueuePlan(ctx, plan, fired)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, PlanEventID(plan.ID, fired), id)

	_, ok, err = in.EnqueuePlan(ctx, plan, fired)
	require.NoError(t, err)
	assert.False(t, ok, "one firing is delivered once")

	id, ok, err = in.EnqueueService(ctx, "ada", "", "billing", json.RawMessage(`{"invoice":42}`))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Contains(t, id, "service:")
}

// fakeStarter records the events it was handed.
type fakeStarter struct {
	mu    sync.Mutex
	seen  []model.InboxEvent
	fail  map[string]bool
	delay time.Duration
}

func (f *fakeStarter) StartFromInbox(_ context.Context, ev model.InboxEvent) (model.Run, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, ev)
	if f.fail[ev.EventID] {
		return model.Run{}, errors.New("no such agent")
	}
	return model.Run{ID: uuid.New(), AgentID: ev.AgentID, Status: model.RunStatusCompleted}, nil
}

func (f *fakeStarter) eventsFor(agent string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for _, ev := range f.seen {
		if ev.AgentID == agent {
			ids = append(ids, ev.EventID)
		}
	}
	return ids
}

func TestWorkerProcessesPerAgentInOrder(t *testing.T) {
	in, _ := newInbox(t)
	ctx := context.Background()

	for _, e := range []struct{ agent, id string }{
		{"ada", "a1"}, {"bea", "b1"}, {"ada", "a2"}, {"bea", "b2"}, {"ada", "a3"},
	} {
		_, err := in.Enqueue(ctx, e.agent, e.id, model.TriggerService, servicePayload("svc"))
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}

	starter := &fakeStarter{}
	w := NewWorker(in, starter, testutil.TestLogger(), WorkerConfig{BatchSize: 10})
	assert.Equal(t, 5, w.processBatch(ctx))

	assert.Equal(t, []string{"a1", "a2", "a3"}, starter.eventsFor("ada"))
	assert.Equal(t, []string{"b1", "b2"}, starter.eventsFor("bea"))

	ev, err := in.Get(ctx, "ada", "a2")
	require.NoError(t, err)
	assert.Equal(t, model.InboxProcessed, ev.Status)
	require.NotNil(t, ev.RunID)
}

func TestWorkerMarksFailedEvents(t *testing.T) {
	in, _ := newInbox(t)
	ctx := context.Background()

	_, err := in.Enqueue(ctx, "ada", "bad", model.TriggerService, servicePayload("svc"))
	require.NoError(t, err)
	_, err = in.Enqueue(ctx, "ada", "good", model.TriggerService, servicePayload("svc"))
	require.NoError(t, err)

	starter := &fakeStarter{fail: map[string]bool{"bad": true}}
	w := NewWorker(in, starter, testutil.TestLogger(), WorkerConfig{})
	w.processBatch(ctx)

	bad, err := in.Get(ctx, "ada", "bad")
	require.NoError(t, err)
	assert.Equal(t, model.InboxFailed, bad.Status)
	require.NotNil(t, bad.LastError)
	assert.Contains(t, *bad.LastError, "no such agent")

	good, err := in.Get(ctx, "ada", "good")
	require.NoError(t, err)
	assert.Equal(t, model.InboxProcessed, good.Status)
}

func TestWorkerRequeuesStaleLease(t *testing.T) {
	in, store := newInbox(t)
	ctx := context.Background()

	_, err := in.Enqueue(ctx, "ada", "stuck", model.TriggerService, servicePayload("svc"))
	require.NoError(t, err)

	// A crashed worker claimed it with a lease that has since expired.
	claimed, err := store.ClaimInbox(ctx, 10, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	time.Sleep(5 * time.Millisecond)

	starter := &fakeStarter{}
	w := NewWorker(in, starter, testutil.TestLogger(), WorkerConfig{})
	assert.Equal(t, 1, w.processBatch(ctx))

	ev, err := in.Get(ctx, "ada", "stuck")
	require.NoError(t, err)
	assert.Equal(t, model.InboxProcessed, ev.Status)
	assert.Equal(t, 2, ev.Attempts)
}

func TestWorkerStartAndDrain(t *testing.T) {
	in, _ := newInbox(t)
	ctx := context.Background()

	starter := &fakeStarter{}
	w := NewWorker(in, starter, testutil.TestLogger(), WorkerConfig{PollInterval: 10 * time.Millisecond})
	w.Start(ctx)
	w.Start(ctx) // no-op

	_, err := in.Enqueue(ctx, "ada", "live", model.TriggerService, servicePayload("svc"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return len(starter.eventsFor("ada")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Enqueued after the loop stops polling, picked up by the drain batch.
	drainCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err = in.Enqueue(ctx, "ada", "late", model.TriggerService, servicePayload("svc"))
	require.NoError(t, err)
	w.Drain(drainCtx)

	assert.ElementsMatch(t, []string{"live", "late"}, starter.eventsFor("ada"))
	n, err := in.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDrainBeforeStartIsNoop(t *testing.T) {
	in, _ := newInbox(t)
	w := NewWorker(in, &fakeStarter{}, testutil.TestLogger(), WorkerConfig{})
	w.Drain(context.Background())
}
