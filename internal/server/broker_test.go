package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/machi/internal/bus"
	"github.com/ashita-ai/machi/internal/testutil"
)

func receive(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case got := <-ch:
		return got
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestBrokerFanOut(t *testing.T) {
	b := NewBroker(bus.NewMemoryBus(), testutil.TestLogger())
	ch1 := b.Subscribe()
	ch2 := b.Subscribe()
	assert.Equal(t, 2, b.Subscribers())

	event := formatSSE("tool.call", []byte(`{"toolCallId":"c1"}`))
	b.broadcast(event)

	assert.Equal(t, event, receive(t, ch1))
	assert.Equal(t, event, receive(t, ch2))

	b.Unsubscribe(ch1)
	b.Unsubscribe(ch2)
	assert.Zero(t, b.Subscribers())
}

func TestBrokerSlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBroker(bus.NewMemoryBus(), testutil.TestLogger())
	slow := b.Subscribe()
	defer b.Unsubscribe(slow)

	done := make(chan struct{})
	go func() {
		for range 200 {
			b.broadcast([]byte("x"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a full subscriber")
	}
	assert.Len(t, slow, 64)
}

func TestBrokerForwardsBusEvents(t *testing.T) {
	mb := bus.NewMemoryBus()
	b := NewBroker(mb, testutil.TestLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		b.Start(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return mb.Subscribers(bus.ToolsChannel) == 1 },
		time.Second, 5*time.Millisecond)

	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	// Empty payloads carry no event and are skipped.
	require.NoError(t, mb.Publish(ctx, bus.ToolsChannel, nil))
	require.NoError(t, mb.Publish(ctx, bus.ToolsChannel, []byte(`{"toolName":"ship"}`)))

	assert.Equal(t, "event: tool.call\ndata: {\"toolName\":\"ship\"}\n\n", string(receive(t, ch)))

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broker did not stop")
	}
	assert.Eventually(t, func() bool { return mb.Subscribers(bus.ToolsChannel) == 0 },
		time.Second, 5*time.Millisecond)
}

func TestFormatSSE(t *testing.T) {
	assert.Equal(t, "event: tool.call\ndata: {}\n\n", string(formatSSE("tool.call", []byte("{}"))))
}
