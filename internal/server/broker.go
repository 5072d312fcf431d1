package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashita-ai/machi/internal/bus"
)

// Broker holds one bus subscription to the tool-call channel and fans each
// event out to SSE clients.
type Broker struct {
	bus     bus.Bus
	channel string
	logger  *slog.Logger

	mu          sync.RWMutex
	subscribers map[chan []byte]struct{}
}

// NewBroker creates a broker for bus.ToolsChannel. Call Start to begin
// listening.
func NewBroker(b bus.Bus, logger *slog.Logger) *Broker {
	return &Broker{
		bus:         b,
		channel:     bus.ToolsChannel,
		logger:      logger,
		subscribers: make(map[chan []byte]struct{}),
	}
}

// Start subscribes and forwards events until ctx is cancelled. It blocks,
// so call it in a goroutine. A lost subscription is re-established with
// backoff.
func (b *Broker) Start(ctx context.Context) {
	backoff := 100 * time.Millisecond
	for {
		sub, err := b.bus.Subscribe(ctx, b.channel)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("broker: subscribe failed, retrying", "channel", b.channel, "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, 5*time.Second)
			continue
		}
		backoff = 100 * time.Millisecond
		b.logger.Info("broker: listening for tool calls", "channel", b.channel)

		b.forward(ctx, sub)
		sub.Close()
		if ctx.Err() != nil {
			return
		}
	}
}

func (b *Broker) forward(ctx context.Context, sub *bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-sub.C:
			if !ok {
				return
			}
			if len(payload) == 0 {
				// The transport dropped an oversized event; there is
				// nothing to re-read for a broadcast.
				b.logger.Warn("broker: tool call event arrived without payload")
				continue
			}
			b.broadcast(formatSSE("tool.call", payload))
		}
	}
}

// Subscribe returns a channel that receives SSE-formatted events.
// The caller must call Unsubscribe when done.
func (b *Broker) Subscribe() chan []byte {
	ch := make(chan []byte, 64)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
	close(ch)
}

// Subscribers returns the number of connected SSE clients.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// broadcast skips subscribers whose buffer is full so one slow client
// cannot stall the rest.
func (b *Broker) broadcast(event []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// formatSSE formats an event as a Server-Sent Events message.
func formatSSE(eventType string, data []byte) []byte {
	out := make([]byte, 0, len(eventType)+len(data)+16)
	out = append(out, "event: "...)
	out = append(out, eventType...)
	out = append(out, "\ndata: "...)
	out = append(out, data...)
	return append(out, "\n\n"...)
}
