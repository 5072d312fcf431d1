// Package bus is a minimal publish/subscribe primitive keyed by an opaque
// channel name. Delivery is best effort: no ordering, no durability, and
// slow subscribers drop messages. Callers must treat a notification as a
// hint and re-read persisted state when the payload is empty.
package bus

import (
	"context"
	"sync"
)

// Channel prefixes.
const (
	callPrefix = "machi:call:"
	// ToolsChannel carries tool.call announcements for external workers.
	ToolsChannel = "machi:tools"
)

// subscriberBuffer bounds each subscription. One resolution needs one slot.
const subscriberBuffer = 16

// Channel returns the channel a pending call's resolution is published on.
func Channel(correlationID string) string {
	return callPrefix + correlationID
}

// Bus publishes payloads to channels and hands out subscriptions.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe returns once the subscription is live, so a Publish that
	// starts after it returns is observed (unless dropped by a full buffer).
	Subscribe(ctx context.Context, channel string) (*Subscription, error)
}

// Subscription is a live registration on one channel. C is closed after
// Close returns.
type Subscription struct {
	C <-chan []byte

	ch      chan []byte
	channel string
	once    sync.Once
	release func()
}

// Close unregisters the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		if s.release != nil {
			s.release()
		}
	})
}

// hub fans payloads out to local subscribers. Every Bus implementation
// embeds one and differs only in how payloads reach it.
type hub struct {
	mu   sync.RWMutex
	subs map[string]map[*Subscription]struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[string]map[*Subscription]struct{})}
}

func (h *hub) add(channel string, onRelease func()) *Subscription {
	ch := make(chan []byte, subscriberBuffer)
	s := &Subscription{C: ch, ch: ch, channel: channel}
	s.release = func() {
		h.mu.Lock()
		if set, ok := h.subs[channel]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(h.subs, channel)
			}
		}
		close(ch)
		h.mu.Unlock()
		if onRelease != nil {
			onRelease()
		}
	}

	h.mu.Lock()
	set, ok := h.subs[channel]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[channel] = set
	}
	set[s] = struct{}{}
	h.mu.Unlock()
	return s
}

// deliver sends payload to every subscriber of channel. A subscriber
// with a full buffer misses the payload.
func (h *hub) deliver(channel string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs[channel] {
		select {
		case s.ch <- payload:
		default:
		}
	}
}

// nudgeAll sends an empty payload to every subscriber so they re-read state.
func (h *hub) nudgeAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, set := range h.subs {
		for s := range set {
			select {
			case s.ch <- nil:
			default:
			}
		}
	}
}

// count returns the number of subscribers on channel.
func (h *hub) count(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[channel])
}
