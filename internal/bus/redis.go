package bus

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/ashita-ai/machi/internal/fault"
)

// RedisBus carries payloads over Redis pub/sub. Each subscription owns one
// PubSub connection so Close maps to a single UNSUBSCRIBE.
type RedisBus struct {
	client *redis.Client
}

// NewRedisBus wraps an existing client.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client}
}

// Publish sends payload on channel.
func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fault.New(fault.Transport, "bus.publish", err)
	}
	return nil
}

// Subscribe waits for the server's subscribe confirmation before
// returning, so publishes issued afterwards are delivered.
func (b *RedisBus) Subscribe(ctx context.Context, channel string) (*Subscription, error) {
	ps := b.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fault.New(fault.Transport, "bus.subscribe", err)
	}

	h := newHub()
	done := make(chan struct{})
	sub := h.add(channel, func() {
		close(done)
		_ = ps.Close()
	})

	msgs := ps.Channel()
	go func() {
		for {
			select {
			case <-done:
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				h.deliver(channel, []byte(m.Payload))
			}
		}
	}()
	return sub, nil
}
