package bus

import (
	"context"
)

// MemoryBus is an in-process Bus for single-node deployments and tests.
type MemoryBus struct {
	hub *hub
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{hub: newHub()}
}

// Publish delivers payload to current subscribers of channel.
func (b *MemoryBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.hub.deliver(channel, payload)
	return nil
}

// Subscribe registers on channel.
func (b *MemoryBus) Subscribe(_ context.Context, channel string) (*Subscription, error) {
	return b.hub.add(channel, nil), nil
}

// Subscribers returns the number of live subscriptions on channel.
func (b *MemoryBus) Subscribers(channel string) int {
	return b.hub.count(channel)
}
