package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ashita-ai/machi/internal/fault"
	"github.com/ashita-ai/machi/internal/storage"
)

// envelope multiplexes logical channels over the single Postgres channel.
type envelope struct {
	Channel string `json:"channel"`
	Payload []byte `json:"payload,omitempty"`
}

// PGBus carries payloads over Postgres LISTEN/NOTIFY. Every node listens
// on storage.ChannelBus and fans envelopes out to its local subscribers.
type PGBus struct {
	db     *storage.DB
	logger *slog.Logger
	hub    *hub
	ready  atomic.Bool
}

// NewPGBus creates a bus on db's notify connection. Call Start before
// subscribing.
func NewPGBus(db *storage.DB, logger *slog.Logger) *PGBus {
	return &PGBus{db: db, logger: logger, hub: newHub()}
}

// Ready reports whether the listener is connected.
func (b *PGBus) Ready() bool { return b.ready.Load() }

// Start listens for envelopes until ctx is cancelled. It blocks, so run it
// in a goroutine. A broken connection is replaced with backoff; after
// every reconnect subscribers get an empty payload because notifications
// sent while disconnected are lost.
func (b *PGBus) Start(ctx context.Context) {
	if err := b.db.Listen(ctx, storage.ChannelBus); err != nil {
		b.logger.Error("bus: listen", "error", err)
		if !b.reconnect(ctx) {
			return
		}
	}
	b.ready.Store(true)
	b.logger.Info("bus: listening for notifications", "channel", storage.ChannelBus)

	for {
		_, raw, err := b.db.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				b.ready.Store(false)
				return
			}
			b.logger.Warn("bus: notification error, reconnecting", "error", err)
			b.ready.Store(false)
			if !b.reconnect(ctx) {
				return
			}
			b.ready.Store(true)
			b.hub.nudgeAll()
			continue
		}

		var env envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			b.logger.Warn("bus: malformed envelope", "error", err)
			continue
		}
		b.hub.deliver(env.Channel, env.Payload)
	}
}

// reconnect retries until the notify connection is back and listening.
// It returns false when ctx is cancelled first.
func (b *PGBus) reconnect(ctx context.Context) bool {
	backoff := 100 * time.Millisecond
	for {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
		err := b.db.ReconnectNotify(ctx)
		if err == nil {
			err = b.db.Listen(ctx, storage.ChannelBus)
		}
		if err == nil {
			b.logger.Info("bus: reconnected")
			return true
		}
		b.logger.Warn("bus: reconnect failed", "error", err, "backoff", backoff)
		backoff = min(backoff*2, 5*time.Second)
	}
}

// Publish sends payload on channel. Payloads too large for NOTIFY are sent
// empty, which tells subscribers to re-read the store.
func (b *PGBus) Publish(ctx context.Context, channel string, payload []byte) error {
	data, err := json.Marshal(envelope{Channel: channel, Payload: payload})
	if err != nil {
		return fault.New(fault.Transport, "bus.publish", err)
	}
	if len(data) > storage.MaxNotifyPayload {
		data, err = json.Marshal(envelope{Channel: channel})
		if err != nil {
			return fault.New(fault.Transport, "bus.publish", err)
		}
	}
	if err := b.db.Notify(ctx, storage.ChannelBus, string(data)); err != nil {
		return fault.New(fault.Transport, "bus.publish", err)
	}
	return nil
}

// Subscribe registers on channel. It fails with a Transport error while
// the listener is down, since a subscription then could miss a publish.
func (b *PGBus) Subscribe(_ context.Context, channel string) (*Subscription, error) {
	if !b.ready.Load() {
		return nil, fault.Errorf(fault.Transport, "bus.subscribe", "listener not connected")
	}
	return b.hub.add(channel, nil), nil
}
