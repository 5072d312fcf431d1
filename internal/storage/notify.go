package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ChannelBus is the single Postgres channel every bus envelope travels on.
// Subscribers demultiplex by the logical channel inside the envelope.
const ChannelBus = "machi_bus"

// MaxNotifyPayload is the largest payload Postgres accepts for NOTIFY,
// minus headroom for the envelope.
const MaxNotifyPayload = 7900

func (db *DB) connectNotify(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, db.notifyDSN)
	if err != nil {
		return fmt.Errorf("storage: connect notify: %w", err)
	}
	db.notifyMu.Lock()
	old := db.notifyConn
	db.notifyConn = conn
	db.notifyMu.Unlock()
	if old != nil {
		_ = old.Close(ctx)
	}
	return nil
}

func (db *DB) listenConn() (*pgx.Conn, error) {
	db.notifyMu.Lock()
	defer db.notifyMu.Unlock()
	if db.notifyConn == nil {
		return nil, fmt.Errorf("storage: notify connection not configured")
	}
	return db.notifyConn, nil
}

// Listen starts listening on the specified channel using the dedicated notify connection.
// Returns an error if no notify connection is configured.
func (db *DB) Listen(ctx context.Context, channel string) error {
	conn, err := db.listenConn()
	if err != nil {
		return err
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return fmt.Errorf("storage: listen %s: %w", channel, err)
	}
	return nil
}

// ReconnectNotify replaces a broken notify connection. Callers must
// re-issue Listen afterwards.
func (db *DB) ReconnectNotify(ctx context.Context) error {
	if db.notifyDSN == "" {
		return fmt.Errorf("storage: notify connection not configured")
	}
	return db.connectNotify(ctx)
}

// WaitForNotification blocks until a notification arrives on any listened channel.
// Returns the channel name and payload.
func (db *DB) WaitForNotification(ctx context.Context) (channel, payload string, err error) {
	conn, err := db.listenConn()
	if err != nil {
		return "", "", err
	}
	notification, err := conn.WaitForNotification(ctx)
	if err != nil {
		return "", "", fmt.Errorf("storage: wait for notification: %w", err)
	}
	return notification.Channel, notification.Payload, nil
}

// Notify sends a notification on the specified channel.
func (db *DB) Notify(ctx context.Context, channel, payload string) error {
	if len(payload) > MaxNotifyPayload {
		return fmt.Errorf("storage: notify %s: payload of %d bytes exceeds %d", channel, len(payload), MaxNotifyPayload)
	}
	_, err := db.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload)
	if err != nil {
		return fmt.Errorf("storage: notify %s: %w", channel, err)
	}
	return nil
}
