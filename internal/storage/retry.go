package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// transientCodes are SQLSTATEs after which the whole transaction can run
// again unchanged.
var transientCodes = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available
}

func transient(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && transientCodes[pgErr.Code]
}

// WithRetry calls fn until it succeeds, fails with a non-transient error,
// or has been retried attempts times. The delay starts at base, doubles
// after each try and carries up to 100% jitter.
func WithRetry(ctx context.Context, attempts int, base time.Duration, fn func() error) error {
	delay := base
	for try := 0; ; try++ {
		err := fn()
		if err == nil || !transient(err) || try >= attempts {
			return err
		}
		timer := time.NewTimer(delay + time.Duration(rand.Int64N(int64(delay)+1))) //nolint:gosec // jitter only
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}
}

// txRetry runs fn in its own transaction, re-running it from the start on
// transient conflicts.
func (db *DB) txRetry(ctx context.Context, fn func(pgx.Tx) error) error {
	return WithRetry(ctx, 3, 20*time.Millisecond, func() error {
		return db.beginFunc(ctx, fn)
	})
}
