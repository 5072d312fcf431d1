package storage

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict is returned when an insert collides with a unique key.
	ErrConflict = errors.New("storage: conflict")
	// ErrInvalidTransition is returned when a run is not in any of the
	// statuses a transition requires.
	ErrInvalidTransition = errors.New("storage: invalid run transition")
)

// isUniqueViolation reports whether err is a Postgres unique_violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
