// Package fault defines the error taxonomy shared by the run, correlation
// and inbox layers. Callers classify failures with Is rather than by
// inspecting messages.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how the run machinery must react to it.
type Kind int

const (
	// Unknown is the zero Kind; errors that were never classified.
	Unknown Kind = iota
	// Validation marks malformed trigger or tool input. The run fails fast.
	Validation
	// Timeout marks an exceeded bounded wait. Surfaced to the model as a result.
	Timeout
	// Transport marks an unreachable notification bus. Degrades to Timeout.
	Transport
	// DuplicateResolution marks a resolve on an already resolved call.
	DuplicateResolution
	// Persistence marks a store failure. Fatal to the calling run.
	Persistence
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case Timeout:
		return "timeout"
	case Transport:
		return "transport"
	case DuplicateResolution:
		return "duplicate_resolution"
	case Persistence:
		return "persistence"
	default:
		return "unknown"
	}
}

// Error is a classified error. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with kind and op. A nil err still yields a non-nil error.
func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Is reports whether any error in err's chain is a *Error of kind.
func Is(err error, kind Kind) bool {
	var fe *Error
	for err != nil {
		if !errors.As(err, &fe) {
			return false
		}
		if fe.Kind == kind {
			return true
		}
		err = fe.Err
	}
	return false
}

// KindOf returns the outermost Kind in err's chain, or Unknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}

// Persist lifts a storage error to Persistence unless it is already classified.
func Persist(op string, err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != Unknown {
		return err
	}
	return New(Persistence, op, err)
}
