package circulation

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrRetryableConflict = errors.New("retryable conflict: transaction aborted by isolation")
	ErrFatalOperation    = errors.New("fatal operation failure")
	ErrInvalidArgument   = errors.New("invalid argument")
)

const (
	msgBookNotFound      = "book not found"
	msgNoActiveCheckout  = "no active checkout for book"
	msgAlreadyCheckedOut = "book already checked out"
	msgIdentityMismatch  = "checkout does not match requested identity"
	msgInsertNoRows      = "checkout insert affected no rows"
	msgArchiveNoRows     = "history insert affected no rows"
	msgDeleteNoRows      = "active checkout delete affected no rows"
)

// Error carries the kind of a failed circulation operation. Kind is one of the
// package sentinels, so errors.Is(err, ErrConflict) holds for a conflict.
type Error struct {
	Kind error
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	s := fmt.Sprintf("circulation: %s: %s", e.Op, e.Msg)
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() []error {
	if e == nil {
		return nil
	}
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

func newError(kind error, op, msg string) error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Retryable wraps a storage error that the isolation mechanism raised.
// Stores use it so the coordinator can surface the failure unchanged.
func Retryable(op string, err error) error {
	if errors.Is(err, ErrRetryableConflict) {
		return err
	}
	return &Error{Kind: ErrRetryableConflict, Op: op, Msg: "serialization failure", Err: err}
}

// IsRetryable reports whether err is safe to retry by re-issuing the whole command.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRetryableConflict)
}
