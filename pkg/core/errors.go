package core

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a key or tuple does not exist. It is a normal
	// negative result, not a failure of the store.
	ErrNotFound = errors.New("record not found")
	// ErrKeyExists is returned by create-only puts when the key is already present.
	ErrKeyExists = errors.New("record already exists")
	// ErrTypeMismatch is returned when incrementing a value that is not a decimal number.
	ErrTypeMismatch = errors.New("existing value is not numeric")
	// ErrOverflow is returned when an increment leaves the float64 domain (Inf or NaN).
	ErrOverflow = errors.New("numeric overflow")
	// ErrValidation covers invalid names, modes and arguments supplied by the caller.
	ErrValidation = errors.New("invalid argument")
	// ErrIndexInconsistency signals that a secondary index no longer reflects the
	// committed tuples. It is never recovered from silently.
	ErrIndexInconsistency = errors.New("index inconsistency")

	// ErrQueryExecuted is returned when a query is mutated after a terminal operation.
	ErrQueryExecuted = fmt.Errorf("%w: query already executed", ErrValidation)
	// ErrQueryDisposed is returned for any call on a deleted query.
	ErrQueryDisposed = fmt.Errorf("%w: query deleted", ErrValidation)
)

// OpError attaches the failing operation and key to one of the sentinel errors.
type OpError struct {
	Op  string
	Key string
	Err error
}

func (e *OpError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %q: %v", e.Op, e.Key, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

func opErr(op, key string, err error) error {
	return &OpError{Op: op, Key: key, Err: err}
}

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
