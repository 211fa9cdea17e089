package store

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a keyed row does not exist.
var ErrNotFound = errors.New("not found")

// Kinds of PersistError.
const (
	// KindPermanent covers any storage failure: I/O, constraint or driver
	// errors. The write did not happen.
	KindPermanent = "permanent"

	// KindInconsistent means stored data violates an invariant, such as
	// two rows for a singleton key or a conflicting delta.
	KindInconsistent = "inconsistent"
)

// PersistError describes a failed store operation.
type PersistError struct {
	Kind string
	Op   string
	Err  error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("store %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *PersistError) Unwrap() error {
	return e.Err
}

func permanent(op string, err error) error {
	return &PersistError{Kind: KindPermanent, Op: op, Err: err}
}

func inconsistent(op string, format string, args ...any) error {
	return &PersistError{Kind: KindInconsistent, Op: op, Err: fmt.Errorf(format, args...)}
}

// IsInconsistent reports whether err is a PersistError of KindInconsistent.
func IsInconsistent(err error) bool {
	var pe *PersistError
	return errors.As(err, &pe) && pe.Kind == KindInconsistent
}

// IsPermanent reports whether err is a PersistError of KindPermanent.
func IsPermanent(err error) bool {
	var pe *PersistError
	return errors.As(err, &pe) && pe.Kind == KindPermanent
}
