package scanning

import (
	"errors"
	"fmt"
)

// ErrFindingNotFound is returned when mutating a finding that does not exist.
var ErrFindingNotFound = errors.New("finding not found")

// TransientError wraps a temporarily-unreachable collaborator failure (store
// or hosting API). Workers must not acknowledge an event that failed with a
// transient error; the visibility timeout redelivers it.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure in %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// NewTransientError marks err as retriable for the named operation.
func NewTransientError(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err is (or wraps) a transient failure.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// PermanentFileError marks a single file as unprocessable (undecodable or
// binary content). The worker skips the file, continues with the rest of the
// event, and still acknowledges if everything else succeeded.
type PermanentFileError struct {
	Path string
	Err  error
}

func (e *PermanentFileError) Error() string {
	return fmt.Sprintf("permanent failure for file %s: %v", e.Path, e.Err)
}

func (e *PermanentFileError) Unwrap() error { return e.Err }

// IsPermanentFileError reports whether err is a per-file permanent failure.
func IsPermanentFileError(err error) bool {
	var pe *PermanentFileError
	return errors.As(err, &pe)
}
