package broadcast

import (
	"errors"
	"fmt"
)

// ErrNotFound reports an unknown broadcast id.
var ErrNotFound = errors.New("broadcast not found")

// ErrClaimConflict is the benign outcome of losing a claim race: another
// worker already owns the broadcast. Callers skip, never log it as an error.
var ErrClaimConflict = errors.New("broadcast already claimed")

// ValidationError reports a malformed target/payload/schedule at create or
// edit time. It is surfaced synchronously and never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// InvalidStateError reports a mutation attempted against a broadcast whose
// lifecycle state forbids it (edit/cancel on a non-PENDING broadcast, or a
// markSent without a claim). It indicates a race or a stale client view.
type InvalidStateError struct {
	ID    string
	State State
	Op    string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s broadcast %s: state is %s", e.Op, e.ID, e.State)
}

// IsConflict reports whether err should map to a 409-style conflict.
func IsConflict(err error) bool {
	var ise *InvalidStateError
	return errors.As(err, &ise)
}

// IsValidation reports whether err should map to a 400-style rejection.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
