// Package exchange provides Exchange implementations and the error taxonomy
// the order state machine keys its retry policy on.
package exchange

import "errors"

// TransientError marks failures worth retrying with backoff: rate limits,
// timeouts, connectivity blips.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient exchange error: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// StructuralError marks failures that retrying cannot fix: insufficient
// balance, invalid size, halted symbol.
type StructuralError struct {
	Err error
}

func (e *StructuralError) Error() string { return "structural exchange error: " + e.Err.Error() }
func (e *StructuralError) Unwrap() error { return e.Err }

func Transient(err error) error {
	return &TransientError{Err: err}
}

func Structural(err error) error {
	return &StructuralError{Err: err}
}

// IsTransient reports whether err should be retried. Unclassified errors are
// treated as transient so an ambiguous failure goes through the idempotent
// retry path instead of being dropped.
func IsTransient(err error) bool {
	var s *StructuralError
	return !errors.As(err, &s)
}
