package audit

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is matched by every *ValidationError via errors.Is
	ErrValidation = errors.New("audit: validation failed")

	// ErrSuppressed marks a read event collapsed by the deduplication gate
	ErrSuppressed = errors.New("audit: duplicate read event suppressed")
)

// ValidationError names the invariant a draft violated
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("audit: invalid record: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
