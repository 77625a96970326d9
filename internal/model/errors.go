package model

import (
	"fmt"

	"github.com/rotisserie/eris"
)

// ErrNotFound is returned when a subject has neither a live nor a durable record.
var ErrNotFound = eris.New("not found")

// ValidationError reports malformed input that was rejected before any write.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
