package orchestrator

import (
	"errors"
	"fmt"
)

// ErrInvalidRun is wrapped by every ValidationError.
var ErrInvalidRun = errors.New("invalid run")

// ValidationError reports run input that is rejected before anything is
// registered or spawned.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s %s", ErrInvalidRun.Error(), e.Field, e.Msg)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidRun }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}
