package graph

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCycleDetected indicates a circular dependency was found in the spec graph.
	ErrCycleDetected = errors.New("circular dependency detected")
	// ErrInvalidGraph indicates the declared specs cannot form a graph.
	ErrInvalidGraph = errors.New("invalid spec graph")
)

// UnknownDependencyError reports a dependency id that is not part of the spec set.
type UnknownDependencyError struct {
	SpecID       string
	DependencyID string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("spec %s depends on unknown spec %s", e.SpecID, e.DependencyID)
}

func (e *UnknownDependencyError) Unwrap() error { return ErrInvalidGraph }

// CycleError carries the dependency path that closes a cycle.
// The first and last elements of Path are the same spec id.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	if len(e.Path) == 0 {
		return ErrCycleDetected.Error()
	}
	return fmt.Sprintf("%s: %s", ErrCycleDetected.Error(), strings.Join(e.Path, " -> "))
}

func (e *CycleError) Unwrap() error { return ErrCycleDetected }

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidGraph, fmt.Sprintf(format, args...))
}
