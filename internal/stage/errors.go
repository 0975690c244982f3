package stage

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidGraph wraps every graph construction failure.
	ErrInvalidGraph = errors.New("invalid stage graph")
	// ErrCycle is additionally carried by cycle failures.
	ErrCycle = errors.New("cycle detected")
)

// GraphError describes a graph construction failure. Structural problems
// are all reported together; cycles are only searched for once the
// structure is sound.
type GraphError struct {
	Problems []string
	// Cycle holds a closed witness path, first element repeated last.
	Cycle []string
}

func (e *GraphError) Error() string {
	if e == nil {
		return ""
	}
	if len(e.Cycle) > 0 {
		return fmt.Sprintf("%s: cycle: %s", ErrInvalidGraph, strings.Join(e.Cycle, " -> "))
	}
	return fmt.Sprintf("%s: %s", ErrInvalidGraph, strings.Join(e.Problems, "; "))
}

// Unwrap exposes ErrInvalidGraph, plus ErrCycle for cycles.
func (e *GraphError) Unwrap() []error {
	if len(e.Cycle) > 0 {
		return []error{ErrInvalidGraph, ErrCycle}
	}
	return []error{ErrInvalidGraph}
}

func invalidf(format string, args ...any) error {
	return &GraphError{Problems: []string{fmt.Sprintf(format, args...)}}
}
