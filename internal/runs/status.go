package runs

import (
	"errors"
	"fmt"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusRunning  Status = "running"
	StatusPaused   Status = "paused"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
	StatusCanceled Status = "canceled"
)

// ErrInvalidTransition is returned when a status change is not allowed.
var ErrInvalidTransition = errors.New("invalid run status transition")

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	_, ok := validTransitions[s]
	return ok
}

// IsTerminal reports whether s is final.
func (s Status) IsTerminal() bool {
	return s == StatusComplete || s == StatusFailed || s == StatusCanceled
}

var validTransitions = map[Status][]Status{
	StatusRunning: {
		StatusPaused,
		StatusComplete,
		StatusFailed,
		StatusCanceled,
	},
	StatusPaused: {
		StatusRunning,
		StatusFailed,
		StatusCanceled,
	},
	// Terminal.
	StatusComplete: {},
	StatusFailed:   {},
	StatusCanceled: {},
}

// ValidateTransition checks whether a run may move from one status to another.
func ValidateTransition(from, to Status) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("%w: unknown source status %q", ErrInvalidTransition, from)
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, from, to)
}
