package service

import (
	"fmt"

	"github.com/ignatij/goresearch/pkg/models"
	"github.com/pkg/errors"
)

var (
	// Precondition errors signal caller bugs and are never retried.
	ErrNoStepAwaitingInput = errors.New("no step awaiting input")
	ErrSessionTerminal     = models.ErrSessionTerminal
	ErrEmptyTopic          = errors.New("topic cannot be empty")
	ErrInvalidInput        = errors.New("invalid input")

	// ErrMissingDependency is returned by handlers whose upstream task record is absent.
	ErrMissingDependency = errors.New("missing upstream task record")
)

// StepError wraps a handler failure with the name of the step that raised it.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Cause lets github.com/pkg/errors.Cause walk through a StepError.
func (e *StepError) Cause() error { return e.Err }

// IsPrecondition reports whether err signals protocol misuse by the caller.
func IsPrecondition(err error) bool {
	return errors.Is(err, ErrNoStepAwaitingInput) ||
		errors.Is(err, ErrSessionTerminal) ||
		errors.Is(err, ErrEmptyTopic) ||
		errors.Is(err, ErrInvalidInput)
}

// IsStepFailure reports whether err came out of a step handler.
func IsStepFailure(err error) bool {
	var stepErr *StepError
	return errors.As(err, &stepErr)
}
