package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a session or plan does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized is returned when the caller does not own the session.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidState is returned when an operation is not allowed in the current state.
	ErrInvalidState = errors.New("invalid state")
	// ErrNoPlan is returned when approval is requested without an active plan.
	ErrNoPlan = errors.New("no active plan")
	// ErrGenerationFailure wraps any failure of the plan generator.
	ErrGenerationFailure = errors.New("plan generation failed")
	// ErrInvalidPlan is returned when a generated plan fails acceptance checks.
	ErrInvalidPlan = errors.New("invalid plan")
	// ErrStepExecution marks a partially executed plan.
	ErrStepExecution = errors.New("step execution failed")
)

// StepExecutionError reports the step that aborted a plan run.
type StepExecutionError struct {
	Index      int
	ActionType ActionType
	Err        error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step %d (%s): %v", e.Index, e.ActionType, e.Err)
}

// Is lets errors.Is match ErrStepExecution.
func (e *StepExecutionError) Is(target error) bool {
	return target == ErrStepExecution
}

func (e *StepExecutionError) Unwrap() error {
	return e.Err
}

// ErrInvalidInput is returned for malformed caller input such as an empty message.
var ErrInvalidInput = errors.New("invalid input")
