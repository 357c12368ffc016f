package session

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification with errors.Is.
var (
	// ErrPreconditionsNotMet marks a task whose resource requirement could not
	// be satisfied. The task is skipped and the loop continues.
	ErrPreconditionsNotMet = errors.New("preconditions not met")
	// ErrCallGone is returned once the far end has released the call.
	ErrCallGone = errors.New("call gone")
	ErrNotFound = errors.New("session not found")
	// ErrInvalidDirective rejects a malformed live-control request.
	ErrInvalidDirective = errors.New("invalid directive")
	// ErrInvariant marks a programming error. It aborts the current call only.
	ErrInvariant = errors.New("session invariant violated")
)

// ExecutionError captures where a task stream stopped.
// Use errors.As to extract this from wrapped errors.
type ExecutionError struct {
	CallSid    string
	Task       string
	Index      int // Position of the task within the current application
	StackDepth int // Number of application replacements before this task ran
	Cause      error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("call %s: task %d (%s) at stack depth %d failed: %v",
		e.CallSid, e.Index, e.Task, e.StackDepth, e.Cause)
}

func (e *ExecutionError) Unwrap() error {
	return e.Cause
}

// PanicError wraps a panic recovered from a task.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.Value)
}

func preconditionsNotMet(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPreconditionsNotMet, fmt.Sprintf(format, args...))
}
