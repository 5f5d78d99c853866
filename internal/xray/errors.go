package xray

import (
	"errors"
	"fmt"
)

// ErrValidation matches every ValidationError.
var ErrValidation = errors.New("render validation failed")

// ValidationError reports an inbound missing a prerequisite for its
// security mode. It is never auto-corrected.
type ValidationError struct {
	Inbound string // Inbound name
	Field   string // The missing or invalid field
	Message string // Human-readable reason
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("inbound %q: %s: %s", e.Inbound, e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func NewValidationError(inbound, field, message string) error {
	return &ValidationError{
		Inbound: inbound,
		Field:   field,
		Message: message,
	}
}

// CommandError is a daemon or supervisor command that failed to run or
// exited non-zero. ExitCode is -1 when the process never produced one.
type CommandError struct {
	Command  string
	ExitCode int
	Output   string
	Err      error
}

func (e *CommandError) Error() string {
	if e.ExitCode >= 0 {
		return fmt.Sprintf("%s: exit status %d: %s", e.Command, e.ExitCode, e.Output)
	}
	return fmt.Sprintf("%s: %v", e.Command, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// Exited reports whether the command ran and returned a non-zero status.
func (e *CommandError) Exited() bool {
	return e.ExitCode > 0
}
