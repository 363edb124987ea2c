package types

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig is wrapped by every ValidationError.
	ErrInvalidConfig = errors.New("invalid limiter configuration")

	// ErrOutOfRange is wrapped by every OutOfRangeError.
	ErrOutOfRange = errors.New("requested amount exceeds class capacity")

	// ErrRejected is returned by the non-blocking path when tokens are short.
	ErrRejected = errors.New("admission rejected")

	// ErrCancelled is returned when the caller abandons a pending request.
	ErrCancelled = errors.New("admission cancelled")

	// ErrTimeout is returned when the caller's deadline passes while pending.
	ErrTimeout = errors.New("admission timed out")

	// ErrStarved is returned when a request waits longer than the class max wait.
	ErrStarved = errors.New("admission starved")

	// ErrClosed is returned once the engine has been shut down.
	ErrClosed = errors.New("limiter closed")
)

// ValidationError reports a configuration field that failed validation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidConfig
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// OutOfRangeError reports a request no configuration of its class can satisfy.
type OutOfRangeError struct {
	Class    Class
	Amount   int64
	Capacity int64
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("%s: class %s amount %d capacity %d", ErrOutOfRange.Error(), e.Class, e.Amount, e.Capacity)
}

func (e *OutOfRangeError) Unwrap() error {
	return ErrOutOfRange
}
