package errors

import (
	"errors"
	"fmt"
)

// The error taxonomy separates failures by how callers must react:
// capacity errors are rejected synchronously and re-routed, validation errors
// move the entity to a terminal failed state, not-found errors are explicit
// rather than silent successes, and execution errors are terminal but still
// clean up bookkeeping.

// CapacityError reports that a shard-level limit was reached. It is never
// retried automatically; the caller must re-route the request.
type CapacityError struct {
	Resource string
	Limit    int
}

// Error returns a human-readable error message.
func (e *CapacityError) Error() string {
	return fmt.Sprintf("capacity exceeded: %s limit %d reached", e.Resource, e.Limit)
}

// NewCapacityError creates a new CapacityError.
func NewCapacityError(resource string, limit int) *CapacityError {
	return &CapacityError{Resource: resource, Limit: limit}
}

// IsCapacity reports whether err is a capacity error.
func IsCapacity(err error) bool {
	var ce *CapacityError
	return errors.As(err, &ce)
}

// ValidationError reports a malformed or unsupported request. The affected
// order or transaction transitions directly to a terminal failed state.
type ValidationError struct {
	Field  string
	Reason string
}

// Error returns a human-readable error message.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("validation failed: %s", e.Reason)
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// NotFoundError reports a lookup or cancel on an unknown id.
type NotFoundError struct {
	Kind string
	ID   string
}

// Error returns a human-readable error message.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(kind, id string) *NotFoundError {
	return &NotFoundError{Kind: kind, ID: id}
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool {
	var ne *NotFoundError
	return errors.As(err, &ne)
}

// ExecutionError reports a chain provider or downstream execution failure.
// The entity moves to a terminal failed state and pending bookkeeping is
// still cleaned up.
type ExecutionError struct {
	Operation string
	Err       error
}

// Error returns a human-readable error message.
func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution failed: %s: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error.
func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// NewExecutionError creates a new ExecutionError.
func NewExecutionError(operation string, err error) *ExecutionError {
	return &ExecutionError{Operation: operation, Err: err}
}

// IsExecution reports whether err is an execution error.
func IsExecution(err error) bool {
	var ee *ExecutionError
	return errors.As(err, &ee)
}
