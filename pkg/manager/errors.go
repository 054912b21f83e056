package manager

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a job does not exist.
	ErrNotFound = errors.New("job not found")

	// ErrUnavailable is returned when the broker or store cannot serve a
	// submission. The HTTP layer maps it to 503; the dedup reservation has
	// already been released so the client can simply retry.
	ErrUnavailable = errors.New("service unavailable")
)

// ValidationError wraps field-specific validation errors.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error.
func NewValidationError(field, message string) error {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// IsValidationError checks if an error is a validation error.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// unavailable tags an infrastructure failure so errors.Is(err, ErrUnavailable)
// holds while keeping the cause in the message.
func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
