package task

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("task not found")
	ErrConflict = errors.New("task state conflict")
	// ErrInvalidTransition is a Conflict: callers matching ErrConflict see it too.
	ErrInvalidTransition = fmt.Errorf("%w: invalid transition", ErrConflict)
)

// ValidationError reports bad input on submit.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
