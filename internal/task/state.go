package task

import (
	"fmt"
	"strings"
)

var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusFailed},
	StatusRunning: {StatusCompleted, StatusFailed},
	StatusFailed:  {StatusRunning},
}

// CanTransition reports whether from -> to is an allowed edge.
// pending -> failed exists only for cancelling a task that never ran.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns ErrInvalidTransition for edges outside the state machine.
func ValidateTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
		return s, nil
	}
	return "", &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", raw)}
}

func ParseType(raw string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(raw)))
	switch t {
	case TypeBuild, TypeTest, TypeDeploy, TypeSync:
		return t, nil
	}
	return "", &ValidationError{Field: "type", Message: fmt.Sprintf("must be one of build, test, deploy, sync (got %q)", raw)}
}

// Validate checks a submitted definition.
func (d *Definition) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return &ValidationError{Field: "name", Message: "is required"}
	}
	typ, err := ParseType(string(d.Type))
	if err != nil {
		return err
	}
	d.Type = typ
	if d.MaxAttempts < 0 {
		return &ValidationError{Field: "max_attempts", Message: "must not be negative"}
	}
	for k := range d.Environment {
		if k == "" || strings.ContainsAny(k, "=\x00") {
			return &ValidationError{Field: "environment", Message: fmt.Sprintf("invalid variable name %q", k)}
		}
	}
	return nil
}
