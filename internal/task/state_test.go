package task

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	all := []Status{StatusPending, StatusRunning, StatusCompleted, StatusFailed}
	allowed := map[[2]Status]bool{
		{StatusPending, StatusRunning}:   true,
		{StatusPending, StatusFailed}:    true,
		{StatusRunning, StatusCompleted}: true,
		{StatusRunning, StatusFailed}:    true,
		{StatusFailed, StatusRunning}:    true,
	}

	for _, from := range all {
		for _, to := range all {
			want := allowed[[2]Status{from, to}]
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)

			err := ValidateTransition(from, to)
			if want {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidTransition)
				assert.ErrorIs(t, err, ErrConflict)
			}
		}
	}
}

func TestDefinitionValidate(t *testing.T) {
	d := Definition{Name: "build", Type: "BUILD", Command: "exit 0"}
	require.NoError(t, d.Validate())
	assert.Equal(t, TypeBuild, d.Type)

	d = Definition{Name: "  ", Type: TypeBuild}
	err := d.Validate()
	require.Error(t, err)
	assert.True(t, IsValidation(err))

	d = Definition{Name: "x", Type: "lint"}
	err = d.Validate()
	var v *ValidationError
	require.True(t, errors.As(err, &v))
	assert.Equal(t, "type", v.Field)

	d = Definition{Name: "x", Type: TypeSync, Environment: Environment{"A=B": "c"}}
	assert.True(t, IsValidation(d.Validate()))

	d = Definition{Name: "x", Type: TypeSync, MaxAttempts: -1}
	assert.True(t, IsValidation(d.Validate()))
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus("Running")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, s)

	_, err = ParseStatus("cancelled")
	assert.True(t, IsValidation(err))
}

func TestTerminal(t *testing.T) {
	assert.True(t, (&Task{Status: StatusCompleted}).Terminal())
	assert.True(t, (&Task{Status: StatusFailed}).Terminal())
	assert.False(t, (&Task{Status: StatusFailed, Queued: true}).Terminal())
	assert.False(t, (&Task{Status: StatusRunning}).Terminal())
	assert.True(t, (&Task{Status: StatusFailed, Reason: ReasonCancelled}).Cancelled())
}
