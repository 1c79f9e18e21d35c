package outbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"PENDING", "PROCESSING", "PROCESSED", "FAILED"} {
		status, err := ParseStatus(raw)
		require.NoError(t, err)
		assert.Equal(t, raw, status.String())
	}

	_, err := ParseStatus("published")
	require.ErrorIs(t, err, ErrStatusInvalid)
}

func TestStatusLifecycle(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from    Status
		to      Status
		allowed bool
	}{
		{from: StatusPending, to: StatusProcessing, allowed: true},
		{from: StatusPending, to: StatusProcessed, allowed: false},
		{from: StatusPending, to: StatusFailed, allowed: false},
		{from: StatusProcessing, to: StatusProcessed, allowed: true},
		{from: StatusProcessing, to: StatusFailed, allowed: true},
		{from: StatusProcessing, to: StatusPending, allowed: true},
		{from: StatusProcessed, to: StatusPending, allowed: false},
		{from: StatusFailed, to: StatusProcessing, allowed: false},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"_to_"+tt.to.String(), func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to))

			err := ValidateTransition(tt.from.String(), tt.to.String())
			if tt.allowed {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, ErrTransitionInvalid)
			}
		})
	}
}

func TestStatusIsTerminal(t *testing.T) {
	t.Parallel()

	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusProcessing.IsTerminal())
	assert.True(t, StatusProcessed.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
}

func TestValidateTransitionRejectsUnknownStatus(t *testing.T) {
	t.Parallel()

	require.ErrorIs(t, ValidateTransition("LIMBO", "PENDING"), ErrStatusInvalid)
	require.ErrorIs(t, ValidateTransition("PENDING", "LIMBO"), ErrStatusInvalid)
}
