package fleet

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJobStatusTerminal(t *testing.T) {
	t.Parallel()

	cases := map[JobStatus]bool{
		JobPending:   false,
		JobRunning:   false,
		JobCompleted: true,
		JobFailed:    true,
	}
	for status, terminal := range cases {
		require.True(t, status.Valid(), status)
		require.Equal(t, terminal, status.Terminal(), status)
	}
	require.False(t, JobStatus("queued").Valid())
}

func TestParseStatusesRejectUnknownValues(t *testing.T) {
	t.Parallel()

	_, err := ParseJobStatus("cancelled")
	require.True(t, errors.Is(err, ErrValidation))

	_, err = ParseAdminStatus("sleeping")
	require.True(t, errors.Is(err, ErrValidation))

	_, err = ParseBusinessStatus("won")
	require.True(t, errors.Is(err, ErrValidation))

	status, err := ParseBusinessStatus("qualified")
	require.NoError(t, err)
	require.Equal(t, BusinessQualified, status)
}

func TestAdminStatusAssignable(t *testing.T) {
	t.Parallel()

	require.True(t, AdminActive.Assignable())
	require.False(t, AdminBusy.Assignable())
	require.False(t, AdminInactive.Assignable())
}
