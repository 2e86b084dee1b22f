package coordinator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNextDueHourly(t *testing.T) {
	t.Parallel()

	after := time.Date(2026, 3, 1, 12, 15, 0, 0, time.UTC)
	next, err := NextDue("0 * * * *", "", after)
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC), next)
}

func TestNextDueDescriptor(t *testing.T) {
	t.Parallel()

	after := time.Date(2026, 3, 1, 12, 15, 0, 0, time.UTC)
	next, err := NextDue("@daily", "", after)
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), next)
}

func TestNextDueHonorsTimezone(t *testing.T) {
	t.Parallel()

	// 09:00 daily in New York is 14:00 UTC while EST is in effect.
	after := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	next, err := NextDue("0 9 * * *", "America/New_York", after)
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC), next)
	require.Equal(t, time.UTC, next.Location())
}

func TestNextDueBadExpression(t *testing.T) {
	t.Parallel()

	_, err := NextDue("0 0 0 0", "", time.Now())
	require.Error(t, err)
}

func TestValidateRecurrence(t *testing.T) {
	t.Parallel()

	require.NoError(t, ValidateRecurrence("*/15 * * * *", ""))
	require.NoError(t, ValidateRecurrence("@hourly", "Europe/Berlin"))
	require.Error(t, ValidateRecurrence("every tuesday", ""))
	require.Error(t, ValidateRecurrence("0 * * * *", "Mars/OlympusMons"))
}
