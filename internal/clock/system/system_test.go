package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNow_UTC(t *testing.T) {
	t.Parallel()

	c := New()
	now := c.Now()
	require.Equal(t, time.UTC, now.Location())
	require.WithinDuration(t, time.Now().UTC(), now, time.Second)
}
