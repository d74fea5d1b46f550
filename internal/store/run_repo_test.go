package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRunStatus(t *testing.T) {
	t.Parallel()

	st, ok := ParseRunStatus("timeout")
	require.True(t, ok)
	require.Equal(t, RunTimeout, st)

	_, ok = ParseRunStatus("queued")
	require.False(t, ok)
}
