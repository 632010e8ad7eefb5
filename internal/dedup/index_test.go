package dedup

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIndex(t *testing.T) {
	idx := New()

	_, ok := idx.Lookup("k1")
	require.False(t, ok)

	require.NoError(t, idx.Register("k1", "job-1"))
	require.NoError(t, idx.Register("k1", "job-1"))
	require.ErrorIs(t, idx.Register("k1", "job-2"), ErrKeyActive)

	id, ok := idx.Lookup("k1")
	require.True(t, ok)
	require.Equal(t, "job-1", id)

	// stale release from an older job leaves the entry alone
	idx.Release("k1", "job-0")
	require.Equal(t, 1, idx.Len())

	idx.Release("k1", "job-1")
	require.Equal(t, 0, idx.Len())

	require.NoError(t, idx.Register("k1", "job-2"))
	id, _ = idx.Lookup("k1")
	require.Equal(t, "job-2", id)
}
