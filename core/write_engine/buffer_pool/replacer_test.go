package bufferpool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLRUReplacer_VictimOrder(t *testing.T) {
	r := NewLRUReplacer(7)

	for _, f := range []FrameID{1, 2, 3, 4, 5, 6} {
		r.RecordUnpinned(f)
	}
	// Re-unpinning refreshes recency.
	r.RecordUnpinned(1)
	require.Equal(t, 6, r.Size())

	for _, want := range []FrameID{2, 3, 4} {
		got, ok := r.Victim()
		require.True(t, ok)
		require.Equal(t, want, got)
	}

	r.RecordPinned(5)
	r.RecordPinned(5)
	r.RecordPinned(42)
	require.Equal(t, 2, r.Size())

	r.RecordUnpinned(4)
	for _, want := range []FrameID{6, 1, 4} {
		got, ok := r.Victim()
		require.True(t, ok)
		require.Equal(t, want, got)
	}

	_, ok := r.Victim()
	require.False(t, ok)
	require.Equal(t, 0, r.Size())
}

func TestLRUReplacer_FullPoolNeverSelfEvicts(t *testing.T) {
	r := NewLRUReplacer(3)
	r.RecordUnpinned(0)
	r.RecordUnpinned(1)
	r.RecordUnpinned(2)
	require.Equal(t, 3, r.Size())

	got, ok := r.Victim()
	require.True(t, ok)
	require.Equal(t, FrameID(0), got)
}
