package disk

import (
	"testing"

	"github.com/stretchr/testify/require"

	pagemanager "github.com/sushant-115/pagedb/core/write_engine/page_manager"
)

func TestBitmapPage_AllocateUntilFull(t *testing.T) {
	page := make([]byte, pagemanager.PageSize)
	bitmap := NewBitmapPage(page, 10)

	for want := uint32(0); want < 10; want++ {
		got, ok := bitmap.AllocatePage()
		require.True(t, ok)
		require.Equal(t, want, got)
	}
	_, ok := bitmap.AllocatePage()
	require.False(t, ok)
	require.Equal(t, uint32(10), bitmap.Allocated())
}

func TestBitmapPage_DeallocateLowersHint(t *testing.T) {
	page := make([]byte, pagemanager.PageSize)
	bitmap := NewBitmapPage(page, 16)
	for i := 0; i < 8; i++ {
		_, ok := bitmap.AllocatePage()
		require.True(t, ok)
	}
	require.Equal(t, uint32(8), bitmap.NextFree())

	require.True(t, bitmap.DeallocatePage(5))
	require.Equal(t, uint32(5), bitmap.NextFree())
	require.True(t, bitmap.DeallocatePage(6))
	require.Equal(t, uint32(5), bitmap.NextFree(), "hint only moves down")

	require.False(t, bitmap.DeallocatePage(6), "already free")
	require.False(t, bitmap.DeallocatePage(16), "out of range")
	require.Equal(t, uint32(6), bitmap.Allocated())

	got, ok := bitmap.AllocatePage()
	require.True(t, ok)
	require.Equal(t, uint32(5), got)
	got, ok = bitmap.AllocatePage()
	require.True(t, ok)
	require.Equal(t, uint32(6), got)
}

func TestMaxExtentCapacity(t *testing.T) {
	require.Equal(t, uint32((pagemanager.PageSize-8)*8), MaxExtentCapacity(pagemanager.PageSize))
}
