package disk

import "encoding/binary"

const (
	bitmapAllocatedOffset = 0
	bitmapNextFreeOffset  = 4
	bitmapHeaderSize      = 8
)

// MaxExtentCapacity is the number of pages one bitmap page can track.
func MaxExtentCapacity(pageSize int) uint32 {
	return uint32(pageSize-bitmapHeaderSize) * 8
}

// BitmapPage is a view over an extent's bitmap page.
//
// Layout: allocated count (u32), next-free hint (u32), then one bit per page.
// Every offset below the hint is in use.
type BitmapPage struct {
	data     []byte
	capacity uint32
}

// NewBitmapPage wraps data, which must be a full page.
func NewBitmapPage(data []byte, capacity uint32) *BitmapPage {
	return &BitmapPage{data: data, capacity: capacity}
}

func (b *BitmapPage) Allocated() uint32 {
	return binary.LittleEndian.Uint32(b.data[bitmapAllocatedOffset:])
}

func (b *BitmapPage) NextFree() uint32 {
	return binary.LittleEndian.Uint32(b.data[bitmapNextFreeOffset:])
}

func (b *BitmapPage) setAllocated(n uint32) {
	binary.LittleEndian.PutUint32(b.data[bitmapAllocatedOffset:], n)
}

func (b *BitmapPage) setNextFree(n uint32) {
	binary.LittleEndian.PutUint32(b.data[bitmapNextFreeOffset:], n)
}

// AllocatePage marks the first free offset at or after the hint as used.
func (b *BitmapPage) AllocatePage() (uint32, bool) {
	if b.Allocated() >= b.capacity {
		return 0, false
	}
	for _, start := range []uint32{b.NextFree(), 0} {
		for off := start; off < b.capacity; off++ {
			if b.IsPageFree(off) {
				b.markUsed(off)
				b.setAllocated(b.Allocated() + 1)
				b.setNextFree(off + 1)
				return off, true
			}
		}
	}
	return 0, false
}

// DeallocatePage clears offset. It returns false, changing nothing, if the
// offset is out of range or already free.
func (b *BitmapPage) DeallocatePage(offset uint32) bool {
	if offset >= b.capacity || b.IsPageFree(offset) {
		return false
	}
	b.data[bitmapHeaderSize+offset/8] &^= 1 << (offset % 8)
	b.setAllocated(b.Allocated() - 1)
	b.setNextFree(min(b.NextFree(), offset))
	return true
}

// IsPageFree reports whether offset is unallocated.
func (b *BitmapPage) IsPageFree(offset uint32) bool {
	if offset >= b.capacity {
		return true
	}
	return b.data[bitmapHeaderSize+offset/8]&(1<<(offset%8)) == 0
}

func (b *BitmapPage) markUsed(offset uint32) {
	b.data[bitmapHeaderSize+offset/8] |= 1 << (offset % 8)
}
