package heap

import (
	"encoding/binary"

	pagemanager "github.com/sushant-115/pagedb/core/write_engine/page_manager"
)

// Table page layout, little-endian:
//
//	0  page id
//	4  prev page id
//	8  next page id
//	12 free space pointer (start of the tuple region)
//	16 slot count
//	20 slots, 8 bytes each: tuple offset, tuple size
//
// Tuples are packed at the end of the page and grow towards the slots. The
// top bit of a slot's size marks the tuple deleted; a slot with offset 0 is
// empty and may be reused.
const (
	tpPageIDOffset    = 0
	tpPrevOffset      = 4
	tpNextOffset      = 8
	tpFreeSpaceOffset = 12
	tpSlotCountOffset = 16
	tablePageHeader   = 20
	slotSize          = 8

	deleteFlag uint32 = 1 << 31
)

// MaxTupleSize is the largest tuple a page of pageSize bytes can hold.
func MaxTupleSize(pageSize int) int { return pageSize - tablePageHeader - slotSize }

// TablePage is a view over one slotted heap page.
type TablePage struct {
	data []byte
}

func AsTablePage(data []byte) TablePage { return TablePage{data: data} }

// Init formats an empty page linked after prev.
func (p TablePage) Init(pageID, prev pagemanager.PageID) {
	clear(p.data)
	p.putInt32(tpPageIDOffset, int32(pageID))
	p.SetPrevPageID(prev)
	p.SetNextPageID(pagemanager.InvalidPageID)
	p.setFreeSpacePointer(uint32(len(p.data)))
}

func (p TablePage) u32(off int) uint32       { return binary.LittleEndian.Uint32(p.data[off:]) }
func (p TablePage) putU32(off int, v uint32) { binary.LittleEndian.PutUint32(p.data[off:], v) }
func (p TablePage) putInt32(off int, v int32) {
	binary.LittleEndian.PutUint32(p.data[off:], uint32(v))
}

func (p TablePage) PageID() pagemanager.PageID { return pagemanager.PageID(int32(p.u32(tpPageIDOffset))) }
func (p TablePage) PrevPageID() pagemanager.PageID {
	return pagemanager.PageID(int32(p.u32(tpPrevOffset)))
}
func (p TablePage) SetPrevPageID(id pagemanager.PageID) { p.putInt32(tpPrevOffset, int32(id)) }
func (p TablePage) NextPageID() pagemanager.PageID {
	return pagemanager.PageID(int32(p.u32(tpNextOffset)))
}
func (p TablePage) SetNextPageID(id pagemanager.PageID) { p.putInt32(tpNextOffset, int32(id)) }

func (p TablePage) freeSpacePointer() uint32     { return p.u32(tpFreeSpaceOffset) }
func (p TablePage) setFreeSpacePointer(v uint32) { p.putU32(tpFreeSpaceOffset, v) }

// SlotCount is the number of slots, including empty ones.
func (p TablePage) SlotCount() uint32     { return p.u32(tpSlotCountOffset) }
func (p TablePage) setSlotCount(n uint32) { p.putU32(tpSlotCountOffset, n) }

func (p TablePage) slot(i uint32) (offset, size uint32) {
	off := tablePageHeader + int(i)*slotSize
	return p.u32(off), p.u32(off + 4)
}

func (p TablePage) setSlot(i uint32, offset, size uint32) {
	off := tablePageHeader + int(i)*slotSize
	p.putU32(off, offset)
	p.putU32(off+4, size)
}

// FreeSpace is the number of bytes between the slot array and the tuples.
func (p TablePage) FreeSpace() int {
	return int(p.freeSpacePointer()) - tablePageHeader - int(p.SlotCount())*slotSize
}

// InsertTuple stores tuple and returns its slot, or false if it does not fit.
func (p TablePage) InsertTuple(tuple []byte) (uint32, bool) {
	if len(tuple) == 0 {
		return 0, false
	}
	count := p.SlotCount()
	slot := count
	for i := uint32(0); i < count; i++ {
		if offset, _ := p.slot(i); offset == 0 {
			slot = i
			break
		}
	}
	need := len(tuple)
	if slot == count {
		need += slotSize
	}
	if p.FreeSpace() < need {
		return 0, false
	}

	fsp := p.freeSpacePointer() - uint32(len(tuple))
	copy(p.data[fsp:], tuple)
	p.setFreeSpacePointer(fsp)
	if slot == count {
		p.setSlotCount(count + 1)
	}
	p.setSlot(slot, fsp, uint32(len(tuple)))
	return slot, true
}

// GetTuple returns a copy of a live tuple.
func (p TablePage) GetTuple(slot uint32) ([]byte, bool) {
	if slot >= p.SlotCount() {
		return nil, false
	}
	offset, size := p.slot(slot)
	if offset == 0 || size&deleteFlag != 0 {
		return nil, false
	}
	return append([]byte(nil), p.data[offset:offset+size]...), true
}

// IsDeleted reports whether slot holds a tuple marked deleted.
func (p TablePage) IsDeleted(slot uint32) bool {
	if slot >= p.SlotCount() {
		return false
	}
	offset, size := p.slot(slot)
	return offset != 0 && size&deleteFlag != 0
}

// MarkDelete hides a live tuple until ApplyDelete or RollbackDelete.
func (p TablePage) MarkDelete(slot uint32) bool {
	if slot >= p.SlotCount() {
		return false
	}
	offset, size := p.slot(slot)
	if offset == 0 || size&deleteFlag != 0 {
		return false
	}
	p.setSlot(slot, offset, size|deleteFlag)
	return true
}

// RollbackDelete clears the delete mark.
func (p TablePage) RollbackDelete(slot uint32) bool {
	if !p.IsDeleted(slot) {
		return false
	}
	offset, size := p.slot(slot)
	p.setSlot(slot, offset, size&^deleteFlag)
	return true
}

// ApplyDelete removes the tuple's bytes and empties its slot. The tuple may
// or may not have been marked first.
func (p TablePage) ApplyDelete(slot uint32) bool {
	if slot >= p.SlotCount() {
		return false
	}
	offset, size := p.slot(slot)
	if offset == 0 {
		return false
	}
	size &^= deleteFlag
	p.shiftTuples(offset, int(size))
	p.setSlot(slot, 0, 0)
	return true
}

// UpdateTuple replaces a live tuple in place. It returns false when the
// tuple is missing or the new bytes do not fit.
func (p TablePage) UpdateTuple(slot uint32, tuple []byte) bool {
	if len(tuple) == 0 || slot >= p.SlotCount() {
		return false
	}
	offset, size := p.slot(slot)
	if offset == 0 || size&deleteFlag != 0 {
		return false
	}
	delta := len(tuple) - int(size)
	if delta > p.FreeSpace() {
		return false
	}
	// Drop the old bytes, then place the new ones at the front of the region.
	p.shiftTuples(offset, int(size))
	fsp := p.freeSpacePointer() - uint32(len(tuple))
	copy(p.data[fsp:], tuple)
	p.setFreeSpacePointer(fsp)
	p.setSlot(slot, fsp, uint32(len(tuple)))
	return true
}

// shiftTuples closes the gap of n bytes at offset by moving every tuple
// stored below it up, and fixes their slots.
func (p TablePage) shiftTuples(offset uint32, n int) {
	fsp := p.freeSpacePointer()
	copy(p.data[fsp+uint32(n):offset+uint32(n)], p.data[fsp:offset])
	clear(p.data[fsp : fsp+uint32(n)])
	p.setFreeSpacePointer(fsp + uint32(n))
	for i := uint32(0); i < p.SlotCount(); i++ {
		o, s := p.slot(i)
		if o != 0 && o < offset {
			p.setSlot(i, o+uint32(n), s)
		}
	}
}

// NextLiveSlot returns the first slot at or after from that holds a live
// tuple.
func (p TablePage) NextLiveSlot(from uint32) (uint32, bool) {
	for i := from; i < p.SlotCount(); i++ {
		offset, size := p.slot(i)
		if offset != 0 && size&deleteFlag == 0 {
			return i, true
		}
	}
	return 0, false
}
