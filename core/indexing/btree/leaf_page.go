package btree

import (
	"encoding/binary"
	"sort"

	pagemanager "github.com/sushant-115/pagedb/core/write_engine/page_manager"
)

// LeafPage is a view over a leaf page: the header followed by sorted
// (key, RowID) pairs.
type LeafPage struct {
	treePage
}

// AsLeafPage wraps page bytes as a leaf.
func AsLeafPage(data []byte) LeafPage { return LeafPage{treePage{data: data}} }

// Init formats an empty leaf.
func (p LeafPage) Init(pageID, parentID pagemanager.PageID, keySize, maxSize int) {
	p.init(LeafPageType, pageID, parentID, keySize, maxSize)
	p.SetNextPageID(pagemanager.InvalidPageID)
}

func (p LeafPage) NextPageID() pagemanager.PageID {
	return pagemanager.PageID(int32(binary.LittleEndian.Uint32(p.data[nextPageOffset:])))
}

func (p LeafPage) SetNextPageID(id pagemanager.PageID) {
	binary.LittleEndian.PutUint32(p.data[nextPageOffset:], uint32(id))
}

func (p LeafPage) pairSize() int { return p.KeySize() + pagemanager.RowIDSize }

func (p LeafPage) pairOffset(i int) int { return LeafHeaderSize + i*p.pairSize() }

// KeyAt returns the key at index i. The slice aliases the page.
func (p LeafPage) KeyAt(i int) []byte {
	off := p.pairOffset(i)
	return p.data[off : off+p.KeySize()]
}

// ValueAt returns the RowID at index i.
func (p LeafPage) ValueAt(i int) pagemanager.RowID {
	off := p.pairOffset(i) + p.KeySize()
	return pagemanager.DecodeRowID(p.data[off : off+pagemanager.RowIDSize])
}

func (p LeafPage) setPairAt(i int, key []byte, value pagemanager.RowID) {
	off := p.pairOffset(i)
	copy(p.data[off:off+p.KeySize()], key)
	value.Encode(p.data[off+p.KeySize() : off+p.pairSize()])
}

// KeyIndex returns the first index whose key is >= key, or Size() if none is.
func (p LeafPage) KeyIndex(key []byte, cmp KeyComparator) int {
	return sort.Search(p.Size(), func(i int) bool { return cmp(p.KeyAt(i), key) >= 0 })
}

// Lookup finds the value stored under key.
func (p LeafPage) Lookup(key []byte, cmp KeyComparator) (pagemanager.RowID, bool) {
	i := p.KeyIndex(key, cmp)
	if i < p.Size() && cmp(p.KeyAt(i), key) == 0 {
		return p.ValueAt(i), true
	}
	return pagemanager.InvalidRowID, false
}

// Insert adds the pair in sorted position. It returns false when key exists.
// The caller guarantees room for one pair beyond MaxSize.
func (p LeafPage) Insert(key []byte, value pagemanager.RowID, cmp KeyComparator) bool {
	size := p.Size()
	i := p.KeyIndex(key, cmp)
	if i < size && cmp(p.KeyAt(i), key) == 0 {
		return false
	}
	copy(p.data[p.pairOffset(i+1):p.pairOffset(size+1)], p.data[p.pairOffset(i):p.pairOffset(size)])
	p.setPairAt(i, key, value)
	p.setSize(size + 1)
	return true
}

// RemoveAt deletes the pair at index i.
func (p LeafPage) RemoveAt(i int) {
	size := p.Size()
	copy(p.data[p.pairOffset(i):p.pairOffset(size-1)], p.data[p.pairOffset(i+1):p.pairOffset(size)])
	p.setSize(size - 1)
}

// MoveHalfTo moves the upper half of the pairs into the empty recipient and
// links recipient after p.
func (p LeafPage) MoveHalfTo(recipient LeafPage) {
	size := p.Size()
	keep := size / 2
	copy(recipient.data[recipient.pairOffset(0):], p.data[p.pairOffset(keep):p.pairOffset(size)])
	recipient.setSize(size - keep)
	p.setSize(keep)
	recipient.SetNextPageID(p.NextPageID())
	p.SetNextPageID(recipient.PageID())
}

// MoveAllTo appends every pair to recipient, the left sibling, and unlinks p.
func (p LeafPage) MoveAllTo(recipient LeafPage) {
	size, rsize := p.Size(), recipient.Size()
	copy(recipient.data[recipient.pairOffset(rsize):], p.data[p.pairOffset(0):p.pairOffset(size)])
	recipient.setSize(rsize + size)
	recipient.SetNextPageID(p.NextPageID())
	p.setSize(0)
}

// MoveFirstToEndOf moves p's first pair to the end of recipient, its left sibling.
func (p LeafPage) MoveFirstToEndOf(recipient LeafPage) {
	rsize := recipient.Size()
	recipient.setPairAt(rsize, p.KeyAt(0), p.ValueAt(0))
	recipient.setSize(rsize + 1)
	p.RemoveAt(0)
}

// MoveLastToFrontOf moves p's last pair to the front of recipient, its right sibling.
func (p LeafPage) MoveLastToFrontOf(recipient LeafPage) {
	last := p.Size() - 1
	key := append([]byte(nil), p.KeyAt(last)...)
	value := p.ValueAt(last)
	p.setSize(last)

	rsize := recipient.Size()
	copy(recipient.data[recipient.pairOffset(1):recipient.pairOffset(rsize+1)], recipient.data[recipient.pairOffset(0):recipient.pairOffset(rsize)])
	recipient.setPairAt(0, key, value)
	recipient.setSize(rsize + 1)
}
