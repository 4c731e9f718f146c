package btree

import (
	"encoding/binary"
	"sort"

	pagemanager "github.com/sushant-115/pagedb/core/write_engine/page_manager"
)

// InternalPage is a view over an internal page: the header followed by
// (key, child page id) pairs. The key at index 0 is unused; child i holds
// keys k with KeyAt(i) <= k < KeyAt(i+1).
type InternalPage struct {
	treePage
}

// AsInternalPage wraps page bytes as an internal page.
func AsInternalPage(data []byte) InternalPage { return InternalPage{treePage{data: data}} }

// Init formats an empty internal page.
func (p InternalPage) Init(pageID, parentID pagemanager.PageID, keySize, maxSize int) {
	p.init(InternalPageType, pageID, parentID, keySize, maxSize)
}

func (p InternalPage) pairSize() int { return p.KeySize() + internalValueSize }

func (p InternalPage) pairOffset(i int) int { return InternalHeaderSize + i*p.pairSize() }

// KeyAt returns the key at index i. The slice aliases the page.
func (p InternalPage) KeyAt(i int) []byte {
	off := p.pairOffset(i)
	return p.data[off : off+p.KeySize()]
}

func (p InternalPage) SetKeyAt(i int, key []byte) {
	off := p.pairOffset(i)
	copy(p.data[off:off+p.KeySize()], key)
}

// ValueAt returns the child page id at index i.
func (p InternalPage) ValueAt(i int) pagemanager.PageID {
	off := p.pairOffset(i) + p.KeySize()
	return pagemanager.PageID(int32(binary.LittleEndian.Uint32(p.data[off:])))
}

func (p InternalPage) SetValueAt(i int, child pagemanager.PageID) {
	off := p.pairOffset(i) + p.KeySize()
	binary.LittleEndian.PutUint32(p.data[off:], uint32(child))
}

// ValueIndex returns the index holding child, or -1.
func (p InternalPage) ValueIndex(child pagemanager.PageID) int {
	for i := 0; i < p.Size(); i++ {
		if p.ValueAt(i) == child {
			return i
		}
	}
	return -1
}

// Lookup returns the child whose range contains key.
func (p InternalPage) Lookup(key []byte, cmp KeyComparator) pagemanager.PageID {
	// First index in [1, size) whose key is greater than key; its left neighbour routes.
	i := sort.Search(p.Size()-1, func(j int) bool { return cmp(p.KeyAt(j+1), key) > 0 })
	return p.ValueAt(i)
}

// PopulateNewRoot fills an empty page with two children split around key.
func (p InternalPage) PopulateNewRoot(left pagemanager.PageID, key []byte, right pagemanager.PageID) {
	p.SetValueAt(0, left)
	p.SetKeyAt(1, key)
	p.SetValueAt(1, right)
	p.setSize(2)
}

// InsertNodeAfter places (key, right) directly after the pair pointing at left.
// The caller guarantees room for one pair beyond MaxSize.
func (p InternalPage) InsertNodeAfter(left pagemanager.PageID, key []byte, right pagemanager.PageID) int {
	size := p.Size()
	i := p.ValueIndex(left) + 1
	copy(p.data[p.pairOffset(i+1):p.pairOffset(size+1)], p.data[p.pairOffset(i):p.pairOffset(size)])
	p.SetKeyAt(i, key)
	p.SetValueAt(i, right)
	p.setSize(size + 1)
	return size + 1
}

// RemoveAt deletes the pair at index i.
func (p InternalPage) RemoveAt(i int) {
	size := p.Size()
	copy(p.data[p.pairOffset(i):p.pairOffset(size-1)], p.data[p.pairOffset(i+1):p.pairOffset(size)])
	p.setSize(size - 1)
}

// RemoveAndReturnOnlyChild empties a page that has a single child.
func (p InternalPage) RemoveAndReturnOnlyChild() pagemanager.PageID {
	child := p.ValueAt(0)
	p.setSize(0)
	return child
}

// MoveHalfTo moves the upper half of the pairs into the empty recipient. It
// returns the separator to push into the parent, which is now recipient's
// unused key 0, and the children that changed parent.
func (p InternalPage) MoveHalfTo(recipient InternalPage) ([]byte, []pagemanager.PageID) {
	size := p.Size()
	keep := size / 2
	copy(recipient.data[recipient.pairOffset(0):], p.data[p.pairOffset(keep):p.pairOffset(size)])
	recipient.setSize(size - keep)
	p.setSize(keep)
	return append([]byte(nil), recipient.KeyAt(0)...), recipient.children(0)
}

// MoveAllTo appends every pair to recipient, the left sibling. middleKey is
// the parent's separator between the two and fills p's unused key 0.
func (p InternalPage) MoveAllTo(recipient InternalPage, middleKey []byte) []pagemanager.PageID {
	p.SetKeyAt(0, middleKey)
	size, rsize := p.Size(), recipient.Size()
	copy(recipient.data[recipient.pairOffset(rsize):], p.data[p.pairOffset(0):p.pairOffset(size)])
	recipient.setSize(rsize + size)
	p.setSize(0)
	return recipient.children(rsize)
}

// MoveFirstToEndOf moves p's first child to the end of recipient, its left
// sibling. It returns the new separator between the two pages.
func (p InternalPage) MoveFirstToEndOf(recipient InternalPage, middleKey []byte) ([]byte, pagemanager.PageID) {
	child := p.ValueAt(0)
	rsize := recipient.Size()
	recipient.SetKeyAt(rsize, middleKey)
	recipient.SetValueAt(rsize, child)
	recipient.setSize(rsize + 1)

	separator := append([]byte(nil), p.KeyAt(1)...)
	p.RemoveAt(0)
	return separator, child
}

// MoveLastToFrontOf moves p's last child to the front of recipient, its right
// sibling. It returns the new separator between the two pages.
func (p InternalPage) MoveLastToFrontOf(recipient InternalPage, middleKey []byte) ([]byte, pagemanager.PageID) {
	last := p.Size() - 1
	separator := append([]byte(nil), p.KeyAt(last)...)
	child := p.ValueAt(last)
	p.setSize(last)

	rsize := recipient.Size()
	copy(recipient.data[recipient.pairOffset(1):recipient.pairOffset(rsize+1)], recipient.data[recipient.pairOffset(0):recipient.pairOffset(rsize)])
	recipient.SetKeyAt(1, middleKey)
	recipient.SetValueAt(0, child)
	recipient.setSize(rsize + 1)
	return separator, child
}

func (p InternalPage) children(from int) []pagemanager.PageID {
	out := make([]pagemanager.PageID, 0, p.Size()-from)
	for i := from; i < p.Size(); i++ {
		out = append(out, p.ValueAt(i))
	}
	return out
}
