package btree

import (
	"encoding/binary"

	pagemanager "github.com/sushant-115/pagedb/core/write_engine/page_manager"
)

// PageType tags a B+Tree page.
type PageType uint32

const (
	InvalidPageType PageType = iota
	LeafPageType
	InternalPageType
)

func (t PageType) String() string {
	switch t {
	case LeafPageType:
		return "leaf"
	case InternalPageType:
		return "internal"
	default:
		return "invalid"
	}
}

// Common header, little-endian at fixed offsets:
//
//	0  page type
//	4  key size
//	8  size (number of pairs)
//	12 max size
//	16 parent page id
//	20 page id
//
// Leaf pages add the next page id at 24.
const (
	typeOffset     = 0
	keySizeOffset  = 4
	sizeOffset     = 8
	maxSizeOffset  = 12
	parentOffset   = 16
	pageIDOffset   = 20
	nextPageOffset = 24

	treePageHeaderSize = 24
	LeafHeaderSize     = 28
	InternalHeaderSize = treePageHeaderSize

	internalValueSize = 4
)

// treePage reads and writes the common header of a B+Tree page.
type treePage struct {
	data []byte
}

func (p treePage) PageType() PageType {
	return PageType(binary.LittleEndian.Uint32(p.data[typeOffset:]))
}
func (p treePage) setPageType(t PageType) {
	binary.LittleEndian.PutUint32(p.data[typeOffset:], uint32(t))
}
func (p treePage) IsLeaf() bool { return p.PageType() == LeafPageType }

func (p treePage) KeySize() int { return int(binary.LittleEndian.Uint32(p.data[keySizeOffset:])) }
func (p treePage) setKeySize(n int) {
	binary.LittleEndian.PutUint32(p.data[keySizeOffset:], uint32(n))
}

func (p treePage) Size() int { return int(binary.LittleEndian.Uint32(p.data[sizeOffset:])) }
func (p treePage) setSize(n int) {
	binary.LittleEndian.PutUint32(p.data[sizeOffset:], uint32(n))
}

func (p treePage) MaxSize() int { return int(binary.LittleEndian.Uint32(p.data[maxSizeOffset:])) }
func (p treePage) setMaxSize(n int) {
	binary.LittleEndian.PutUint32(p.data[maxSizeOffset:], uint32(n))
}

// MinSize is the fewest pairs a non-root page may hold. Internal pages round
// up so that a split of max+1 children leaves both halves legal.
func (p treePage) MinSize() int {
	if p.IsLeaf() {
		return p.MaxSize() / 2
	}
	return (p.MaxSize() + 1) / 2
}

func (p treePage) ParentPageID() pagemanager.PageID {
	return pagemanager.PageID(int32(binary.LittleEndian.Uint32(p.data[parentOffset:])))
}
func (p treePage) SetParentPageID(id pagemanager.PageID) {
	binary.LittleEndian.PutUint32(p.data[parentOffset:], uint32(id))
}
func (p treePage) IsRoot() bool { return p.ParentPageID() == pagemanager.InvalidPageID }

func (p treePage) PageID() pagemanager.PageID {
	return pagemanager.PageID(int32(binary.LittleEndian.Uint32(p.data[pageIDOffset:])))
}
func (p treePage) setPageID(id pagemanager.PageID) {
	binary.LittleEndian.PutUint32(p.data[pageIDOffset:], uint32(id))
}

func (p treePage) init(t PageType, pageID, parentID pagemanager.PageID, keySize, maxSize int) {
	p.setPageType(t)
	p.setKeySize(keySize)
	p.setSize(0)
	p.setMaxSize(maxSize)
	p.SetParentPageID(parentID)
	p.setPageID(pageID)
}

// LeafCapacity is the number of (key, RowID) pairs a leaf page can physically hold.
func LeafCapacity(keySize, pageSize int) int {
	return (pageSize - LeafHeaderSize) / (keySize + pagemanager.RowIDSize)
}

// InternalCapacity is the number of (key, child) pairs an internal page can physically hold.
func InternalCapacity(keySize, pageSize int) int {
	return (pageSize - InternalHeaderSize) / (keySize + internalValueSize)
}
