package btree

import (
	"encoding/binary"
	"fmt"
	"sync"

	bufferpool "github.com/sushant-115/pagedb/core/write_engine/buffer_pool"
	flushmanager "github.com/sushant-115/pagedb/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/pagedb/core/write_engine/page_manager"
)

// IndexRootsPage layout:
//
//	0 magic
//	4 count
//	8 (index id u32, root page id i32) * count
const (
	rootsMagic      uint32 = 0x1DE70075
	rootsHeaderSize        = 8
	rootsEntrySize         = 8
)

// RootsPageCapacity is the number of index roots one page can record.
func RootsPageCapacity(pageSize int) int { return (pageSize - rootsHeaderSize) / rootsEntrySize }

// IndexRootsPage is a view over the page that maps index ids to root pages.
type IndexRootsPage struct {
	data []byte
}

func AsIndexRootsPage(data []byte) IndexRootsPage { return IndexRootsPage{data: data} }

// Init formats an empty roots page.
func (p IndexRootsPage) Init() {
	clear(p.data)
	binary.LittleEndian.PutUint32(p.data[0:], rootsMagic)
}

func (p IndexRootsPage) valid() bool { return binary.LittleEndian.Uint32(p.data[0:]) == rootsMagic }

func (p IndexRootsPage) Count() int { return int(binary.LittleEndian.Uint32(p.data[4:])) }

func (p IndexRootsPage) setCount(n int) { binary.LittleEndian.PutUint32(p.data[4:], uint32(n)) }

func (p IndexRootsPage) entry(i int) (uint32, pagemanager.PageID) {
	off := rootsHeaderSize + i*rootsEntrySize
	return binary.LittleEndian.Uint32(p.data[off:]), pagemanager.PageID(int32(binary.LittleEndian.Uint32(p.data[off+4:])))
}

func (p IndexRootsPage) setEntry(i int, indexID uint32, root pagemanager.PageID) {
	off := rootsHeaderSize + i*rootsEntrySize
	binary.LittleEndian.PutUint32(p.data[off:], indexID)
	binary.LittleEndian.PutUint32(p.data[off+4:], uint32(root))
}

func (p IndexRootsPage) find(indexID uint32) int {
	for i := 0; i < p.Count(); i++ {
		if id, _ := p.entry(i); id == indexID {
			return i
		}
	}
	return -1
}

// Get returns the root recorded for indexID.
func (p IndexRootsPage) Get(indexID uint32) (pagemanager.PageID, bool) {
	i := p.find(indexID)
	if i < 0 {
		return pagemanager.InvalidPageID, false
	}
	_, root := p.entry(i)
	return root, true
}

// Set inserts or updates the root for indexID. It fails only when the page is full.
func (p IndexRootsPage) Set(indexID uint32, root pagemanager.PageID) bool {
	if i := p.find(indexID); i >= 0 {
		p.setEntry(i, indexID, root)
		return true
	}
	n := p.Count()
	if n >= RootsPageCapacity(len(p.data)) {
		return false
	}
	p.setEntry(n, indexID, root)
	p.setCount(n + 1)
	return true
}

// Delete removes the entry for indexID, moving the last entry into its slot.
func (p IndexRootsPage) Delete(indexID uint32) bool {
	i := p.find(indexID)
	if i < 0 {
		return false
	}
	last := p.Count() - 1
	if i != last {
		id, root := p.entry(last)
		p.setEntry(i, id, root)
	}
	p.setEntry(last, 0, 0)
	p.setCount(last)
	return true
}

// RootRegistry persists index roots in a reserved page of the buffer pool.
// The page stays pinned while the registry is open, so root updates in the
// middle of a tree operation never compete for a frame.
type RootRegistry struct {
	bpm    *bufferpool.BufferPoolManager
	pageID pagemanager.PageID
	pin    *bufferpool.BasicPageGuard
	mu     sync.Mutex
}

// OpenRootRegistry attaches to the roots page at pageID, formatting it if it
// does not yet carry the roots magic.
func OpenRootRegistry(bpm *bufferpool.BufferPoolManager, pageID pagemanager.PageID) (*RootRegistry, error) {
	pin, err := bpm.FetchPageBasic(pageID)
	if err != nil {
		return nil, fmt.Errorf("fetch index roots page %d: %w", pageID, err)
	}
	r := &RootRegistry{bpm: bpm, pageID: pageID, pin: pin}

	guard, err := bpm.FetchPageWrite(pageID)
	if err != nil {
		pin.Drop()
		return nil, err
	}
	defer guard.Drop()
	page := AsIndexRootsPage(guard.Data())
	if !page.valid() {
		page.Init()
		guard.MarkDirty()
	}
	return r, nil
}

// Close releases the pin on the roots page.
func (r *RootRegistry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pin.Drop()
}

// PageID returns the page holding the registry.
func (r *RootRegistry) PageID() pagemanager.PageID { return r.pageID }

// Get returns the root page of indexID.
func (r *RootRegistry) Get(indexID uint32) (pagemanager.PageID, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	guard, err := r.bpm.FetchPageRead(r.pageID)
	if err != nil {
		return pagemanager.InvalidPageID, false, err
	}
	defer guard.Drop()
	root, ok := AsIndexRootsPage(guard.Data()).Get(indexID)
	return root, ok, nil
}

// Set records root as the root page of indexID.
func (r *RootRegistry) Set(indexID uint32, root pagemanager.PageID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	guard, err := r.bpm.FetchPageWrite(r.pageID)
	if err != nil {
		return err
	}
	defer guard.Drop()
	if !AsIndexRootsPage(guard.Data()).Set(indexID, root) {
		return fmt.Errorf("index roots page is full: %w", flushmanager.ErrPageOverflow)
	}
	guard.MarkDirty()
	return nil
}

// Delete forgets indexID.
func (r *RootRegistry) Delete(indexID uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	guard, err := r.bpm.FetchPageWrite(r.pageID)
	if err != nil {
		return err
	}
	defer guard.Drop()
	if AsIndexRootsPage(guard.Data()).Delete(indexID) {
		guard.MarkDirty()
	}
	return nil
}
