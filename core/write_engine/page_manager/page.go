package pagemanager

import (
	"sync"
)

// --- Page Management ---

const (
	// PageSize is the fixed size of every on-disk page and in-memory frame.
	PageSize = 4096

	// InvalidPageID marks an unused frame, an empty tree root or the end of a page chain.
	InvalidPageID PageID = -1
)

// PageID is a logical page identifier, stable for the lifetime of the page.
type PageID int32

// IsValid reports whether id can name an allocated page.
func (id PageID) IsValid() bool { return id >= 0 }

// Page represents an in-memory frame holding a copy of a disk page.
// The buffer pool owns the metadata; callers own the interpretation of the bytes.
type Page struct {
	id       PageID
	data     []byte
	pinCount int32
	isDirty  bool

	// latch protects the page contents. It is independent of pinning.
	latch sync.RWMutex
}

// NewPage creates a new Page instance.
func NewPage(id PageID, size int) *Page {
	return &Page{
		id:   id,
		data: make([]byte, size),
	}
}

// Reset returns the frame to its unused state and zeroes the bytes.
func (p *Page) Reset() {
	p.id = InvalidPageID
	p.pinCount = 0
	p.isDirty = false
	clear(p.data)
}

func (p *Page) GetData() []byte            { return p.data }
func (p *Page) GetPageID() PageID          { return p.id }
func (p *Page) SetPageID(id PageID)        { p.id = id }
func (p *Page) IsDirty() bool              { return p.isDirty }
func (p *Page) SetDirty(dirty bool)        { p.isDirty = dirty }
func (p *Page) GetPinCount() int32         { return p.pinCount }
func (p *Page) SetPinCount(pinCount int32) { p.pinCount = pinCount }
func (p *Page) Pin()                       { p.pinCount++ }

// Unpin decrements the pin count. It reports false, leaving the count at zero,
// when the page was not pinned.
func (p *Page) Unpin() bool {
	if p.pinCount <= 0 {
		return false
	}
	p.pinCount--
	return true
}

// --- Latch Methods ---

// RLock acquires a read (shared) latch on the page.
func (p *Page) RLock() { p.latch.RLock() }

// RUnlock releases a read (shared) latch on the page.
func (p *Page) RUnlock() { p.latch.RUnlock() }

// Lock acquires a write (exclusive) latch on the page.
func (p *Page) Lock() { p.latch.Lock() }

// TryLock attempts the write latch without blocking.
func (p *Page) TryLock() bool { return p.latch.TryLock() }

// Unlock releases a write (exclusive) latch on the page.
func (p *Page) Unlock() { p.latch.Unlock() }
