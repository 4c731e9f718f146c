package bufferpool

import (
	pagemanager "github.com/sushant-115/pagedb/core/write_engine/page_manager"
)

// BasicPageGuard owns one pin on a page. Drop releases it exactly once, so a
// deferred Drop covers every return path.
type BasicPageGuard struct {
	bpm   *BufferPoolManager
	page  *pagemanager.Page
	dirty bool
}

// PageID returns the guarded page id, or InvalidPageID after Drop.
func (g *BasicPageGuard) PageID() pagemanager.PageID {
	if g == nil || g.page == nil {
		return pagemanager.InvalidPageID
	}
	return g.page.GetPageID()
}

// Data returns the page bytes. It must not be used after Drop.
func (g *BasicPageGuard) Data() []byte { return g.page.GetData() }

// MarkDirty records that the page was modified; Drop will unpin it dirty.
func (g *BasicPageGuard) MarkDirty() { g.dirty = true }

// View runs fn with the page's shared latch held.
func (g *BasicPageGuard) View(fn func(data []byte)) {
	g.page.RLock()
	defer g.page.RUnlock()
	fn(g.page.GetData())
}

// Drop unpins the page. Further calls are no-ops.
func (g *BasicPageGuard) Drop() {
	if g == nil || g.page == nil {
		return
	}
	g.bpm.UnpinPage(g.page.GetPageID(), g.dirty)
	g.page = nil
}

// ReadPageGuard holds a pin and the shared latch of a page.
type ReadPageGuard struct {
	guard BasicPageGuard
}

func (g *ReadPageGuard) PageID() pagemanager.PageID { return g.guard.PageID() }
func (g *ReadPageGuard) Data() []byte               { return g.guard.Data() }

// Drop releases the latch and then the pin.
func (g *ReadPageGuard) Drop() {
	if g == nil || g.guard.page == nil {
		return
	}
	g.guard.page.RUnlock()
	g.guard.Drop()
}

// WritePageGuard holds a pin and the exclusive latch of a page.
type WritePageGuard struct {
	guard BasicPageGuard
}

func (g *WritePageGuard) PageID() pagemanager.PageID { return g.guard.PageID() }
func (g *WritePageGuard) Data() []byte               { return g.guard.Data() }
func (g *WritePageGuard) MarkDirty()                 { g.guard.MarkDirty() }

// Drop releases the latch and then the pin, passing on the dirty mark.
func (g *WritePageGuard) Drop() {
	if g == nil || g.guard.page == nil {
		return
	}
	g.guard.page.Unlock()
	g.guard.Drop()
}

// FetchPageBasic pins pageID without latching it.
func (bpm *BufferPoolManager) FetchPageBasic(pageID pagemanager.PageID) (*BasicPageGuard, error) {
	page, err := bpm.FetchPage(pageID)
	if err != nil {
		return nil, err
	}
	return &BasicPageGuard{bpm: bpm, page: page}, nil
}

// FetchPageRead pins pageID and takes its shared latch.
func (bpm *BufferPoolManager) FetchPageRead(pageID pagemanager.PageID) (*ReadPageGuard, error) {
	page, err := bpm.FetchPage(pageID)
	if err != nil {
		return nil, err
	}
	page.RLock()
	return &ReadPageGuard{guard: BasicPageGuard{bpm: bpm, page: page}}, nil
}

// FetchPageWrite pins pageID and takes its exclusive latch.
func (bpm *BufferPoolManager) FetchPageWrite(pageID pagemanager.PageID) (*WritePageGuard, error) {
	page, err := bpm.FetchPage(pageID)
	if err != nil {
		return nil, err
	}
	page.Lock()
	return &WritePageGuard{guard: BasicPageGuard{bpm: bpm, page: page}}, nil
}

// NewPageGuarded allocates a page and returns it write-latched and marked dirty.
func (bpm *BufferPoolManager) NewPageGuarded() (*WritePageGuard, error) {
	_, page, err := bpm.NewPage()
	if err != nil {
		return nil, err
	}
	page.Lock()
	g := &WritePageGuard{guard: BasicPageGuard{bpm: bpm, page: page}}
	g.MarkDirty()
	return g, nil
}
