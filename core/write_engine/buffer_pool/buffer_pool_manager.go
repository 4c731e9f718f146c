package bufferpool

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	flushmanager "github.com/sushant-115/pagedb/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/pagedb/core/write_engine/page_manager"
	internaltelemetry "github.com/sushant-115/pagedb/internal/telemetry"
)

// DiskManager is the storage the buffer pool reads from, writes back to and
// allocates page ids from.
type DiskManager interface {
	ReadPage(pageID pagemanager.PageID, data []byte) error
	WritePage(pageID pagemanager.PageID, data []byte) error
	AllocatePage() (pagemanager.PageID, error)
	DeallocatePage(pageID pagemanager.PageID) bool
	PageSize() int
}

// Stats is a snapshot of the buffer pool state and counters.
type Stats struct {
	PoolSize   int
	Resident   int
	Pinned     int
	Candidates int
	Free       int
	Hits       uint64
	Misses     uint64
	Evictions  uint64
	Writebacks uint64
	Exhausted  uint64

	// Pages waiting for their last pin to drop before being freed
	PendingDeletes int
}

// BufferPoolManager caches disk pages in a fixed arena of frames.
//
// A page stays in its frame while pinned. Once its pin count drops to zero the
// frame becomes an eviction candidate; dirty victims are written back before
// their frame is reused. When every frame is pinned, FetchPage and NewPage
// fail with ErrPoolExhausted instead of blocking.
type BufferPoolManager struct {
	diskManager DiskManager
	poolSize    int
	pageSize    int
	pages       []*pagemanager.Page           // Page frames
	pageTable   map[pagemanager.PageID]FrameID // PageID to frame index
	freeList    []FrameID                      // Frames holding no page
	replacer    Replacer
	pending     map[pagemanager.PageID]struct{} // Deletes deferred until unpinned
	mu          sync.Mutex

	hits, misses, evictions, writebacks, exhausted uint64

	logger  *zap.Logger
	metrics *internaltelemetry.StorageMetrics
}

// NewBufferPoolManager creates and initializes a new BufferPoolManager.
func NewBufferPoolManager(poolSize int, diskManager DiskManager, logger *zap.Logger, metrics *internaltelemetry.StorageMetrics) *BufferPoolManager {
	if diskManager == nil {
		panic("NewBufferPoolManager: diskManager cannot be nil")
	}
	if poolSize <= 0 {
		panic(fmt.Sprintf("NewBufferPoolManager: pool size must be positive, got %d", poolSize))
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = internaltelemetry.NopStorageMetrics()
	}
	bpm := &BufferPoolManager{
		diskManager: diskManager,
		poolSize:    poolSize,
		pageSize:    diskManager.PageSize(),
		pages:       make([]*pagemanager.Page, poolSize),
		pageTable:   make(map[pagemanager.PageID]FrameID, poolSize),
		freeList:    make([]FrameID, 0, poolSize),
		replacer:    NewLRUReplacer(poolSize),
		pending:     make(map[pagemanager.PageID]struct{}),
		logger:      logger.Named("buffer_pool"),
		metrics:     metrics,
	}
	for i := 0; i < poolSize; i++ {
		bpm.pages[i] = pagemanager.NewPage(pagemanager.InvalidPageID, bpm.pageSize)
		bpm.freeList = append(bpm.freeList, FrameID(i))
	}
	bpm.logger.Info("BufferPoolManager initialized", zap.Int("pool_size", poolSize), zap.Int("page_size", bpm.pageSize))
	return bpm
}

// PoolSize returns the number of frames.
func (bpm *BufferPoolManager) PoolSize() int { return bpm.poolSize }

// PageSize returns the frame size in bytes.
func (bpm *BufferPoolManager) PageSize() int { return bpm.pageSize }

// FetchPage returns the page pinned in a frame, reading it from disk if it is
// not resident. Every successful call must be matched by one UnpinPage.
func (bpm *BufferPoolManager) FetchPage(pageID pagemanager.PageID) (*pagemanager.Page, error) {
	if !pageID.IsValid() {
		return nil, fmt.Errorf("%w: fetch of page %d", flushmanager.ErrInvalidPageID, pageID)
	}
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	// 1. Check if page is already in the buffer pool
	if frame, ok := bpm.pageTable[pageID]; ok {
		page := bpm.pages[frame]
		bpm.pinLocked(frame, page)
		bpm.hits++
		bpm.metrics.PoolHitsCounter.Add(context.Background(), 1)
		return page, nil
	}

	// 2. Page not in pool, find a frame for it
	frame, err := bpm.acquireFrameLocked()
	if err != nil {
		return nil, fmt.Errorf("fetch page %d: %w", pageID, err)
	}

	// 3. Read page data from disk into the frame
	page := bpm.pages[frame]
	if err := bpm.diskManager.ReadPage(pageID, page.GetData()); err != nil {
		page.Reset()
		bpm.freeList = append(bpm.freeList, frame)
		return nil, fmt.Errorf("failed to read page %d from disk: %w", pageID, err)
	}

	// 4. Map it and pin it
	bpm.installLocked(frame, page, pageID)
	bpm.misses++
	bpm.metrics.PoolMissesCounter.Add(context.Background(), 1)
	bpm.logger.Debug("Page loaded", zap.Int32("page_id", int32(pageID)), zap.Int("frame", int(frame)))
	return page, nil
}

// NewPage allocates a fresh page id and pins a zeroed frame for it.
func (bpm *BufferPoolManager) NewPage() (pagemanager.PageID, *pagemanager.Page, error) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	// 1. Secure a frame before touching the allocator
	frame, err := bpm.acquireFrameLocked()
	if err != nil {
		return pagemanager.InvalidPageID, nil, fmt.Errorf("new page: %w", err)
	}

	// 2. Allocate a logical page id
	pageID, err := bpm.diskManager.AllocatePage()
	if err != nil {
		bpm.freeList = append(bpm.freeList, frame)
		return pagemanager.InvalidPageID, nil, fmt.Errorf("%w: %v", flushmanager.ErrAllocationFailure, err)
	}

	// 3. The frame is already zeroed; its contents are not on disk yet.
	page := bpm.pages[frame]
	bpm.installLocked(frame, page, pageID)
	page.SetDirty(true)
	bpm.logger.Debug("New page created", zap.Int32("page_id", int32(pageID)), zap.Int("frame", int(frame)))
	return pageID, page, nil
}

// UnpinPage releases one pin on pageID and ORs isDirty into its dirty flag.
// It returns false if the page is not resident or not pinned.
func (bpm *BufferPoolManager) UnpinPage(pageID pagemanager.PageID, isDirty bool) bool {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	frame, ok := bpm.pageTable[pageID]
	if !ok {
		bpm.logger.Debug("Unpin of non-resident page", zap.Int32("page_id", int32(pageID)),
			zap.Error(flushmanager.ErrPageNotResident))
		return false
	}
	page := bpm.pages[frame]
	if !page.Unpin() {
		bpm.logger.Warn("Unpin of page with zero pin count", zap.Int32("page_id", int32(pageID)))
		return false
	}
	if isDirty {
		page.SetDirty(true)
	}
	if page.GetPinCount() == 0 {
		bpm.metrics.PinnedFramesUpDown.Add(context.Background(), -1)
		if _, ok := bpm.pending[pageID]; ok {
			delete(bpm.pending, pageID)
			bpm.dropLocked(frame, page)
			bpm.logger.Debug("Deferred delete completed", zap.Int32("page_id", int32(pageID)))
			return true
		}
		bpm.replacer.RecordUnpinned(frame)
	}
	return true
}

// DeletePage drops pageID from the pool and frees it on disk. A page that is
// not resident is only deallocated. It returns false if the page is pinned.
func (bpm *BufferPoolManager) DeletePage(pageID pagemanager.PageID) bool {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	frame, ok := bpm.pageTable[pageID]
	if !ok {
		if !bpm.diskManager.DeallocatePage(pageID) {
			bpm.logger.Debug("Delete of non-resident page that was already free", zap.Int32("page_id", int32(pageID)))
		}
		return true
	}

	page := bpm.pages[frame]
	if page.GetPinCount() > 0 {
		bpm.logger.Debug("Delete of pinned page refused", zap.Int32("page_id", int32(pageID)),
			zap.Int32("pin_count", page.GetPinCount()), zap.Error(flushmanager.ErrPageInUse))
		return false
	}

	bpm.dropLocked(frame, page)
	return true
}

// DeletePageDeferred is DeletePage for pages that may still be pinned by a
// reader. A pinned page is freed by the UnpinPage call that releases its
// last pin. It reports whether the page was freed immediately.
func (bpm *BufferPoolManager) DeletePageDeferred(pageID pagemanager.PageID) bool {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	frame, ok := bpm.pageTable[pageID]
	if !ok {
		bpm.diskManager.DeallocatePage(pageID)
		return true
	}
	page := bpm.pages[frame]
	if page.GetPinCount() > 0 {
		bpm.pending[pageID] = struct{}{}
		bpm.logger.Debug("Delete deferred until unpinned", zap.Int32("page_id", int32(pageID)),
			zap.Int32("pin_count", page.GetPinCount()))
		return false
	}
	bpm.dropLocked(frame, page)
	return true
}

// dropLocked unmaps an unpinned page, frees its frame and deallocates it on
// disk. It MUST be called with bpm.mu held.
func (bpm *BufferPoolManager) dropLocked(frame FrameID, page *pagemanager.Page) {
	pageID := page.GetPageID()
	delete(bpm.pageTable, pageID)
	bpm.replacer.RecordPinned(frame)
	page.Reset()
	bpm.freeList = append(bpm.freeList, frame)
	bpm.metrics.ResidentFramesUpDown.Add(context.Background(), -1)

	if !bpm.diskManager.DeallocatePage(pageID) {
		bpm.logger.Warn("Deleted page was already free on disk", zap.Int32("page_id", int32(pageID)))
	}
}

// FlushPage writes a resident page to disk regardless of its dirty flag and
// clears the flag. It returns false if the page is not resident or the write
// fails.
func (bpm *BufferPoolManager) FlushPage(pageID pagemanager.PageID) bool {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	frame, ok := bpm.pageTable[pageID]
	if !ok {
		return false
	}
	if err := bpm.writeBackLocked(bpm.pages[frame]); err != nil {
		bpm.logger.Error("Failed to flush page", zap.Int32("page_id", int32(pageID)), zap.Error(err))
		return false
	}
	return true
}

// FlushPageLatched flushes pageID while holding its read latch, so the bytes
// written are never torn by a concurrent writer. It is meant for background
// flushing; callers must not hold the page's write latch.
func (bpm *BufferPoolManager) FlushPageLatched(pageID pagemanager.PageID) bool {
	bpm.mu.Lock()
	_, ok := bpm.pageTable[pageID]
	bpm.mu.Unlock()
	if !ok {
		return false
	}

	guard, err := bpm.FetchPageRead(pageID)
	if err != nil {
		return false
	}
	defer guard.Drop()
	return bpm.FlushPage(pageID)
}

// FlushAllPages writes every dirty resident page to disk.
func (bpm *BufferPoolManager) FlushAllPages() error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	var errs error
	flushed := 0
	for _, frame := range bpm.pageTable {
		page := bpm.pages[frame]
		if !page.IsDirty() {
			continue
		}
		if err := bpm.writeBackLocked(page); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		flushed++
	}
	bpm.logger.Debug("Flushed all dirty pages", zap.Int("flushed", flushed))
	return errs
}

// DirtyPages lists the resident pages whose frames differ from disk.
func (bpm *BufferPoolManager) DirtyPages() []pagemanager.PageID {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	var dirty []pagemanager.PageID
	for pageID, frame := range bpm.pageTable {
		if bpm.pages[frame].IsDirty() {
			dirty = append(dirty, pageID)
		}
	}
	return dirty
}

// CheckAllUnpinned reports whether no frame holds a pin. It logs every page
// that still does.
func (bpm *BufferPoolManager) CheckAllUnpinned() bool {
	return bpm.CheckAllUnpinnedExcept()
}

// CheckAllUnpinnedExcept is CheckAllUnpinned ignoring pages that are meant
// to stay pinned, such as the index roots page.
func (bpm *BufferPoolManager) CheckAllUnpinnedExcept(keep ...pagemanager.PageID) bool {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	ok := true
	for pageID, frame := range bpm.pageTable {
		if slices.Contains(keep, pageID) {
			continue
		}
		if pins := bpm.pages[frame].GetPinCount(); pins != 0 {
			ok = false
			bpm.logger.Error("Page still pinned", zap.Int32("page_id", int32(pageID)), zap.Int32("pin_count", pins))
		}
	}
	return ok
}

// PinCount returns the pin count of a resident page.
func (bpm *BufferPoolManager) PinCount(pageID pagemanager.PageID) (int32, bool) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	frame, ok := bpm.pageTable[pageID]
	if !ok {
		return 0, false
	}
	return bpm.pages[frame].GetPinCount(), true
}

// IsResident reports whether pageID currently occupies a frame.
func (bpm *BufferPoolManager) IsResident(pageID pagemanager.PageID) bool {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	_, ok := bpm.pageTable[pageID]
	return ok
}

// Stats returns a snapshot of the pool.
func (bpm *BufferPoolManager) Stats() Stats {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	pinned := 0
	for _, frame := range bpm.pageTable {
		if bpm.pages[frame].GetPinCount() > 0 {
			pinned++
		}
	}
	return Stats{
		PoolSize:   bpm.poolSize,
		Resident:   len(bpm.pageTable),
		Pinned:     pinned,
		Candidates: bpm.replacer.Size(),
		Free:       len(bpm.freeList),
		Hits:       bpm.hits,
		Misses:     bpm.misses,
		Evictions:  bpm.evictions,
		Writebacks: bpm.writebacks,
		Exhausted:  bpm.exhausted,

		PendingDeletes: len(bpm.pending),
	}
}

// acquireFrameLocked returns an empty frame, evicting a victim if needed.
// It MUST be called with bpm.mu held.
func (bpm *BufferPoolManager) acquireFrameLocked() (FrameID, error) {
	// 1. Prefer a frame from the free list
	if len(bpm.freeList) > 0 {
		frame := bpm.freeList[0]
		bpm.freeList = bpm.freeList[1:]
		return frame, nil
	}

	// 2. Ask the replacer for a victim
	frame, ok := bpm.replacer.Victim()
	if !ok {
		bpm.exhausted++
		bpm.metrics.PoolExhaustedCounter.Add(context.Background(), 1)
		return -1, flushmanager.ErrPoolExhausted
	}
	victim := bpm.pages[frame]
	victimID := victim.GetPageID()

	// 3. If victim page is dirty, write it back first
	if victim.IsDirty() {
		if err := bpm.writeBackLocked(victim); err != nil {
			// The frame cannot be reused safely; keep it as a candidate.
			bpm.replacer.RecordUnpinned(frame)
			return -1, fmt.Errorf("failed to flush dirty victim page %d: %w", victimID, err)
		}
	}

	// 4. Remove victim page from the page table
	delete(bpm.pageTable, victimID)
	victim.Reset()
	bpm.evictions++
	bpm.metrics.PoolEvictionsCounter.Add(context.Background(), 1)
	bpm.metrics.ResidentFramesUpDown.Add(context.Background(), -1)
	bpm.logger.Debug("Evicted page", zap.Int32("page_id", int32(victimID)), zap.Int("frame", int(frame)))
	return frame, nil
}

// installLocked maps pageID to frame with a single pin. It MUST be called with bpm.mu held.
func (bpm *BufferPoolManager) installLocked(frame FrameID, page *pagemanager.Page, pageID pagemanager.PageID) {
	page.SetPageID(pageID)
	page.SetPinCount(1)
	page.SetDirty(false)
	bpm.pageTable[pageID] = frame
	bpm.metrics.ResidentFramesUpDown.Add(context.Background(), 1)
	bpm.metrics.PinnedFramesUpDown.Add(context.Background(), 1)
}

// pinLocked MUST be called with bpm.mu held.
func (bpm *BufferPoolManager) pinLocked(frame FrameID, page *pagemanager.Page) {
	if page.GetPinCount() == 0 {
		bpm.metrics.PinnedFramesUpDown.Add(context.Background(), 1)
	}
	page.Pin()
	bpm.replacer.RecordPinned(frame)
}

// writeBackLocked MUST be called with bpm.mu held.
func (bpm *BufferPoolManager) writeBackLocked(page *pagemanager.Page) error {
	if err := bpm.diskManager.WritePage(page.GetPageID(), page.GetData()); err != nil {
		return err
	}
	page.SetDirty(false)
	bpm.writebacks++
	bpm.metrics.PoolWritebacksCounter.Add(context.Background(), 1)
	return nil
}
