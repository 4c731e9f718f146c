package disk

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	flushmanager "github.com/sushant-115/pagedb/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/pagedb/core/write_engine/page_manager"
	internaltelemetry "github.com/sushant-115/pagedb/internal/telemetry"
)

// --- DiskManager ---

// metaFilePages is the number of file pages in front of the extent region.
// File page 0 holds the allocator meta page.
const metaFilePages = 1

// Options configures the on-disk format of a new file.
type Options struct {
	PageSize int
	// ExtentCapacity is the number of data pages per extent. Zero means the
	// largest capacity one bitmap page can track, or the capacity already
	// recorded in an existing file.
	ExtentCapacity uint32
}

// AllocatorStats is a snapshot of the allocator counters.
type AllocatorStats struct {
	NumExtents     uint32
	NumAllocated   uint32
	ExtentCapacity uint32
	ExtentUsed     []uint32
}

// DiskManager owns the data file layout: the meta page, one bitmap page per
// extent, and the mapping from logical page ids to physical pages.
type DiskManager struct {
	store    BlockStore
	pageSize int
	capacity uint32

	// mu guards meta and bitmaps. Page I/O on data pages does not take it.
	mu      sync.Mutex
	meta    *diskMeta
	bitmaps [][]byte
	closed  bool

	logger  *zap.Logger
	metrics *internaltelemetry.StorageMetrics
}

// NewDiskManager opens the allocator state held in store, formatting the
// store if it is empty.
func NewDiskManager(store BlockStore, opts Options, logger *zap.Logger, metrics *internaltelemetry.StorageMetrics) (*DiskManager, error) {
	if opts.PageSize == 0 {
		opts.PageSize = pagemanager.PageSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = internaltelemetry.NopStorageMetrics()
	}
	maxCapacity := MaxExtentCapacity(opts.PageSize)
	if opts.ExtentCapacity > maxCapacity {
		return nil, fmt.Errorf("extent capacity %d exceeds bitmap limit %d", opts.ExtentCapacity, maxCapacity)
	}

	dm := &DiskManager{
		store:    store,
		pageSize: opts.PageSize,
		logger:   logger.Named("disk_manager"),
		metrics:  metrics,
	}

	buf := make([]byte, dm.pageSize)
	if err := store.ReadPhysicalPage(0, buf); err != nil {
		return nil, fmt.Errorf("failed to read meta page: %w", err)
	}
	meta, err := decodeMeta(buf)
	if err != nil {
		return nil, err
	}

	if meta == nil {
		capacity := opts.ExtentCapacity
		if capacity == 0 {
			capacity = maxCapacity
		}
		meta = &diskMeta{
			PageSize:       uint32(dm.pageSize),
			ExtentCapacity: capacity,
			DatabaseID:     uuid.New(),
		}
		dm.meta = meta
		dm.capacity = capacity
		if err := dm.writeMetaLocked(); err != nil {
			return nil, fmt.Errorf("failed to format meta page: %w", err)
		}
		dm.logger.Info("Formatted new data file",
			zap.String("database_id", meta.DatabaseID.String()),
			zap.Uint32("extent_capacity", capacity))
		return dm, nil
	}

	if int(meta.PageSize) != dm.pageSize {
		return nil, fmt.Errorf("%w: page size %d on disk, %d configured", flushmanager.ErrCorruptMetaPage, meta.PageSize, dm.pageSize)
	}
	if meta.ExtentCapacity == 0 || meta.ExtentCapacity > maxCapacity {
		return nil, fmt.Errorf("%w: extent capacity %d on disk", flushmanager.ErrCorruptMetaPage, meta.ExtentCapacity)
	}
	if opts.ExtentCapacity != 0 && opts.ExtentCapacity != meta.ExtentCapacity {
		return nil, fmt.Errorf("%w: %d on disk, %d configured", flushmanager.ErrExtentCapacityMismatch, meta.ExtentCapacity, opts.ExtentCapacity)
	}
	dm.meta = meta
	dm.capacity = meta.ExtentCapacity

	// Bitmaps are small and consulted on every allocation; keep them resident.
	dm.bitmaps = make([][]byte, meta.numExtents())
	for ext := range dm.bitmaps {
		page := make([]byte, dm.pageSize)
		if err := store.ReadPhysicalPage(dm.bitmapFilePage(uint32(ext)), page); err != nil {
			return nil, fmt.Errorf("failed to read bitmap of extent %d: %w", ext, err)
		}
		dm.bitmaps[ext] = page
	}
	metrics.ExtentsUpDown.Add(context.Background(), int64(meta.numExtents()))

	dm.logger.Info("Opened data file",
		zap.String("database_id", meta.DatabaseID.String()),
		zap.Uint32("extents", meta.numExtents()),
		zap.Uint32("allocated_pages", meta.NumAllocated))
	return dm, nil
}

// PageSize returns the page size of the data file.
func (dm *DiskManager) PageSize() int { return dm.pageSize }

// ExtentCapacity returns the number of data pages per extent.
func (dm *DiskManager) ExtentCapacity() uint32 { return dm.capacity }

// DatabaseID returns the identifier stamped into the file when it was formatted.
func (dm *DiskManager) DatabaseID() uuid.UUID {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.meta.DatabaseID
}

// MapPageID translates a logical page id into its physical slot in the extent
// region. Slot 0 of each extent is the extent's bitmap page.
func (dm *DiskManager) MapPageID(pageID pagemanager.PageID) PhysicalPageID {
	extent := int64(pageID) / int64(dm.capacity)
	offset := int64(pageID) % int64(dm.capacity)
	return PhysicalPageID(extent*(int64(dm.capacity)+1) + 1 + offset)
}

func (dm *DiskManager) bitmapFilePage(extent uint32) PhysicalPageID {
	return PhysicalPageID(metaFilePages + int64(extent)*(int64(dm.capacity)+1))
}

func (dm *DiskManager) dataFilePage(pageID pagemanager.PageID) PhysicalPageID {
	return metaFilePages + dm.MapPageID(pageID)
}

// ReadPage reads a logical page into data.
func (dm *DiskManager) ReadPage(pageID pagemanager.PageID, data []byte) error {
	if !pageID.IsValid() {
		return fmt.Errorf("%w: read of page %d", flushmanager.ErrInvalidPageID, pageID)
	}
	if err := dm.store.ReadPhysicalPage(dm.dataFilePage(pageID), data); err != nil {
		return err
	}
	dm.metrics.PageReadsCounter.Add(context.Background(), 1)
	return nil
}

// WritePage writes data to a logical page. The write is durable on return.
func (dm *DiskManager) WritePage(pageID pagemanager.PageID, data []byte) error {
	if !pageID.IsValid() {
		return fmt.Errorf("%w: write of page %d", flushmanager.ErrInvalidPageID, pageID)
	}
	if err := dm.store.WritePhysicalPage(dm.dataFilePage(pageID), data); err != nil {
		return err
	}
	dm.metrics.PageWritesCounter.Add(context.Background(), 1)
	return nil
}

// AllocatePage reserves the lowest free page slot, creating an extent when
// all existing extents are full.
func (dm *DiskManager) AllocatePage() (pagemanager.PageID, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.allocatePageLocked()
}

// DeallocatePage frees pageID. It returns false, leaving the bitmap untouched,
// when the page is already free or was never part of an extent.
func (dm *DiskManager) DeallocatePage(pageID pagemanager.PageID) bool {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.deallocatePageLocked(pageID)
}

// IsPageFree reports whether pageID is unallocated.
func (dm *DiskManager) IsPageFree(pageID pagemanager.PageID) bool {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.isPageFreeLocked(pageID)
}

// AllocTx exposes the allocator to a function running under Atomically.
// Its methods assume the allocator lock is held and must not escape fn.
type AllocTx struct {
	dm *DiskManager
}

func (tx *AllocTx) AllocatePage() (pagemanager.PageID, error) { return tx.dm.allocatePageLocked() }
func (tx *AllocTx) DeallocatePage(pageID pagemanager.PageID) bool {
	return tx.dm.deallocatePageLocked(pageID)
}
func (tx *AllocTx) IsPageFree(pageID pagemanager.PageID) bool { return tx.dm.isPageFreeLocked(pageID) }

// Atomically runs fn with the allocator lock held once for its whole
// duration, so nested allocate and deallocate calls made through tx observe
// no interleaving from other callers.
func (dm *DiskManager) Atomically(fn func(tx *AllocTx) error) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return fn(&AllocTx{dm: dm})
}

// Stats returns a copy of the allocator counters.
func (dm *DiskManager) Stats() AllocatorStats {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return AllocatorStats{
		NumExtents:     dm.meta.numExtents(),
		NumAllocated:   dm.meta.NumAllocated,
		ExtentCapacity: dm.capacity,
		ExtentUsed:     append([]uint32(nil), dm.meta.ExtentUsed...),
	}
}

// Sync rewrites the meta page.
func (dm *DiskManager) Sync() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.writeMetaLocked()
}

// Close persists the meta page and closes the block store.
func (dm *DiskManager) Close() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.closed {
		return nil
	}
	dm.closed = true
	if err := dm.writeMetaLocked(); err != nil {
		_ = dm.store.Close()
		return err
	}
	return dm.store.Close()
}

// allocatePageLocked MUST be called with dm.mu held.
func (dm *DiskManager) allocatePageLocked() (pagemanager.PageID, error) {
	// 1. First fit over existing extents.
	for ext := uint32(0); ext < dm.meta.numExtents(); ext++ {
		if dm.meta.ExtentUsed[ext] >= dm.capacity {
			continue
		}
		bitmap := NewBitmapPage(dm.bitmaps[ext], dm.capacity)
		offset, ok := bitmap.AllocatePage()
		if !ok {
			continue
		}
		return dm.commitAllocationLocked(ext, offset)
	}

	// 2. Every extent is full: open a new one.
	ext := dm.meta.numExtents()
	if ext >= maxExtents(dm.pageSize) {
		return pagemanager.InvalidPageID, fmt.Errorf("%w: meta page cannot track more than %d extents",
			flushmanager.ErrAllocationFailure, ext)
	}
	page := make([]byte, dm.pageSize)
	dm.bitmaps = append(dm.bitmaps, page)
	dm.meta.ExtentUsed = append(dm.meta.ExtentUsed, 0)
	offset, _ := NewBitmapPage(page, dm.capacity).AllocatePage()

	pageID, err := dm.commitAllocationLocked(ext, offset)
	if err != nil {
		dm.bitmaps = dm.bitmaps[:ext]
		dm.meta.ExtentUsed = dm.meta.ExtentUsed[:ext]
		return pagemanager.InvalidPageID, err
	}
	dm.metrics.ExtentsUpDown.Add(context.Background(), 1)
	dm.logger.Info("Created extent", zap.Uint32("extent", ext), zap.Int64("bitmap_page", int64(dm.bitmapFilePage(ext))))
	return pageID, nil
}

// commitAllocationLocked persists a bit already set in memory, undoing it if
// the bitmap cannot be written.
func (dm *DiskManager) commitAllocationLocked(ext, offset uint32) (pagemanager.PageID, error) {
	if err := dm.store.WritePhysicalPage(dm.bitmapFilePage(ext), dm.bitmaps[ext]); err != nil {
		NewBitmapPage(dm.bitmaps[ext], dm.capacity).DeallocatePage(offset)
		return pagemanager.InvalidPageID, fmt.Errorf("%w: bitmap write for extent %d: %v", flushmanager.ErrAllocationFailure, ext, err)
	}
	dm.meta.ExtentUsed[ext]++
	dm.meta.NumAllocated++
	if err := dm.writeMetaLocked(); err != nil {
		dm.logger.Error("Failed to persist meta page after allocation", zap.Error(err))
	}

	pageID := pagemanager.PageID(ext*dm.capacity + offset)
	dm.metrics.PagesAllocatedCounter.Add(context.Background(), 1)
	dm.logger.Debug("Allocated page", zap.Int32("page_id", int32(pageID)), zap.Uint32("extent", ext))
	return pageID, nil
}

// deallocatePageLocked MUST be called with dm.mu held.
func (dm *DiskManager) deallocatePageLocked(pageID pagemanager.PageID) bool {
	if !pageID.IsValid() {
		return false
	}
	ext := uint32(pageID) / dm.capacity
	offset := uint32(pageID) % dm.capacity
	if ext >= dm.meta.numExtents() {
		dm.logger.Warn("Deallocate of page outside any extent", zap.Int32("page_id", int32(pageID)))
		return false
	}
	bitmap := NewBitmapPage(dm.bitmaps[ext], dm.capacity)
	if !bitmap.DeallocatePage(offset) {
		dm.logger.Warn("Deallocate of free page", zap.Int32("page_id", int32(pageID)),
			zap.Error(flushmanager.ErrAllocationInvariantViolation))
		return false
	}
	if err := dm.store.WritePhysicalPage(dm.bitmapFilePage(ext), dm.bitmaps[ext]); err != nil {
		// Put the bit back so memory keeps matching disk.
		bitmap.markUsed(offset)
		bitmap.setAllocated(bitmap.Allocated() + 1)
		dm.logger.Error("Failed to persist bitmap after deallocation", zap.Int32("page_id", int32(pageID)), zap.Error(err))
		return false
	}
	dm.meta.ExtentUsed[ext]--
	dm.meta.NumAllocated--
	if err := dm.writeMetaLocked(); err != nil {
		dm.logger.Error("Failed to persist meta page after deallocation", zap.Error(err))
	}
	dm.metrics.PagesFreedCounter.Add(context.Background(), 1)
	dm.logger.Debug("Deallocated page", zap.Int32("page_id", int32(pageID)))
	return true
}

// isPageFreeLocked MUST be called with dm.mu held.
func (dm *DiskManager) isPageFreeLocked(pageID pagemanager.PageID) bool {
	if !pageID.IsValid() {
		return false
	}
	ext := uint32(pageID) / dm.capacity
	if ext >= dm.meta.numExtents() {
		return true
	}
	return NewBitmapPage(dm.bitmaps[ext], dm.capacity).IsPageFree(uint32(pageID) % dm.capacity)
}

// writeMetaLocked MUST be called with dm.mu held.
func (dm *DiskManager) writeMetaLocked() error {
	buf := make([]byte, dm.pageSize)
	if err := dm.meta.encode(buf); err != nil {
		return err
	}
	return dm.store.WritePhysicalPage(0, buf)
}
