package heap

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sushant-115/pagedb/core/transaction"
	bufferpool "github.com/sushant-115/pagedb/core/write_engine/buffer_pool"
	flushmanager "github.com/sushant-115/pagedb/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/pagedb/core/write_engine/page_manager"
)

// TableHeap is an unordered collection of tuples stored in a doubly linked
// chain of table pages. The first page id is the heap's durable handle.
type TableHeap struct {
	bpm         *bufferpool.BufferPoolManager
	firstPageID pagemanager.PageID
	logger      *zap.Logger

	// appendMu serialises inserts so two writers never both extend the chain.
	appendMu sync.Mutex
}

// NewTableHeap allocates the first page of an empty heap.
func NewTableHeap(bpm *bufferpool.BufferPoolManager, logger *zap.Logger) (*TableHeap, error) {
	guard, err := bpm.NewPageGuarded()
	if err != nil {
		return nil, fmt.Errorf("allocate first table page: %w", err)
	}
	AsTablePage(guard.Data()).Init(guard.PageID(), pagemanager.InvalidPageID)
	first := guard.PageID()
	guard.Drop()
	return OpenTableHeap(bpm, first, logger), nil
}

// OpenTableHeap attaches to an existing heap.
func OpenTableHeap(bpm *bufferpool.BufferPoolManager, firstPageID pagemanager.PageID, logger *zap.Logger) *TableHeap {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TableHeap{
		bpm:         bpm,
		firstPageID: firstPageID,
		logger:      logger.Named("table_heap").With(zap.Int32("first_page", int32(firstPageID))),
	}
}

func (h *TableHeap) FirstPageID() pagemanager.PageID { return h.firstPageID }

// InsertTuple stores data on the first page with room, appending a page to
// the chain when none has any.
func (h *TableHeap) InsertTuple(data []byte, txn *transaction.Transaction) (pagemanager.RowID, error) {
	if len(data) == 0 || len(data) > MaxTupleSize(h.bpm.PageSize()) {
		return pagemanager.InvalidRowID, fmt.Errorf("%w: %d bytes", flushmanager.ErrTupleTooLarge, len(data))
	}
	h.appendMu.Lock()
	defer h.appendMu.Unlock()

	guard, err := h.bpm.FetchPageWrite(h.firstPageID)
	if err != nil {
		return pagemanager.InvalidRowID, fmt.Errorf("fetch table page %d: %w", h.firstPageID, err)
	}
	for {
		page := AsTablePage(guard.Data())
		if slot, ok := page.InsertTuple(data); ok {
			guard.MarkDirty()
			rid := pagemanager.RowID{PageID: guard.PageID(), Slot: slot}
			guard.Drop()
			txn.RecordWrite(transaction.WriteInsert, rid)
			return rid, nil
		}

		next := page.NextPageID()
		if next.IsValid() {
			nextGuard, err := h.bpm.FetchPageWrite(next)
			guard.Drop()
			if err != nil {
				return pagemanager.InvalidRowID, fmt.Errorf("fetch table page %d: %w", next, err)
			}
			guard = nextGuard
			continue
		}

		newGuard, err := h.bpm.NewPageGuarded()
		if err != nil {
			guard.Drop()
			return pagemanager.InvalidRowID, fmt.Errorf("extend table heap: %w", err)
		}
		AsTablePage(newGuard.Data()).Init(newGuard.PageID(), guard.PageID())
		page.SetNextPageID(newGuard.PageID())
		guard.MarkDirty()
		h.logger.Debug("Extended table heap", zap.Int32("page_id", int32(newGuard.PageID())))
		guard.Drop()
		guard = newGuard
	}
}

// GetTuple returns a copy of the live tuple at rid.
func (h *TableHeap) GetTuple(rid pagemanager.RowID) ([]byte, error) {
	guard, err := h.bpm.FetchPageRead(rid.PageID)
	if err != nil {
		return nil, fmt.Errorf("fetch table page %d: %w", rid.PageID, err)
	}
	defer guard.Drop()
	tuple, ok := AsTablePage(guard.Data()).GetTuple(rid.Slot)
	if !ok {
		return nil, fmt.Errorf("%w: %v", flushmanager.ErrTupleNotFound, rid)
	}
	return tuple, nil
}

// GetTupleWait is GetTuple for callers that share a small pool with other
// workers: while every frame is pinned it waits on limiter for one to free
// up instead of failing, until ctx is done.
func (h *TableHeap) GetTupleWait(ctx context.Context, rid pagemanager.RowID, limiter *rate.Limiter) ([]byte, error) {
	guard, err := h.bpm.FetchPageReadWithRetry(ctx, rid.PageID, limiter)
	if err != nil {
		return nil, fmt.Errorf("fetch table page %d: %w", rid.PageID, err)
	}
	defer guard.Drop()
	tuple, ok := AsTablePage(guard.Data()).GetTuple(rid.Slot)
	if !ok {
		return nil, fmt.Errorf("%w: %v", flushmanager.ErrTupleNotFound, rid)
	}
	return tuple, nil
}

// MarkDelete hides the tuple at rid and records the delete against txn. The
// space is reclaimed by ApplyDelete.
func (h *TableHeap) MarkDelete(rid pagemanager.RowID, txn *transaction.Transaction) error {
	err := h.withPage(rid, func(page TablePage) bool { return page.MarkDelete(rid.Slot) })
	if err != nil {
		return err
	}
	txn.RecordWrite(transaction.WriteDelete, rid)
	return nil
}

// RollbackDelete restores a tuple hidden by MarkDelete.
func (h *TableHeap) RollbackDelete(rid pagemanager.RowID) error {
	return h.withPage(rid, func(page TablePage) bool { return page.RollbackDelete(rid.Slot) })
}

// ApplyDelete permanently removes the tuple at rid, marked or not.
func (h *TableHeap) ApplyDelete(rid pagemanager.RowID) error {
	return h.withPage(rid, func(page TablePage) bool { return page.ApplyDelete(rid.Slot) })
}

func (h *TableHeap) withPage(rid pagemanager.RowID, fn func(TablePage) bool) error {
	guard, err := h.bpm.FetchPageWrite(rid.PageID)
	if err != nil {
		return fmt.Errorf("fetch table page %d: %w", rid.PageID, err)
	}
	defer guard.Drop()
	if !fn(AsTablePage(guard.Data())) {
		return fmt.Errorf("%w: %v", flushmanager.ErrTupleNotFound, rid)
	}
	guard.MarkDirty()
	return nil
}

// UpdateTuple replaces the tuple at rid. When the new bytes do not fit on
// the same page data is inserted elsewhere and only then is the old tuple
// removed, so the returned RowID may differ from rid. A failed relocation
// leaves the old tuple in place.
func (h *TableHeap) UpdateTuple(data []byte, rid pagemanager.RowID, txn *transaction.Transaction) (pagemanager.RowID, error) {
	if len(data) == 0 || len(data) > MaxTupleSize(h.bpm.PageSize()) {
		return pagemanager.InvalidRowID, fmt.Errorf("%w: %d bytes", flushmanager.ErrTupleTooLarge, len(data))
	}
	guard, err := h.bpm.FetchPageWrite(rid.PageID)
	if err != nil {
		return pagemanager.InvalidRowID, fmt.Errorf("fetch table page %d: %w", rid.PageID, err)
	}
	page := AsTablePage(guard.Data())
	if _, ok := page.GetTuple(rid.Slot); !ok {
		guard.Drop()
		return pagemanager.InvalidRowID, fmt.Errorf("%w: %v", flushmanager.ErrTupleNotFound, rid)
	}
	if page.UpdateTuple(rid.Slot, data) {
		guard.MarkDirty()
		guard.Drop()
		txn.RecordWrite(transaction.WriteUpdate, rid)
		return rid, nil
	}

	// The old page stays pinned while the new copy is placed, so removing
	// the old copy afterwards needs no free frame.
	pin, err := h.bpm.FetchPageBasic(rid.PageID)
	guard.Drop()
	if err != nil {
		return pagemanager.InvalidRowID, fmt.Errorf("pin table page %d: %w", rid.PageID, err)
	}
	defer pin.Drop()

	newRID, err := h.InsertTuple(data, nil)
	if err != nil {
		return pagemanager.InvalidRowID, fmt.Errorf("relocate tuple %v: %w", rid, err)
	}
	if err := h.ApplyDelete(rid); err != nil {
		return pagemanager.InvalidRowID, fmt.Errorf("remove relocated tuple %v: %w", rid, err)
	}
	h.logger.Debug("Relocated tuple", zap.Stringer("from", rid), zap.Stringer("to", newRID))
	txn.RecordWrite(transaction.WriteUpdate, newRID)
	return newRID, nil
}

// Destroy deletes every page of the heap. The heap must not be used after.
func (h *TableHeap) Destroy() error {
	pageID := h.firstPageID
	for pageID.IsValid() {
		guard, err := h.bpm.FetchPageRead(pageID)
		if err != nil {
			return fmt.Errorf("fetch table page %d: %w", pageID, err)
		}
		next := AsTablePage(guard.Data()).NextPageID()
		guard.Drop()
		if !h.bpm.DeletePage(pageID) {
			return fmt.Errorf("delete table page %d: %w", pageID, flushmanager.ErrPageInUse)
		}
		pageID = next
	}
	h.firstPageID = pagemanager.InvalidPageID
	return nil
}

// Iterator returns a cursor over the live tuples in chain order.
func (h *TableHeap) Iterator() *TableIterator {
	return &TableIterator{heap: h, next: pagemanager.RowID{PageID: h.firstPageID, Slot: 0}}
}

// TableIterator walks a heap one tuple at a time. It holds no pins between
// calls to Next; tuples inserted or deleted meanwhile may or may not be seen.
//
//	it := heap.Iterator()
//	for it.Next() {
//		use(it.RowID(), it.Tuple())
//	}
//	if err := it.Err(); err != nil { ... }
type TableIterator struct {
	heap  *TableHeap
	next  pagemanager.RowID
	rid   pagemanager.RowID
	tuple []byte
	err   error
}

// Next advances to the next live tuple and reports whether there is one.
func (it *TableIterator) Next() bool {
	for it.err == nil && it.next.PageID.IsValid() {
		guard, err := it.heap.bpm.FetchPageRead(it.next.PageID)
		if err != nil {
			it.err = fmt.Errorf("fetch table page %d: %w", it.next.PageID, err)
			return false
		}
		page := AsTablePage(guard.Data())
		if slot, ok := page.NextLiveSlot(it.next.Slot); ok {
			it.rid = pagemanager.RowID{PageID: it.next.PageID, Slot: slot}
			it.tuple, _ = page.GetTuple(slot)
			it.next.Slot = slot + 1
			guard.Drop()
			return true
		}
		it.next = pagemanager.RowID{PageID: page.NextPageID(), Slot: 0}
		guard.Drop()
	}
	return false
}

func (it *TableIterator) RowID() pagemanager.RowID { return it.rid }
func (it *TableIterator) Tuple() []byte            { return it.tuple }
func (it *TableIterator) Err() error               { return it.err }
