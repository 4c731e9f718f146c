package btree

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	bufferpool "github.com/sushant-115/pagedb/core/write_engine/buffer_pool"
	flushmanager "github.com/sushant-115/pagedb/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/pagedb/core/write_engine/page_manager"
	internaltelemetry "github.com/sushant-115/pagedb/internal/telemetry"
)

// Options configures a B+Tree. Zero max sizes pick the largest size that
// still leaves room for the transient overflow pair a split needs.
type Options struct {
	KeySize         int
	LeafMaxSize     int
	InternalMaxSize int
	Comparator      KeyComparator
}

// BPlusTree is a unique-key B+Tree over fixed-size keys, mapping each key to
// a RowID. Pages live in the buffer pool; the root page id is kept in a
// RootRegistry under the tree's index id.
//
// Readers share the tree lock and crab down with read latches. Writers take
// it exclusively and latch their path with write latches, so the background
// flusher never sees a half-written page.
type BPlusTree struct {
	indexID     uint32
	bpm         *bufferpool.BufferPoolManager
	registry    *RootRegistry
	keySize     int
	leafMax     int
	internalMax int
	cmp         KeyComparator

	mu         sync.RWMutex
	rootPageID pagemanager.PageID

	logger  *zap.Logger
	metrics *internaltelemetry.StorageMetrics
}

type writeOp int

const (
	opInsert writeOp = iota
	opRemove
)

// NewBPlusTree opens the tree registered under indexID, or an empty tree if
// the registry has no root for it yet.
func NewBPlusTree(indexID uint32, bpm *bufferpool.BufferPoolManager, registry *RootRegistry, opts Options, logger *zap.Logger, metrics *internaltelemetry.StorageMetrics) (*BPlusTree, error) {
	if opts.KeySize <= 0 {
		return nil, fmt.Errorf("key size must be positive, got %d", opts.KeySize)
	}
	leafCap := LeafCapacity(opts.KeySize, bpm.PageSize())
	internalCap := InternalCapacity(opts.KeySize, bpm.PageSize())
	if opts.LeafMaxSize == 0 {
		opts.LeafMaxSize = leafCap - 1
	}
	if opts.InternalMaxSize == 0 {
		opts.InternalMaxSize = internalCap - 1
	}
	if opts.LeafMaxSize < 2 || opts.LeafMaxSize > leafCap-1 {
		return nil, fmt.Errorf("leaf max size %d outside [2, %d] for key size %d: %w", opts.LeafMaxSize, leafCap-1, opts.KeySize, flushmanager.ErrPageOverflow)
	}
	if opts.InternalMaxSize < 3 || opts.InternalMaxSize > internalCap-1 {
		return nil, fmt.Errorf("internal max size %d outside [3, %d] for key size %d: %w", opts.InternalMaxSize, internalCap-1, opts.KeySize, flushmanager.ErrPageOverflow)
	}
	if opts.Comparator == nil {
		opts.Comparator = DefaultComparator
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = internaltelemetry.NopStorageMetrics()
	}

	root, _, err := registry.Get(indexID)
	if err != nil {
		return nil, fmt.Errorf("read root of index %d: %w", indexID, err)
	}

	return &BPlusTree{
		indexID:     indexID,
		bpm:         bpm,
		registry:    registry,
		keySize:     opts.KeySize,
		leafMax:     opts.LeafMaxSize,
		internalMax: opts.InternalMaxSize,
		cmp:         opts.Comparator,
		rootPageID:  root,
		logger:      logger.Named("btree").With(zap.Uint32("index_id", indexID)),
		metrics:     metrics,
	}, nil
}

func (t *BPlusTree) IndexID() uint32      { return t.indexID }
func (t *BPlusTree) KeySize() int         { return t.keySize }
func (t *BPlusTree) LeafMaxSize() int     { return t.leafMax }
func (t *BPlusTree) InternalMaxSize() int { return t.internalMax }

// RootPageID returns the current root, or InvalidPageID for an empty tree.
func (t *BPlusTree) RootPageID() pagemanager.PageID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rootPageID
}

// IsEmpty reports whether the tree holds no keys.
func (t *BPlusTree) IsEmpty() bool { return t.RootPageID() == pagemanager.InvalidPageID }

func (t *BPlusTree) checkKey(key []byte) error {
	if len(key) != t.keySize {
		return fmt.Errorf("%w: got %d bytes, want %d", flushmanager.ErrKeySizeMismatch, len(key), t.keySize)
	}
	return nil
}

// GetValue returns the RowID stored under key.
func (t *BPlusTree) GetValue(key []byte) (pagemanager.RowID, bool, error) {
	if err := t.checkKey(key); err != nil {
		return pagemanager.InvalidRowID, false, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.rootPageID == pagemanager.InvalidPageID {
		return pagemanager.InvalidRowID, false, nil
	}

	guard, err := t.findLeafRead(key, false)
	if err != nil {
		return pagemanager.InvalidRowID, false, err
	}
	defer guard.Drop()
	value, ok := AsLeafPage(guard.Data()).Lookup(key, t.cmp)
	return value, ok, nil
}

// findLeafRead crabs from the root to the leaf that covers key, or to the
// leftmost leaf. The caller holds t.mu and must Drop the returned guard.
func (t *BPlusTree) findLeafRead(key []byte, leftmost bool) (*bufferpool.ReadPageGuard, error) {
	guard, err := t.bpm.FetchPageRead(t.rootPageID)
	if err != nil {
		return nil, fmt.Errorf("fetch root %d: %w", t.rootPageID, err)
	}
	for !(treePage{data: guard.Data()}).IsLeaf() {
		node := AsInternalPage(guard.Data())
		var child pagemanager.PageID
		if leftmost {
			child = node.ValueAt(0)
		} else {
			child = node.Lookup(key, t.cmp)
		}
		next, err := t.bpm.FetchPageRead(child)
		guard.Drop()
		if err != nil {
			return nil, fmt.Errorf("fetch page %d: %w", child, err)
		}
		guard = next
	}
	return guard, nil
}

// isSafe reports whether op on the page cannot propagate to its parent.
func (t *BPlusTree) isSafe(data []byte, op writeOp) bool {
	p := treePage{data: data}
	isRoot := p.PageID() == t.rootPageID
	switch op {
	case opInsert:
		return p.Size() < p.MaxSize()
	default:
		if isRoot {
			return p.IsLeaf() || p.Size() > 2
		}
		return p.Size() > p.MinSize()
	}
}

// descendForWrite latches the path to the leaf covering key. Ancestors above
// the deepest safe page are released as soon as that page is latched, so
// every page after path[0] may have to change.
func (t *BPlusTree) descendForWrite(key []byte, op writeOp) ([]*bufferpool.WritePageGuard, error) {
	guard, err := t.bpm.FetchPageWrite(t.rootPageID)
	if err != nil {
		return nil, fmt.Errorf("fetch root %d: %w", t.rootPageID, err)
	}
	path := []*bufferpool.WritePageGuard{guard}
	for !(treePage{data: guard.Data()}).IsLeaf() {
		child := AsInternalPage(guard.Data()).Lookup(key, t.cmp)
		next, err := t.bpm.FetchPageWrite(child)
		if err != nil {
			dropWriteGuards(path)
			return nil, fmt.Errorf("fetch page %d: %w", child, err)
		}
		if t.isSafe(next.Data(), op) {
			dropWriteGuards(path)
			path = path[:0]
		}
		path = append(path, next)
		guard = next
	}
	return path, nil
}

func dropWriteGuards(guards []*bufferpool.WritePageGuard) {
	for _, g := range guards {
		g.Drop()
	}
}

// Insert adds key -> value. It returns false when key is already present.
// Every page a split needs is allocated, and every child whose parent
// changes is latched, before the tree is modified, so an allocation failure
// leaves the tree unchanged.
func (t *BPlusTree) Insert(key []byte, value pagemanager.RowID) (bool, error) {
	if err := t.checkKey(key); err != nil {
		return false, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.rootPageID == pagemanager.InvalidPageID {
		return true, t.startNewTree(key, value)
	}

	path, err := t.descendForWrite(key, opInsert)
	if err != nil {
		return false, err
	}
	defer dropWriteGuards(path)

	leafGuard := path[len(path)-1]
	leaf := AsLeafPage(leafGuard.Data())
	if _, found := leaf.Lookup(key, t.cmp); found {
		return false, nil
	}
	if leaf.Size() < leaf.MaxSize() {
		leaf.Insert(key, value, t.cmp)
		leafGuard.MarkDirty()
		return true, nil
	}

	held := make(map[pagemanager.PageID]*bufferpool.WritePageGuard, 2*len(path))
	for _, g := range path {
		held[g.PageID()] = g
	}
	movers, err := t.latchSplitMovers(path, held)
	if err != nil {
		return false, err
	}
	defer dropWriteGuards(movers)

	needed := len(path) + 1
	if t.isSafe(path[0].Data(), opInsert) {
		needed = len(path) - 1
	}
	reserved, err := t.reservePages(needed)
	if err != nil {
		return false, err
	}
	defer dropWriteGuards(reserved)
	for _, g := range reserved {
		held[g.PageID()] = g
	}
	take := func() *bufferpool.WritePageGuard {
		g := reserved[0]
		reserved = reserved[1:]
		return g
	}

	leaf.Insert(key, value, t.cmp)
	leafGuard.MarkDirty()

	rightGuard := take()
	right := AsLeafPage(rightGuard.Data())
	right.Init(rightGuard.PageID(), leaf.ParentPageID(), t.keySize, t.leafMax)
	leaf.MoveHalfTo(right)
	t.metrics.IndexSplitsCounter.Add(context.Background(), 1)
	t.logger.Debug("Split leaf", zap.Int32("left", int32(leafGuard.PageID())), zap.Int32("right", int32(rightGuard.PageID())))

	separator := append([]byte(nil), right.KeyAt(0)...)
	return true, t.insertIntoParent(path, len(path)-1, rightGuard, separator, take, held)
}

// startNewTree creates a leaf root holding a single pair.
func (t *BPlusTree) startNewTree(key []byte, value pagemanager.RowID) error {
	guard, err := t.bpm.NewPageGuarded()
	if err != nil {
		return fmt.Errorf("allocate root leaf: %w: %w", flushmanager.ErrAllocationFailure, err)
	}
	pageID := guard.PageID()
	leaf := AsLeafPage(guard.Data())
	leaf.Init(pageID, pagemanager.InvalidPageID, t.keySize, t.leafMax)
	leaf.Insert(key, value, t.cmp)

	if err := t.registry.Set(t.indexID, pageID); err != nil {
		guard.Drop()
		t.bpm.DeletePage(pageID)
		return fmt.Errorf("register root of index %d: %w", t.indexID, err)
	}
	guard.Drop()
	t.rootPageID = pageID
	return nil
}

// reservePages allocates n empty pages. On failure every page it got is
// returned to the allocator.
func (t *BPlusTree) reservePages(n int) ([]*bufferpool.WritePageGuard, error) {
	reserved := make([]*bufferpool.WritePageGuard, 0, n)
	for i := 0; i < n; i++ {
		g, err := t.bpm.NewPageGuarded()
		if err != nil {
			for _, r := range reserved {
				id := r.PageID()
				r.Drop()
				t.bpm.DeletePage(id)
			}
			return nil, fmt.Errorf("reserve %d pages for split: %w: %w", n, flushmanager.ErrAllocationFailure, err)
		}
		reserved = append(reserved, g)
	}
	return reserved, nil
}

// latchSplitMovers write-latches the children that the cascade of internal
// splits will hand to new siblings. Each splitting page keeps the lower half
// of its max+1 children, the upper half moves.
func (t *BPlusTree) latchSplitMovers(path []*bufferpool.WritePageGuard, held map[pagemanager.PageID]*bufferpool.WritePageGuard) ([]*bufferpool.WritePageGuard, error) {
	var movers []*bufferpool.WritePageGuard
	for level := len(path) - 2; level >= 0; level-- {
		node := AsInternalPage(path[level].Data())
		if node.Size() < node.MaxSize() {
			break
		}
		below := path[level+1].PageID()
		children := make([]pagemanager.PageID, 0, node.Size()+1)
		for i := 0; i < node.Size(); i++ {
			children = append(children, node.ValueAt(i))
			if node.ValueAt(i) == below {
				// placeholder for the reserved sibling of below
				children = append(children, pagemanager.InvalidPageID)
			}
		}
		for _, child := range children[len(children)/2:] {
			if child == pagemanager.InvalidPageID {
				continue
			}
			g, err := t.latchChild(child, held)
			if err != nil {
				dropWriteGuards(movers)
				return nil, err
			}
			if g != nil {
				movers = append(movers, g)
			}
		}
	}
	return movers, nil
}

// latchRebalanceMovers write-latches the children that the merges and
// redistributions of a Remove will re-parent. It replays the rebalance
// decisions on the unmodified pages: the leaf loses one pair, every merge
// takes one pair from the parent, and the walk stops at the first page that
// stays within bounds or is redistributed.
func (t *BPlusTree) latchRebalanceMovers(path []*bufferpool.WritePageGuard, siblings []sibling, held map[pagemanager.PageID]*bufferpool.WritePageGuard) ([]*bufferpool.WritePageGuard, error) {
	var movers []*bufferpool.WritePageGuard
	latch := func(child pagemanager.PageID) error {
		g, err := t.latchChild(child, held)
		if err != nil {
			dropWriteGuards(movers)
			return err
		}
		if g != nil {
			movers = append(movers, g)
		}
		return nil
	}

	size := treePage{data: path[len(path)-1].Data()}.Size() - 1
	for level := len(path) - 1; level >= 1; level-- {
		page := treePage{data: path[level].Data()}
		if size >= page.MinSize() {
			break
		}
		sib := siblings[level]
		merge := size+treePage{data: sib.guard.Data()}.Size() <= page.MaxSize()
		if !page.IsLeaf() {
			var moving []pagemanager.PageID
			sibPage := AsInternalPage(sib.guard.Data())
			switch {
			case merge && sib.index == 0:
				moving = sibPage.children(0)
			case merge:
				moving = AsInternalPage(path[level].Data()).children(0)
			case sib.index == 0:
				moving = []pagemanager.PageID{sibPage.ValueAt(0)}
			default:
				moving = []pagemanager.PageID{sibPage.ValueAt(sibPage.Size() - 1)}
			}
			for _, child := range moving {
				if err := latch(child); err != nil {
					return nil, err
				}
			}
		}
		if !merge {
			break
		}
		size = treePage{data: path[level-1].Data()}.Size() - 1
	}
	return movers, nil
}

// latchChild write-latches child unless the operation already holds it, and
// records the guard in held. It returns nil for a page already held.
func (t *BPlusTree) latchChild(child pagemanager.PageID, held map[pagemanager.PageID]*bufferpool.WritePageGuard) (*bufferpool.WritePageGuard, error) {
	if _, ok := held[child]; ok {
		return nil, nil
	}
	g, err := t.bpm.FetchPageWrite(child)
	if err != nil {
		return nil, fmt.Errorf("latch page %d to re-parent it: %w: %w", child, flushmanager.ErrAllocationFailure, err)
	}
	held[child] = g
	return g, nil
}

// insertIntoParent links right, the new sibling of path[level], into the
// parent, splitting ancestors as long as they overflow.
func (t *BPlusTree) insertIntoParent(path []*bufferpool.WritePageGuard, level int, rightGuard *bufferpool.WritePageGuard, separator []byte, take func() *bufferpool.WritePageGuard, held map[pagemanager.PageID]*bufferpool.WritePageGuard) error {
	for {
		leftGuard := path[level]
		if level == 0 {
			if leftGuard.PageID() != t.rootPageID {
				return fmt.Errorf("split reached page %d above which nothing is latched: %w", leftGuard.PageID(), flushmanager.ErrInvalidPageData)
			}
			rootGuard := take()
			root := AsInternalPage(rootGuard.Data())
			root.Init(rootGuard.PageID(), pagemanager.InvalidPageID, t.keySize, t.internalMax)
			root.PopulateNewRoot(leftGuard.PageID(), separator, rightGuard.PageID())
			if err := t.setParent(leftGuard.PageID(), rootGuard.PageID(), held); err != nil {
				return err
			}
			if err := t.setParent(rightGuard.PageID(), rootGuard.PageID(), held); err != nil {
				return err
			}

			t.rootPageID = rootGuard.PageID()
			t.logger.Debug("Grew new root", zap.Int32("root", int32(t.rootPageID)))
			return t.registry.Set(t.indexID, t.rootPageID)
		}

		parentGuard := path[level-1]
		parent := AsInternalPage(parentGuard.Data())
		if err := t.setParent(rightGuard.PageID(), parentGuard.PageID(), held); err != nil {
			return err
		}
		parent.InsertNodeAfter(leftGuard.PageID(), separator, rightGuard.PageID())
		parentGuard.MarkDirty()
		if parent.Size() <= parent.MaxSize() {
			return nil
		}

		siblingGuard := take()
		sibling := AsInternalPage(siblingGuard.Data())
		sibling.Init(siblingGuard.PageID(), parent.ParentPageID(), t.keySize, t.internalMax)
		pushUp, moved := parent.MoveHalfTo(sibling)
		for _, child := range moved {
			if err := t.setParent(child, siblingGuard.PageID(), held); err != nil {
				return err
			}
		}
		t.metrics.IndexSplitsCounter.Add(context.Background(), 1)
		t.logger.Debug("Split internal page", zap.Int32("left", int32(parentGuard.PageID())), zap.Int32("right", int32(siblingGuard.PageID())))

		level--
		rightGuard = siblingGuard
		separator = pushUp
	}
}

// setParent rewrites the parent pointer of child through the guard the
// current operation latched for it before mutating anything.
func (t *BPlusTree) setParent(child, parent pagemanager.PageID, held map[pagemanager.PageID]*bufferpool.WritePageGuard) error {
	g, ok := held[child]
	if !ok {
		t.logger.Error("Re-parented page was not latched up front", zap.Int32("page", int32(child)), zap.Int32("parent", int32(parent)))
		return fmt.Errorf("page %d changes parent but is not latched: %w", child, flushmanager.ErrInvalidPageData)
	}
	treePage{data: g.Data()}.SetParentPageID(parent)
	g.MarkDirty()
	return nil
}

// sibling is the page chosen to rebalance path[level] with.
type sibling struct {
	guard *bufferpool.WritePageGuard
	// index of path[level] in its parent
	index int
}

// Remove deletes key. Removing an absent key is a no-op.
func (t *BPlusTree) Remove(key []byte) error {
	if err := t.checkKey(key); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rootPageID == pagemanager.InvalidPageID {
		return nil
	}

	path, err := t.descendForWrite(key, opRemove)
	if err != nil {
		return err
	}
	leafGuard := path[len(path)-1]
	leaf := AsLeafPage(leafGuard.Data())
	idx := leaf.KeyIndex(key, t.cmp)
	if idx >= leaf.Size() || t.cmp(leaf.KeyAt(idx), key) != 0 {
		dropWriteGuards(path)
		return nil
	}

	siblings, err := t.latchSiblings(path)
	if err != nil {
		dropWriteGuards(path)
		return err
	}

	held := make(map[pagemanager.PageID]*bufferpool.WritePageGuard, 2*len(path))
	for _, g := range path {
		held[g.PageID()] = g
	}
	for _, s := range siblings {
		if s.guard != nil {
			held[s.guard.PageID()] = s.guard
		}
	}
	movers, err := t.latchRebalanceMovers(path, siblings, held)
	if err != nil {
		dropWriteGuards(path)
		t.releaseSiblings(siblings)
		return err
	}

	leaf.RemoveAt(idx)
	leafGuard.MarkDirty()

	var deleted []pagemanager.PageID
	err = t.rebalance(path, siblings, held, &deleted)

	dropWriteGuards(movers)
	dropWriteGuards(path)
	t.releaseSiblings(siblings)
	t.freePages(deleted)
	return err
}

// latchSiblings write-latches one sibling for every page in path below
// path[0], before anything is modified.
func (t *BPlusTree) latchSiblings(path []*bufferpool.WritePageGuard) ([]sibling, error) {
	siblings := make([]sibling, len(path))
	for level := 1; level < len(path); level++ {
		parent := AsInternalPage(path[level-1].Data())
		idx := parent.ValueIndex(path[level].PageID())
		if idx < 0 {
			t.releaseSiblings(siblings)
			return nil, fmt.Errorf("page %d is not a child of %d: %w", path[level].PageID(), path[level-1].PageID(), flushmanager.ErrInvalidPageData)
		}
		sibIdx := idx - 1
		if idx == 0 {
			sibIdx = 1
		}
		g, err := t.bpm.FetchPageWrite(parent.ValueAt(sibIdx))
		if err != nil {
			t.releaseSiblings(siblings)
			return nil, fmt.Errorf("fetch sibling of page %d: %w", path[level].PageID(), err)
		}
		siblings[level] = sibling{guard: g, index: idx}
	}
	return siblings, nil
}

func (t *BPlusTree) releaseSiblings(siblings []sibling) {
	for _, s := range siblings {
		s.guard.Drop()
	}
}

// rebalance walks up from the leaf, fixing underflow by merging or
// redistributing until a page is within bounds or the root is adjusted.
func (t *BPlusTree) rebalance(path []*bufferpool.WritePageGuard, siblings []sibling, held map[pagemanager.PageID]*bufferpool.WritePageGuard, deleted *[]pagemanager.PageID) error {
	for level := len(path) - 1; level >= 0; level-- {
		g := path[level]
		if g.PageID() == t.rootPageID {
			return t.adjustRoot(g, held, deleted)
		}
		page := treePage{data: g.Data()}
		if page.Size() >= page.MinSize() {
			return nil
		}
		if level == 0 {
			return fmt.Errorf("page %d underflowed with no latched parent: %w", g.PageID(), flushmanager.ErrInvalidPageData)
		}
		merged, err := t.coalesceOrRedistribute(g, siblings[level], path[level-1], held, deleted)
		if err != nil || !merged {
			return err
		}
	}
	return nil
}

// coalesceOrRedistribute fixes an underflowing page using its sibling. It
// reports whether the two pages were merged, which removes an entry from
// the parent.
func (t *BPlusTree) coalesceOrRedistribute(nodeGuard *bufferpool.WritePageGuard, sib sibling, parentGuard *bufferpool.WritePageGuard, held map[pagemanager.PageID]*bufferpool.WritePageGuard, deleted *[]pagemanager.PageID) (bool, error) {
	node := treePage{data: nodeGuard.Data()}
	other := treePage{data: sib.guard.Data()}
	parent := AsInternalPage(parentGuard.Data())

	// The left page always survives a merge.
	leftGuard, rightGuard, rightIdx := sib.guard, nodeGuard, sib.index
	if sib.index == 0 {
		leftGuard, rightGuard, rightIdx = nodeGuard, sib.guard, 1
	}

	nodeGuard.MarkDirty()
	sib.guard.MarkDirty()
	parentGuard.MarkDirty()

	if node.Size()+other.Size() <= node.MaxSize() {
		if node.IsLeaf() {
			AsLeafPage(rightGuard.Data()).MoveAllTo(AsLeafPage(leftGuard.Data()))
		} else {
			moved := AsInternalPage(rightGuard.Data()).MoveAllTo(AsInternalPage(leftGuard.Data()), parent.KeyAt(rightIdx))
			for _, child := range moved {
				if err := t.setParent(child, leftGuard.PageID(), held); err != nil {
					return false, err
				}
			}
		}
		parent.RemoveAt(rightIdx)
		*deleted = append(*deleted, rightGuard.PageID())
		t.metrics.IndexMergesCounter.Add(context.Background(), 1)
		t.logger.Debug("Merged pages", zap.Int32("left", int32(leftGuard.PageID())), zap.Int32("right", int32(rightGuard.PageID())))
		return true, nil
	}

	if node.IsLeaf() {
		nodeLeaf, sibLeaf := AsLeafPage(nodeGuard.Data()), AsLeafPage(sib.guard.Data())
		if sib.index == 0 {
			sibLeaf.MoveFirstToEndOf(nodeLeaf)
			parent.SetKeyAt(1, sibLeaf.KeyAt(0))
		} else {
			sibLeaf.MoveLastToFrontOf(nodeLeaf)
			parent.SetKeyAt(sib.index, nodeLeaf.KeyAt(0))
		}
	} else {
		nodeInternal, sibInternal := AsInternalPage(nodeGuard.Data()), AsInternalPage(sib.guard.Data())
		var separator []byte
		var child pagemanager.PageID
		if sib.index == 0 {
			separator, child = sibInternal.MoveFirstToEndOf(nodeInternal, parent.KeyAt(1))
			parent.SetKeyAt(1, separator)
		} else {
			separator, child = sibInternal.MoveLastToFrontOf(nodeInternal, parent.KeyAt(sib.index))
			parent.SetKeyAt(sib.index, separator)
		}
		if err := t.setParent(child, nodeGuard.PageID(), held); err != nil {
			return false, err
		}
	}
	t.metrics.IndexRedistribsCounter.Add(context.Background(), 1)
	return false, nil
}

// adjustRoot shrinks the tree when the root is an empty leaf or an internal
// page with a single child.
func (t *BPlusTree) adjustRoot(rootGuard *bufferpool.WritePageGuard, held map[pagemanager.PageID]*bufferpool.WritePageGuard, deleted *[]pagemanager.PageID) error {
	root := treePage{data: rootGuard.Data()}
	switch {
	case root.IsLeaf() && root.Size() == 0:
		*deleted = append(*deleted, rootGuard.PageID())
		t.rootPageID = pagemanager.InvalidPageID
	case !root.IsLeaf() && root.Size() == 1:
		child := AsInternalPage(rootGuard.Data()).RemoveAndReturnOnlyChild()
		rootGuard.MarkDirty()
		if err := t.setParent(child, pagemanager.InvalidPageID, held); err != nil {
			return err
		}
		*deleted = append(*deleted, rootGuard.PageID())
		t.rootPageID = child
	default:
		return nil
	}
	t.logger.Debug("Adjusted root", zap.Int32("root", int32(t.rootPageID)))
	return t.registry.Set(t.indexID, t.rootPageID)
}

// Destroy frees every page of the tree and drops its registry entry.
func (t *BPlusTree) Destroy() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.rootPageID != pagemanager.InvalidPageID {
		pages, err := t.collectPages()
		if err != nil {
			return err
		}
		t.freePages(pages)
		t.rootPageID = pagemanager.InvalidPageID
	}
	return t.registry.Delete(t.indexID)
}

// freePages returns pages to the allocator. A page an open iterator still
// pins is freed when that iterator lets go of it.
func (t *BPlusTree) freePages(pages []pagemanager.PageID) {
	for _, id := range pages {
		if !t.bpm.DeletePageDeferred(id) {
			t.logger.Debug("Page still pinned; freeing it on last unpin", zap.Int32("page", int32(id)))
		}
	}
}

// collectPages lists every page id reachable from the root, breadth first.
func (t *BPlusTree) collectPages() ([]pagemanager.PageID, error) {
	var pages []pagemanager.PageID
	queue := []pagemanager.PageID{t.rootPageID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		pages = append(pages, id)

		guard, err := t.bpm.FetchPageRead(id)
		if err != nil {
			return nil, fmt.Errorf("fetch page %d: %w", id, err)
		}
		if !(treePage{data: guard.Data()}).IsLeaf() {
			node := AsInternalPage(guard.Data())
			for i := 0; i < node.Size(); i++ {
				queue = append(queue, node.ValueAt(i))
			}
		}
		guard.Drop()
	}
	return pages, nil
}

// Height returns the number of levels, zero for an empty tree.
func (t *BPlusTree) Height() (int, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.rootPageID == pagemanager.InvalidPageID {
		return 0, nil
	}
	height := 1
	id := t.rootPageID
	for {
		guard, err := t.bpm.FetchPageRead(id)
		if err != nil {
			return 0, err
		}
		page := treePage{data: guard.Data()}
		if page.IsLeaf() {
			guard.Drop()
			return height, nil
		}
		id = AsInternalPage(guard.Data()).ValueAt(0)
		guard.Drop()
		height++
	}
}
