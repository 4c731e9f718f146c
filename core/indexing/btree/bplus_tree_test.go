package btree

import (
	"bytes"
	"errors"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/pagedb/core/storage_engine/disk"
	bufferpool "github.com/sushant-115/pagedb/core/write_engine/buffer_pool"
	flushmanager "github.com/sushant-115/pagedb/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/pagedb/core/write_engine/page_manager"
)

const testIndexID uint32 = 7

type treeFixture struct {
	dm       *disk.DiskManager
	bpm      *bufferpool.BufferPoolManager
	registry *RootRegistry
	logger   *zap.Logger
}

// setupTreeFixture builds a pool over an in-memory disk with a roots page.
func setupTreeFixture(t *testing.T, poolSize int) *treeFixture {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	store := disk.NewMemoryBlockStore(pagemanager.PageSize)
	dm, err := disk.NewDiskManager(store, disk.Options{ExtentCapacity: 256}, logger, nil)
	require.NoError(t, err)
	bpm := bufferpool.NewBufferPoolManager(poolSize, dm, logger, nil)

	rootsID, _, err := bpm.NewPage()
	require.NoError(t, err)
	require.True(t, bpm.UnpinPage(rootsID, true))
	registry, err := OpenRootRegistry(bpm, rootsID)
	require.NoError(t, err)
	t.Cleanup(registry.Close)

	return &treeFixture{dm: dm, bpm: bpm, registry: registry, logger: logger}
}

func (f *treeFixture) newTree(t *testing.T, leafMax, internalMax int) *BPlusTree {
	t.Helper()
	tree, err := NewBPlusTree(testIndexID, f.bpm, f.registry, Options{
		KeySize:         Int64KeySize,
		LeafMaxSize:     leafMax,
		InternalMaxSize: internalMax,
	}, f.logger, nil)
	require.NoError(t, err)
	return tree
}

func rid(i int) pagemanager.RowID {
	return pagemanager.RowID{PageID: pagemanager.PageID(i), Slot: uint32(i)}
}

// collect iterates the whole tree and returns its keys in order.
func collect(t *testing.T, tree *BPlusTree) []int64 {
	t.Helper()
	it, err := tree.Begin()
	require.NoError(t, err)
	defer it.Close()

	var keys []int64
	for !it.IsEnd() {
		key, value, err := it.Entry()
		require.NoError(t, err)
		k := DecodeInt64Key(key)
		require.Equal(t, rid(int(k)), value)
		keys = append(keys, k)
		require.NoError(t, it.Next())
	}
	require.True(t, it.Equal(tree.End()))
	return keys
}

// TestBPlusTree_OrderInvariant checks that iteration yields the sorted key set.
func TestBPlusTree_OrderInvariant(t *testing.T) {
	f := setupTreeFixture(t, 64)
	tree := f.newTree(t, 4, 4)

	rng := rand.New(rand.NewSource(42))
	want := make(map[int64]bool)
	for _, k := range rng.Perm(300) {
		k := k - 150
		ok, err := tree.Insert(EncodeInt64Key(int64(k)), rid(k))
		require.NoError(t, err)
		require.True(t, ok)
		want[int64(k)] = true
	}
	require.NoError(t, tree.Check())

	for k := int64(-150); k < 150; k += 3 {
		require.NoError(t, tree.Remove(EncodeInt64Key(k)))
		delete(want, k)
	}
	require.NoError(t, tree.Check())

	sorted := make([]int64, 0, len(want))
	for k := range want {
		sorted = append(sorted, k)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	require.Equal(t, sorted, collect(t, tree))
	require.True(t, f.bpm.CheckAllUnpinnedExcept(f.registry.PageID()))
}

// TestBPlusTree_SplitMergeToEmpty removes every key in random order and
// validates the structure after each step.
func TestBPlusTree_SplitMergeToEmpty(t *testing.T) {
	cases := []struct {
		name        string
		leafMax     int
		internalMax int
		n           int
	}{
		{"leaf4", 4, 4, 4 * 5},
		{"leaf3-deep", 3, 3, 200},
		{"leaf8", 8, 5, 8 * 5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := setupTreeFixture(t, 64)
			baseline := f.dm.Stats().NumAllocated
			tree := f.newTree(t, tc.leafMax, tc.internalMax)

			for k := 0; k < tc.n; k++ {
				ok, err := tree.Insert(EncodeInt64Key(int64(k)), rid(k))
				require.NoError(t, err)
				require.True(t, ok)
				require.NoError(t, tree.Check())
			}
			height, err := tree.Height()
			require.NoError(t, err)
			require.Greater(t, height, 1)

			rng := rand.New(rand.NewSource(int64(tc.n)))
			for i, k := range rng.Perm(tc.n) {
				require.NoError(t, tree.Remove(EncodeInt64Key(int64(k))))
				require.NoError(t, tree.Check(), "after removing %d keys", i+1)
				_, found, err := tree.GetValue(EncodeInt64Key(int64(k)))
				require.NoError(t, err)
				require.False(t, found)
			}

			require.Equal(t, pagemanager.InvalidPageID, tree.RootPageID())
			root, ok, err := f.registry.Get(testIndexID)
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, pagemanager.InvalidPageID, root)
			require.Equal(t, baseline, f.dm.Stats().NumAllocated)
			require.True(t, f.bpm.CheckAllUnpinnedExcept(f.registry.PageID()))
		})
	}
}

// TestBPlusTree_DuplicateRejected keeps the first value for a key.
func TestBPlusTree_DuplicateRejected(t *testing.T) {
	f := setupTreeFixture(t, 16)
	tree := f.newTree(t, 4, 4)

	key := EncodeInt64Key(99)
	ok, err := tree.Insert(key, rid(1))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = tree.Insert(key, rid(2))
	require.NoError(t, err)
	require.False(t, ok)

	value, found, err := tree.GetValue(key)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, rid(1), value)
}

// TestBPlusTree_EmptyTree covers lookups, removals and iteration on an empty tree.
func TestBPlusTree_EmptyTree(t *testing.T) {
	f := setupTreeFixture(t, 8)
	tree := f.newTree(t, 4, 4)

	require.True(t, tree.IsEmpty())
	_, found, err := tree.GetValue(EncodeInt64Key(1))
	require.NoError(t, err)
	require.False(t, found)
	require.NoError(t, tree.Remove(EncodeInt64Key(1)))

	it, err := tree.Begin()
	require.NoError(t, err)
	require.True(t, it.IsEnd())
	require.True(t, it.Equal(tree.End()))
	require.ErrorIs(t, it.Next(), flushmanager.ErrIteratorInvalid)

	height, err := tree.Height()
	require.NoError(t, err)
	require.Zero(t, height)
}

// TestBPlusTree_KeySizeMismatch rejects keys of the wrong width.
func TestBPlusTree_KeySizeMismatch(t *testing.T) {
	f := setupTreeFixture(t, 8)
	tree := f.newTree(t, 4, 4)

	_, err := tree.Insert([]byte("short"), rid(1))
	require.ErrorIs(t, err, flushmanager.ErrKeySizeMismatch)
	_, _, err = tree.GetValue([]byte("short"))
	require.ErrorIs(t, err, flushmanager.ErrKeySizeMismatch)
	require.ErrorIs(t, tree.Remove([]byte("short")), flushmanager.ErrKeySizeMismatch)
}

// TestBPlusTree_InvalidOptions rejects max sizes the page cannot hold.
func TestBPlusTree_InvalidOptions(t *testing.T) {
	f := setupTreeFixture(t, 8)

	_, err := NewBPlusTree(1, f.bpm, f.registry, Options{KeySize: 8, LeafMaxSize: 1}, f.logger, nil)
	require.Error(t, err)
	_, err = NewBPlusTree(1, f.bpm, f.registry, Options{KeySize: 8, LeafMaxSize: LeafCapacity(8, pagemanager.PageSize)}, f.logger, nil)
	require.ErrorIs(t, err, flushmanager.ErrPageOverflow)
	_, err = NewBPlusTree(1, f.bpm, f.registry, Options{KeySize: 8, InternalMaxSize: 2}, f.logger, nil)
	require.Error(t, err)
	_, err = NewBPlusTree(1, f.bpm, f.registry, Options{}, f.logger, nil)
	require.Error(t, err)

	tree, err := NewBPlusTree(1, f.bpm, f.registry, Options{KeySize: 8}, f.logger, nil)
	require.NoError(t, err)
	require.Equal(t, 8, tree.KeySize())
}

// TestBPlusTree_BeginAt positions at the first key not below the target.
func TestBPlusTree_BeginAt(t *testing.T) {
	f := setupTreeFixture(t, 32)
	tree := f.newTree(t, 3, 3)

	for k := 0; k < 60; k += 2 {
		ok, err := tree.Insert(EncodeInt64Key(int64(k)), rid(k))
		require.NoError(t, err)
		require.True(t, ok)
	}

	it, err := tree.BeginAt(EncodeInt64Key(31))
	require.NoError(t, err)
	require.Equal(t, int64(32), DecodeInt64Key(it.Key()))
	require.Equal(t, rid(32), it.Value())
	require.NoError(t, it.Next())
	require.Equal(t, int64(34), DecodeInt64Key(it.Key()))
	it.Close()
	require.True(t, it.IsEnd())

	it, err = tree.BeginAt(EncodeInt64Key(20))
	require.NoError(t, err)
	require.Equal(t, int64(20), DecodeInt64Key(it.Key()))
	it.Close()

	it, err = tree.BeginAt(EncodeInt64Key(1000))
	require.NoError(t, err)
	require.True(t, it.IsEnd())
	require.Nil(t, it.Key())
	require.True(t, f.bpm.CheckAllUnpinnedExcept(f.registry.PageID()))
}

// TestBPlusTree_IteratorPinsOneLeaf holds a single pin while walking the chain.
func TestBPlusTree_IteratorPinsOneLeaf(t *testing.T) {
	f := setupTreeFixture(t, 32)
	tree := f.newTree(t, 4, 4)
	for k := 0; k < 40; k++ {
		_, err := tree.Insert(EncodeInt64Key(int64(k)), rid(k))
		require.NoError(t, err)
	}

	it, err := tree.Begin()
	require.NoError(t, err)
	for !it.IsEnd() {
		pageID, _ := it.Position()
		pins, ok := f.bpm.PinCount(pageID)
		require.True(t, ok)
		require.Equal(t, int32(1), pins)
		require.NoError(t, it.Next())
	}
	require.True(t, f.bpm.CheckAllUnpinnedExcept(f.registry.PageID()))
}

// TestBPlusTree_IterateWhileModifying removes keys behind the cursor.
func TestBPlusTree_IterateWhileModifying(t *testing.T) {
	f := setupTreeFixture(t, 32)
	tree := f.newTree(t, 4, 4)
	for k := 0; k < 50; k++ {
		_, err := tree.Insert(EncodeInt64Key(int64(k)), rid(k))
		require.NoError(t, err)
	}

	it, err := tree.Begin()
	require.NoError(t, err)
	seen := 0
	for !it.IsEnd() {
		key := it.Key()
		require.NotNil(t, key)
		require.NoError(t, tree.Remove(key))
		seen++
		require.NoError(t, it.Next())
	}
	require.Positive(t, seen)
	require.NoError(t, tree.Check())
}

// TestBPlusTree_ReopenFromRegistry finds the root of an existing index.
func TestBPlusTree_ReopenFromRegistry(t *testing.T) {
	f := setupTreeFixture(t, 32)
	tree := f.newTree(t, 4, 4)
	for k := 0; k < 30; k++ {
		_, err := tree.Insert(EncodeInt64Key(int64(k)), rid(k))
		require.NoError(t, err)
	}
	require.NoError(t, f.bpm.FlushAllPages())

	// A fresh pool over the same disk sees the persisted tree.
	f.registry.Close()
	bpm := bufferpool.NewBufferPoolManager(16, f.dm, f.logger, nil)
	registry, err := OpenRootRegistry(bpm, f.registry.PageID())
	require.NoError(t, err)
	defer registry.Close()

	reopened, err := NewBPlusTree(testIndexID, bpm, registry, Options{KeySize: Int64KeySize, LeafMaxSize: 4, InternalMaxSize: 4}, f.logger, nil)
	require.NoError(t, err)
	require.Equal(t, tree.RootPageID(), reopened.RootPageID())
	require.NoError(t, reopened.Check())
	for k := 0; k < 30; k++ {
		value, found, err := reopened.GetValue(EncodeInt64Key(int64(k)))
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, rid(k), value)
	}
}

// TestBPlusTree_SplitFailureLeavesTreeIntact exhausts the pool during a split.
func TestBPlusTree_SplitFailureLeavesTreeIntact(t *testing.T) {
	f := setupTreeFixture(t, 4)
	tree := f.newTree(t, 2, 3)

	for k := 0; k < 2; k++ {
		ok, err := tree.Insert(EncodeInt64Key(int64(k)), rid(k))
		require.NoError(t, err)
		require.True(t, ok)
	}

	// Pin the two remaining frames.
	var held []pagemanager.PageID
	for i := 0; i < 2; i++ {
		id, _, err := f.bpm.NewPage()
		require.NoError(t, err)
		held = append(held, id)
	}
	allocated := f.dm.Stats().NumAllocated
	root := tree.RootPageID()

	_, err := tree.Insert(EncodeInt64Key(2), rid(2))
	require.Error(t, err)
	require.ErrorIs(t, err, flushmanager.ErrAllocationFailure)
	require.ErrorIs(t, err, flushmanager.ErrPoolExhausted)

	require.Equal(t, root, tree.RootPageID())
	require.Equal(t, allocated, f.dm.Stats().NumAllocated)
	require.NoError(t, tree.Check())
	_, found, err := tree.GetValue(EncodeInt64Key(2))
	require.NoError(t, err)
	require.False(t, found)

	for _, id := range held {
		require.True(t, f.bpm.UnpinPage(id, false))
	}
	ok, err := tree.Insert(EncodeInt64Key(2), rid(2))
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, tree.Check())
	require.Equal(t, []int64{0, 1, 2}, collect(t, tree))
}

// TestBPlusTree_Destroy frees every page and the registry entry.
func TestBPlusTree_Destroy(t *testing.T) {
	f := setupTreeFixture(t, 32)
	baseline := f.dm.Stats().NumAllocated
	tree := f.newTree(t, 4, 4)
	for k := 0; k < 100; k++ {
		_, err := tree.Insert(EncodeInt64Key(int64(k)), rid(k))
		require.NoError(t, err)
	}
	require.Greater(t, f.dm.Stats().NumAllocated, baseline)

	require.NoError(t, tree.Destroy())
	require.True(t, tree.IsEmpty())
	require.Equal(t, baseline, f.dm.Stats().NumAllocated)
	_, ok, err := f.registry.Get(testIndexID)
	require.NoError(t, err)
	require.False(t, ok)
}

// TestBPlusTree_Dump prints every level.
func TestBPlusTree_Dump(t *testing.T) {
	f := setupTreeFixture(t, 16)
	tree := f.newTree(t, 2, 3)

	var buf bytes.Buffer
	require.NoError(t, tree.Dump(&buf, nil))
	require.Equal(t, "(empty)\n", buf.String())

	for k := 0; k < 5; k++ {
		_, err := tree.Insert(EncodeInt64Key(int64(k)), rid(k))
		require.NoError(t, err)
	}
	buf.Reset()
	require.NoError(t, tree.Dump(&buf, func(k []byte) string { return string(rune('0' + DecodeInt64Key(k))) }))
	require.Contains(t, buf.String(), "internal")
	require.Contains(t, buf.String(), "leaf")
	require.Contains(t, buf.String(), "[3 4]")
}

// TestBPlusTree_ConcurrentReaders runs lookups beside a writer.
func TestBPlusTree_ConcurrentReaders(t *testing.T) {
	f := setupTreeFixture(t, 64)
	tree := f.newTree(t, 8, 8)
	for k := 0; k < 200; k++ {
		_, err := tree.Insert(EncodeInt64Key(int64(k)), rid(k))
		require.NoError(t, err)
	}

	errs := make(chan error, 4)
	for r := 0; r < 3; r++ {
		go func() {
			for k := 0; k < 200; k++ {
				value, found, err := tree.GetValue(EncodeInt64Key(int64(k)))
				if err != nil {
					errs <- err
					return
				}
				if !found || value != rid(k) {
					errs <- errors.New("lost key during concurrent writes")
					return
				}
			}
			errs <- nil
		}()
	}
	go func() {
		for k := 200; k < 400; k++ {
			if _, err := tree.Insert(EncodeInt64Key(int64(k)), rid(k)); err != nil {
				errs <- err
				return
			}
		}
		errs <- nil
	}()
	for i := 0; i < 4; i++ {
		require.NoError(t, <-errs)
	}
	require.NoError(t, tree.Check())
}

// auditTree checks structure, pins and that every allocated page beyond
// baseline belongs to the tree.
func auditTree(t *testing.T, f *treeFixture, tree *BPlusTree, baseline uint32) {
	t.Helper()
	require.NoError(t, tree.Check())
	require.True(t, f.bpm.CheckAllUnpinnedExcept(f.registry.PageID()))
	pages := 0
	if !tree.IsEmpty() {
		ids, err := tree.collectPages()
		require.NoError(t, err)
		pages = len(ids)
	}
	require.Equal(t, baseline+uint32(pages), f.dm.Stats().NumAllocated)
}

// TestBPlusTree_TightPoolRandomOps mixes inserts and removes on pools barely
// larger than one root-to-leaf path. Operations that cannot get their frames
// must fail without touching the tree.
func TestBPlusTree_TightPoolRandomOps(t *testing.T) {
	for _, poolSize := range []int{6, 8, 10, 12} {
		for seed := int64(1); seed <= 4; seed++ {
			f := setupTreeFixture(t, poolSize)
			baseline := f.dm.Stats().NumAllocated
			tree := f.newTree(t, 2, 3)

			rng := rand.New(rand.NewSource(seed))
			model := make(map[int64]bool)
			succeeded := 0
			for step := 0; step < 400; step++ {
				k := int64(rng.Intn(60))
				key := EncodeInt64Key(k)
				var err error
				if rng.Intn(3) > 0 {
					var ok bool
					ok, err = tree.Insert(key, rid(int(k)))
					if err == nil {
						require.Equal(t, !model[k], ok, "pool %d seed %d step %d", poolSize, seed, step)
						model[k] = true
					}
				} else {
					err = tree.Remove(key)
					if err == nil {
						delete(model, k)
					}
				}
				if err != nil {
					require.ErrorIs(t, err, flushmanager.ErrPoolExhausted, "pool %d seed %d step %d", poolSize, seed, step)
				} else {
					succeeded++
				}
				require.NoError(t, tree.Check(), "pool %d seed %d step %d", poolSize, seed, step)

				_, found, err := tree.GetValue(key)
				require.NoError(t, err)
				require.Equal(t, model[k], found, "pool %d seed %d step %d", poolSize, seed, step)
			}
			require.Positive(t, succeeded)
			auditTree(t, f, tree, baseline)

			want := make([]int64, 0, len(model))
			for k := range model {
				want = append(want, k)
			}
			sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })
			if len(want) == 0 {
				want = nil
			}
			require.Equal(t, want, collect(t, tree))
		}
	}
}

// TestBPlusTree_InternalSplitUnderPressure grows a tree until internal pages
// split, with the pool sized so that moved children must be fetched.
func TestBPlusTree_InternalSplitUnderPressure(t *testing.T) {
	f := setupTreeFixture(t, 8)
	baseline := f.dm.Stats().NumAllocated
	tree := f.newTree(t, 2, 3)

	inserted := 0
	for _, k := range rand.New(rand.NewSource(3)).Perm(64) {
		ok, err := tree.Insert(EncodeInt64Key(int64(k)), rid(k))
		if err != nil {
			require.ErrorIs(t, err, flushmanager.ErrPoolExhausted)
			continue
		}
		require.True(t, ok)
		inserted++
		require.NoError(t, tree.Check(), "after key %d", k)
	}
	height, err := tree.Height()
	require.NoError(t, err)
	require.GreaterOrEqual(t, height, 3)
	require.Len(t, collect(t, tree), inserted)
	auditTree(t, f, tree, baseline)
}

// TestBPlusTree_FreesPagesPinnedByIterator empties the tree under an open
// cursor; the leaf it pins is returned to the allocator once it is closed.
func TestBPlusTree_FreesPagesPinnedByIterator(t *testing.T) {
	f := setupTreeFixture(t, 32)
	baseline := f.dm.Stats().NumAllocated
	tree := f.newTree(t, 4, 4)
	for k := 0; k < 40; k++ {
		_, err := tree.Insert(EncodeInt64Key(int64(k)), rid(k))
		require.NoError(t, err)
	}

	it, err := tree.BeginAt(EncodeInt64Key(20))
	require.NoError(t, err)
	for k := 0; k < 40; k++ {
		require.NoError(t, tree.Remove(EncodeInt64Key(int64(k))))
	}
	require.True(t, tree.IsEmpty())
	require.Equal(t, 1, f.bpm.Stats().PendingDeletes)
	require.Equal(t, baseline+1, f.dm.Stats().NumAllocated)

	it.Close()
	require.Zero(t, f.bpm.Stats().PendingDeletes)
	require.Equal(t, baseline, f.dm.Stats().NumAllocated)
	require.True(t, f.bpm.CheckAllUnpinnedExcept(f.registry.PageID()))
}

// TestBPlusTree_DestroyWithOpenIterator defers freeing the pinned leaf.
func TestBPlusTree_DestroyWithOpenIterator(t *testing.T) {
	f := setupTreeFixture(t, 32)
	baseline := f.dm.Stats().NumAllocated
	tree := f.newTree(t, 4, 4)
	for k := 0; k < 30; k++ {
		_, err := tree.Insert(EncodeInt64Key(int64(k)), rid(k))
		require.NoError(t, err)
	}

	it, err := tree.Begin()
	require.NoError(t, err)
	require.NoError(t, tree.Destroy())
	require.Equal(t, baseline+1, f.dm.Stats().NumAllocated)

	it.Close()
	require.Equal(t, baseline, f.dm.Stats().NumAllocated)
}
