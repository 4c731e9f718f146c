package indexmanager

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/pagedb/core/indexing/btree"
	"github.com/sushant-115/pagedb/core/storage_engine/disk"
	bufferpool "github.com/sushant-115/pagedb/core/write_engine/buffer_pool"
	flushmanager "github.com/sushant-115/pagedb/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/pagedb/core/write_engine/page_manager"
)

type fixture struct {
	dm        *disk.DiskManager
	bpm       *bufferpool.BufferPoolManager
	registry  *btree.RootRegistry
	catalogID pagemanager.PageID
	logger    *zap.Logger
}

func setupIndexManager(t *testing.T) (*IndexManager, *fixture) {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	dm, err := disk.NewDiskManager(disk.NewMemoryBlockStore(pagemanager.PageSize), disk.Options{ExtentCapacity: 128}, logger, nil)
	require.NoError(t, err)
	bpm := bufferpool.NewBufferPoolManager(32, dm, logger, nil)

	var reserved []pagemanager.PageID
	for i := 0; i < 2; i++ {
		id, _, err := bpm.NewPage()
		require.NoError(t, err)
		require.True(t, bpm.UnpinPage(id, true))
		reserved = append(reserved, id)
	}
	registry, err := btree.OpenRootRegistry(bpm, reserved[0])
	require.NoError(t, err)
	t.Cleanup(registry.Close)

	f := &fixture{dm: dm, bpm: bpm, registry: registry, catalogID: reserved[1], logger: logger}
	m, err := NewIndexManager(bpm, registry, f.catalogID, nil, logger, nil)
	require.NoError(t, err)
	return m, f
}

// TestIndexManager_Lifecycle creates, lists, opens and drops indexes.
func TestIndexManager_Lifecycle(t *testing.T) {
	ctx := context.Background()
	m, f := setupIndexManager(t)
	baseline := f.dm.Stats().NumAllocated

	// 1. Create two indexes
	users, err := m.CreateIndex(ctx, "users_pk", btree.Options{KeySize: btree.Int64KeySize, LeafMaxSize: 4, InternalMaxSize: 4})
	require.NoError(t, err)
	_, err = m.CreateIndex(ctx, "emails", btree.Options{KeySize: 32})
	require.NoError(t, err)
	_, err = m.CreateIndex(ctx, "users_pk", btree.Options{KeySize: 8})
	require.ErrorIs(t, err, flushmanager.ErrIndexExists)

	infos, err := m.ListIndexes()
	require.NoError(t, err)
	require.Len(t, infos, 2)
	require.Equal(t, "emails", infos[0].Name)
	require.Equal(t, "users_pk", infos[1].Name)
	require.Equal(t, 4, infos[1].LeafMaxSize)
	require.Equal(t, btree.LeafCapacity(32, pagemanager.PageSize)-1, infos[0].LeafMaxSize)
	require.NotEqual(t, infos[0].ID, infos[1].ID)

	// 2. Fill one of them
	for k := 0; k < 50; k++ {
		ok, err := users.Insert(btree.EncodeInt64Key(int64(k)), pagemanager.RowID{PageID: 9, Slot: uint32(k)})
		require.NoError(t, err)
		require.True(t, ok)
	}

	// 3. OpenIndex returns the cached tree
	opened, err := m.OpenIndex(ctx, "users_pk", nil)
	require.NoError(t, err)
	require.Same(t, users, opened)
	_, err = m.OpenIndex(ctx, "missing", nil)
	require.ErrorIs(t, err, flushmanager.ErrIndexNotFound)

	// 4. Drop frees its pages
	require.NoError(t, m.DropIndex(ctx, "users_pk"))
	require.ErrorIs(t, m.DropIndex(ctx, "users_pk"), flushmanager.ErrIndexNotFound)
	_, ok, err := m.GetIndex("users_pk")
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, baseline, f.dm.Stats().NumAllocated)
	require.True(t, f.bpm.CheckAllUnpinnedExcept(f.registry.PageID()))
}

// TestIndexManager_Reopen reads the catalog and roots written by an earlier manager.
func TestIndexManager_Reopen(t *testing.T) {
	ctx := context.Background()
	m, f := setupIndexManager(t)

	tree, err := m.CreateIndex(ctx, "orders", btree.Options{KeySize: 16, LeafMaxSize: 5, InternalMaxSize: 5})
	require.NoError(t, err)
	for k := 0; k < 40; k++ {
		_, err := tree.Insert(btree.EncodeStringKey(fmt.Sprintf("order-%03d", k), 16), pagemanager.RowID{PageID: 1, Slot: uint32(k)})
		require.NoError(t, err)
	}

	again, err := NewIndexManager(f.bpm, f.registry, f.catalogID, nil, f.logger, nil)
	require.NoError(t, err)
	reopened, err := again.OpenIndex(ctx, "orders", nil)
	require.NoError(t, err)
	require.NotSame(t, tree, reopened)
	require.Equal(t, tree.RootPageID(), reopened.RootPageID())
	require.Equal(t, 5, reopened.LeafMaxSize())
	require.NoError(t, reopened.Check())

	value, found, err := reopened.GetValue(btree.EncodeStringKey("order-017", 16))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint32(17), value.Slot)

	// New ids keep counting after a reopen.
	_, err = again.CreateIndex(ctx, "orders_by_date", btree.Options{KeySize: 8})
	require.NoError(t, err)
	a, _, err := again.GetIndex("orders")
	require.NoError(t, err)
	b, _, err := again.GetIndex("orders_by_date")
	require.NoError(t, err)
	require.Greater(t, b.ID, a.ID)
}

// TestIndexManager_InvalidCreate rejects bad names and options without
// consuming an index id.
func TestIndexManager_InvalidCreate(t *testing.T) {
	ctx := context.Background()
	m, _ := setupIndexManager(t)

	_, err := m.CreateIndex(ctx, "", btree.Options{KeySize: 8})
	require.Error(t, err)
	_, err = m.CreateIndex(ctx, string(make([]byte, MaxIndexNameLen+1)), btree.Options{KeySize: 8})
	require.Error(t, err)
	_, err = m.CreateIndex(ctx, "bad", btree.Options{KeySize: 8, LeafMaxSize: 1})
	require.Error(t, err)

	_, err = m.CreateIndex(ctx, "good", btree.Options{KeySize: 8})
	require.NoError(t, err)
	info, ok, err := m.GetIndex("good")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint32(1), info.ID)
}

func TestCatalogPage_Records(t *testing.T) {
	page := catalogPage{data: make([]byte, pagemanager.PageSize)}
	page.init()
	require.True(t, page.valid())
	require.Equal(t, 51, CatalogCapacity(pagemanager.PageSize))

	for i := 0; i < 3; i++ {
		id := page.takeIndexID()
		require.NoError(t, page.add(IndexInfo{ID: id, Name: fmt.Sprintf("idx%d", i), KeySize: 8, LeafMaxSize: 10, InternalMaxSize: 12}))
	}
	require.Equal(t, 3, page.count())
	require.Equal(t, 1, page.find("idx1"))

	page.remove(0)
	require.Equal(t, 2, page.count())
	require.Equal(t, -1, page.find("idx0"))
	rec := page.record(page.find("idx2"))
	require.Equal(t, IndexInfo{ID: 3, Name: "idx2", KeySize: 8, LeafMaxSize: 10, InternalMaxSize: 12}, rec)
	require.Equal(t, uint32(4), page.peekIndexID())
}
