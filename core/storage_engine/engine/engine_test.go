package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/pagedb/config"
	"github.com/sushant-115/pagedb/core/indexing/btree"
	"github.com/sushant-115/pagedb/core/storage_engine/disk"
	flushmanager "github.com/sushant-115/pagedb/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/pagedb/core/write_engine/page_manager"
	"github.com/sushant-115/pagedb/pkg/telemetry"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.Path = filepath.Join(t.TempDir(), "engine.db")
	cfg.Storage.ExtentCapacity = 128
	cfg.Storage.PoolSize = 16
	cfg.Flusher.Enabled = false
	return cfg
}

func openEngine(t *testing.T, cfg config.Config) *Engine {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	e, err := Open(context.Background(), cfg, nil, logger)
	require.NoError(t, err)
	return e
}

func TestEngine_ReservedPages(t *testing.T) {
	e := openEngine(t, testConfig(t))
	defer func() { require.NoError(t, e.Close(context.Background())) }()

	require.False(t, e.DiskManager().IsPageFree(RootsPageID))
	require.False(t, e.DiskManager().IsPageFree(CatalogPageID))
	require.Equal(t, uint32(2), e.DiskManager().Stats().NumAllocated)
	require.Equal(t, RootsPageID, e.Registry().PageID())

	// The roots page stays pinned while the engine is open.
	pins, ok := e.BufferPool().PinCount(RootsPageID)
	require.True(t, ok)
	require.Equal(t, int32(1), pins)
	require.True(t, e.BufferPool().CheckAllUnpinnedExcept(RootsPageID))
}

func TestEngine_Reopen(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	const n = 600

	// 1. Populate a table and an index over it.
	e := openEngine(t, cfg)
	table, err := e.CreateTable()
	require.NoError(t, err)
	tree, err := e.CreateIndex(ctx, "by_id", btree.Options{KeySize: btree.Int64KeySize, LeafMaxSize: 16, InternalMaxSize: 16})
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		rid, err := table.InsertTuple([]byte(fmt.Sprintf("row-%04d", i)), nil)
		require.NoError(t, err)
		inserted, err := tree.Insert(btree.EncodeInt64Key(int64(i)), rid)
		require.NoError(t, err)
		require.True(t, inserted)
	}
	require.NoError(t, tree.Check())
	heapID := table.FirstPageID()
	allocated := e.DiskManager().Stats().NumAllocated
	require.NoError(t, e.Close(ctx))
	require.NoError(t, e.Close(ctx), "second close is a no-op")

	// 2. Reopen and resolve every key through the index into the heap.
	e = openEngine(t, cfg)
	defer func() { require.NoError(t, e.Close(ctx)) }()
	require.Equal(t, allocated, e.DiskManager().Stats().NumAllocated)

	tree, err = e.OpenIndex(ctx, "by_id", nil)
	require.NoError(t, err)
	require.Equal(t, 16, tree.LeafMaxSize())
	require.NoError(t, tree.Check())
	table = e.OpenTable(heapID)
	for i := 0; i < n; i++ {
		rid, found, err := tree.GetValue(btree.EncodeInt64Key(int64(i)))
		require.NoError(t, err)
		require.True(t, found)
		tuple, err := table.GetTuple(rid)
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("row-%04d", i), string(tuple))
	}

	infos, err := e.Indexes().ListIndexes()
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.Equal(t, "by_id", infos[0].Name)
}

func TestEngine_DropIndexFreesPages(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t, testConfig(t))
	defer func() { require.NoError(t, e.Close(ctx)) }()

	tree, err := e.CreateIndex(ctx, "tmp", btree.Options{KeySize: btree.Int64KeySize, LeafMaxSize: 4, InternalMaxSize: 4})
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		_, err := tree.Insert(btree.EncodeInt64Key(int64(i)), pagemanager.RowID{PageID: 9, Slot: uint32(i)})
		require.NoError(t, err)
	}
	require.Greater(t, e.DiskManager().Stats().NumAllocated, uint32(2))

	require.NoError(t, e.DropIndex(ctx, "tmp"))
	require.Equal(t, uint32(2), e.DiskManager().Stats().NumAllocated)

	_, err = e.OpenIndex(ctx, "tmp", nil)
	require.True(t, errors.Is(err, flushmanager.ErrIndexNotFound))
	require.True(t, errors.Is(e.DropIndex(ctx, "tmp"), flushmanager.ErrIndexNotFound))
}

func TestEngine_IndexDefaultsFromConfig(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Index.LeafMaxSize = 10
	cfg.Index.InternalMaxSize = 12
	e := openEngine(t, cfg)
	defer func() { require.NoError(t, e.Close(ctx)) }()

	tree, err := e.CreateIndex(ctx, "defaults", btree.Options{KeySize: 16})
	require.NoError(t, err)
	require.Equal(t, 10, tree.LeafMaxSize())
	require.Equal(t, 12, tree.InternalMaxSize())
}

func TestEngine_CheckpointAndFlusher(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Flusher.Enabled = true
	cfg.Flusher.Interval = 10 * time.Millisecond
	e := openEngine(t, cfg)
	defer func() { require.NoError(t, e.Close(ctx)) }()

	table, err := e.CreateTable()
	require.NoError(t, err)
	_, err = table.InsertTuple([]byte("payload"), nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(e.BufferPool().DirtyPages()) == 0
	}, 2*time.Second, 10*time.Millisecond, "background flusher should write dirty pages")

	_, err = table.InsertTuple([]byte("more"), nil)
	require.NoError(t, err)
	require.NoError(t, e.Checkpoint(ctx))
	require.Empty(t, e.BufferPool().DirtyPages())
}

func TestEngine_InMemoryWithTelemetry(t *testing.T) {
	ctx := context.Background()
	tel, shutdown, err := telemetry.New(telemetry.Config{Enabled: true, ServiceName: "pagedb-engine-test"})
	require.NoError(t, err)
	defer func() { require.NoError(t, shutdown(ctx)) }()

	cfg := testConfig(t)
	cfg.Storage.InMemory = true
	e, err := Open(ctx, cfg, tel, zap.NewNop())
	require.NoError(t, err)

	_, err = e.CreateIndex(ctx, "names", btree.Options{KeySize: 32})
	require.NoError(t, err)
	require.NoError(t, e.Close(ctx))

	families, err := tel.Registry.Gather()
	require.NoError(t, err)
	found := false
	for _, mf := range families {
		// Dots survive under UTF-8 name validation and become underscores under the legacy scheme.
		if strings.HasPrefix(strings.ReplaceAll(mf.GetName(), ".", "_"), "pagedb_catalog_operations") {
			found = true
		}
	}
	require.True(t, found, "catalog counter not exported")
}

func TestEngine_RejectsMismatchedExtentCapacity(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	e := openEngine(t, cfg)
	require.NoError(t, e.Close(ctx))

	cfg.Storage.ExtentCapacity = 64
	_, err := Open(ctx, cfg, nil, zap.NewNop())
	require.True(t, errors.Is(err, flushmanager.ErrExtentCapacityMismatch))
}

func TestEngine_OpenWithStore(t *testing.T) {
	ctx := context.Background()
	store := disk.NewMemoryBlockStore(pagemanager.PageSize)
	cfg := testConfig(t)
	cfg.Storage.InMemory = true

	e, err := OpenWithStore(ctx, store, cfg, nil, nil)
	require.NoError(t, err)
	require.NoError(t, e.Close(ctx))

	// The memory store keeps its pages after Close, so the engine reopens it.
	e, err = OpenWithStore(ctx, store, cfg, nil, nil)
	require.NoError(t, err)
	require.Equal(t, uint32(2), e.DiskManager().Stats().NumAllocated)
	require.NoError(t, e.Close(ctx))
}
