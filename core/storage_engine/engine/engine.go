// Package engine wires the storage components into one owned context: the
// block store, the disk allocator, the buffer pool and its flusher, the index
// root registry and the index catalog.
package engine

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sushant-115/pagedb/config"
	"github.com/sushant-115/pagedb/core/indexing/btree"
	"github.com/sushant-115/pagedb/core/indexmanager"
	"github.com/sushant-115/pagedb/core/storage_engine/disk"
	"github.com/sushant-115/pagedb/core/storage_engine/heap"
	bufferpool "github.com/sushant-115/pagedb/core/write_engine/buffer_pool"
	flushmanager "github.com/sushant-115/pagedb/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/pagedb/core/write_engine/page_manager"
	internaltelemetry "github.com/sushant-115/pagedb/internal/telemetry"
	"github.com/sushant-115/pagedb/pkg/telemetry"
)

// Reserved logical pages, allocated when a file is formatted.
const (
	RootsPageID   pagemanager.PageID = 0
	CatalogPageID pagemanager.PageID = 1
)

// Engine owns every storage component of one data file.
type Engine struct {
	cfg      config.Config
	dm       *disk.DiskManager
	bpm      *bufferpool.BufferPoolManager
	flusher  *flushmanager.FlushManager
	registry *btree.RootRegistry
	indexes  *indexmanager.IndexManager

	tracer  trace.Tracer
	logger  *zap.Logger
	metrics *internaltelemetry.StorageMetrics

	mu     sync.Mutex
	closed bool
}

// Open opens the data file named by cfg, or a fresh in-memory store when
// cfg.Storage.InMemory is set. A nil tel records nothing.
func Open(ctx context.Context, cfg config.Config, tel *telemetry.Telemetry, logger *zap.Logger) (*Engine, error) {
	var store disk.BlockStore
	if cfg.Storage.InMemory {
		store = disk.NewMemoryBlockStore(cfg.Storage.PageSize)
	} else {
		fileStore, err := disk.OpenFileBlockStore(cfg.Storage.Path, cfg.Storage.PageSize)
		if err != nil {
			return nil, err
		}
		store = fileStore
	}
	e, err := OpenWithStore(ctx, store, cfg, tel, logger)
	if err != nil {
		return nil, multierr.Append(err, store.Close())
	}
	return e, nil
}

// OpenWithStore is Open over a caller supplied block store. On success the
// engine owns store and closes it in Close.
func OpenWithStore(ctx context.Context, store disk.BlockStore, cfg config.Config, tel *telemetry.Telemetry, logger *zap.Logger) (e *Engine, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if tel == nil {
		tel = telemetry.Noop()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, span := tel.Tracer.Start(ctx, "engine.Open", trace.WithAttributes(
		attribute.String("storage.path", cfg.Storage.Path),
		attribute.Bool("storage.in_memory", cfg.Storage.InMemory),
	))
	defer func() { endSpan(span, err) }()

	metrics, err := internaltelemetry.NewStorageMetrics(tel.Meter)
	if err != nil {
		return nil, fmt.Errorf("failed to register storage metrics: %w", err)
	}

	dm, err := disk.NewDiskManager(store, disk.Options{
		PageSize:       cfg.Storage.PageSize,
		ExtentCapacity: cfg.Storage.ExtentCapacity,
	}, logger, metrics)
	if err != nil {
		return nil, err
	}
	if err := bootstrap(dm); err != nil {
		return nil, err
	}

	bpm := bufferpool.NewBufferPoolManager(cfg.Storage.PoolSize, dm, logger, metrics)
	registry, err := btree.OpenRootRegistry(bpm, RootsPageID)
	if err != nil {
		return nil, fmt.Errorf("open index root registry: %w", err)
	}
	indexes, err := indexmanager.NewIndexManager(bpm, registry, CatalogPageID, tel.Tracer, logger, metrics)
	if err != nil {
		registry.Close()
		return nil, fmt.Errorf("open index catalog: %w", err)
	}

	e = &Engine{
		cfg:      cfg,
		dm:       dm,
		bpm:      bpm,
		registry: registry,
		indexes:  indexes,
		tracer:   tel.Tracer,
		logger:   logger.Named("engine"),
		metrics:  metrics,
	}
	if cfg.Flusher.Enabled {
		e.flusher = flushmanager.NewFlushManager(bpm, cfg.Flusher.Config, logger)
		e.flusher.Start(context.WithoutCancel(ctx))
	}

	stats := dm.Stats()
	e.logger.Info("Engine opened",
		zap.String("database_id", dm.DatabaseID().String()),
		zap.Uint32("allocated_pages", stats.NumAllocated),
		zap.Int("pool_size", cfg.Storage.PoolSize))
	return e, nil
}

// bootstrap allocates the reserved pages of a fresh file in one allocator
// critical section, so they always receive ids 0 and 1.
func bootstrap(dm *disk.DiskManager) error {
	return dm.Atomically(func(tx *disk.AllocTx) error {
		if tx.IsPageFree(RootsPageID) != tx.IsPageFree(CatalogPageID) {
			return fmt.Errorf("%w: only one of the reserved pages %d and %d is allocated",
				flushmanager.ErrCorruptMetaPage, RootsPageID, CatalogPageID)
		}
		if !tx.IsPageFree(RootsPageID) {
			return nil
		}
		for _, want := range []pagemanager.PageID{RootsPageID, CatalogPageID} {
			got, err := tx.AllocatePage()
			if err != nil {
				return fmt.Errorf("allocate reserved page %d: %w", want, err)
			}
			if got != want {
				return fmt.Errorf("%w: reserved page %d allocated as %d",
					flushmanager.ErrAllocationInvariantViolation, want, got)
			}
		}
		return nil
	})
}

func (e *Engine) DiskManager() *disk.DiskManager { return e.dm }
func (e *Engine) BufferPool() *bufferpool.BufferPoolManager { return e.bpm }
func (e *Engine) Registry() *btree.RootRegistry { return e.registry }
func (e *Engine) Indexes() *indexmanager.IndexManager { return e.indexes }
func (e *Engine) Logger() *zap.Logger { return e.logger }
func (e *Engine) Metrics() *internaltelemetry.StorageMetrics { return e.metrics }

// CreateIndex creates a named index. Zero max sizes in opts fall back to the
// configured index defaults.
func (e *Engine) CreateIndex(ctx context.Context, name string, opts btree.Options) (tree *btree.BPlusTree, err error) {
	ctx, span := e.tracer.Start(ctx, "engine.CreateIndex", trace.WithAttributes(attribute.String("index.name", name)))
	defer func() { endSpan(span, err) }()

	if opts.LeafMaxSize == 0 {
		opts.LeafMaxSize = e.cfg.Index.LeafMaxSize
	}
	if opts.InternalMaxSize == 0 {
		opts.InternalMaxSize = e.cfg.Index.InternalMaxSize
	}
	return e.indexes.CreateIndex(ctx, name, opts)
}

// OpenIndex returns a previously created index. A nil comparator orders keys
// bytewise.
func (e *Engine) OpenIndex(ctx context.Context, name string, comparator btree.KeyComparator) (*btree.BPlusTree, error) {
	return e.indexes.OpenIndex(ctx, name, comparator)
}

// DropIndex removes a named index and frees its pages.
func (e *Engine) DropIndex(ctx context.Context, name string) (err error) {
	ctx, span := e.tracer.Start(ctx, "engine.DropIndex", trace.WithAttributes(attribute.String("index.name", name)))
	defer func() { endSpan(span, err) }()
	return e.indexes.DropIndex(ctx, name)
}

// CreateTable allocates an empty table heap. The returned heap's first page
// id is its handle for OpenTable.
func (e *Engine) CreateTable() (*heap.TableHeap, error) {
	return heap.NewTableHeap(e.bpm, e.logger)
}

func (e *Engine) OpenTable(firstPageID pagemanager.PageID) *heap.TableHeap {
	return heap.OpenTableHeap(e.bpm, firstPageID, e.logger)
}

// Checkpoint writes every dirty page back and persists the allocator meta page.
func (e *Engine) Checkpoint(ctx context.Context) (err error) {
	_, span := e.tracer.Start(ctx, "engine.Checkpoint")
	defer func() { endSpan(span, err) }()

	if err := e.bpm.FlushAllPages(); err != nil {
		return fmt.Errorf("flush dirty pages: %w", err)
	}
	if err := e.dm.Sync(); err != nil {
		return fmt.Errorf("sync allocator meta page: %w", err)
	}
	e.logger.Debug("Checkpoint complete")
	return nil
}

// Close stops the flusher, writes back every dirty page and closes the file.
// Pages still pinned by callers are reported but do not stop the shutdown.
func (e *Engine) Close(ctx context.Context) (err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true

	_, span := e.tracer.Start(ctx, "engine.Close")
	defer func() { endSpan(span, err) }()

	if e.flusher != nil {
		e.flusher.Stop()
	}
	e.registry.Close()
	if !e.bpm.CheckAllUnpinned() {
		e.logger.Warn("Closing engine with pinned pages")
	}
	err = multierr.Append(err, e.bpm.FlushAllPages())
	err = multierr.Append(err, e.dm.Close())
	if err != nil {
		e.logger.Error("Engine closed with errors", zap.Error(err))
		return err
	}
	e.logger.Info("Engine closed")
	return nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
	} else {
		span.SetStatus(otelcodes.Ok, "")
	}
	span.End()
}
