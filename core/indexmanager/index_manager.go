package indexmanager

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/sushant-115/pagedb/core/indexing/btree"
	bufferpool "github.com/sushant-115/pagedb/core/write_engine/buffer_pool"
	flushmanager "github.com/sushant-115/pagedb/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/pagedb/core/write_engine/page_manager"
	internaltelemetry "github.com/sushant-115/pagedb/internal/telemetry"
)

// IndexManager keeps the index catalog page and hands out B+Trees by name.
// Trees are opened lazily and cached for the life of the manager.
type IndexManager struct {
	mu            sync.Mutex
	bpm           *bufferpool.BufferPoolManager
	registry      *btree.RootRegistry
	catalogPageID pagemanager.PageID
	open          map[string]*btree.BPlusTree

	tracer      trace.Tracer
	logger      *zap.Logger
	metrics     *internaltelemetry.StorageMetrics
	serviceName string
}

// NewIndexManager attaches to the catalog page, formatting it on first use.
func NewIndexManager(bpm *bufferpool.BufferPoolManager, registry *btree.RootRegistry, catalogPageID pagemanager.PageID, tracer trace.Tracer, logger *zap.Logger, metrics *internaltelemetry.StorageMetrics) (*IndexManager, error) {
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer("")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = internaltelemetry.NopStorageMetrics()
	}

	guard, err := bpm.FetchPageWrite(catalogPageID)
	if err != nil {
		return nil, fmt.Errorf("fetch index catalog page %d: %w", catalogPageID, err)
	}
	page := catalogPage{data: guard.Data()}
	if !page.valid() {
		page.init()
		guard.MarkDirty()
	}
	guard.Drop()

	return &IndexManager{
		bpm:           bpm,
		registry:      registry,
		catalogPageID: catalogPageID,
		open:          make(map[string]*btree.BPlusTree),
		tracer:        tracer,
		logger:        logger.Named("index_manager"),
		metrics:       metrics,
		serviceName:   "index_manager",
	}, nil
}

// CreateIndex records a new index and returns its empty tree. Zero max sizes
// in opts take the largest sizes the page allows.
func (m *IndexManager) CreateIndex(ctx context.Context, name string, opts btree.Options) (tree *btree.BPlusTree, err error) {
	ctx, span, startTime := m.StartMetricsAndTrace(ctx, "CreateIndex", name)
	defer func() { m.EndMetricsAndTrace(ctx, span, startTime, "CreateIndex", err) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	guard, err := m.bpm.FetchPageWrite(m.catalogPageID)
	if err != nil {
		return nil, err
	}
	defer guard.Drop()
	page := catalogPage{data: guard.Data()}
	if len(name) == 0 || len(name) > MaxIndexNameLen {
		return nil, fmt.Errorf("index name %q must be 1 to %d bytes", name, MaxIndexNameLen)
	}
	if page.find(name) >= 0 {
		return nil, fmt.Errorf("%w: %q", flushmanager.ErrIndexExists, name)
	}
	if page.count() >= CatalogCapacity(len(page.data)) {
		return nil, fmt.Errorf("index catalog is full: %w", flushmanager.ErrPageOverflow)
	}

	tree, err = btree.NewBPlusTree(page.peekIndexID(), m.bpm, m.registry, opts, m.logger, m.metrics)
	if err != nil {
		return nil, err
	}
	info := IndexInfo{
		ID:              page.takeIndexID(),
		Name:            name,
		KeySize:         tree.KeySize(),
		LeafMaxSize:     tree.LeafMaxSize(),
		InternalMaxSize: tree.InternalMaxSize(),
	}
	if err := page.add(info); err != nil {
		return nil, err
	}
	guard.MarkDirty()
	m.open[name] = tree
	m.logger.Info("Created index", zap.String("name", name), zap.Uint32("index_id", info.ID), zap.Int("key_size", info.KeySize))
	return tree, nil
}

// OpenIndex returns the tree of an existing index. Trees opened here use
// comparator, or byte order when it is nil.
func (m *IndexManager) OpenIndex(ctx context.Context, name string, comparator btree.KeyComparator) (tree *btree.BPlusTree, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tree, ok := m.open[name]; ok {
		return tree, nil
	}

	ctx, span, startTime := m.StartMetricsAndTrace(ctx, "OpenIndex", name)
	defer func() { m.EndMetricsAndTrace(ctx, span, startTime, "OpenIndex", err) }()

	info, ok, err := m.lookup(name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %q", flushmanager.ErrIndexNotFound, name)
	}
	tree, err = btree.NewBPlusTree(info.ID, m.bpm, m.registry, btree.Options{
		KeySize:         info.KeySize,
		LeafMaxSize:     info.LeafMaxSize,
		InternalMaxSize: info.InternalMaxSize,
		Comparator:      comparator,
	}, m.logger, m.metrics)
	if err != nil {
		return nil, err
	}
	m.open[name] = tree
	return tree, nil
}

// GetIndex returns the catalog entry for name.
func (m *IndexManager) GetIndex(name string) (IndexInfo, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookup(name)
}

func (m *IndexManager) lookup(name string) (IndexInfo, bool, error) {
	guard, err := m.bpm.FetchPageRead(m.catalogPageID)
	if err != nil {
		return IndexInfo{}, false, err
	}
	defer guard.Drop()
	page := catalogPage{data: guard.Data()}
	i := page.find(name)
	if i < 0 {
		return IndexInfo{}, false, nil
	}
	return page.record(i), true, nil
}

// ListIndexes returns every catalog entry ordered by name.
func (m *IndexManager) ListIndexes() ([]IndexInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	guard, err := m.bpm.FetchPageRead(m.catalogPageID)
	if err != nil {
		return nil, err
	}
	infos := catalogPage{data: guard.Data()}.all()
	guard.Drop()
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// DropIndex frees every page of the index and removes it from the catalog.
func (m *IndexManager) DropIndex(ctx context.Context, name string) (err error) {
	ctx, span, startTime := m.StartMetricsAndTrace(ctx, "DropIndex", name)
	defer func() { m.EndMetricsAndTrace(ctx, span, startTime, "DropIndex", err) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok, err := m.lookup(name)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %q", flushmanager.ErrIndexNotFound, name)
	}
	tree, cached := m.open[name]
	if !cached {
		tree, err = btree.NewBPlusTree(info.ID, m.bpm, m.registry, btree.Options{
			KeySize:         info.KeySize,
			LeafMaxSize:     info.LeafMaxSize,
			InternalMaxSize: info.InternalMaxSize,
		}, m.logger, m.metrics)
		if err != nil {
			return err
		}
	}
	if err := tree.Destroy(); err != nil {
		return fmt.Errorf("destroy index %q: %w", name, err)
	}

	guard, err := m.bpm.FetchPageWrite(m.catalogPageID)
	if err != nil {
		return err
	}
	defer guard.Drop()
	page := catalogPage{data: guard.Data()}
	if i := page.find(name); i >= 0 {
		page.remove(i)
		guard.MarkDirty()
	}
	delete(m.open, name)
	m.logger.Info("Dropped index", zap.String("name", name), zap.Uint32("index_id", info.ID))
	return nil
}

// StartMetricsAndTrace begins the telemetry recording for a catalog operation.
// It returns a new context, the trace span, and the start time.
func (m *IndexManager) StartMetricsAndTrace(ctx context.Context, operation, indexName string) (context.Context, trace.Span, time.Time) {
	ctx, span := m.tracer.Start(ctx, operation, trace.WithAttributes(
		attribute.String("catalog.service", m.serviceName),
		attribute.String("index.name", indexName),
	))
	return ctx, span, time.Now()
}

// EndMetricsAndTrace completes the telemetry recording for a catalog operation.
func (m *IndexManager) EndMetricsAndTrace(ctx context.Context, span trace.Span, startTime time.Time, operation string, err error) {
	latency := time.Since(startTime).Milliseconds()

	statusCode := otelcodes.Ok
	if err != nil {
		statusCode = otelcodes.Error
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
	} else {
		span.SetStatus(otelcodes.Ok, "Success")
	}
	span.End()

	metricAttributes := attribute.NewSet(
		attribute.String("catalog.service", m.serviceName),
		attribute.String("catalog.operation", operation),
		attribute.String("catalog.code", statusCode.String()),
	)
	m.metrics.CatalogLatencyHist.Record(ctx, latency, metric.WithAttributeSet(metricAttributes))
	m.metrics.CatalogOpsCounter.Add(ctx, 1, metric.WithAttributeSet(metricAttributes))
}
