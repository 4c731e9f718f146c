package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// StorageMetrics holds the metric instruments shared by the disk manager,
// the buffer pool and the B+Tree.
type StorageMetrics struct {
	PoolHitsCounter        metric.Int64Counter
	PoolMissesCounter      metric.Int64Counter
	PoolEvictionsCounter   metric.Int64Counter
	PoolWritebacksCounter  metric.Int64Counter
	PoolExhaustedCounter   metric.Int64Counter
	ResidentFramesUpDown   metric.Int64UpDownCounter
	PinnedFramesUpDown     metric.Int64UpDownCounter
	PagesAllocatedCounter  metric.Int64Counter
	PagesFreedCounter      metric.Int64Counter
	ExtentsUpDown          metric.Int64UpDownCounter
	PageReadsCounter       metric.Int64Counter
	PageWritesCounter      metric.Int64Counter
	IndexSplitsCounter     metric.Int64Counter
	IndexMergesCounter     metric.Int64Counter
	IndexRedistribsCounter metric.Int64Counter
	CatalogOpsCounter      metric.Int64Counter
	CatalogLatencyHist     metric.Int64Histogram
}

// NewStorageMetrics creates and registers all the storage metrics on meter.
func NewStorageMetrics(meter metric.Meter) (*StorageMetrics, error) {
	m := &StorageMetrics{}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.PoolHitsCounter, "pagedb.buffer_pool.hits", "Page fetches served from a resident frame."},
		{&m.PoolMissesCounter, "pagedb.buffer_pool.misses", "Page fetches that had to read from disk."},
		{&m.PoolEvictionsCounter, "pagedb.buffer_pool.evictions", "Frames reclaimed from the LRU replacer."},
		{&m.PoolWritebacksCounter, "pagedb.buffer_pool.writebacks", "Dirty pages written back to disk."},
		{&m.PoolExhaustedCounter, "pagedb.buffer_pool.exhausted", "Fetch or new page calls that found every frame pinned."},
		{&m.PagesAllocatedCounter, "pagedb.disk.pages_allocated", "Logical pages allocated."},
		{&m.PagesFreedCounter, "pagedb.disk.pages_freed", "Logical pages deallocated."},
		{&m.PageReadsCounter, "pagedb.disk.page_reads", "Physical page reads."},
		{&m.PageWritesCounter, "pagedb.disk.page_writes", "Physical page writes."},
		{&m.IndexSplitsCounter, "pagedb.btree.splits", "B+Tree page splits."},
		{&m.IndexMergesCounter, "pagedb.btree.merges", "B+Tree page merges."},
		{&m.IndexRedistribsCounter, "pagedb.btree.redistributions", "B+Tree entry redistributions between siblings."},
		{&m.CatalogOpsCounter, "pagedb.catalog.operations", "Index and table catalog operations handled."},
	}
	for _, c := range counters {
		inst, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit("1"))
		if err != nil {
			return nil, err
		}
		*c.dst = inst
	}

	upDowns := []struct {
		dst  *metric.Int64UpDownCounter
		name string
		desc string
	}{
		{&m.ResidentFramesUpDown, "pagedb.buffer_pool.resident_frames", "Frames currently holding a page."},
		{&m.PinnedFramesUpDown, "pagedb.buffer_pool.pinned_frames", "Frames with a non-zero pin count."},
		{&m.ExtentsUpDown, "pagedb.disk.extents", "Extents in the data file."},
	}
	for _, u := range upDowns {
		inst, err := meter.Int64UpDownCounter(u.name, metric.WithDescription(u.desc), metric.WithUnit("1"))
		if err != nil {
			return nil, err
		}
		*u.dst = inst
	}

	hist, err := meter.Int64Histogram("pagedb.catalog.latency",
		metric.WithDescription("Latency of index and table catalog operations."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	m.CatalogLatencyHist = hist

	return m, nil
}

// NopStorageMetrics returns instruments backed by a no-op meter.
func NopStorageMetrics() *StorageMetrics {
	m, _ := NewStorageMetrics(noop.NewMeterProvider().Meter(""))
	return m
}
