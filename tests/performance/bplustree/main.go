package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sushant-115/pagedb/config"
	"github.com/sushant-115/pagedb/core/indexing/btree"
	"github.com/sushant-115/pagedb/core/storage_engine/engine"
	"github.com/sushant-115/pagedb/core/storage_engine/heap"
	"github.com/sushant-115/pagedb/pkg/logger"
)

func main() {
	dataDir := flag.String("dir", "/tmp/pagedb", "directory for the data file")
	keys := flag.Int("keys", 20000, "number of keys to insert")
	writers := flag.Int("writers", 20, "concurrent writers")
	readers := flag.Int("readers", 10, "concurrent readers")
	poolSize := flag.Int("pool-size", 64, "buffer pool frames")
	flag.Parse()

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		log.Fatalf("failed to create %s: %v", *dataDir, err)
	}
	dbPath := filepath.Join(*dataDir, "bplustree.db")
	_ = os.Remove(dbPath)

	zlogger, err := logger.New(logger.Config{Level: "error", SamplePerSecond: 20})
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}

	cfg := config.Default()
	cfg.Storage.Path = dbPath
	cfg.Storage.PoolSize = *poolSize

	ctx := context.Background()
	eng, err := engine.Open(ctx, cfg, nil, zlogger)
	if err != nil {
		log.Fatalf("failed to open engine: %v", err)
	}
	defer func() {
		if err := eng.Close(ctx); err != nil {
			log.Printf("close: %v", err)
		}
	}()

	table, err := eng.CreateTable()
	if err != nil {
		log.Fatalf("failed to create table: %v", err)
	}
	tree, err := eng.CreateIndex(ctx, "perf", btree.Options{KeySize: btree.Int64KeySize})
	if err != nil {
		log.Fatalf("failed to create index: %v", err)
	}

	start := time.Now()
	failures := write(table, tree, *keys, *writers, zlogger)
	report("write", *keys, failures, time.Since(start))

	// Readers share one limiter so a small --pool-size makes them queue for
	// frames instead of failing.
	limiter := rate.NewLimiter(rate.Every(100*time.Microsecond), *readers)
	start = time.Now()
	failures = read(ctx, table, tree, limiter, *keys, *readers, zlogger)
	report("read", *keys, failures, time.Since(start))

	if err := tree.Check(); err != nil {
		log.Fatalf("index check failed: %v", err)
	}
	height, _ := tree.Height()
	stats := eng.BufferPool().Stats()
	fmt.Printf("height=%d pages=%d hits=%d misses=%d evictions=%d\n",
		height, eng.DiskManager().Stats().NumAllocated, stats.Hits, stats.Misses, stats.Evictions)
}

func report(phase string, n int, failures int64, elapsed time.Duration) {
	fmt.Printf("%-5s %d ops in %s (%.0f ops/s), %d failures\n",
		phase, n, elapsed.Round(time.Millisecond), float64(n)/elapsed.Seconds(), failures)
}

func value(i int) []byte { return []byte(fmt.Sprintf("value-%d", i)) }

// write inserts each key's row into the heap and indexes it.
func write(table *heap.TableHeap, tree *btree.BPlusTree, n, workers int, zlogger *zap.Logger) int64 {
	var failures atomic.Int64
	wg := sync.WaitGroup{}
	sem := make(chan struct{}, workers)
	for i := 0; i < n; i++ {
		sem <- struct{}{}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			rid, err := table.InsertTuple(value(i), nil)
			if err != nil {
				zlogger.Error("Heap insert failed", zap.Int("key", i), zap.Error(err))
				failures.Add(1)
				return
			}
			if _, err := tree.Insert(btree.EncodeInt64Key(int64(i)), rid); err != nil {
				zlogger.Error("Index insert failed", zap.Int("key", i), zap.Error(err))
				failures.Add(1)
			}
		}(i)
	}
	wg.Wait()
	return failures.Load()
}

// read resolves every key through the index and checks the heap row.
func read(ctx context.Context, table *heap.TableHeap, tree *btree.BPlusTree, limiter *rate.Limiter, n, workers int, zlogger *zap.Logger) int64 {
	var failures atomic.Int64
	wg := sync.WaitGroup{}
	sem := make(chan struct{}, workers)
	for i := 0; i < n; i++ {
		sem <- struct{}{}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			rid, found, err := tree.GetValue(btree.EncodeInt64Key(int64(i)))
			if err != nil || !found {
				zlogger.Error("Lookup failed", zap.Int("key", i), zap.Bool("found", found), zap.Error(err))
				failures.Add(1)
				return
			}
			row, err := table.GetTupleWait(ctx, rid, limiter)
			if err != nil || string(row) != string(value(i)) {
				zlogger.Error("Row mismatch", zap.Int("key", i), zap.Error(err))
				failures.Add(1)
			}
		}(i)
	}
	wg.Wait()
	return failures.Load()
}
