package flushmanager

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	pagemanager "github.com/sushant-115/pagedb/core/write_engine/page_manager"
)

// PageFlusher is the part of the buffer pool the background flusher drives.
type PageFlusher interface {
	DirtyPages() []pagemanager.PageID
	FlushPageLatched(pageID pagemanager.PageID) bool
}

// Config controls the background flusher.
type Config struct {
	// Interval between sweeps over the dirty pages.
	Interval time.Duration `yaml:"interval"`
	// PagesPerSecond caps the write-back rate. Zero means unlimited.
	PagesPerSecond float64 `yaml:"pages_per_second"`
}

// FlushManager periodically writes dirty pages back so eviction rarely has to.
type FlushManager struct {
	flusher  PageFlusher
	interval time.Duration
	limiter  *rate.Limiter
	logger   *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewFlushManager creates a stopped flusher.
func NewFlushManager(flusher PageFlusher, config Config, logger *zap.Logger) *FlushManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Interval <= 0 {
		config.Interval = time.Second
	}
	limit := rate.Inf
	burst := 1
	if config.PagesPerSecond > 0 {
		limit = rate.Limit(config.PagesPerSecond)
		burst = max(1, int(config.PagesPerSecond))
	}
	return &FlushManager{
		flusher:  flusher,
		interval: config.Interval,
		limiter:  rate.NewLimiter(limit, burst),
		logger:   logger.Named("flush_manager"),
	}
}

// FlushOnce writes back the pages that are dirty right now. It returns the
// number of pages flushed.
func (fm *FlushManager) FlushOnce(ctx context.Context) (int, error) {
	flushed := 0
	for _, pageID := range fm.flusher.DirtyPages() {
		if err := fm.limiter.Wait(ctx); err != nil {
			return flushed, err
		}
		if fm.flusher.FlushPageLatched(pageID) {
			flushed++
		}
	}
	return flushed, nil
}

// Start launches the sweep loop. Calling Start on a running flusher is a no-op.
func (fm *FlushManager) Start(ctx context.Context) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	if fm.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	fm.cancel = cancel
	fm.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(fm.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := fm.FlushOnce(ctx)
				if err != nil && ctx.Err() == nil {
					fm.logger.Warn("Flush sweep interrupted", zap.Error(err))
				}
				if n > 0 {
					fm.logger.Debug("Flushed dirty pages", zap.Int("pages", n))
				}
			}
		}
	}(fm.done)
	fm.logger.Info("Background flusher started", zap.Duration("interval", fm.interval))
}

// Stop ends the sweep loop and waits for it to exit.
func (fm *FlushManager) Stop() {
	fm.mu.Lock()
	cancel, done := fm.cancel, fm.done
	fm.cancel, fm.done = nil, nil
	fm.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	fm.logger.Info("Background flusher stopped")
}
