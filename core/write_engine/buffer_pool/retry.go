package bufferpool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	flushmanager "github.com/sushant-115/pagedb/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/pagedb/core/write_engine/page_manager"
)

// DefaultRetryLimiter paces exhausted-pool retries at one attempt per millisecond.
func DefaultRetryLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Every(time.Millisecond), 1)
}

// FetchPageWithRetry calls FetchPage until it stops failing with
// ErrPoolExhausted, waiting on limiter between attempts. It gives up when ctx
// is done.
func (bpm *BufferPoolManager) FetchPageWithRetry(ctx context.Context, pageID pagemanager.PageID, limiter *rate.Limiter) (*pagemanager.Page, error) {
	var page *pagemanager.Page
	err := retryExhausted(ctx, limiter, func() error {
		var err error
		page, err = bpm.FetchPage(pageID)
		return err
	})
	return page, err
}

// NewPageWithRetry is NewPage with the retry policy of FetchPageWithRetry.
func (bpm *BufferPoolManager) NewPageWithRetry(ctx context.Context, limiter *rate.Limiter) (pagemanager.PageID, *pagemanager.Page, error) {
	pageID := pagemanager.InvalidPageID
	var page *pagemanager.Page
	err := retryExhausted(ctx, limiter, func() error {
		var err error
		pageID, page, err = bpm.NewPage()
		return err
	})
	return pageID, page, err
}

// FetchPageReadWithRetry is FetchPageRead with the retry policy of
// FetchPageWithRetry.
func (bpm *BufferPoolManager) FetchPageReadWithRetry(ctx context.Context, pageID pagemanager.PageID, limiter *rate.Limiter) (*ReadPageGuard, error) {
	page, err := bpm.FetchPageWithRetry(ctx, pageID, limiter)
	if err != nil {
		return nil, err
	}
	page.RLock()
	return &ReadPageGuard{guard: BasicPageGuard{bpm: bpm, page: page}}, nil
}

func retryExhausted(ctx context.Context, limiter *rate.Limiter, attempt func() error) error {
	if limiter == nil {
		limiter = DefaultRetryLimiter()
	}
	for {
		err := attempt()
		if err == nil || !errors.Is(err, flushmanager.ErrPoolExhausted) {
			return err
		}
		if werr := limiter.Wait(ctx); werr != nil {
			return fmt.Errorf("%w: gave up waiting for a frame: %v", flushmanager.ErrPoolExhausted, werr)
		}
	}
}
