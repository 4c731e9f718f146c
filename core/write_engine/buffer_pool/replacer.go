package bufferpool

import (
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// FrameID indexes a frame in the buffer pool's arena.
type FrameID int

// Replacer tracks frames that may be evicted and picks victims among them.
type Replacer interface {
	// RecordUnpinned makes frame a victim candidate, refreshing its recency if
	// it already is one.
	RecordUnpinned(frame FrameID)
	// RecordPinned withdraws frame from candidacy. Absent frames are ignored.
	RecordPinned(frame FrameID)
	// Victim removes and returns the least recently unpinned candidate.
	Victim() (FrameID, bool)
	// Size returns the number of candidates.
	Size() int
}

// LRUReplacer evicts the frame that has been unpinned the longest.
// Every operation is O(1).
type LRUReplacer struct {
	mu  sync.Mutex
	lru *simplelru.LRU[FrameID, struct{}]
}

// NewLRUReplacer creates a replacer for a pool of numFrames frames.
func NewLRUReplacer(numFrames int) *LRUReplacer {
	// Capacity equals the pool size, so the list never evicts on its own.
	lru, err := simplelru.NewLRU[FrameID, struct{}](max(numFrames, 1), nil)
	if err != nil {
		panic(err)
	}
	return &LRUReplacer{lru: lru}
}

func (r *LRUReplacer) RecordUnpinned(frame FrameID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	// Add moves an existing key to the most recently used end.
	r.lru.Add(frame, struct{}{})
}

func (r *LRUReplacer) RecordPinned(frame FrameID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lru.Remove(frame)
}

func (r *LRUReplacer) Victim() (FrameID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	frame, _, ok := r.lru.RemoveOldest()
	return frame, ok
}

func (r *LRUReplacer) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lru.Len()
}
