package storage

import (
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// DefaultBufferPoolPages is used when a non-positive capacity is requested.
const DefaultBufferPoolPages = 128

// BufferPoolStats is a point-in-time view of buffer pool counters.
type BufferPoolStats struct {
	Capacity  int     `json:"capacity"`
	Resident  int     `json:"resident"`
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	Evictions uint64  `json:"evictions"`
	HitRate   float64 `json:"hit_rate"`
}

// BufferPool is a bounded cache of shared pages. A single mutex guards the
// page map; there is no per-page pinning or dirty tracking. When the pool is
// full, inserting a new page evicts the least recently used one.
type BufferPool struct {
	mu        sync.Mutex
	pages     *simplelru.LRU[PageID, *Page]
	capacity  int
	hits      uint64
	misses    uint64
	evictions uint64
}

// NewBufferPool creates a new buffer pool
func NewBufferPool(capacity int) *BufferPool {
	if capacity <= 0 {
		capacity = DefaultBufferPoolPages
	}

	// NewLRU only fails for a non-positive size.
	pages, _ := simplelru.NewLRU[PageID, *Page](capacity, nil)

	return &BufferPool{
		pages:    pages,
		capacity: capacity,
	}
}

// Get returns the resident page, if any.
func (bp *BufferPool) Get(id PageID) (*Page, bool) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	page, ok := bp.pages.Get(id)
	if ok {
		bp.hits++
	} else {
		bp.misses++
	}
	return page, ok
}

// Insert adds or replaces the page under its own ID, evicting the least
// recently used page when the pool is full.
func (bp *BufferPool) Insert(page *Page) {
	if page == nil {
		return
	}

	bp.mu.Lock()
	defer bp.mu.Unlock()

	if evicted := bp.pages.Add(page.ID(), page); evicted {
		bp.evictions++
	}
}

// Allocate creates a zero-filled page, inserts it and returns the handle.
func (bp *BufferPool) Allocate(id PageID) *Page {
	page := NewPage(id)
	bp.Insert(page)
	return page
}

// Remove drops a page from the pool. It reports whether it was resident.
func (bp *BufferPool) Remove(id PageID) bool {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return bp.pages.Remove(id)
}

// Clear drops every page.
func (bp *BufferPool) Clear() {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	bp.pages.Purge()
}

// Contains reports residency without touching recency or counters.
func (bp *BufferPool) Contains(id PageID) bool {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return bp.pages.Contains(id)
}

// PageIDs returns resident page IDs from most to least recently used.
func (bp *BufferPool) PageIDs() []PageID {
	bp.mu.Lock()
	keys := bp.pages.Keys()
	bp.mu.Unlock()

	for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
		keys[i], keys[j] = keys[j], keys[i]
	}
	return keys
}

// Len returns the number of resident pages.
func (bp *BufferPool) Len() int {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return bp.pages.Len()
}

// Capacity returns the maximum number of resident pages.
func (bp *BufferPool) Capacity() int {
	return bp.capacity
}

// Stats returns buffer pool statistics
func (bp *BufferPool) Stats() BufferPoolStats {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	stats := BufferPoolStats{
		Capacity:  bp.capacity,
		Resident:  bp.pages.Len(),
		Hits:      bp.hits,
		Misses:    bp.misses,
		Evictions: bp.evictions,
	}
	if total := bp.hits + bp.misses; total > 0 {
		stats.HitRate = float64(bp.hits) / float64(total)
	}
	return stats
}
