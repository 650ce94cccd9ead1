// Package rangecache implements the coalescing byte-range cache that backs
// objstore.Object.ReadRange (spec §4.3): a Range GET is expensive relative
// to its payload, so small, nearby reads against the same archive container
// are merged into one fetch and the merged segment is kept warm under an
// LRU+GC policy.
//
// Because a COMMITTED DES container is append-only and never mutated in
// place (spec §3.3/§4.1's "Append-only decision"), any two fetches against
// the same (bucket, key) should observe the same ETag for as long as a
// Cache is alive. An ETag change mid-lifetime means the archive object
// underneath the cache was replaced — a container key reused, or an
// unexpected out-of-band write — and is treated as a hard integrity fault
// rather than quietly served as fresh data: Cache pins the ETag it first
// observes and refuses to trust a fetch that disagrees with it.
package rangecache

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"k8s.io/klog/v2"
)

// ErrObjectChanged is returned by GetRange when a remote fetch observes an
// ETag different from the one the Cache pinned (NewCache's expectedETag, or
// else the first non-empty ETag a fetch reported). The caller
// should treat this as archive corruption, not a retryable I/O error: an
// append-only container's identity (bucket, key) must never resolve to
// different bytes across the Cache's lifetime.
var ErrObjectChanged = errors.New("rangecache: object changed underneath cache")

// span is a half-open byte interval [start, end) within one archive object.
type span [2]int64

func (s span) contains(o span) bool    { return s[0] <= o[0] && s[1] >= o[1] }
func (s span) isValidFor(n int64) bool { return s[0] >= 0 && s[1] <= n && s[0] <= s[1] }
func (s span) intersects(o span) bool  { return s[0] < o[1] && s[1] > o[0] }
func (s span) isAdjacent(o span) bool  { return s[1] == o[0] || o[1] == s[0] }

// segment is one cached, contiguous byte range and the time it was last
// read, used by the time-based GC half of eviction.
type segment struct {
	value    []byte
	lastRead time.Time
}

// Fetcher fills p with bytes read at off from the backing archive object and reports
// the ETag the response carried, so Cache can detect a changed object (see
// ErrObjectChanged). It is the shape objstore.Object.fetchRange implements.
type Fetcher func(p []byte, off int64) (n int, etag string, err error)

// Cache coalesces and caches byte-range reads against one archive object,
// bounding total memory via LRU eviction and age via a background sweep.
type Cache struct {
	mu sync.RWMutex

	size int64 // total object length
	name string

	pinnedETag string // NewCache's expectedETag, else the first non-empty ETag a fetch reported; "" while none is known

	maxMemorySize int64
	occupiedSpace int64

	fetch Fetcher

	segments map[span]segment
	lruList  *list.List
	lruMap   map[span]*list.Element

	fetching sync.Map // span -> *sync.Cond, coordinates concurrent misses on the same range
}

// NewCache builds a Cache over an object of the given total size. fetcher
// must be non-nil; expectedETag pins the object identity the cache will
// enforce on every subsequent remote fetch (empty if the origin has none to
// offer, in which case no changed-object detection is possible).
func NewCache(size int64, name, expectedETag string, fetcher Fetcher, maxMemorySize int64) *Cache {
	if fetcher == nil {
		panic("rangecache: fetcher must not be nil")
	}
	if maxMemorySize < 0 {
		panic("rangecache: maxMemorySize must be non-negative")
	}
	return &Cache{
		size:          size,
		name:          name,
		pinnedETag:    expectedETag,
		maxMemorySize: maxMemorySize,
		fetch:         fetcher,
		segments:      make(map[span]segment),
		lruList:       list.New(),
		lruMap:        make(map[span]*list.Element),
	}
}

// Size returns the backing object's total byte length.
func (c *Cache) Size() int64 { return c.size }

// OccupiedSpace returns the cache's current memory footprint.
func (c *Cache) OccupiedSpace() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.occupiedSpace
}

// Close discards every cached segment.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.segments = nil
	c.lruList = nil
	c.lruMap = nil
	c.occupiedSpace = 0
	return nil
}

// StartGC runs DeleteOldEntries on a maxAge ticker until ctx is canceled.
func (c *Cache) StartGC(ctx context.Context, maxAge time.Duration) {
	go func() {
		t := time.NewTicker(maxAge)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				c.DeleteOldEntries(maxAge)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// DeleteOldEntries evicts segments whose last read predates maxAge.
func (c *Cache) DeleteOldEntries(maxAge time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var stale []span
	for s, seg := range c.segments {
		if time.Since(seg.lastRead) > maxAge {
			stale = append(stale, s)
		}
	}
	for _, s := range stale {
		c.evict(s, "age")
	}
}

// evict drops one segment from both the segment map and the LRU list.
// Assumes c.mu is held for writing.
func (c *Cache) evict(s span, reason string) {
	seg, ok := c.segments[s]
	if !ok {
		return
	}
	delete(c.segments, s)
	c.occupiedSpace -= int64(len(seg.value))
	if elem, ok := c.lruMap[s]; ok {
		c.lruList.Remove(elem)
		delete(c.lruMap, s)
	}
	klog.V(5).Infof("rangecache %s: evicted %v (%s), occupied=%d", c.name, s, reason, c.occupiedSpace)
}

// insert adds a new segment and marks it most-recently-used. Assumes c.mu
// is held for writing.
func (c *Cache) insert(s span, value []byte) error {
	if len(value) == 0 {
		return nil
	}
	if c.maxMemorySize > 0 && int64(len(value)) > c.maxMemorySize {
		return fmt.Errorf("rangecache: segment of %d bytes exceeds max cache size %d", len(value), c.maxMemorySize)
	}
	c.segments[s] = segment{value: value, lastRead: time.Now()}
	c.occupiedSpace += int64(len(value))
	c.lruMap[s] = c.lruList.PushFront(s)
	return nil
}

func (c *Cache) touch(s span) {
	elem, ok := c.lruMap[s]
	if !ok {
		return
	}
	c.lruList.MoveToFront(elem)
	seg := c.segments[s]
	seg.lastRead = time.Now()
	c.segments[s] = seg
}

func (c *Cache) evictUntilWithinBudget() {
	if c.maxMemorySize <= 0 {
		return // zero budget means unbounded
	}
	for c.occupiedSpace > c.maxMemorySize && c.lruList.Len() > 0 {
		back := c.lruList.Back()
		s := back.Value.(span)
		if _, ok := c.segments[s]; ok {
			c.evict(s, "lru")
			continue
		}
		klog.Errorf("rangecache %s: LRU list held %v with no matching segment", c.name, s)
		c.lruList.Remove(back)
		delete(c.lruMap, s)
	}
}

// SetRange stores value as the contents of [start, start+ln), merging it
// with any segment it overlaps or touches so the cache stays as
// unfragmented as possible.
func (c *Cache) SetRange(start, ln int64, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setRange(start, ln, value)
}

func (c *Cache) setRange(start, ln int64, value []byte) error {
	end := start + ln
	newSpan := span{start, end}
	if !newSpan.isValidFor(c.size) {
		return fmt.Errorf("rangecache: invalid range [%d,%d) for size %d", start, end, c.size)
	}
	if len(value) != int(end-start) {
		return fmt.Errorf("rangecache: value length %d, expected %d", len(value), end-start)
	}

	merged := make(map[int64]byte, len(value))
	for i := int64(0); i < ln; i++ {
		merged[start+i] = value[i]
	}

	var toRemove []span
	for s, seg := range c.segments {
		if !s.intersects(newSpan) && !s.isAdjacent(newSpan) {
			continue
		}
		toRemove = append(toRemove, s)
		for i := s[0]; i < s[1]; i++ {
			if _, already := merged[i]; already {
				continue
			}
			if idx := i - s[0]; idx >= 0 && idx < int64(len(seg.value)) {
				merged[i] = seg.value[idx]
			}
		}
	}
	for _, s := range toRemove {
		c.evict(s, "merged")
	}

	if len(merged) == 0 {
		return nil
	}

	offsets := make([]int64, 0, len(merged))
	for off := range merged {
		offsets = append(offsets, off)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })

	segStart := offsets[0]
	segEnd := offsets[0] + 1
	segValue := []byte{merged[offsets[0]]}
	for _, off := range offsets[1:] {
		if off == segEnd {
			segEnd++
			segValue = append(segValue, merged[off])
			continue
		}
		if err := c.insert(span{segStart, segEnd}, segValue); err != nil {
			return err
		}
		segStart, segEnd = off, off+1
		segValue = []byte{merged[off]}
	}
	if err := c.insert(span{segStart, segEnd}, segValue); err != nil {
		return err
	}

	c.evictUntilWithinBudget()
	return nil
}

// GetRange returns length bytes at offset, from cache when possible and
// from Fetcher otherwise. Concurrent misses on the same range are
// coalesced onto a single fetch. A fetch whose reported ETag disagrees
// with the Cache's pinned ETag returns ErrObjectChanged and caches nothing.
func (c *Cache) GetRange(ctx context.Context, offset, length int64) ([]byte, error) {
	end := offset + length
	want := span{offset, end}
	if !want.isValidFor(c.size) {
		return nil, fmt.Errorf("rangecache: invalid range [%d,%d) for size %d", offset, end, c.size)
	}

	if s, v, ok := c.lookup(want); ok {
		c.mu.Lock()
		c.touch(s)
		c.mu.Unlock()
		return v, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if s, v, ok := c.lookupLocked(want); ok {
		c.touch(s)
		return v, nil
	}

	condIface, alreadyFetching := c.fetching.LoadOrStore(want, sync.NewCond(&c.mu))
	cond := condIface.(*sync.Cond)
	if alreadyFetching {
		cond.Wait() // atomically unlocks c.mu, re-locks on wake
		if s, v, ok := c.lookupLocked(want); ok {
			c.touch(s)
			return v, nil
		}
		// The designated fetcher's attempt didn't cover this range (it
		// failed, or raced an eviction); we become the fetcher now.
	}

	klog.V(5).Infof("rangecache %s: miss [%d,%d)", c.name, offset, end)

	c.mu.Unlock()
	buf := make([]byte, length)
	n, etag, fetchErr := c.fetch(buf, offset)
	c.mu.Lock()

	c.fetching.Delete(want)
	cond.Broadcast()

	if fetchErr != nil {
		return nil, fetchErr
	}
	if int64(n) != length {
		return nil, fmt.Errorf("rangecache: fetch returned %d bytes, expected %d", n, length)
	}
	if c.pinnedETag == "" {
		c.pinnedETag = etag
	} else if etag != "" && etag != c.pinnedETag {
		return nil, fmt.Errorf("%w: %s pinned=%q observed=%q", ErrObjectChanged, c.name, c.pinnedETag, etag)
	}

	if err := c.setRange(offset, length, buf); err != nil {
		return nil, err
	}
	return clone(buf), nil
}

// lookup takes the read lock; used for the optimistic first pass.
func (c *Cache) lookup(want span) (span, []byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lookupLocked(want)
}

// lookupLocked assumes c.mu is already held (read or write). It returns the
// segment that served the range (exact or a superset) without touching LRU
// order, so callers decide whether a touch is warranted.
func (c *Cache) lookupLocked(want span) (span, []byte, bool) {
	if len(c.segments) == 0 {
		return span{}, nil, false
	}
	if seg, ok := c.segments[want]; ok {
		return want, clone(seg.value), true
	}
	for s, seg := range c.segments {
		if !s.contains(want) {
			continue
		}
		from := want[0] - s[0]
		to := from + (want[1] - want[0])
		if to > int64(len(seg.value)) {
			klog.Errorf("rangecache %s: superset %v too short for %v", c.name, s, want)
			return span{}, nil, false
		}
		return s, clone(seg.value[from:to]), true
	}
	return span{}, nil, false
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
