package indexcache

import (
	"time"

	"github.com/jellydator/ttlcache/v3"
	"k8s.io/klog/v2"

	"github.com/datavision/easystore/desformat"
)

// DefaultTTL is used when Put is called with ttl == 0.
const DefaultTTL = 10 * time.Minute

// MemCache is the in-process index cache backed by an LRU+TTL map (spec
// §4.4's "in-process" variant). Entries are kept as decoded slices; there is
// no serialization cost on Get.
type MemCache struct {
	tc *ttlcache.Cache[string, []desformat.Entry]
}

// NewMemCache builds a MemCache capped at capacity keys.
func NewMemCache(capacity uint64) *MemCache {
	tc := ttlcache.New[string, []desformat.Entry](
		ttlcache.WithCapacity[string, []desformat.Entry](capacity),
		ttlcache.WithTTL[string, []desformat.Entry](DefaultTTL),
	)
	go tc.Start()
	return &MemCache{tc: tc}
}

// Get implements Cache.
func (m *MemCache) Get(key string) ([]desformat.Entry, bool) {
	item := m.tc.Get(key)
	if item == nil {
		klog.V(5).Infof("indexcache: memcache miss fp=%x", fingerprint(key))
		return nil, false
	}
	klog.V(5).Infof("indexcache: memcache hit fp=%x", fingerprint(key))
	return item.Value(), true
}

// Put implements Cache. A zero ttl uses DefaultTTL rather than ttlcache's
// "no expiration" sentinel, since index caching is advisory and should
// always eventually refresh from the object.
func (m *MemCache) Put(key string, entries []desformat.Entry, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m.tc.Set(key, entries, ttl)
}

// Close stops the background eviction goroutine.
func (m *MemCache) Close() {
	m.tc.Stop()
}
