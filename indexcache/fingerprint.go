package indexcache

import "github.com/cespare/xxhash/v2"

// fingerprint returns a short, fixed-width stand-in for a cache key, used
// only in trace log lines so a (bucket, key, version) tuple's full path
// doesn't have to be printed on every cache hit/miss. Not used as the
// cache's actual lookup key — the map is still keyed by the real string.
func fingerprint(key string) uint64 {
	return xxhash.Sum64String(key)
}
