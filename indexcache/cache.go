// Package indexcache holds the index-cache abstraction used by both the
// local and range-based readers (spec §4.4): lookups are keyed by a caller-
// supplied string (bucket/key/version for object-store objects, a path for
// local files) and a miss is never an error, only a re-parse.
package indexcache

import (
	"time"

	"github.com/datavision/easystore/desformat"
)

// Cache is the narrow interface readers depend on. Implementations must be
// safe for concurrent use.
type Cache interface {
	// Get returns the cached index entries for key, if present.
	Get(key string) ([]desformat.Entry, bool)
	// Put stores entries under key. ttl of zero means "use the cache's
	// configured default", not "never expire".
	Put(key string, entries []desformat.Entry, ttl time.Duration)
}
