// Package rangereader implements the range-aware object-store reader (spec
// §4.3): it mirrors container.Reader's surface (GetMeta also takes a context,
// and external entries are not fetched), but every byte comes
// from objstore.Object range requests instead of a local *os.File, and the
// parsed index is cached by the container's (bucket, key, version) identity.
package rangereader

import (
	"context"
	"fmt"
	"sort"

	"github.com/datavision/easystore/desformat"
	"github.com/datavision/easystore/indexcache"
	"github.com/datavision/easystore/objstore"
)

// ErrNotFound mirrors container.ErrNotFound for this reader's own name
// lookups; it is a distinct sentinel so this package has no import-cycle
// dependency on container.
var ErrNotFound = fmt.Errorf("not found")

// Reader is the range-based counterpart to container.Reader.
type Reader struct {
	obj    *objstore.Object
	cache  indexcache.Cache
	footer desformat.Footer

	entries []desformat.Entry
	byName  map[string]int
}

// Option configures Open.
type Option func(*Reader)

// WithIndexCache supplies the advisory index cache keyed by the object's
// CacheKey() (bucket/key/version), per spec §4.3.
func WithIndexCache(c indexcache.Cache) Option {
	return func(r *Reader) { r.cache = c }
}

// Open bootstraps a Reader against obj: HEAD already happened in
// objstore.Open, so this issues one range request for the footer and
// (unless the cache has a hit) one more for the index span.
func Open(ctx context.Context, obj *objstore.Object, opts ...Option) (*Reader, error) {
	r := &Reader{obj: obj}
	for _, opt := range opts {
		opt(r)
	}

	if obj.Size() < desformat.FooterSize {
		return nil, fmt.Errorf("%w: object too small to hold a footer", desformat.ErrCorrupt)
	}
	footerBuf, err := obj.ReadRange(ctx, obj.Size()-desformat.FooterSize, desformat.FooterSize)
	if err != nil {
		return nil, fmt.Errorf("rangereader: read footer: %w", err)
	}
	footer, err := desformat.DecodeFooter(footerBuf, obj.Size())
	if err != nil {
		return nil, err
	}
	r.footer = footer

	cacheKey := obj.Locator().CacheKey()
	if r.cache != nil {
		if entries, ok := r.cache.Get(cacheKey); ok {
			r.setEntries(entries)
			return r, nil
		}
	}

	var indexBuf []byte
	if footer.IndexLength > 0 {
		indexBuf, err = obj.ReadRange(ctx, int64(footer.IndexStart), int64(footer.IndexLength))
		if err != nil {
			return nil, fmt.Errorf("rangereader: read index: %w", err)
		}
	}
	entries, err := desformat.DecodeEntries(indexBuf)
	if err != nil {
		return nil, err
	}
	r.setEntries(entries)
	if r.cache != nil {
		r.cache.Put(cacheKey, entries, 0)
	}
	return r, nil
}

func (r *Reader) setEntries(entries []desformat.Entry) {
	r.entries = entries
	r.byName = make(map[string]int, len(entries))
	for i, e := range entries {
		r.byName[e.Name] = i
	}
}

// List returns file names in insertion order.
func (r *Reader) List() []string {
	names := make([]string, len(r.entries))
	for i, e := range r.entries {
		names[i] = e.Name
	}
	return names
}

// Contains reports whether name is present.
func (r *Reader) Contains(name string) bool {
	_, ok := r.byName[name]
	return ok
}

func (r *Reader) entry(name string) (desformat.Entry, error) {
	idx, ok := r.byName[name]
	if !ok {
		return desformat.Entry{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return r.entries[idx], nil
}

// GetMeta returns the raw canonical JSON metadata blob for name.
func (r *Reader) GetMeta(ctx context.Context, name string) ([]byte, error) {
	e, err := r.entry(name)
	if err != nil {
		return nil, err
	}
	if e.MetaLength == 0 {
		return nil, nil
	}
	return r.obj.ReadRange(ctx, int64(e.MetaOffset), int64(e.MetaLength))
}

// Get returns the file's bytes. External entries are not fetched: Get
// returns an error for them, and their sidecar URL is only available
// through GetMeta.
func (r *Reader) Get(ctx context.Context, name string) ([]byte, error) {
	e, err := r.entry(name)
	if err != nil {
		return nil, err
	}
	if e.IsExternal() {
		return nil, fmt.Errorf("rangereader: %q is external; use the external URL recorded in its meta", name)
	}
	if e.DataLength == 0 {
		return nil, nil
	}
	return r.obj.ReadRange(ctx, int64(e.DataOffset), int64(e.DataLength))
}

// Result is one outcome of a batch Get.
type Result struct {
	Data []byte
	Err  error
}

// GetMany resolves names with gap-merged coalesced range requests, mirroring
// container.Reader.GetMany (spec §4.2, applied to §4.3's object-store case).
func (r *Reader) GetMany(ctx context.Context, names []string, maxGap int64) map[string]Result {
	out := make(map[string]Result, len(names))

	type located struct {
		name  string
		entry desformat.Entry
		seq   int
	}
	var located_ []located
	for i, name := range names {
		e, err := r.entry(name)
		if err != nil {
			out[name] = Result{Err: err}
			continue
		}
		if e.IsExternal() {
			out[name] = Result{Err: fmt.Errorf("rangereader: %q is external; use the external URL recorded in its meta", name)}
			continue
		}
		located_ = append(located_, located{name: name, entry: e, seq: i})
	}
	if len(located_) == 0 {
		return out
	}

	sort.SliceStable(located_, func(i, j int) bool {
		if located_[i].entry.DataOffset != located_[j].entry.DataOffset {
			return located_[i].entry.DataOffset < located_[j].entry.DataOffset
		}
		return located_[i].seq < located_[j].seq
	})

	type group struct {
		start, end int64
		members    []located
	}
	var groups []group
	for _, loc := range located_ {
		start := int64(loc.entry.DataOffset)
		end := start + int64(loc.entry.DataLength)
		if n := len(groups); n > 0 && start-groups[n-1].end <= maxGap {
			if end > groups[n-1].end {
				groups[n-1].end = end
			}
			groups[n-1].members = append(groups[n-1].members, loc)
		} else {
			groups = append(groups, group{start: start, end: end, members: []located{loc}})
		}
	}

	for _, g := range groups {
		buf, err := r.obj.ReadRange(ctx, g.start, g.end-g.start)
		if err != nil {
			for _, m := range g.members {
				out[m.name] = Result{Err: fmt.Errorf("rangereader: batch read group [%d,%d): %w", g.start, g.end, err)}
			}
			continue
		}
		for _, m := range g.members {
			off := int64(m.entry.DataOffset) - g.start
			out[m.name] = Result{Data: buf[off : off+int64(m.entry.DataLength)]}
		}
	}
	return out
}

// Stats mirrors container.Stats.
type Stats struct {
	FileCount   uint64
	ByteSize    uint64
	DataLength  uint64
	MetaLength  uint64
	IndexLength uint64
}

// Stats returns the bootstrapped footer's aggregate counts.
func (r *Reader) Stats() Stats {
	return Stats{
		FileCount:   r.footer.FileCount,
		ByteSize:    desformat.HeaderSize + r.footer.DataLength + r.footer.MetaLength + r.footer.IndexLength + desformat.FooterSize,
		DataLength:  r.footer.DataLength,
		MetaLength:  r.footer.MetaLength,
		IndexLength: r.footer.IndexLength,
	}
}
