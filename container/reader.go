package container

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/datavision/easystore/desformat"
	"github.com/datavision/easystore/indexcache"
	"k8s.io/klog/v2"
)

// ExternalBlobFetcher is the narrow read-side counterpart to
// ExternalBlobHandle: given the URL recorded in an external entry's meta, it
// returns the file's bytes.
type ExternalBlobFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Reader is the local, file-backed DES reader (spec §4.2).
type Reader struct {
	f    *os.File
	path string

	footer  desformat.Footer
	entries []desformat.Entry
	byName  map[string]int // name -> index into entries, preserves insertion order via entries slice

	cache    indexcache.Cache
	cacheKey string
	external ExternalBlobFetcher
}

// ReaderOption configures Open.
type ReaderOption func(*Reader)

// WithIndexCache supplies an advisory index cache (spec §4.4): a miss never
// fails a read, it only costs re-parsing the index from disk.
func WithIndexCache(c indexcache.Cache, key string) ReaderOption {
	return func(r *Reader) {
		r.cache = c
		r.cacheKey = key
	}
}

// WithExternalFetcher supplies the sidecar fetcher for external entries.
func WithExternalFetcher(f ExternalBlobFetcher) ReaderOption {
	return func(r *Reader) { r.external = f }
}

// Open bootstraps a Reader (spec §4.2's Bootstrap): footer first, then the
// index, which is read and parsed here (or taken from the index cache on a
// hit) rather than on first use.
func Open(path string, opts ...ReaderOption) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("container: open %q: %w", path, err)
	}
	r := &Reader{f: f, path: path}
	for _, opt := range opts {
		opt(r)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("container: stat %q: %w", path, err)
	}
	size := info.Size()
	if size < desformat.FooterSize {
		f.Close()
		return nil, fmt.Errorf("%w: object too small to hold a footer", desformat.ErrCorrupt)
	}

	footerBuf := make([]byte, desformat.FooterSize)
	if _, err := f.ReadAt(footerBuf, size-desformat.FooterSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("container: read footer of %q: %w", path, err)
	}
	footer, err := desformat.DecodeFooter(footerBuf, size)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.footer = footer

	if r.cache != nil {
		if entries, ok := r.cache.Get(r.cacheKey); ok {
			r.setEntries(entries)
			klog.V(5).Infof("container: index cache hit for %q", path)
			return r, nil
		}
	}

	indexBuf := make([]byte, footer.IndexLength)
	if footer.IndexLength > 0 {
		if _, err := f.ReadAt(indexBuf, int64(footer.IndexStart)); err != nil {
			f.Close()
			return nil, fmt.Errorf("container: read index of %q: %w", path, err)
		}
	}
	entries, err := desformat.DecodeEntries(indexBuf)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.setEntries(entries)
	if r.cache != nil {
		r.cache.Put(r.cacheKey, entries, 0)
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

// List returns file names in insertion order (spec §4.2, §8.1).
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

// Stats mirrors the writer's Stats, computed from the bootstrapped footer.
func (r *Reader) Stats() Stats {
	return Stats{
		FileCount:   r.footer.FileCount,
		ByteSize:    desformat.HeaderSize + r.footer.DataLength + r.footer.MetaLength + r.footer.IndexLength + desformat.FooterSize,
		DataLength:  r.footer.DataLength,
		MetaLength:  r.footer.MetaLength,
		IndexLength: r.footer.IndexLength,
	}
}

func (r *Reader) entry(name string) (desformat.Entry, error) {
	idx, ok := r.byName[name]
	if !ok {
		return desformat.Entry{}, fmt.Errorf("%w: %q in %q", ErrNotFound, name, r.path)
	}
	return r.entries[idx], nil
}

// GetMeta returns the raw canonical JSON metadata blob for name.
func (r *Reader) GetMeta(name string) ([]byte, error) {
	e, err := r.entry(name)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, e.MetaLength)
	if e.MetaLength > 0 {
		if _, err := r.f.ReadAt(buf, int64(e.MetaOffset)); err != nil {
			return nil, fmt.Errorf("container: read meta for %q: %w", name, err)
		}
	}
	return buf, nil
}

// Get returns the file's bytes (spec §4.2's "Single read").
func (r *Reader) Get(ctx context.Context, name string) ([]byte, error) {
	e, err := r.entry(name)
	if err != nil {
		return nil, err
	}
	if e.IsExternal() {
		return r.fetchExternal(ctx, name, e)
	}
	buf := make([]byte, e.DataLength)
	if e.DataLength > 0 {
		if _, err := r.f.ReadAt(buf, int64(e.DataOffset)); err != nil {
			return nil, fmt.Errorf("container: read data for %q: %w", name, err)
		}
	}
	return buf, nil
}

func (r *Reader) fetchExternal(ctx context.Context, name string, e desformat.Entry) ([]byte, error) {
	if r.external == nil {
		return nil, fmt.Errorf("container: %q is external but no ExternalBlobFetcher configured", name)
	}
	metaBuf, err := r.GetMeta(name)
	if err != nil {
		return nil, err
	}
	url, err := externalURLFromMeta(metaBuf)
	if err != nil {
		return nil, fmt.Errorf("container: external url for %q: %w", name, err)
	}
	return r.external.Fetch(ctx, url)
}

// Result is one outcome of a batch Get (spec §7: "a failed batch get_many
// returns the per-name result as ok|err, never short-circuits").
type Result struct {
	Data []byte
	Err  error
}

// GetMany resolves names with gap-merged batch reads (spec §4.2's "Batch
// read with gap merging"). The returned map preserves no intrinsic order
// (Go maps don't), but every key in names is present in the result exactly
// once; callers that need input order should iterate `names`, not the map.
func (r *Reader) GetMany(ctx context.Context, names []string, maxGap int64) map[string]Result {
	out := make(map[string]Result, len(names))

	type located struct {
		name  string
		entry desformat.Entry
		seq   int // insertion order, for stable tie-break
	}
	var internal []located
	for i, name := range names {
		e, err := r.entry(name)
		if err != nil {
			out[name] = Result{Err: err}
			continue
		}
		if e.IsExternal() {
			data, err := r.fetchExternal(ctx, name, e)
			out[name] = Result{Data: data, Err: err}
			continue
		}
		internal = append(internal, located{name: name, entry: e, seq: i})
	}
	if len(internal) == 0 {
		return out
	}

	sort.SliceStable(internal, func(i, j int) bool {
		if internal[i].entry.DataOffset != internal[j].entry.DataOffset {
			return internal[i].entry.DataOffset < internal[j].entry.DataOffset
		}
		return internal[i].seq < internal[j].seq
	})

	type group struct {
		start, end int64 // half-open byte range
		members    []located
	}
	var groups []group
	for _, loc := range internal {
		start := int64(loc.entry.DataOffset)
		end := start + int64(loc.entry.DataLength)
		if n := len(groups); n > 0 && start-groups[n-1].end <= maxGap {
			groups[n-1].end = maxInt64(groups[n-1].end, end)
			groups[n-1].members = append(groups[n-1].members, loc)
		} else {
			groups = append(groups, group{start: start, end: end, members: []located{loc}})
		}
	}

	for _, g := range groups {
		buf := make([]byte, g.end-g.start)
		if _, err := r.f.ReadAt(buf, g.start); err != nil && err != io.EOF {
			for _, m := range g.members {
				out[m.name] = Result{Err: fmt.Errorf("container: batch read group [%d,%d): %w", g.start, g.end, err)}
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

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// Close releases the underlying file handle.
func (r *Reader) Close() error {
	return r.f.Close()
}
