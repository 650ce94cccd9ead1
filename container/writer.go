package container

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path"

	"github.com/datavision/easystore/desformat"
	"k8s.io/klog/v2"
)

// writerBufferSize matches the teacher's BufferedWritableFile
// (tooling/files.go), which buffers file writes through a 1 MiB bufio.Writer
// rather than flushing one append() at a time.
const writerBufferSize = 1024 * 1024

// DefaultBigFileThreshold is the default payload size (spec §3.2) at or
// above which Add diverts a file's bytes to the external blob handle.
const DefaultBigFileThreshold = 100 * 1024 * 1024

// Stats is returned by Finalize (spec §4.1).
type Stats struct {
	FileCount   uint64
	ByteSize    uint64
	DataLength  uint64
	MetaLength  uint64
	IndexLength uint64
}

type pendingEntry struct {
	name       string
	dataOffset uint64
	dataLength uint64
	metaBytes  []byte
	external   bool
}

// Writer is the append-only container builder (spec §4.1). A Writer has a
// single owner; concurrent Add calls on the same handle are undefined, same
// as the spec requires.
type Writer struct {
	f    *os.File
	bw   *bufio.Writer
	path string

	containerStem string
	bigThreshold  int64
	external      ExternalBlobHandle

	dataOffset uint64 // next absolute offset to write DATA bytes at
	names      map[string]struct{}
	entries    []pendingEntry

	finalized bool
	aborted   bool
}

// Option configures a Writer at Open time.
type Option func(*Writer)

// WithBigFileThreshold overrides DefaultBigFileThreshold.
func WithBigFileThreshold(n int64) Option {
	return func(w *Writer) { w.bigThreshold = n }
}

// WithExternalBlobHandle supplies the sidecar uploader used for files at or
// above the big-file threshold. Without one, Add never diverts, regardless
// of threshold.
func WithExternalBlobHandle(h ExternalBlobHandle) Option {
	return func(w *Writer) { w.external = h }
}

// WithContainerStem overrides the containerStem passed to the external blob
// handle's Upload (spec §6.2's `_bigFiles/<container_id>/<name>` layout).
// Callers that name their temp file after the container_id directly (e.g.
// `<container_id>.des.tmp`) don't need this; callers whose path embeds other
// components (shard id, day, ...) alongside the container_id must supply it
// explicitly rather than rely on Open's filename-derived fallback.
func WithContainerStem(stem string) Option {
	return func(w *Writer) { w.containerStem = stem }
}

// Open creates path and writes the HEADER immediately, per spec §4.1.
func Open(path string, opts ...Option) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("container: open %q: %w", path, err)
	}
	w := &Writer{
		f:             f,
		bw:            bufio.NewWriterSize(f, writerBufferSize),
		path:          path,
		containerStem: containerStemOf(path),
		bigThreshold:  DefaultBigFileThreshold,
		names:         make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	hdr := desformat.Header{Version: desformat.Version}
	if _, err := w.bw.Write(hdr.Encode()); err != nil {
		f.Close()
		return nil, fmt.Errorf("container: write header: %w", err)
	}
	w.dataOffset = desformat.HeaderSize
	klog.V(4).Infof("container: opened %q for writing", path)
	return w, nil
}

func containerStemOf(p string) string {
	base := path.Base(p)
	for i := 0; i < len(base); i++ {
		if base[i] == '.' {
			return base[:i]
		}
	}
	return base
}

// Add appends a file to the container (spec §4.1).
func (w *Writer) Add(name string, data []byte, meta any) error {
	if w.finalized || w.aborted {
		return ErrClosed
	}
	if err := desformat.ValidateName(name); err != nil {
		if abortErr := w.Abort(); abortErr != nil {
			klog.Errorf("container: abort after invalid name failed: %v", abortErr)
		}
		return err
	}
	if _, dup := w.names[name]; dup {
		if abortErr := w.Abort(); abortErr != nil {
			klog.Errorf("container: abort after name conflict failed: %v", abortErr)
		}
		return fmt.Errorf("%w: %q", ErrNameConflict, name)
	}

	external := w.external != nil && int64(len(data)) >= w.bigThreshold
	entry := pendingEntry{name: name, external: external}

	if external {
		uploadURL, err := w.external.Upload(context.Background(), w.containerStem, name, data)
		if err != nil {
			if abortErr := w.Abort(); abortErr != nil {
				klog.Errorf("container: abort after external upload failure failed: %v", abortErr)
			}
			return fmt.Errorf("container: external upload of %q: %w", name, err)
		}
		metaBytes, err := canonicalizeWithExternalURL(meta, uploadURL)
		if err != nil {
			if abortErr := w.Abort(); abortErr != nil {
				klog.Errorf("container: abort after meta canonicalization failure failed: %v", abortErr)
			}
			return err
		}
		entry.metaBytes = metaBytes
	} else {
		entry.dataOffset = w.dataOffset
		entry.dataLength = uint64(len(data))
		if _, err := w.bw.Write(data); err != nil {
			if abortErr := w.Abort(); abortErr != nil {
				klog.Errorf("container: abort after write failure failed: %v", abortErr)
			}
			return fmt.Errorf("container: write data for %q: %w", name, err)
		}
		w.dataOffset += entry.dataLength

		metaBytes, err := desformat.CanonicalizeMeta(meta)
		if err != nil {
			if abortErr := w.Abort(); abortErr != nil {
				klog.Errorf("container: abort after meta canonicalization failure failed: %v", abortErr)
			}
			return err
		}
		entry.metaBytes = metaBytes
	}

	w.names[name] = struct{}{}
	w.entries = append(w.entries, entry)
	return nil
}

func canonicalizeWithExternalURL(meta any, externalURL string) ([]byte, error) {
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("container: marshal meta: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("container: decode meta: %w", err)
	}
	obj, ok := decoded.(map[string]any)
	if !ok {
		obj = map[string]any{"value": decoded}
	}
	obj["external_url"] = externalURL
	return desformat.CanonicalizeMeta(obj)
}

// Finalize writes META, INDEX, and FOOTER, flushes, and closes the file
// (spec §4.1).
func (w *Writer) Finalize() (Stats, error) {
	if w.finalized || w.aborted {
		return Stats{}, ErrClosed
	}
	dataLength := w.dataOffset - desformat.HeaderSize
	metaStart := w.dataOffset

	var metaWritten uint64
	finalEntries := make([]desformat.Entry, 0, len(w.entries))
	for _, pe := range w.entries {
		metaOffset := metaStart + metaWritten
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(pe.metaBytes)))
		if _, err := w.bw.Write(lenBuf[:]); err != nil {
			return Stats{}, w.abortAfter(fmt.Errorf("container: write meta length for %q: %w", pe.name, err))
		}
		if _, err := w.bw.Write(pe.metaBytes); err != nil {
			return Stats{}, w.abortAfter(fmt.Errorf("container: write meta for %q: %w", pe.name, err))
		}
		metaWritten += 4 + uint64(len(pe.metaBytes))

		flags := uint32(0)
		if pe.external {
			flags |= desformat.FlagExternal
		}
		finalEntries = append(finalEntries, desformat.Entry{
			Name:       pe.name,
			DataOffset: pe.dataOffset,
			DataLength: pe.dataLength,
			MetaOffset: metaOffset,
			MetaLength: uint32(len(pe.metaBytes)),
			Flags:      flags,
		})
	}
	metaLength := metaWritten
	indexStart := metaStart + metaLength

	var indexBuf []byte
	for _, e := range finalEntries {
		var err error
		indexBuf, err = e.Encode(indexBuf)
		if err != nil {
			return Stats{}, w.abortAfter(fmt.Errorf("container: encode index entry for %q: %w", e.Name, err))
		}
	}
	if _, err := w.bw.Write(indexBuf); err != nil {
		return Stats{}, w.abortAfter(fmt.Errorf("container: write index: %w", err))
	}
	indexLength := uint64(len(indexBuf))

	footer := desformat.Footer{
		DataStart:   desformat.HeaderSize,
		DataLength:  dataLength,
		MetaStart:   metaStart,
		MetaLength:  metaLength,
		IndexStart:  indexStart,
		IndexLength: indexLength,
		FileCount:   uint64(len(finalEntries)),
		Version:     desformat.Version,
	}
	if _, err := w.bw.Write(footer.Encode()); err != nil {
		return Stats{}, w.abortAfter(fmt.Errorf("container: write footer: %w", err))
	}
	if err := w.bw.Flush(); err != nil {
		return Stats{}, w.abortAfter(fmt.Errorf("container: flush: %w", err))
	}
	if err := w.f.Close(); err != nil {
		w.finalized = true
		return Stats{}, fmt.Errorf("container: close: %w", err)
	}
	w.finalized = true

	stats := Stats{
		FileCount:   footer.FileCount,
		ByteSize:    desformat.HeaderSize + dataLength + metaLength + indexLength + desformat.FooterSize,
		DataLength:  dataLength,
		MetaLength:  metaLength,
		IndexLength: indexLength,
	}
	klog.V(2).Infof("container: finalized %q: %d files, %d bytes", w.path, stats.FileCount, stats.ByteSize)
	return stats, nil
}

func (w *Writer) abortAfter(err error) error {
	if abortErr := w.Abort(); abortErr != nil {
		klog.Errorf("container: abort after finalize failure failed: %v", abortErr)
	}
	return err
}

// Abort discards the in-progress object (spec §4.1). It is idempotent.
func (w *Writer) Abort() error {
	if w.finalized || w.aborted {
		return nil
	}
	w.aborted = true
	if err := w.f.Truncate(0); err != nil {
		klog.Errorf("container: truncate on abort: %v", err)
	}
	closeErr := w.f.Close()
	if removeErr := os.Remove(w.path); removeErr != nil && !os.IsNotExist(removeErr) {
		klog.Errorf("container: remove on abort: %v", removeErr)
	}
	if closeErr != nil {
		return fmt.Errorf("container: abort close: %w", closeErr)
	}
	return nil
}

// WithWriter opens path, runs fn, and guarantees Finalize runs on a clean
// return or Abort runs on any error or panic — the scoped-acquisition helper
// required by spec §4.1.
func WithWriter(path string, opts []Option, fn func(w *Writer) error) (stats Stats, err error) {
	w, err := Open(path, opts...)
	if err != nil {
		return Stats{}, err
	}
	defer func() {
		if r := recover(); r != nil {
			_ = w.Abort()
			panic(r)
		}
	}()
	if err := fn(w); err != nil {
		if abortErr := w.Abort(); abortErr != nil {
			klog.Errorf("container: abort after scoped function error failed: %v", abortErr)
		}
		return Stats{}, err
	}
	return w.Finalize()
}
