// Package desformat implements the byte-exact DES v1 container layout: the
// fixed-width header and footer, the variable-length index entry codec, and
// the flag bits. It has no knowledge of how the regions are produced or
// consumed; container.Writer and container.Reader build on top of it.
package desformat

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderMagic is the 8-byte magic at the start of every DES container.
var HeaderMagic = [8]byte{'D', 'E', 'S', 'H', 'E', 'A', 'D', '1'}

// FooterMagic is the 8-byte magic that ends every DES container.
var FooterMagic = [8]byte{'D', 'E', 'S', 'F', 'O', 'O', 'T', '1'}

// Version is the only DES container version this package writes.
const Version uint16 = 1

// HeaderSize is the fixed size, in bytes, of the HEADER region.
// 8 (magic) + 2 (version) + 6 (reserved padding) = 16.
const HeaderSize = 16

// FooterSize is the fixed size, in bytes, of the FOOTER region.
const FooterSize = 80

// Flag bits for an index entry.
const (
	FlagExternal uint32 = 1 << 0
	// FLAG_TOMBSTONE is reserved for a future v2 compaction format; v1 never
	// sets or interprets it (see spec §9, append-only decision).
	FlagTombstone uint32 = 1 << 1
)

// MaxNameLength is the largest encodable file name, per the uint16 length prefix.
const MaxNameLength = 65535

// ErrCorrupt is returned (wrapped) whenever a container fails a structural
// self-consistency check: bad magic, bad version, truncated regions, or
// offsets that don't line up. It is never transient and must never be
// retried or cached.
var ErrCorrupt = errors.New("corrupt container")

// Header is the fixed HEADER region.
type Header struct {
	Version uint16
}

// Encode writes the 16-byte header.
func (h Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:8], HeaderMagic[:])
	binary.LittleEndian.PutUint16(buf[8:10], h.Version)
	// buf[10:16] is reserved padding, left zero.
	return buf
}

// DecodeHeader parses and validates a 16-byte header.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("%w: header truncated: got %d bytes, want %d", ErrCorrupt, len(buf), HeaderSize)
	}
	if string(buf[0:8]) != string(HeaderMagic[:]) {
		return Header{}, fmt.Errorf("%w: bad header magic", ErrCorrupt)
	}
	version := binary.LittleEndian.Uint16(buf[8:10])
	if version > Version {
		return Header{}, fmt.Errorf("%w: unsupported container version %d", ErrCorrupt, version)
	}
	return Header{Version: version}, nil
}

// Footer is the fixed FOOTER region. All offsets are absolute from the start
// of the container stream.
type Footer struct {
	DataStart   uint64
	DataLength  uint64
	MetaStart   uint64
	MetaLength  uint64
	IndexStart  uint64
	IndexLength uint64
	FileCount   uint64
	Version     uint16
}

// IndexEnd returns the absolute offset just past the INDEX region, i.e. the
// offset at which the footer itself begins.
func (f Footer) IndexEnd() uint64 {
	return f.IndexStart + f.IndexLength
}

// Encode writes the fixed 80-byte footer.
func (f Footer) Encode() []byte {
	buf := make([]byte, FooterSize)
	binary.LittleEndian.PutUint64(buf[0:8], f.DataStart)
	binary.LittleEndian.PutUint64(buf[8:16], f.DataLength)
	binary.LittleEndian.PutUint64(buf[16:24], f.MetaStart)
	binary.LittleEndian.PutUint64(buf[24:32], f.MetaLength)
	binary.LittleEndian.PutUint64(buf[32:40], f.IndexStart)
	binary.LittleEndian.PutUint64(buf[40:48], f.IndexLength)
	binary.LittleEndian.PutUint64(buf[48:56], f.FileCount)
	binary.LittleEndian.PutUint16(buf[56:58], f.Version)
	// buf[58:72] reserved padding, left zero.
	copy(buf[72:80], FooterMagic[:])
	return buf
}

// DecodeFooter parses and validates the trailing 80 bytes of a container.
// objectSize is the total size of the container object; it is used to check
// that the footer claims to end exactly at the end of the object.
func DecodeFooter(buf []byte, objectSize int64) (Footer, error) {
	if len(buf) < FooterSize {
		return Footer{}, fmt.Errorf("%w: footer truncated: got %d bytes, want %d", ErrCorrupt, len(buf), FooterSize)
	}
	if string(buf[72:80]) != string(FooterMagic[:]) {
		return Footer{}, fmt.Errorf("%w: bad footer magic", ErrCorrupt)
	}
	f := Footer{
		DataStart:   binary.LittleEndian.Uint64(buf[0:8]),
		DataLength:  binary.LittleEndian.Uint64(buf[8:16]),
		MetaStart:   binary.LittleEndian.Uint64(buf[16:24]),
		MetaLength:  binary.LittleEndian.Uint64(buf[24:32]),
		IndexStart:  binary.LittleEndian.Uint64(buf[32:40]),
		IndexLength: binary.LittleEndian.Uint64(buf[40:48]),
		FileCount:   binary.LittleEndian.Uint64(buf[48:56]),
		Version:     binary.LittleEndian.Uint16(buf[56:58]),
	}
	if f.Version > Version {
		return Footer{}, fmt.Errorf("%w: unsupported container version %d", ErrCorrupt, f.Version)
	}
	if f.DataStart != HeaderSize {
		return Footer{}, fmt.Errorf("%w: data_start %d != header size %d", ErrCorrupt, f.DataStart, HeaderSize)
	}
	if f.MetaStart != f.DataStart+f.DataLength {
		return Footer{}, fmt.Errorf("%w: meta_start %d != data_start+data_length %d", ErrCorrupt, f.MetaStart, f.DataStart+f.DataLength)
	}
	if f.IndexStart != f.MetaStart+f.MetaLength {
		return Footer{}, fmt.Errorf("%w: index_start %d != meta_start+meta_length %d", ErrCorrupt, f.IndexStart, f.MetaStart+f.MetaLength)
	}
	footerStart := int64(f.IndexEnd())
	if objectSize >= 0 && footerStart+FooterSize != objectSize {
		return Footer{}, fmt.Errorf("%w: footer_start+80 (%d) != object size (%d)", ErrCorrupt, footerStart+FooterSize, objectSize)
	}
	return f, nil
}

// Entry is one parsed INDEX entry.
type Entry struct {
	Name       string
	DataOffset uint64
	DataLength uint64
	MetaOffset uint64
	MetaLength uint32
	Flags      uint32
}

// IsExternal reports whether the entry's bytes live outside the container.
func (e Entry) IsExternal() bool {
	return e.Flags&FlagExternal != 0
}

// EncodedSize returns the number of bytes Encode will produce for this entry.
func (e Entry) EncodedSize() int {
	return 2 + len(e.Name) + 8 + 8 + 8 + 4 + 4 + 8
}

// Encode appends the packed representation of the entry to dst and returns
// the extended slice.
func (e Entry) Encode(dst []byte) ([]byte, error) {
	if len(e.Name) > MaxNameLength {
		return nil, fmt.Errorf("name length %d exceeds max %d", len(e.Name), MaxNameLength)
	}
	var hdr [2]byte
	binary.LittleEndian.PutUint16(hdr[:], uint16(len(e.Name)))
	dst = append(dst, hdr[:]...)
	dst = append(dst, e.Name...)

	var fixed [8 + 8 + 8 + 4 + 4 + 8]byte
	binary.LittleEndian.PutUint64(fixed[0:8], e.DataOffset)
	binary.LittleEndian.PutUint64(fixed[8:16], e.DataLength)
	binary.LittleEndian.PutUint64(fixed[16:24], e.MetaOffset)
	binary.LittleEndian.PutUint32(fixed[24:28], e.MetaLength)
	binary.LittleEndian.PutUint32(fixed[28:32], e.Flags)
	// fixed[32:40] reserved, left zero.
	dst = append(dst, fixed[:]...)
	return dst, nil
}

// DecodeEntry parses a single entry starting at the beginning of buf and
// returns it along with the number of bytes consumed.
func DecodeEntry(buf []byte) (Entry, int, error) {
	const fixedTail = 8 + 8 + 8 + 4 + 4 + 8
	if len(buf) < 2 {
		return Entry{}, 0, fmt.Errorf("%w: index entry truncated (missing name length)", ErrCorrupt)
	}
	nameLen := int(binary.LittleEndian.Uint16(buf[0:2]))
	need := 2 + nameLen + fixedTail
	if len(buf) < need {
		return Entry{}, 0, fmt.Errorf("%w: index entry truncated: have %d bytes, need %d", ErrCorrupt, len(buf), need)
	}
	name := string(buf[2 : 2+nameLen])
	tail := buf[2+nameLen : need]
	e := Entry{
		Name:       name,
		DataOffset: binary.LittleEndian.Uint64(tail[0:8]),
		DataLength: binary.LittleEndian.Uint64(tail[8:16]),
		MetaOffset: binary.LittleEndian.Uint64(tail[16:24]),
		MetaLength: binary.LittleEndian.Uint32(tail[24:28]),
		Flags:      binary.LittleEndian.Uint32(tail[28:32]),
	}
	return e, need, nil
}

// DecodeEntries parses a whole INDEX region (index_start..index_start+index_length)
// into entries, preserving insertion order.
func DecodeEntries(buf []byte) ([]Entry, error) {
	entries := make([]Entry, 0, 64)
	off := 0
	for off < len(buf) {
		e, n, err := DecodeEntry(buf[off:])
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
		off += n
	}
	return entries, nil
}
