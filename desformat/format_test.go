package desformat

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{Version: 1}
	buf := h.Encode()
	require.Len(t, buf, HeaderSize)

	got, err := DecodeHeader(buf)
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestDecodeHeaderBadMagic(t *testing.T) {
	h := Header{Version: 1}
	buf := h.Encode()
	buf[0] ^= 0xFF
	_, err := DecodeHeader(buf)
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestDecodeHeaderFutureVersion(t *testing.T) {
	h := Header{Version: 2}
	buf := h.Encode()
	_, err := DecodeHeader(buf)
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestFooterRoundTrip(t *testing.T) {
	f := Footer{
		DataStart:   HeaderSize,
		DataLength:  100,
		MetaStart:   HeaderSize + 100,
		MetaLength:  40,
		IndexStart:  HeaderSize + 100 + 40,
		IndexLength: 60,
		FileCount:   3,
		Version:     1,
	}
	buf := f.Encode()
	require.Len(t, buf, FooterSize)

	objectSize := int64(f.IndexEnd()) + FooterSize
	got, err := DecodeFooter(buf, objectSize)
	require.NoError(t, err)
	require.Equal(t, f, got)
}

func TestDecodeFooterBadMagic(t *testing.T) {
	f := Footer{DataStart: HeaderSize}
	buf := f.Encode()
	buf[79] ^= 0xFF
	_, err := DecodeFooter(buf, -1)
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestDecodeFooterOffsetMismatch(t *testing.T) {
	f := Footer{
		DataStart:  HeaderSize,
		DataLength: 10,
		MetaStart:  999, // wrong on purpose
	}
	buf := f.Encode()
	_, err := DecodeFooter(buf, -1)
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestDecodeFooterSizeMismatch(t *testing.T) {
	f := Footer{DataStart: HeaderSize, MetaStart: HeaderSize, IndexStart: HeaderSize}
	buf := f.Encode()
	_, err := DecodeFooter(buf, 12345)
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestEntryRoundTrip(t *testing.T) {
	e := Entry{
		Name:       "a/b/c.txt",
		DataOffset: 16,
		DataLength: 5,
		MetaOffset: 21,
		MetaLength: 13,
		Flags:      0,
	}
	buf, err := e.Encode(nil)
	require.NoError(t, err)
	require.Equal(t, e.EncodedSize(), len(buf))

	got, n, err := DecodeEntry(buf)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	require.Equal(t, e, got)
}

func TestEntryExternalFlag(t *testing.T) {
	e := Entry{Name: "big.bin", Flags: FlagExternal}
	require.True(t, e.IsExternal())
	e.Flags = 0
	require.False(t, e.IsExternal())
}

func TestDecodeEntriesSequence(t *testing.T) {
	entries := []Entry{
		{Name: "a.txt", DataOffset: 16, DataLength: 5, MetaOffset: 21, MetaLength: 2},
		{Name: "b.bin", DataOffset: 21, DataLength: 256, MetaOffset: 277, MetaLength: 2},
	}
	var buf []byte
	for _, e := range entries {
		var err error
		buf, err = e.Encode(buf)
		require.NoError(t, err)
	}
	got, err := DecodeEntries(buf)
	require.NoError(t, err)
	require.Equal(t, entries, got)
}

func TestDecodeEntriesTruncated(t *testing.T) {
	e := Entry{Name: "a.txt"}
	buf, err := e.Encode(nil)
	require.NoError(t, err)
	_, err = DecodeEntries(buf[:len(buf)-1])
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestValidateName(t *testing.T) {
	cases := []struct {
		name    string
		wantErr bool
	}{
		{"a.txt", false},
		{"", true},
		{" a.txt", true},
		{"a.txt ", true},
		{"a/../b", true},
		{"a\x00b", true},
	}
	for _, c := range cases {
		err := ValidateName(c.name)
		if c.wantErr {
			require.Error(t, err)
		} else {
			require.NoError(t, err)
		}
	}
}

func TestCanonicalizeMetaSortsKeys(t *testing.T) {
	b, err := CanonicalizeMeta(map[string]any{"z": 1, "a": 2})
	require.NoError(t, err)
	require.Equal(t, `{"a":2,"z":1}`, string(b))
}

func TestCanonicalizeMetaRejectsNaN(t *testing.T) {
	_, err := CanonicalizeMeta(map[string]any{"x": math.NaN()})
	require.Error(t, err)
}
