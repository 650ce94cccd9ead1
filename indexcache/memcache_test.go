package indexcache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/datavision/easystore/desformat"
)

func TestMemCacheRoundTrip(t *testing.T) {
	c := NewMemCache(16)
	defer c.Close()

	_, ok := c.Get("missing")
	require.False(t, ok)

	want := []desformat.Entry{
		{Name: "a", DataOffset: 16, DataLength: 4, MetaOffset: 20, MetaLength: 2},
		{Name: "b", DataOffset: 20, DataLength: 8, MetaOffset: 28, MetaLength: 2},
	}
	c.Put("bucket/key@v1", want, time.Minute)

	got, ok := c.Get("bucket/key@v1")
	require.True(t, ok)
	require.Equal(t, want, got)
}

func TestMemCacheZeroTTLUsesDefault(t *testing.T) {
	c := NewMemCache(16)
	defer c.Close()

	c.Put("k", []desformat.Entry{{Name: "a"}}, 0)
	_, ok := c.Get("k")
	require.True(t, ok)
}
