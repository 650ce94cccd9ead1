package rangecache

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, full []byte, etag string) (*Cache, *int) {
	t.Helper()
	rd := bytes.NewReader(full)
	fetches := 0
	c := NewCache(int64(len(full)), "test", etag, func(p []byte, off int64) (int, string, error) {
		fetches++
		n, err := rd.ReadAt(p, off)
		return n, etag, err
	}, 1<<20)
	return c, &fetches
}

func TestGetRangeMergesAndCachesAdjacentWrites(t *testing.T) {
	full := []byte("hello world")
	c, _ := newTestCache(t, full, "")

	require.NoError(t, c.SetRange(0, 5, []byte("hello")))
	require.NoError(t, c.SetRange(1, 1, []byte("e")))

	got, err := c.GetRange(context.Background(), 1, 3)
	require.NoError(t, err)
	require.Equal(t, []byte("ell"), got)

	got, err = c.GetRange(context.Background(), 1, 7)
	require.NoError(t, err)
	require.Equal(t, []byte("ello wo"), got)
}

func TestGetRangeFetchesOnceThenServesFromCache(t *testing.T) {
	full := []byte("0123456789")
	c, fetches := newTestCache(t, full, "etag-1")

	got, err := c.GetRange(context.Background(), 2, 4)
	require.NoError(t, err)
	require.Equal(t, []byte("2345"), got)
	require.Equal(t, 1, *fetches)

	got, err = c.GetRange(context.Background(), 2, 4)
	require.NoError(t, err)
	require.Equal(t, []byte("2345"), got)
	require.Equal(t, 1, *fetches, "second read of the same range must be a cache hit")
}

func TestGetRangeDetectsChangedObject(t *testing.T) {
	full := []byte("0123456789")
	rd := bytes.NewReader(full)
	c := NewCache(int64(len(full)), "test", "etag-original", func(p []byte, off int64) (int, string, error) {
		n, err := rd.ReadAt(p, off)
		return n, "etag-mutated", err
	}, 1<<20)

	_, err := c.GetRange(context.Background(), 0, 4)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrObjectChanged))
}

func TestGetRangeLeavesETagUnpinnedWhenOriginSendsNone(t *testing.T) {
	full := []byte("0123456789")
	c, _ := newTestCache(t, full, "")

	_, err := c.GetRange(context.Background(), 0, 4)
	require.NoError(t, err)
	require.Empty(t, c.pinnedETag, "an empty origin ETag never activates changed-object detection")
}

func TestDeleteOldEntriesEvictsPastMaxAge(t *testing.T) {
	full := []byte("0123456789")
	c, _ := newTestCache(t, full, "")
	require.NoError(t, c.SetRange(0, 4, []byte("0123")))
	require.Equal(t, int64(4), c.OccupiedSpace())

	c.DeleteOldEntries(0)
	require.Equal(t, int64(0), c.OccupiedSpace())
}
