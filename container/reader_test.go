package container

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/datavision/easystore/desformat"
	"github.com/datavision/easystore/indexcache"
)

func buildFixture(t *testing.T, path string, files map[string][]byte, order []string) {
	t.Helper()
	w, err := Open(path)
	require.NoError(t, err)
	for _, name := range order {
		require.NoError(t, w.Add(name, files[name], nil))
	}
	_, err = w.Finalize()
	require.NoError(t, err)
}

func TestGetManyMergesAdjacentEntries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shard_000.des")
	order := []string{"a", "b", "c"}
	files := map[string][]byte{
		"a": []byte("1111"),
		"b": []byte("22"),
		"c": []byte("333333"),
	}
	buildFixture(t, path, files, order)

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	results := r.GetMany(context.Background(), []string{"a", "b", "c"}, 0)
	require.Len(t, results, 3)
	for name, want := range files {
		res := results[name]
		require.NoError(t, res.Err)
		require.Equal(t, want, res.Data)
	}
}

func TestGetManyRespectsMaxGap(t *testing.T) {
	// Divert the middle file externally: it leaves the DATA region, so a and
	// c sit back to back and merge into one read even at max_gap 0, while mid
	// is served through the external fetcher.
	dir := t.TempDir()
	path := filepath.Join(dir, "shard_000.des")
	ext := &fakeExternal{}
	w, err := Open(path, WithBigFileThreshold(3), WithExternalBlobHandle(ext))
	require.NoError(t, err)
	require.NoError(t, w.Add("a", []byte("11"), nil))
	require.NoError(t, w.Add("mid", []byte("midmidmid"), nil)) // external
	require.NoError(t, w.Add("c", []byte("22"), nil))
	_, err = w.Finalize()
	require.NoError(t, err)

	r, err := Open(path, WithExternalFetcher(ext))
	require.NoError(t, err)
	defer r.Close()

	results := r.GetMany(context.Background(), []string{"a", "mid", "c"}, 0)
	require.NoError(t, results["a"].Err)
	require.NoError(t, results["mid"].Err)
	require.NoError(t, results["c"].Err)
	require.Equal(t, []byte("11"), results["a"].Data)
	require.Equal(t, []byte("midmidmid"), results["mid"].Data)
	require.Equal(t, []byte("22"), results["c"].Data)
}

func TestGetManyReturnsPerNameErrorForMissing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shard_000.des")
	buildFixture(t, path, map[string][]byte{"a": []byte("1")}, []string{"a"})

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	results := r.GetMany(context.Background(), []string{"a", "nope"}, 1024)
	require.NoError(t, results["a"].Err)
	require.ErrorIs(t, results["nope"].Err, ErrNotFound)
}

func TestOpenRejectsCorruptFooter(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shard_000.des")
	buildFixture(t, path, map[string][]byte{"a": []byte("1")}, []string{"a"})

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	b[len(b)-1] ^= 0xFF // corrupt the footer magic's last byte
	require.NoError(t, os.WriteFile(path, b, 0o644))

	_, err = Open(path)
	require.ErrorIs(t, err, desformat.ErrCorrupt)
}

func TestOpenUsesIndexCache(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shard_000.des")
	buildFixture(t, path, map[string][]byte{"a": []byte("1"), "b": []byte("22")}, []string{"a", "b"})

	cache := indexcache.NewMemCache(8)
	defer cache.Close()

	r1, err := Open(path, WithIndexCache(cache, path))
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b"}, r1.List())
	require.NoError(t, r1.Close())

	cached, ok := cache.Get(path)
	require.True(t, ok)
	require.Len(t, cached, 2)

	r2, err := Open(path, WithIndexCache(cache, path))
	require.NoError(t, err)
	defer r2.Close()
	require.ElementsMatch(t, []string{"a", "b"}, r2.List())
}
