package container

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriterRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shard_000.des")

	w, err := Open(path)
	require.NoError(t, err)

	require.NoError(t, w.Add("alpha.bin", []byte("hello"), map[string]any{"k": "v"}))
	require.NoError(t, w.Add("beta.bin", []byte("world!!"), map[string]any{"k": 2}))

	stats, err := w.Finalize()
	require.NoError(t, err)
	require.EqualValues(t, 2, stats.FileCount)
	require.EqualValues(t, len("hello")+len("world!!"), stats.DataLength)

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	require.ElementsMatch(t, []string{"alpha.bin", "beta.bin"}, r.List())
	require.True(t, r.Contains("alpha.bin"))
	require.False(t, r.Contains("missing"))

	data, err := r.Get(context.Background(), "alpha.bin")
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), data)

	metaBytes, err := r.GetMeta("beta.bin")
	require.NoError(t, err)
	var meta map[string]any
	require.NoError(t, json.Unmarshal(metaBytes, &meta))
	require.EqualValues(t, 2, meta["k"])
}

func TestAddRejectsDuplicateName(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shard_000.des")

	w, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, w.Add("x", []byte("1"), nil))

	err = w.Add("x", []byte("2"), nil)
	require.ErrorIs(t, err, ErrNameConflict)

	_, statErr := os.Stat(path)
	require.True(t, os.IsNotExist(statErr), "writer must abort (remove partial object) on conflict")
}

func TestAddRejectsInvalidName(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shard_000.des")

	w, err := Open(path)
	require.NoError(t, err)

	err = w.Add("../escape", []byte("1"), nil)
	require.Error(t, err)

	_, statErr := os.Stat(path)
	require.True(t, os.IsNotExist(statErr))
}

type fakeExternal struct {
	uploaded map[string][]byte
}

func (f *fakeExternal) Upload(ctx context.Context, containerStem, name string, data []byte) (string, error) {
	if f.uploaded == nil {
		f.uploaded = make(map[string][]byte)
	}
	url := "https://blobs.example/" + containerStem + "/" + name
	f.uploaded[url] = data
	return url, nil
}

func (f *fakeExternal) Fetch(ctx context.Context, url string) ([]byte, error) {
	return f.uploaded[url], nil
}

func TestBigFileDivertsExternal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shard_000.des")
	ext := &fakeExternal{}

	w, err := Open(path, WithBigFileThreshold(4), WithExternalBlobHandle(ext))
	require.NoError(t, err)
	require.NoError(t, w.Add("small", []byte("ab"), nil))
	require.NoError(t, w.Add("big", []byte("abcdefgh"), nil))

	stats, err := w.Finalize()
	require.NoError(t, err)
	require.EqualValues(t, 2, stats.DataLength) // only "small" occupies DATA

	r, err := Open(path, WithExternalFetcher(ext))
	require.NoError(t, err)
	defer r.Close()

	data, err := r.Get(context.Background(), "big")
	require.NoError(t, err)
	require.Equal(t, []byte("abcdefgh"), data)
}

func TestWithContainerStemOverridesPathDerivedStem(t *testing.T) {
	dir := t.TempDir()
	// A filename with other components before the container_id (e.g.
	// "<shard>-<day>-<container_id>.des.tmp") makes the path-derived fallback
	// stem wrong; WithContainerStem must win regardless of the filename.
	path := filepath.Join(dir, "3-2024-01-01-c123.des.tmp")
	ext := &fakeExternal{}

	w, err := Open(path, WithBigFileThreshold(4), WithExternalBlobHandle(ext), WithContainerStem("c123"))
	require.NoError(t, err)
	require.NoError(t, w.Add("big", []byte("abcdefgh"), nil))

	_, err = w.Finalize()
	require.NoError(t, err)

	var url string
	for u := range ext.uploaded {
		url = u
	}
	require.Equal(t, "https://blobs.example/c123/big", url)
}

func TestWithWriterAbortsOnError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shard_000.des")

	_, err := WithWriter(path, nil, func(w *Writer) error {
		require.NoError(t, w.Add("x", []byte("1"), nil))
		return ErrNameConflict // any sentinel signals "abandon this object"
	})
	require.Error(t, err)

	_, statErr := os.Stat(path)
	require.True(t, os.IsNotExist(statErr))
}

func TestWithWriterFinalizesOnSuccess(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shard_000.des")

	stats, err := WithWriter(path, nil, func(w *Writer) error {
		return w.Add("x", []byte("12345"), nil)
	})
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.FileCount)

	_, statErr := os.Stat(path)
	require.NoError(t, statErr)
}
