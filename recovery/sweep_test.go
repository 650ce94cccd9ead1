package recovery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/datavision/easystore/container"
	"github.com/datavision/easystore/objstore"
)

func buildContainer(t *testing.T, path string) {
	t.Helper()
	w, err := container.Open(path)
	require.NoError(t, err)
	require.NoError(t, w.Add("a.txt", []byte("hello"), map[string]string{}))
	_, err = w.Finalize()
	require.NoError(t, err)
}

func TestHasWellFormedFooterAcceptsFinalizedContainer(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shard.des")
	buildContainer(t, path)

	srv := httptest.NewServer(http.FileServer(http.Dir(dir)))
	defer srv.Close()

	client := objstore.NewClient()
	defer client.Close()

	s := &Sweeper{client: client}
	require.True(t, s.hasWellFormedFooter(context.Background(), srv.URL+"/shard.des"))
}

func TestHasWellFormedFooterRejectsTruncatedContainer(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shard.des")
	buildContainer(t, path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data[:len(data)-40], 0o644))

	srv := httptest.NewServer(http.FileServer(http.Dir(dir)))
	defer srv.Close()

	client := objstore.NewClient()
	defer client.Close()

	s := &Sweeper{client: client}
	require.False(t, s.hasWellFormedFooter(context.Background(), srv.URL+"/shard.des"))
}

func TestHasWellFormedFooterRejectsMissingObject(t *testing.T) {
	dir := t.TempDir()
	srv := httptest.NewServer(http.FileServer(http.Dir(dir)))
	defer srv.Close()

	client := objstore.NewClient()
	defer client.Close()

	s := &Sweeper{client: client}
	require.False(t, s.hasWellFormedFooter(context.Background(), srv.URL+"/missing.des"))
}
