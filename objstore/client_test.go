package objstore

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func rangeServer(t *testing.T, body []byte, etag string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if etag != "" {
			w.Header().Set("ETag", etag)
		}
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", fmt.Sprintf("%d", len(body)))
			w.WriteHeader(http.StatusOK)
			return
		}
		rng := r.Header.Get("Range")
		var start, end int
		if _, err := fmt.Sscanf(rng, "bytes=%d-%d", &start, &end); err != nil {
			http.Error(w, "bad range", http.StatusBadRequest)
			return
		}
		if end >= len(body) {
			end = len(body) - 1
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(body)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(body[start : end+1])
	}))
}

func TestObjectReadRange(t *testing.T) {
	body := []byte("the quick brown fox jumps over the lazy dog")
	srv := rangeServer(t, body, `"abc123"`)
	defer srv.Close()

	client := NewClient()
	defer client.Close()

	obj, err := Open(context.Background(), client, Locator{Bucket: "b", Key: "k", URL: srv.URL})
	require.NoError(t, err)
	defer obj.Close()

	require.EqualValues(t, len(body), obj.Size())
	require.Equal(t, `"abc123"`, obj.ETag())

	got, err := obj.ReadRange(context.Background(), 4, 5)
	require.NoError(t, err)
	require.Equal(t, []byte("quick"), got)

	got2, err := obj.ReadRange(context.Background(), 4, 9)
	require.NoError(t, err)
	require.Equal(t, []byte("quick bro"), got2)
}

func TestObjectReadRangeOutOfBounds(t *testing.T) {
	body := []byte("short")
	srv := rangeServer(t, body, "")
	defer srv.Close()

	client := NewClient()
	defer client.Close()

	obj, err := Open(context.Background(), client, Locator{URL: srv.URL})
	require.NoError(t, err)
	defer obj.Close()

	_, err = obj.ReadRange(context.Background(), 0, 100)
	require.Error(t, err)
}

func TestLocatorCacheKey(t *testing.T) {
	l := Locator{Bucket: "b", Key: "k"}
	require.Equal(t, "b/k", l.CacheKey())
	l.Version = "v1"
	require.Equal(t, "b/k@v1", l.CacheKey())
}

func TestClientPutAndFetch(t *testing.T) {
	var stored []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPut:
			buf := make([]byte, r.ContentLength)
			io.ReadFull(r.Body, buf)
			stored = buf
			w.WriteHeader(http.StatusCreated)
		case http.MethodGet:
			w.Write(stored)
		}
	}))
	defer srv.Close()

	client := NewClient()
	defer client.Close()

	require.NoError(t, client.Put(context.Background(), srv.URL+"/big.bin", []byte("external payload")))

	got, err := client.Fetch(context.Background(), srv.URL+"/big.bin")
	require.NoError(t, err)
	require.Equal(t, []byte("external payload"), got)
}
