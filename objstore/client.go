// Package objstore implements range-based reads against an HTTP-addressable
// object store (spec §4.3): one Object per (bucket, key[, version]), backed
// by a coalescing segment cache so repeated small reads collapse into few
// Range GETs.
package objstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"k8s.io/klog/v2"

	"github.com/datavision/easystore/objstore/rangecache"
	"github.com/datavision/easystore/retry"
)

// Client is a handle to an HTTP object-store endpoint. A single Client is
// shared across Objects opened from it; it owns the connection pool.
type Client struct {
	http             *http.Client
	maxSegmentMemory int64
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithMaxSegmentMemory bounds the per-object segment cache's memory use.
// Zero (the default) is unbounded.
func WithMaxSegmentMemory(n int64) ClientOption {
	return func(c *Client) { c.maxSegmentMemory = n }
}

// NewClient builds a Client with the teacher's transport tuning (keep-alive
// pooling, gzip passthrough, bounded per-host connections).
func NewClient(opts ...ClientOption) *Client {
	c := &Client{http: newHTTPClient()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		IdleConnTimeout:     time.Minute,
		MaxConnsPerHost:     20,
		MaxIdleConnsPerHost: 20,
		Proxy:               http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   20 * time.Second,
			KeepAlive: 180 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 10 * time.Second,
	}
}

func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout:   20 * time.Second,
		Transport: gzhttp.Transport(newHTTPTransport()),
	}
}

// Close releases idle connections held by the client.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

// Put uploads data to url with a plain HTTP PUT. It is used for archive
// container uploads and external big-file diversion (spec §3.2, §4.9 step
// 6); neither needs range coalescing, so it bypasses Object/rangecache.Cache.
func (c *Client) Put(ctx context.Context, url string, data []byte) error {
	err := retry.Do(ctx, fetchRetryPolicy, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
		if err != nil {
			return retry.Permanently(err)
		}
		req.ContentLength = int64(len(data))
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode/100 != 2 {
			return fmt.Errorf("objstore: put %q: unexpected status %d", url, resp.StatusCode)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("objstore: put %q: %w", url, err)
	}
	return nil
}

// Delete removes url with a plain HTTP DELETE. Used by crash recovery to
// clean up partial container objects left behind by a packer that died
// before finalizing (spec §4.10 step 2). A 404 is treated as success: the
// object is already gone.
func (c *Client) Delete(ctx context.Context, url string) error {
	err := retry.Do(ctx, fetchRetryPolicy, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
		if err != nil {
			return retry.Permanently(err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			return nil
		}
		if resp.StatusCode/100 != 2 {
			return fmt.Errorf("objstore: delete %q: unexpected status %d", url, resp.StatusCode)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("objstore: delete %q: %w", url, err)
	}
	return nil
}

// Fetch downloads the entirety of url with a plain GET (spec §3.2's
// external-file read path: no range coalescing, the sidecar object is read
// whole).
func (c *Client) Fetch(ctx context.Context, url string) ([]byte, error) {
	var body []byte
	err := retry.Do(ctx, fetchRetryPolicy, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return retry.Permanently(err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("objstore: fetch %q: unexpected status %d", url, resp.StatusCode)
		}
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		body = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

// Locator identifies one object. URL must resolve to an endpoint that
// supports HTTP Range requests (spec §4.3's object-store abstraction covers
// S3-compatible stores and plain HTTP file servers alike).
type Locator struct {
	Bucket  string
	Key     string
	URL     string
	Version string // optional; used only as a cache-key component
}

// CacheKey returns the identity used to key the index cache (spec §4.4):
// bucket, key, and version/etag together.
func (l Locator) CacheKey() string {
	if l.Version != "" {
		return l.Bucket + "/" + l.Key + "@" + l.Version
	}
	return l.Bucket + "/" + l.Key
}

// Object is an open handle to one remote object, with a coalescing segment
// cache in front of ranged HTTP reads (grounded on the teacher's
// HTTPSingleFileRemoteReaderAt in http-range.go).
type Object struct {
	loc    Locator
	size   int64
	client *Client
	seg    *rangecache.Cache
	etag   string
}

// Open resolves the object's size via HEAD (falling back to a zero-range
// GET, exactly as the teacher's getContentSizeWithHeadOrZeroRange does) and
// starts its segment cache's background GC.
func Open(ctx context.Context, client *Client, loc Locator) (*Object, error) {
	size, etag, err := statObject(ctx, client.http, loc.URL)
	if err != nil {
		return nil, fmt.Errorf("objstore: stat %q: %w", loc.URL, err)
	}
	if size == 0 {
		return nil, fmt.Errorf("objstore: %q reports zero length", loc.URL)
	}
	if loc.Version == "" {
		loc.Version = etag
	}

	o := &Object{loc: loc, size: size, client: client, etag: etag}
	o.seg = rangecache.NewCache(size, loc.CacheKey(), etag, o.fetchRange, client.maxSegmentMemory)
	o.seg.StartGC(ctx, time.Minute)
	return o, nil
}

// Size returns the object's total byte length.
func (o *Object) Size() int64 { return o.size }

// ETag returns the entity tag observed at Open time, or "" if the endpoint
// didn't supply one.
func (o *Object) ETag() string { return o.etag }

// Locator returns the locator this Object was opened from (version resolved
// to the observed ETag, if the caller didn't pin one).
func (o *Object) Locator() Locator { return o.loc }

// ReadRange returns length bytes starting at offset, through the segment
// cache.
func (o *Object) ReadRange(ctx context.Context, offset, length int64) ([]byte, error) {
	if offset < 0 || length < 0 || offset+length > o.size {
		return nil, fmt.Errorf("objstore: range [%d,%d) out of bounds for size %d", offset, offset+length, o.size)
	}
	return o.seg.GetRange(ctx, offset, length)
}

// Close releases the segment cache.
func (o *Object) Close() error {
	return o.seg.Close()
}

var fetchRetryPolicy = retry.Policy{
	BaseDelay:   100 * time.Millisecond,
	MaxDelay:    2 * time.Second,
	MaxAttempts: 3,
	Classify:    retry.AlwaysTransient,
}

// fetchRange implements rangecache.Fetcher: it reports the response's ETag
// alongside the bytes so the segment cache can detect an archive object
// that changed underneath it (rangecache.ErrObjectChanged).
func (o *Object) fetchRange(p []byte, off int64) (int, string, error) {
	var n int
	var etag string
	err := retry.Do(context.Background(), fetchRetryPolicy, func(ctx context.Context) error {
		var fetchErr error
		n, etag, fetchErr = fetchRangeOnce(ctx, o.client.http, o.loc.URL, p, off)
		return fetchErr
	})
	if err != nil {
		return 0, "", err
	}
	return n, etag, nil
}

func fetchRangeOnce(ctx context.Context, client *http.Client, url string, p []byte, off int64) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", off, off+int64(len(p))-1))

	resp, err := client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		return 0, "", fmt.Errorf("objstore: unexpected status %d ranging %s", resp.StatusCode, url)
	}
	n, err := io.ReadFull(resp.Body, p)
	if err != nil && err != io.ErrUnexpectedEOF {
		return n, "", err
	}
	return n, resp.Header.Get("ETag"), nil
}

func statObject(ctx context.Context, client *http.Client, url string) (size int64, etag string, err error) {
	headReq, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, "", err
	}
	resp, err := client.Do(headReq)
	if err == nil && resp.StatusCode == http.StatusOK {
		defer resp.Body.Close()
		return resp.ContentLength, resp.Header.Get("ETag"), nil
	}
	if resp != nil {
		resp.Body.Close()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Range", "bytes=0-0")
	resp, err = client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent {
		return 0, "", fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	contentRange := resp.Header.Get("Content-Range")
	if contentRange == "" {
		return 0, "", fmt.Errorf("missing Content-Range header")
	}
	var total int64
	if _, err := fmt.Sscanf(contentRange, "bytes 0-0/%d", &total); err != nil {
		return 0, "", err
	}
	klog.V(5).Infof("objstore: resolved %q size via zero-range GET: %d bytes", url, total)
	return total, resp.Header.Get("ETag"), nil
}
