package indexcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/klauspost/compress/zstd"

	"github.com/datavision/easystore/desformat"
)

// KVCache is the external-KV index cache variant (spec §4.4's "external KV"
// variant), grounded on the teacher's hugecache.Cache but storing encoded
// desformat index entries instead of CAR offsets, and zstd-compressing the
// serialized index before it crosses the cache boundary.
type KVCache struct {
	cache *bigcache.BigCache
	enc   *zstd.Encoder
	dec   *zstd.Decoder
}

// NewKVCache builds a KVCache with the given per-entry lifetime.
func NewKVCache(ctx context.Context, lifeWindow time.Duration) (*KVCache, error) {
	cfg := bigcache.DefaultConfig(lifeWindow)
	bc, err := bigcache.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("indexcache: new bigcache: %w", err)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("indexcache: new zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("indexcache: new zstd decoder: %w", err)
	}
	return &KVCache{cache: bc, enc: enc, dec: dec}, nil
}

// Get implements Cache.
func (k *KVCache) Get(key string) ([]desformat.Entry, bool) {
	compressed, err := k.cache.Get(key)
	if err != nil {
		if !errors.Is(err, bigcache.ErrEntryNotFound) {
			return nil, false
		}
		return nil, false
	}
	raw, err := k.dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, false
	}
	entries, err := desformat.DecodeEntries(raw)
	if err != nil {
		return nil, false
	}
	return entries, true
}

// Put implements Cache. ttl is accepted for interface parity but bigcache's
// lifeWindow is fixed at construction; callers needing per-key TTL should use
// MemCache instead.
func (k *KVCache) Put(key string, entries []desformat.Entry, _ time.Duration) {
	var raw []byte
	for _, e := range entries {
		var err error
		raw, err = e.Encode(raw)
		if err != nil {
			return
		}
	}
	compressed := k.enc.EncodeAll(raw, nil)
	if err := k.cache.Set(key, compressed); err != nil {
		return
	}
}

// Close releases the bigcache background workers.
func (k *KVCache) Close() error {
	return k.cache.Close()
}
