package packer

import (
	"context"
	"fmt"
	"net/url"

	"github.com/datavision/easystore/objstore"
)

// archiveBlobHandle adapts an objstore.Client into container.ExternalBlobHandle
// and container.ExternalBlobFetcher, composing the sidecar layout spec §6.2
// requires: `_bigFiles/<container_id>/<encoded-name>` under the archive
// prefix.
type archiveBlobHandle struct {
	client        *objstore.Client
	archiveBucket string
	baseURL       string // e.g. "https://archive.example.com/<bucket>"
}

func newArchiveBlobHandle(client *objstore.Client, archiveBucket, baseURL string) *archiveBlobHandle {
	return &archiveBlobHandle{client: client, archiveBucket: archiveBucket, baseURL: baseURL}
}

// Upload implements container.ExternalBlobHandle. containerStem here is the
// container_id, per spec §3.2 ("<archive-prefix>/_bigFiles/<container-stem>/<name>").
func (h *archiveBlobHandle) Upload(ctx context.Context, containerStem, name string, data []byte) (string, error) {
	u := h.bigFileURL(containerStem, name)
	if err := h.client.Put(ctx, u, data); err != nil {
		return "", fmt.Errorf("packer: upload external blob %s/%s: %w", containerStem, name, err)
	}
	return u, nil
}

// Fetch implements container.ExternalBlobFetcher / rangereader's equivalent.
func (h *archiveBlobHandle) Fetch(ctx context.Context, blobURL string) ([]byte, error) {
	return h.client.Fetch(ctx, blobURL)
}

func (h *archiveBlobHandle) bigFileURL(containerStem, name string) string {
	return fmt.Sprintf("%s/_bigFiles/%s/%s", h.baseURL, containerStem, url.PathEscape(name))
}

// ContainerKey returns the archive object key for a finalized container
// (spec §6.2): `<day>/<shard_hex>/<container_id>.des`.
func ContainerKey(day string, shardID uint32, shardBits uint, containerID string) string {
	hexDigits := (shardBits + 3) / 4
	return fmt.Sprintf("%s/%0*x/%s.des", day, hexDigits, shardID, containerID)
}
