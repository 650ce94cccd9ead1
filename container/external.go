package container

import "context"

// ExternalBlobHandle is the narrow capability a Writer needs to divert
// oversized payloads to a sidecar location (spec §3.2). It is supplied to
// the writer by value at construction so the writer never holds a
// back-pointer into whatever owns the archive client (spec §9, "re-architect
// as unidirectional").
type ExternalBlobHandle interface {
	// Upload stores data under <archive-prefix>/_bigFiles/<containerStem>/<name>
	// (spec §6.2) and returns the URL to record in the file's meta.
	Upload(ctx context.Context, containerStem, name string, data []byte) (url string, err error)
}
