package container

import "errors"

// Semantic error kinds, matching spec §7. These are checked with errors.Is,
// not type assertions, the way the teacher's store/types errors are checked.
var (
	// ErrNameConflict is returned by Add when the name was already added to
	// this writer.
	ErrNameConflict = errors.New("name conflict")
	// ErrNotFound is returned by Reader.Get / GetMeta when the name is
	// absent from the container.
	ErrNotFound = errors.New("not found")
	// ErrClosed is returned by any operation on a writer/reader that has
	// already been finalized, aborted, or closed.
	ErrClosed = errors.New("container handle closed")
)
