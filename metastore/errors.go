package metastore

import "errors"

// ErrLeaseLost is returned by Renew when the caller's (shard, owner,
// generation) triple no longer matches the current lease row — spec §7's
// LeaseLost kind. Release does not return it: a Release that matches no row
// succeeds. It never wraps a driver error: losing a lease race is an
// expected outcome, not a failure.
var ErrLeaseLost = errors.New("lease lost")

// ErrContainerNotFound is returned when a container_id has no row.
var ErrContainerNotFound = errors.New("container not found")
