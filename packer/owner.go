package packer

import "github.com/google/uuid"

// NewOwnerID returns a fresh opaque owner id for a lease (spec §3.3's
// owner_id has no format requirement beyond uniqueness per worker process).
func NewOwnerID() string {
	return uuid.NewString()
}
