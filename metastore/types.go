package metastore

import "time"

// Lease is a shard_leases row (spec §3.3).
type Lease struct {
	ShardID     uint32
	OwnerID     string
	AcquiredAt  time.Time
	HeartbeatAt time.Time
	TTLSeconds  uint32
	Generation  uint64
}

// Expired reports whether the lease has passed its TTL as of now.
func (l Lease) Expired(now time.Time) bool {
	return now.After(l.HeartbeatAt.Add(time.Duration(l.TTLSeconds) * time.Second))
}

// ContainerState is the container record lifecycle (spec §3.4).
type ContainerState string

const (
	ContainerOpen      ContainerState = "OPEN"
	ContainerUploading ContainerState = "UPLOADING"
	ContainerCommitted ContainerState = "COMMITTED"
	ContainerAbandoned ContainerState = "ABANDONED"
)

// ContainerRecord is a containers row (spec §3.4).
type ContainerRecord struct {
	ContainerID string
	ShardID     uint32
	Day         string // YYYY-MM-DD
	Bucket      string
	Key         string
	State       ContainerState
	FileCount   uint64
	ByteSize    uint64
	CreatedAt   time.Time
	CommittedAt time.Time
	OwnerID     string
	Generation  uint64
}
