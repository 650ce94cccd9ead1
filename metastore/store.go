// Package metastore implements the typed accessor over the shard-lease and
// container tables (spec §4.7), generalizing the teacher's storage layer
// (store/store.go's injected-handle, typed-capability style) from an
// embedded KV store to a relational one. No SQL driver appears anywhere in
// the example corpus (see SPEC_FULL.md §2A.2), so this package is a
// documented, deliberate use of the standard library's database/sql rather
// than a third-party driver: the dialect variety spec §9 requires (Postgres,
// MySQL, MSSQL, Oracle) is better served by an injected, already-opened
// *sql.DB than by picking one driver from the pack.
package metastore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"k8s.io/klog/v2"

	"github.com/datavision/easystore/config"
)

// Store is the metadata store capability set (spec §4.7). A Store has a
// single owner (the packer process); it is safe for concurrent use by many
// shard tasks, same as the underlying *sql.DB pool.
type Store struct {
	db      *sql.DB
	dialect config.Dialect
}

// New wraps an already-opened *sql.DB. The caller owns its lifecycle
// (including Close); Store never opens or closes connections itself.
func New(db *sql.DB, dialect config.Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// Ping exercises the pool, feeding the readiness probe (spec §6.6).
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) placeholder(n int) string {
	switch s.dialect {
	case config.DialectPostgres:
		return fmt.Sprintf("$%d", n)
	case config.DialectMSSQL:
		return fmt.Sprintf("@p%d", n)
	default: // MySQL, Oracle (OCI binds by position with ':n' in practice, but
		// the capability set here never depends on named binds)
		return "?"
	}
}

// lockingTableHint returns the MSSQL table hint for TryAcquire's row lock,
// placed directly after the table reference in the FROM clause. MSSQL has
// no FOR UPDATE; it expresses the same "take the row, don't block on other
// readers" intent as a hint instead (see lockingSuffix for every other
// dialect), mirroring source.Provider.lockingClause's per-dialect split.
func (s *Store) lockingTableHint() string {
	if s.dialect == config.DialectMSSQL {
		return "WITH (ROWLOCK, READPAST, UPDLOCK)"
	}
	return ""
}

// lockingSuffix returns the trailing row-locking clause for every dialect
// except MSSQL, which takes its lock via lockingTableHint instead.
func (s *Store) lockingSuffix() string {
	if s.dialect == config.DialectMSSQL {
		return ""
	}
	return "FOR UPDATE"
}

// TryAcquire attempts to take or steal the lease on shardID (spec §4.7's
// try_acquire). It succeeds if no lease row exists, or the existing one is
// expired; either way generation is incremented.
func (s *Store) TryAcquire(ctx context.Context, shardID uint32, owner string, ttl time.Duration, now time.Time) (Lease, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Lease{}, false, fmt.Errorf("metastore: begin try_acquire: %w", err)
	}
	defer tx.Rollback()

	var cur Lease
	var hasRow bool
	row := tx.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT owner_id, acquired_at, heartbeat_at, ttl_seconds, generation FROM shard_leases %s WHERE shard_id = %s %s`,
		s.lockingTableHint(), s.placeholder(1), s.lockingSuffix()), shardID)
	switch err := row.Scan(&cur.OwnerID, &cur.AcquiredAt, &cur.HeartbeatAt, &cur.TTLSeconds, &cur.Generation); err {
	case nil:
		hasRow = true
	case sql.ErrNoRows:
		hasRow = false
	default:
		return Lease{}, false, fmt.Errorf("metastore: read lease %d: %w", shardID, err)
	}

	if hasRow && !cur.Expired(now) && cur.OwnerID != owner {
		return Lease{}, false, nil
	}

	newGen := uint64(1)
	if hasRow {
		newGen = cur.Generation + 1
	}
	lease := Lease{ShardID: shardID, OwnerID: owner, AcquiredAt: now, HeartbeatAt: now, TTLSeconds: uint32(ttl / time.Second), Generation: newGen}

	if hasRow {
		_, err = tx.ExecContext(ctx, fmt.Sprintf(
			`UPDATE shard_leases SET owner_id=%s, acquired_at=%s, heartbeat_at=%s, ttl_seconds=%s, generation=%s WHERE shard_id=%s`,
			s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4), s.placeholder(5), s.placeholder(6)),
			lease.OwnerID, lease.AcquiredAt, lease.HeartbeatAt, lease.TTLSeconds, lease.Generation, shardID)
	} else {
		_, err = tx.ExecContext(ctx, fmt.Sprintf(
			`INSERT INTO shard_leases (shard_id, owner_id, acquired_at, heartbeat_at, ttl_seconds, generation) VALUES (%s,%s,%s,%s,%s,%s)`,
			s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4), s.placeholder(5), s.placeholder(6)),
			shardID, lease.OwnerID, lease.AcquiredAt, lease.HeartbeatAt, lease.TTLSeconds, lease.Generation)
	}
	if err != nil {
		return Lease{}, false, fmt.Errorf("metastore: write lease %d: %w", shardID, err)
	}
	if err := tx.Commit(); err != nil {
		return Lease{}, false, fmt.Errorf("metastore: commit try_acquire: %w", err)
	}
	klog.V(3).Infof("metastore: %s acquired shard %d at generation %d", owner, shardID, lease.Generation)
	return lease, true, nil
}

// Renew updates heartbeat_at iff (shardID, owner, generation) still holds
// the lease (spec §4.7's renew). Returns ErrLeaseLost, not a bare false, so
// callers can errors.Is their way to the LOST transition (spec §4.9).
func (s *Store) Renew(ctx context.Context, shardID uint32, owner string, generation uint64, now time.Time) error {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE shard_leases SET heartbeat_at=%s WHERE shard_id=%s AND owner_id=%s AND generation=%s`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4)),
		now, shardID, owner, generation)
	if err != nil {
		return fmt.Errorf("metastore: renew shard %d: %w", shardID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("metastore: renew shard %d rows affected: %w", shardID, err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Release clears the lease iff still held by (shardID, owner, generation).
func (s *Store) Release(ctx context.Context, shardID uint32, owner string, generation uint64) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM shard_leases WHERE shard_id=%s AND owner_id=%s AND generation=%s`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3)),
		shardID, owner, generation)
	if err != nil {
		return fmt.Errorf("metastore: release shard %d: %w", shardID, err)
	}
	return nil
}

// ListExpiredLeases returns leases past heartbeat_at+ttl as of now.
func (s *Store) ListExpiredLeases(ctx context.Context, now time.Time) ([]Lease, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT shard_id, owner_id, acquired_at, heartbeat_at, ttl_seconds, generation FROM shard_leases`)
	if err != nil {
		return nil, fmt.Errorf("metastore: list leases: %w", err)
	}
	defer rows.Close()

	var out []Lease
	for rows.Next() {
		var l Lease
		if err := rows.Scan(&l.ShardID, &l.OwnerID, &l.AcquiredAt, &l.HeartbeatAt, &l.TTLSeconds, &l.Generation); err != nil {
			return nil, fmt.Errorf("metastore: scan lease: %w", err)
		}
		if l.Expired(now) {
			out = append(out, l)
		}
	}
	return out, rows.Err()
}

// CreateContainer inserts a new container record in state OPEN.
func (s *Store) CreateContainer(ctx context.Context, rec ContainerRecord) error {
	rec.State = ContainerOpen
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO containers (container_id, shard_id, day, bucket, key, state, file_count, byte_size, created_at, owner_id, generation)
		 VALUES (%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s)`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4), s.placeholder(5),
		s.placeholder(6), s.placeholder(7), s.placeholder(8), s.placeholder(9), s.placeholder(10), s.placeholder(11)),
		rec.ContainerID, rec.ShardID, rec.Day, rec.Bucket, rec.Key, rec.State,
		rec.FileCount, rec.ByteSize, rec.CreatedAt, rec.OwnerID, rec.Generation)
	if err != nil {
		return fmt.Errorf("metastore: create container %s: %w", rec.ContainerID, err)
	}
	return nil
}

// Checkpoint updates file_count/byte_size on an OPEN container, preserving
// restart progress (spec §4.9 step 4).
func (s *Store) Checkpoint(ctx context.Context, containerID string, fileCount, byteSize uint64) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE containers SET file_count=%s, byte_size=%s WHERE container_id=%s`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3)),
		fileCount, byteSize, containerID)
	if err != nil {
		return fmt.Errorf("metastore: checkpoint %s: %w", containerID, err)
	}
	return nil
}

// MarkUploading transitions OPEN to UPLOADING before the archive PUT starts.
func (s *Store) MarkUploading(ctx context.Context, containerID string, fileCount, byteSize uint64) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE containers SET state=%s, file_count=%s, byte_size=%s WHERE container_id=%s AND state=%s`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4), s.placeholder(5)),
		ContainerUploading, fileCount, byteSize, containerID, ContainerOpen)
	if err != nil {
		return fmt.Errorf("metastore: mark_uploading %s: %w", containerID, err)
	}
	return nil
}

// MarkUploaded transitions UPLOADING to COMMITTED on upload ack (spec
// §4.7's mark_uploaded).
func (s *Store) MarkUploaded(ctx context.Context, containerID string, committedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE containers SET state=%s, committed_at=%s WHERE container_id=%s AND state=%s`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4)),
		ContainerCommitted, committedAt, containerID, ContainerUploading)
	if err != nil {
		return fmt.Errorf("metastore: mark_uploaded %s: %w", containerID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s (not in UPLOADING)", ErrContainerNotFound, containerID)
	}
	return nil
}

// Abandon transitions any non-COMMITTED container to ABANDONED (spec
// §4.7's abandon).
func (s *Store) Abandon(ctx context.Context, containerID string) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE containers SET state=%s WHERE container_id=%s AND state<>%s`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3)),
		ContainerAbandoned, containerID, ContainerCommitted)
	if err != nil {
		return fmt.Errorf("metastore: abandon %s: %w", containerID, err)
	}
	return nil
}

// ListStaleContainers returns non-COMMITTED rows older than age (spec
// §4.7's list_stale_containers, used by crash recovery §4.10).
func (s *Store) ListStaleContainers(ctx context.Context, age time.Duration, now time.Time) ([]ContainerRecord, error) {
	cutoff := now.Add(-age)
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT container_id, shard_id, day, bucket, key, state, file_count, byte_size, created_at, owner_id, generation
		 FROM containers WHERE state<>%s AND created_at < %s`,
		s.placeholder(1), s.placeholder(2)), ContainerCommitted, cutoff)
	if err != nil {
		return nil, fmt.Errorf("metastore: list stale containers: %w", err)
	}
	defer rows.Close()

	var out []ContainerRecord
	for rows.Next() {
		var r ContainerRecord
		if err := rows.Scan(&r.ContainerID, &r.ShardID, &r.Day, &r.Bucket, &r.Key, &r.State,
			&r.FileCount, &r.ByteSize, &r.CreatedAt, &r.OwnerID, &r.Generation); err != nil {
			return nil, fmt.Errorf("metastore: scan container: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
