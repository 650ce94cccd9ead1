// Package source implements the per-source-database provider (spec §4.8):
// claim pending rows under dialect-appropriate locking, fetch file bytes
// from the source object store, and report packed/failed outcomes. Like
// metastore, it is built on the standard library's database/sql rather than
// a pack driver — see SPEC_FULL.md §2A.2 for why no corpus SQL driver could
// serve this role, and the teacher's http-range.go for how the fetch half
// is grounded.
package source

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"k8s.io/klog/v2"

	"github.com/datavision/easystore/config"
	"github.com/datavision/easystore/objstore"
	"github.com/datavision/easystore/shardhash"
)

// PendingFile is a claimed row (spec §3.5).
type PendingFile struct {
	ID        string
	Bucket    string
	Key       string
	SizeBytes int64
	CreatedAt time.Time
	ShardID   uint32
	Meta      map[string]any
}

// Provider claims, fetches, and reports on rows from one configured source
// database.
type Provider struct {
	db     *sql.DB
	cfg    config.SourceConfig
	client *objstore.Client

	// batchSize is the live, backpressure-adjusted batch size (spec §4.9's
	// "Backpressure": multiplicative decrease on error, additive increase on
	// sustained success, bounded [1, configured_max]).
	batchSize int
}

// New wraps an already-opened *sql.DB scoped to one source (spec §6.4).
func New(db *sql.DB, cfg config.SourceConfig, client *objstore.Client) *Provider {
	bs := cfg.BatchSize
	if bs <= 0 {
		bs = 1
	}
	return &Provider{db: db, cfg: cfg, client: client, batchSize: bs}
}

// BatchSize returns the current, backpressure-adjusted claim batch size.
func (p *Provider) BatchSize() int { return p.batchSize }

// GrowBatchSize implements the additive-increase half of backpressure.
func (p *Provider) GrowBatchSize() {
	if p.batchSize < p.cfg.BatchSize {
		p.batchSize++
	}
}

// ShrinkBatchSize implements the multiplicative-decrease half of backpressure.
func (p *Provider) ShrinkBatchSize() {
	p.batchSize = max(1, p.batchSize/2)
}

func (p *Provider) placeholder(n int) string {
	switch p.cfg.Dialect {
	case config.DialectPostgres:
		return fmt.Sprintf("$%d", n)
	case config.DialectMSSQL:
		return fmt.Sprintf("@p%d", n)
	default:
		return "?"
	}
}

func (p *Provider) qualifiedTable() string {
	if p.cfg.Schema != "" {
		return p.cfg.Schema + "." + p.cfg.Table
	}
	return p.cfg.Table
}

// lockingClause returns the dialect-appropriate row-locking suffix for the
// claim SELECT (spec §4.8: "skip locked" semantics where supported).
func (p *Provider) lockingClause() string {
	switch p.cfg.Dialect {
	case config.DialectPostgres, config.DialectOracle:
		return "FOR UPDATE SKIP LOCKED"
	case config.DialectMySQL:
		return "FOR UPDATE SKIP LOCKED" // MySQL 8.0+; older targets degrade to FOR UPDATE via operator config, not modeled here
	case config.DialectMSSQL:
		return "WITH (ROWLOCK, READPAST, UPDLOCK)"
	default:
		return "FOR UPDATE"
	}
}

// Claim selects up to p.BatchSize() pending rows whose derived shard is in
// shardIDs, marks them claimed (status and ClaimedAt), and returns them (spec
// §4.8's claim). owner is only logged; no owner column is written to the row.
func (p *Provider) Claim(ctx context.Context, owner string, shardIDs map[uint32]struct{}, now time.Time) ([]PendingFile, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("source: begin claim: %w", err)
	}
	defer tx.Rollback()

	cols := p.cfg.Columns
	selectCols := fmt.Sprintf("%s, %s, %s, %s, %s", cols.ID, cols.Bucket, cols.Key, cols.SizeBytes, cols.CreatedAt)
	shardKeyCol := cols.ShardKey
	if shardKeyCol == "" {
		shardKeyCol = cols.Key
	}
	selectCols += ", " + shardKeyCol

	query := fmt.Sprintf(
		`SELECT %s FROM %s WHERE %s = %s %s ORDER BY %s LIMIT %s %s`,
		selectCols, p.qualifiedTable(), cols.Status, p.placeholder(1),
		whereClauseOrEmpty(p.cfg.WhereClause), cols.CreatedAt, p.placeholder(2), p.lockingClause())

	rows, err := tx.QueryContext(ctx, query, p.cfg.StatusPendingValue, p.batchSize)
	if err != nil {
		return nil, fmt.Errorf("source: claim select: %w", err)
	}

	var candidates []PendingFile
	for rows.Next() {
		var pf PendingFile
		var routingKey string
		if err := rows.Scan(&pf.ID, &pf.Bucket, &pf.Key, &pf.SizeBytes, &pf.CreatedAt, &routingKey); err != nil {
			rows.Close()
			return nil, fmt.Errorf("source: scan claim row: %w", err)
		}
		shardID, err := shardhash.Hash([]byte(routingKey), p.cfg.ShardBits)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("source: derive shard for %s: %w", pf.ID, err)
		}
		pf.ShardID = shardID
		if _, wanted := shardIDs[shardID]; wanted {
			candidates = append(candidates, pf)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("source: claim rows: %w", err)
	}
	rows.Close()

	for _, pf := range candidates {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(
			`UPDATE %s SET %s = %s, %s = %s WHERE %s = %s`,
			p.qualifiedTable(), cols.Status, p.placeholder(1), cols.ClaimedAt, p.placeholder(2),
			cols.ID, p.placeholder(3)),
			p.cfg.StatusClaimedValue, now, pf.ID)
		if err != nil {
			return nil, fmt.Errorf("source: claim update %s: %w", pf.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("source: commit claim: %w", err)
	}
	klog.V(4).Infof("source %s: claimed %d rows for %s", p.cfg.Name, len(candidates), owner)
	return candidates, nil
}

func whereClauseOrEmpty(clause string) string {
	if clause == "" {
		return ""
	}
	return "AND (" + clause + ")"
}

// Fetch downloads a pending file's bytes from the source object store (spec
// §4.8's fetch).
func (p *Provider) Fetch(ctx context.Context, pf PendingFile, url string) ([]byte, error) {
	obj, err := objstore.Open(ctx, p.client, objstore.Locator{Bucket: pf.Bucket, Key: pf.Key, URL: url})
	if err != nil {
		return nil, fmt.Errorf("source: open %s/%s: %w", pf.Bucket, pf.Key, err)
	}
	defer obj.Close()
	data, err := obj.ReadRange(ctx, 0, obj.Size())
	if err != nil {
		return nil, fmt.Errorf("source: fetch %s/%s: %w", pf.Bucket, pf.Key, err)
	}
	return data, nil
}

// MarkPacked records the terminal success transition (spec §4.8).
func (p *Provider) MarkPacked(ctx context.Context, pf PendingFile, containerID string) error {
	_, err := p.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET %s = %s WHERE %s = %s`,
		p.qualifiedTable(), p.cfg.Columns.Status, p.placeholder(1), p.cfg.Columns.ID, p.placeholder(2)),
		p.cfg.StatusPackedValue, pf.ID)
	if err != nil {
		return fmt.Errorf("source: mark_packed %s: %w", pf.ID, err)
	}
	return nil
}

// MarkFailed records the terminal failure transition (spec §4.8). reason is
// logged, not persisted — the column mapping has no reason field (spec
// §3.5/§6.4).
func (p *Provider) MarkFailed(ctx context.Context, pf PendingFile, reason error) error {
	_, err := p.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET %s = %s WHERE %s = %s`,
		p.qualifiedTable(), p.cfg.Columns.Status, p.placeholder(1), p.cfg.Columns.ID, p.placeholder(2)),
		p.cfg.StatusFailedValue, pf.ID)
	if err != nil {
		return fmt.Errorf("source: mark_failed %s: %w", pf.ID, err)
	}
	klog.Warningf("source %s: %s marked failed: %v", p.cfg.Name, pf.ID, reason)
	return nil
}

// ResetTimedOutClaims resets rows still claimed past claim_timeout_seconds
// back to pending (spec §4.8's claim-timeout reclaim, exercised by
// recovery.Sweeper.SweepOnce's step 3). The comparison is against ClaimedAt, the
// timestamp Claim() itself stamps — not CreatedAt, which is the row's
// original pre-claim creation time and would measure row age instead of
// claim age.
func (p *Provider) ResetTimedOutClaims(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.Add(-p.cfg.ClaimTimeout())
	res, err := p.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET %s = %s WHERE %s = %s AND %s < %s`,
		p.qualifiedTable(), p.cfg.Columns.Status, p.placeholder(1),
		p.cfg.Columns.Status, p.placeholder(2), p.cfg.Columns.ClaimedAt, p.placeholder(3)),
		p.cfg.StatusPendingValue, p.cfg.StatusClaimedValue, cutoff)
	if err != nil {
		return 0, fmt.Errorf("source: reset timed out claims: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("source: reset timed out claims rows affected: %w", err)
	}
	return n, nil
}
