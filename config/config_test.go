package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleYAML = `
metadata_store_dsn: "postgres://localhost/des"
metadata_dialect: postgres
node_id: 3
shard_bits: 8
pod_ordinal: 0
pod_count: 4
packer:
  work_dir: /tmp/des
  archive_bucket: des-archive
  max_container_bytes: 1073741824
  max_files_per_container: 100000
  checkpoint_interval: 500
  lease_ttl_seconds: 30
  min_commit_files: 1
  shutdown_grace_seconds: 30
sources:
  - name: primary
    connection_string: "postgres://localhost/src"
    dialect: postgres
    table: files
    columns:
      id: id
      bucket: bucket
      key: key
      size_bytes: size_bytes
      status: status
      created_at: created_at
      claimed_at: claimed_at
    status_pending_value: pending
    status_claimed_value: claimed
    status_packed_value: packed
    status_failed_value: failed
    shard_bits: 8
    batch_size: 64
    claim_timeout_seconds: 300
`

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "des.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, DialectPostgres, cfg.MetadataDialect)
	require.EqualValues(t, 3, cfg.NodeID)
	require.Len(t, cfg.Sources, 1)
	require.Equal(t, "files", cfg.Sources[0].Table)
	require.Equal(t, path, cfg.OriginalFilepath())
	require.NotEmpty(t, cfg.ContentHash())
}

func TestLoadRejectsUnknownExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "des.conf")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestValidateRejectsUnsafeTableName(t *testing.T) {
	s := SourceConfig{Name: "primary", Table: "files; DROP TABLE users"}
	require.Error(t, s.Validate())
}

func TestValidateRejectsWhereClauseWithSemicolon(t *testing.T) {
	s := SourceConfig{Name: "primary", Table: "files", WhereClause: "status = 'ready'; DELETE FROM files"}
	require.Error(t, s.Validate())
}

func TestValidateAcceptsOrdinaryConfig(t *testing.T) {
	s := SourceConfig{Name: "primary", Table: "files", Schema: "public", WhereClause: "status = 'ready'"}
	require.NoError(t, s.Validate())
}
