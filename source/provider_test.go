package source

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/datavision/easystore/config"
)

func TestBatchSizeBackpressure(t *testing.T) {
	p := &Provider{cfg: config.SourceConfig{BatchSize: 64}, batchSize: 64}

	p.ShrinkBatchSize()
	require.Equal(t, 32, p.BatchSize())
	p.ShrinkBatchSize()
	require.Equal(t, 16, p.BatchSize())

	for i := 0; i < 20; i++ {
		p.GrowBatchSize()
	}
	require.Equal(t, 64, p.BatchSize(), "growth must not exceed the configured max")
}

func TestBatchSizeNeverBelowOne(t *testing.T) {
	p := &Provider{cfg: config.SourceConfig{BatchSize: 4}, batchSize: 1}
	p.ShrinkBatchSize()
	require.Equal(t, 1, p.BatchSize())
}

func TestLockingClausePerDialect(t *testing.T) {
	pg := &Provider{cfg: config.SourceConfig{Dialect: config.DialectPostgres}}
	require.Contains(t, pg.lockingClause(), "SKIP LOCKED")

	ms := &Provider{cfg: config.SourceConfig{Dialect: config.DialectMSSQL}}
	require.Contains(t, ms.lockingClause(), "READPAST")
}

func TestQualifiedTable(t *testing.T) {
	noSchema := &Provider{cfg: config.SourceConfig{Table: "files"}}
	require.Equal(t, "files", noSchema.qualifiedTable())

	withSchema := &Provider{cfg: config.SourceConfig{Table: "files", Schema: "ingest"}}
	require.Equal(t, "ingest.files", withSchema.qualifiedTable())
}

func TestWhereClauseOrEmpty(t *testing.T) {
	require.Equal(t, "", whereClauseOrEmpty(""))
	require.Equal(t, "AND (region = 'us')", whereClauseOrEmpty("region = 'us'"))
}
