// Package config loads the packer's configuration, mirroring the teacher's
// config.go: a struct loaded from either YAML or JSON by file extension,
// with a content hash captured for change detection.
package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/ryanuber/go-glob"
	"gopkg.in/yaml.v3"
)

// Dialect names the SQL dialect of a metadata or source store (spec §9's
// tagged variant for per-dialect behavior).
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
	DialectMSSQL    Dialect = "mssql"
	DialectOracle   Dialect = "oracle"
)

// ColumnMapping is the required column mapping for one source DB (spec §6.4).
// ClaimedAt is additional to the spec's base column set: it is the
// timestamp Claim() stamps on a row the moment it claims it, and is what
// claim_timeout_seconds is actually measured against (CreatedAt is the
// row's original, pre-claim creation time and must not be reused for this).
type ColumnMapping struct {
	ID        string `json:"id" yaml:"id"`
	Bucket    string `json:"bucket" yaml:"bucket"`
	Key       string `json:"key" yaml:"key"`
	SizeBytes string `json:"size_bytes" yaml:"size_bytes"`
	Status    string `json:"status" yaml:"status"`
	CreatedAt string `json:"created_at" yaml:"created_at"`
	ClaimedAt string `json:"claimed_at" yaml:"claimed_at"`
	ShardKey  string `json:"shard_key,omitempty" yaml:"shard_key,omitempty"`
}

// SourceConfig is one entry under `sources` (spec §6.4).
type SourceConfig struct {
	Name                string            `json:"name" yaml:"name"`
	ConnectionString    string            `json:"connection_string" yaml:"connection_string"`
	Dialect             Dialect           `json:"dialect" yaml:"dialect"`
	Table               string            `json:"table" yaml:"table"`
	Schema              string            `json:"schema,omitempty" yaml:"schema,omitempty"`
	Columns             ColumnMapping     `json:"columns" yaml:"columns"`
	StatusPendingValue  string            `json:"status_pending_value" yaml:"status_pending_value"`
	StatusClaimedValue  string            `json:"status_claimed_value" yaml:"status_claimed_value"`
	StatusPackedValue   string            `json:"status_packed_value" yaml:"status_packed_value"`
	StatusFailedValue   string            `json:"status_failed_value" yaml:"status_failed_value"`
	ShardBits           uint              `json:"shard_bits" yaml:"shard_bits"`
	BatchSize           int               `json:"batch_size" yaml:"batch_size"`
	ClaimTimeoutSeconds int               `json:"claim_timeout_seconds" yaml:"claim_timeout_seconds"`
	MetadataColumns     map[string]string `json:"metadata_columns,omitempty" yaml:"metadata_columns,omitempty"`
	WhereClause         string            `json:"where_clause,omitempty" yaml:"where_clause,omitempty"`
}

// ClaimTimeout returns the claim timeout as a Duration.
func (s SourceConfig) ClaimTimeout() time.Duration {
	return time.Duration(s.ClaimTimeoutSeconds) * time.Second
}

// safeIdentifier matches the identifiers Validate accepts for Table and
// Schema: letters, digits, and underscores only.
var safeIdentifier = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// whereClauseDenyGlobs rejects where_clause values carrying an obvious
// second statement or comment delimiter, since it is interpolated into a
// hand-built SQL string rather than bound as a parameter (spec §6.4 allows
// an operator-supplied predicate; it does not allow operator-supplied SQL
// injection). Glob matching (rather than a regexp) is the teacher's own
// tool of choice for this kind of coarse "does this string contain a bad
// substring" check.
var whereClauseDenyGlobs = []string{"*;*", "*--*"}

// Validate checks Table, Schema, and WhereClause before a Provider ever
// interpolates them into a query.
func (s SourceConfig) Validate() error {
	if !safeIdentifier.MatchString(s.Table) {
		return fmt.Errorf("config: source %q: table %q is not a safe identifier", s.Name, s.Table)
	}
	if s.Schema != "" && !safeIdentifier.MatchString(s.Schema) {
		return fmt.Errorf("config: source %q: schema %q is not a safe identifier", s.Name, s.Schema)
	}
	for _, deny := range whereClauseDenyGlobs {
		if glob.Glob(deny, s.WhereClause) {
			return fmt.Errorf("config: source %q: where_clause contains a disallowed token", s.Name)
		}
	}
	return nil
}

// PackerConfig configures the control loop (spec §4.9, §5).
type PackerConfig struct {
	WorkDir               string `json:"work_dir" yaml:"work_dir"`
	ArchiveBucket         string `json:"archive_bucket" yaml:"archive_bucket"`
	MaxContainerBytes     int64  `json:"max_container_bytes" yaml:"max_container_bytes"`
	MaxFilesPerContainer  uint64 `json:"max_files_per_container" yaml:"max_files_per_container"`
	CheckpointInterval    int    `json:"checkpoint_interval" yaml:"checkpoint_interval"`
	CheckpointBytes       int64  `json:"checkpoint_bytes" yaml:"checkpoint_bytes"`
	LeaseTTLSeconds       int    `json:"lease_ttl_seconds" yaml:"lease_ttl_seconds"`
	MinCommitFiles        int    `json:"min_commit_files" yaml:"min_commit_files"`
	ShutdownGraceSeconds  int    `json:"shutdown_grace_seconds" yaml:"shutdown_grace_seconds"`
	BigFileThresholdBytes int64  `json:"big_file_threshold_bytes" yaml:"big_file_threshold_bytes"`
}

// LeaseTTL returns the shard lease TTL as a Duration.
func (p PackerConfig) LeaseTTL() time.Duration {
	return time.Duration(p.LeaseTTLSeconds) * time.Second
}

// ShutdownGrace returns the shutdown grace window as a Duration.
func (p PackerConfig) ShutdownGrace() time.Duration {
	return time.Duration(p.ShutdownGraceSeconds) * time.Second
}

// Config is the top-level document.
type Config struct {
	originalFilepath string
	hashOfConfigFile string

	MetadataStoreDSN string         `json:"metadata_store_dsn" yaml:"metadata_store_dsn"`
	MetadataDialect  Dialect        `json:"metadata_dialect" yaml:"metadata_dialect"`
	NodeID           uint8          `json:"node_id" yaml:"node_id"`
	ShardBits        uint           `json:"shard_bits" yaml:"shard_bits"`
	PodOrdinal       int            `json:"pod_ordinal" yaml:"pod_ordinal"`
	PodCount         int            `json:"pod_count" yaml:"pod_count"`
	Packer           PackerConfig   `json:"packer" yaml:"packer"`
	Sources          []SourceConfig `json:"sources" yaml:"sources"`
}

// OriginalFilepath returns the path Config was loaded from.
func (c *Config) OriginalFilepath() string { return c.originalFilepath }

// ContentHash returns the SHA-256 of the config file's bytes as loaded,
// usable by callers to detect whether the file changed on disk since.
func (c *Config) ContentHash() string { return c.hashOfConfigFile }

// Load reads path as JSON or YAML (by extension) into a Config.
func Load(path string) (*Config, error) {
	var cfg Config
	switch {
	case isJSONFile(path):
		if err := loadFromJSON(path, &cfg); err != nil {
			return nil, err
		}
	case isYAMLFile(path):
		if err := loadFromYAML(path, &cfg); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("config: %q must be JSON or YAML", path)
	}
	cfg.originalFilepath = path
	sum, err := hashFileSha256(path)
	if err != nil {
		return nil, fmt.Errorf("config: hash %q: %w", path, err)
	}
	cfg.hashOfConfigFile = sum
	for _, src := range cfg.Sources {
		if err := src.Validate(); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

func isJSONFile(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".json")
}

func isYAMLFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func loadFromJSON(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %q: %w", path, err)
	}
	if err := json.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("config: parse %q: %w", path, err)
	}
	return nil
}

func loadFromYAML(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("config: parse %q: %w", path, err)
	}
	return nil
}

func hashFileSha256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}
