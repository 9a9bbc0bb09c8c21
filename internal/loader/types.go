// Package loader - Configuration Types
//
// Defines the YAML configuration structure for stationd.
//
//	data_dir:    root of all persisted state
//	legacy:      operation-log store read by the storage-engine migration
//	relational:  DuckDB store holding current history
//	retention:   pruning horizon, interval, optional Parquet archive
//	sync:        cloud sync timer and outbox
//	migration:   storage-engine parallelism
//	ingest:      frame workers and the hex line source
//	logging:     level and format
package loader

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ruuvi/stationd/config"
)

// =============================================================================
// Root Configuration
// =============================================================================

// Config is the root configuration structure for stationd.
type Config struct {
	// DataDir is the root for relative storage paths.
	// Default: "/var/lib/stationd"
	DataDir string `yaml:"data_dir"`

	Legacy     LegacyConfig     `yaml:"legacy"`
	Relational RelationalConfig `yaml:"relational"`
	Retention  RetentionConfig  `yaml:"retention"`
	Sync       SyncConfig       `yaml:"sync"`
	Migration  MigrationConfig  `yaml:"migration"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// =============================================================================
// Storage Configuration
// =============================================================================

// LegacyConfig configures the legacy operation log.
type LegacyConfig struct {
	// Enabled opens the legacy store so the storage-engine migration can
	// drain it. Default: true
	Enabled bool `yaml:"enabled"`

	// Dir is the log directory, relative to data_dir unless absolute.
	// Default: "legacy"
	Dir string `yaml:"dir"`

	// MaxSegmentSize rotates log segments. Default: "16MB"
	MaxSegmentSize ByteSize `yaml:"max_segment_size"`

	// SyncMode is one of "async", "sync", "fsync". Default: "sync"
	SyncMode string `yaml:"sync_mode"`
}

// RelationalConfig configures the DuckDB store.
type RelationalConfig struct {
	// Path is the database file, relative to data_dir unless absolute.
	// Default: "station.duckdb"
	Path string `yaml:"path"`

	// QueryTimeout bounds a single statement. Default: "30s"
	QueryTimeout Duration `yaml:"query_timeout"`
}

// RetentionConfig configures the pruner.
type RetentionConfig struct {
	// Hours is the fallback horizon when no retention_hours preference is
	// stored; a reload writes it to the preference. Default: 240
	Hours int `yaml:"hours"`

	// Interval between pruning runs. Default: "1h"
	Interval Duration `yaml:"interval"`

	// Concurrency is the number of sensors pruned in parallel. Default: 1
	Concurrency int `yaml:"concurrency"`

	Archive ArchiveConfig `yaml:"archive"`
}

// ArchiveConfig configures the Parquet archive of pruned records.
type ArchiveConfig struct {
	Enabled bool `yaml:"enabled"`

	// Dir is relative to data_dir unless absolute. Default: "archive"
	Dir string `yaml:"dir"`

	// Compression is "zstd", "snappy", "gzip" or "none". Default: "zstd"
	Compression string `yaml:"compression"`
}

// =============================================================================
// Background Work
// =============================================================================

// SyncConfig configures the cloud sync scheduler.
type SyncConfig struct {
	Enabled bool `yaml:"enabled"`

	// Interval of the sync timer; runtime-configurable. Default: "15m"
	Interval Duration `yaml:"interval"`

	// PassTimeout bounds one pass. Default: "2m"
	PassTimeout Duration `yaml:"pass_timeout"`

	// Outbox is the file delivered requests are appended to, relative to
	// data_dir unless absolute. Default: "outbox.jsonl"
	Outbox string `yaml:"outbox"`
}

// MigrationConfig configures the storage-engine migration.
type MigrationConfig struct {
	// Concurrency is the number of sensors migrated in parallel. Default: 2
	Concurrency int `yaml:"concurrency"`

	// BatchSize is the number of legacy records copied at once. Default: 1000
	BatchSize int `yaml:"batch_size"`
}

// IngestConfig configures the frame pipeline.
type IngestConfig struct {
	// Workers handling frames. Default: 4
	Workers int `yaml:"workers"`

	// QueueSize is the frame channel capacity. Default: 1024
	QueueSize int `yaml:"queue_size"`

	// Source is a file of hex frame lines; "-" reads stdin and empty
	// disables ingestion.
	Source string `yaml:"source"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error. Default: "info"
	Level string `yaml:"level"`

	// JSON selects the JSON handler over text.
	JSON bool `yaml:"json"`
}

// =============================================================================
// Defaults
// =============================================================================

// DefaultConfig returns a configuration with every default filled in.
func DefaultConfig() *Config {
	return &Config{
		DataDir: config.DefaultDataDir,
		Legacy: LegacyConfig{
			Enabled:        true,
			Dir:            config.DefaultLegacyDir,
			MaxSegmentSize: ByteSize(config.DefaultLegacySegmentSize),
			SyncMode:       "sync",
		},
		Relational: RelationalConfig{
			Path:         config.DefaultRelationalFile,
			QueryTimeout: Duration(config.DefaultQueryTimeout),
		},
		Retention: RetentionConfig{
			Hours:       config.DefaultRetentionHours,
			Interval:    Duration(config.DefaultPruneInterval),
			Concurrency: config.DefaultPruneConcurrency,
			Archive: ArchiveConfig{
				Dir:         config.DefaultArchiveDir,
				Compression: config.DefaultArchiveCompression,
			},
		},
		Sync: SyncConfig{
			Interval:    Duration(config.DefaultSyncInterval),
			PassTimeout: Duration(config.DefaultSyncPassTimeout),
			Outbox:      config.DefaultOutboxFile,
		},
		Migration: MigrationConfig{
			Concurrency: config.DefaultMigrationConcurrency,
			BatchSize:   config.DefaultMigrationBatchSize,
		},
		Ingest: IngestConfig{
			Workers:   config.DefaultIngestWorkers,
			QueueSize: config.DefaultIngestQueueSize,
		},
		Logging: LoggingConfig{
			Level: config.DefaultLogLevel,
		},
	}
}

// =============================================================================
// Resolved Paths
// =============================================================================

func (c *Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.DataDir, p)
}

// RelationalPath returns the DuckDB file path.
func (c *Config) RelationalPath() string { return c.resolve(c.Relational.Path) }

// LegacyDir returns the legacy log directory.
func (c *Config) LegacyDir() string { return c.resolve(c.Legacy.Dir) }

// ArchiveDir returns the archive root.
func (c *Config) ArchiveDir() string { return c.resolve(c.Retention.Archive.Dir) }

// OutboxPath returns the sync outbox file.
func (c *Config) OutboxPath() string { return c.resolve(c.Sync.Outbox) }

// RetentionHorizon returns retention.hours as a duration.
func (c *Config) RetentionHorizon() time.Duration {
	return time.Duration(c.Retention.Hours) * time.Hour
}

// =============================================================================
// Custom Types
// =============================================================================

// Duration is a time.Duration that can be unmarshaled from YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		// Try as int (seconds)
		var i int
		if err := unmarshal(&i); err != nil {
			return err
		}
		*d = Duration(time.Duration(i) * time.Second)
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		// Plain integers arrive as strings too; they mean seconds.
		secs, aerr := strconv.Atoi(s)
		if aerr != nil {
			return err
		}
		dur = time.Duration(secs) * time.Second
	}
	*d = Duration(dur)
	return nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// ByteSize is a size in bytes that can be unmarshaled from YAML.
// Supports: "16MB", "1GB", "500KB", or plain bytes.
type ByteSize int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		var i int64
		if err := unmarshal(&i); err != nil {
			return err
		}
		*b = ByteSize(i)
		return nil
	}
	size, err := parseByteSize(s)
	if err != nil {
		return err
	}
	*b = ByteSize(size)
	return nil
}

// byteUnits is ordered longest suffix first so "MB" is not read as "B".
var byteUnits = []struct {
	suffix string
	size   int64
}{
	{"KB", 1 << 10},
	{"MB", 1 << 20},
	{"GB", 1 << 30},
	{"B", 1},
}

func parseByteSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, nil
	}

	for _, u := range byteUnits {
		if strings.HasSuffix(s, u.suffix) {
			n, err := strconv.ParseInt(strings.TrimSpace(strings.TrimSuffix(s, u.suffix)), 10, 64)
			if err != nil {
				return 0, fmt.Errorf("parse byte size %q: %w", s, err)
			}
			return n * u.size, nil
		}
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse byte size %q: %w", s, err)
	}
	return n, nil
}

// Bytes returns the size in bytes.
func (b ByteSize) Bytes() int64 {
	return int64(b)
}
