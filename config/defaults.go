// Package config provides configuration defaults and utilities
// for stationd.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via config.yaml.
package config

import "time"

// =============================================================================
// Storage Defaults
// =============================================================================

const (
	// DefaultDataDir is the root directory for all persisted state.
	// Override via config: data_dir
	DefaultDataDir = "/var/lib/stationd"

	// DefaultRelationalFile is the DuckDB database file, relative to data_dir.
	// Override via config: relational.path
	DefaultRelationalFile = "station.duckdb"

	// DefaultLegacyDir is the legacy operation log directory, relative to data_dir.
	// Override via config: legacy.dir
	DefaultLegacyDir = "legacy"

	// DefaultLegacySegmentSize is the size at which the legacy log rotates.
	// Override via config: legacy.max_segment_size
	DefaultLegacySegmentSize = 16 * 1024 * 1024

	// DefaultQueryTimeout bounds a single relational query.
	// Override via config: relational.query_timeout
	DefaultQueryTimeout = 30 * time.Second

	// DefaultMaxRecordsPerInsert limits rows per multi-row INSERT statement.
	// 18 columns * 200 rows stays well below DuckDB parameter limits.
	DefaultMaxRecordsPerInsert = 200
)

// =============================================================================
// Retention Defaults
// =============================================================================

const (
	// DefaultRetentionHours is the default history horizon (10 days).
	// Written as a preference by the retention-default migration.
	// Override via config: retention.hours
	DefaultRetentionHours = 240

	// DefaultPruneInterval is how often the pruner runs.
	// Override via config: retention.interval
	DefaultPruneInterval = time.Hour

	// MinPruneInterval guards against pruning in a tight loop.
	MinPruneInterval = time.Minute

	// DefaultPruneConcurrency is the number of sensors pruned in parallel.
	// One is always safe; DuckDB tolerates more.
	// Override via config: retention.concurrency
	DefaultPruneConcurrency = 1

	// DefaultArchiveDir is where pruned records are archived, relative to data_dir.
	// Override via config: retention.archive.dir
	DefaultArchiveDir = "archive"

	// DefaultArchiveCompression is the Parquet codec of archive files.
	// Override via config: retention.archive.compression
	DefaultArchiveCompression = "zstd"
)

// =============================================================================
// Migration Defaults
// =============================================================================

const (
	// DefaultMigrationConcurrency is the number of sensors migrated in parallel.
	// Override via config: migration.concurrency
	DefaultMigrationConcurrency = 2

	// DefaultMigrationBatchSize is the number of legacy records copied per batch.
	// Override via config: migration.batch_size
	DefaultMigrationBatchSize = 1000
)

// =============================================================================
// Sync Scheduler Defaults
// =============================================================================

const (
	// DefaultSyncInterval is the period of the background sync timer.
	// Runtime-configurable; the config watcher pushes changes.
	// Override via config: sync.interval
	DefaultSyncInterval = 15 * time.Minute

	// MinSyncInterval guards against a misconfigured busy loop.
	MinSyncInterval = 10 * time.Second

	// DefaultSyncPassTimeout bounds one sync pass.
	// Override via config: sync.pass_timeout
	DefaultSyncPassTimeout = 2 * time.Minute

	// DefaultOutboxFile receives delivered cloud requests, relative to data_dir.
	// Override via config: sync.outbox
	DefaultOutboxFile = "outbox.jsonl"
)

// =============================================================================
// Ingest Defaults
// =============================================================================

const (
	// DefaultIngestWorkers is the number of goroutines handling decoded frames.
	// Frames of one sensor are still serialized by the coordinator.
	// Override via config: ingest.workers
	DefaultIngestWorkers = 4

	// DefaultIngestQueueSize is the frame channel capacity.
	// Override via config: ingest.queue_size
	DefaultIngestQueueSize = 1024
)

// =============================================================================
// Process Defaults
// =============================================================================

const (
	// DefaultConfigPath is where stationd looks for its configuration.
	DefaultConfigPath = "/etc/stationd/config.yaml"

	// DefaultLogLevel is the minimum level logged.
	// Override via config: logging.level
	DefaultLogLevel = "info"

	// DefaultReloadDebounce coalesces bursts of config file events.
	DefaultReloadDebounce = 250 * time.Millisecond
)

// =============================================================================
// Calibration Defaults
// =============================================================================

const (
	// HumidityReferenceTemperatureC is the temperature at which legacy
	// humidity offsets were expressed.
	HumidityReferenceTemperatureC = 20.0
)

// =============================================================================
// Preference Keys
// =============================================================================

const (
	// PreferenceRetentionHours holds the retention horizon in hours.
	// Set once by the retention-default migration; operators may change it.
	PreferenceRetentionHours = "retention_hours"
)
