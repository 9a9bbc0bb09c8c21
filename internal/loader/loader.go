// Package loader handles configuration file loading, validation and hot
// reload.
package loader

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ruuvi/stationd/config"
	"github.com/ruuvi/stationd/internal/errors"
	"github.com/ruuvi/stationd/internal/retention"
)

// =============================================================================
// Load
// =============================================================================

// Load reads, expands and validates the configuration at path. Fields the
// file leaves out keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML document over the defaults and validates it.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w: %w", errors.ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// =============================================================================
// Validate
// =============================================================================

// Validate checks every section and returns all problems at once as
// *errors.ValidationErrors.
func (c *Config) Validate() error {
	errs := errors.NewValidationErrors()

	if c.DataDir == "" {
		errs.AddField("data_dir", "cannot be empty")
	}

	if c.Legacy.Enabled {
		if c.Legacy.Dir == "" {
			errs.AddField("legacy.dir", "cannot be empty when enabled")
		}
		switch c.Legacy.SyncMode {
		case "async", "sync", "fsync":
		default:
			errs.AddField("legacy.sync_mode", fmt.Sprintf("unknown mode %q", c.Legacy.SyncMode))
		}
		if c.Legacy.MaxSegmentSize.Bytes() < 1024 {
			errs.AddField("legacy.max_segment_size", "must be at least 1KB")
		}
	}

	if c.Relational.Path == "" {
		errs.AddMissing("relational.path")
	}
	if c.Relational.QueryTimeout.Duration() <= 0 {
		errs.AddField("relational.query_timeout", "must be positive")
	}

	if c.Retention.Hours <= 0 {
		errs.AddField("retention.hours", "must be positive")
	}
	if c.Retention.Interval.Duration() < config.MinPruneInterval {
		errs.AddField("retention.interval", fmt.Sprintf("must be at least %v", config.MinPruneInterval))
	}
	if c.Retention.Concurrency < 1 {
		errs.AddField("retention.concurrency", "must be at least 1")
	}
	if c.Retention.Archive.Enabled {
		if c.Retention.Archive.Dir == "" {
			errs.AddField("retention.archive.dir", "cannot be empty when enabled")
		}
		switch c.Retention.Archive.Compression {
		case "zstd", "snappy", "gzip", "none":
		default:
			errs.AddField("retention.archive.compression", fmt.Sprintf("unknown codec %q", c.Retention.Archive.Compression))
		}
	}

	if c.Sync.Enabled {
		if c.Sync.Interval.Duration() < config.MinSyncInterval {
			errs.AddField("sync.interval", fmt.Sprintf("must be at least %v", config.MinSyncInterval))
		}
		if c.Sync.Outbox == "" {
			errs.AddField("sync.outbox", "cannot be empty when enabled")
		}
	}
	if c.Sync.PassTimeout.Duration() <= 0 {
		errs.AddField("sync.pass_timeout", "must be positive")
	}

	if c.Migration.Concurrency < 1 {
		errs.AddField("migration.concurrency", "must be at least 1")
	}
	if c.Migration.BatchSize < 1 {
		errs.AddField("migration.batch_size", "must be at least 1")
	}

	if c.Ingest.Workers < 1 {
		errs.AddField("ingest.workers", "must be at least 1")
	}
	if c.Ingest.QueueSize < 0 {
		errs.AddField("ingest.queue_size", "cannot be negative")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs.AddField("logging.level", fmt.Sprintf("unknown level %q", c.Logging.Level))
	}

	return errs.Err()
}

// =============================================================================
// Conversion
// =============================================================================

// ArchiveOptions returns the pruner archive options, or nil when archiving
// is disabled.
func (c *Config) ArchiveOptions() *retention.ArchiveOptions {
	if !c.Retention.Archive.Enabled {
		return nil
	}
	return &retention.ArchiveOptions{
		Dir:         c.ArchiveDir(),
		Compression: retention.ParseCompressionType(c.Retention.Archive.Compression),
	}
}

// PrunerConfig returns the pruner configuration.
func (c *Config) PrunerConfig() retention.Config {
	return retention.Config{
		Horizon:     c.RetentionHorizon(),
		Interval:    c.Retention.Interval.Duration(),
		Concurrency: c.Retention.Concurrency,
		Archive:     c.ArchiveOptions(),
	}
}
