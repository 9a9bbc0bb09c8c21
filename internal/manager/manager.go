// Package manager assembles a station: both storage backends, the
// coordinator and the background components built on it. The daemon and
// the operator shell share it.
package manager

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/ruuvi/stationd/config"
	"github.com/ruuvi/stationd/internal/coordinator"
	"github.com/ruuvi/stationd/internal/errors"
	"github.com/ruuvi/stationd/internal/ingest"
	"github.com/ruuvi/stationd/internal/loader"
	"github.com/ruuvi/stationd/internal/logging"
	"github.com/ruuvi/stationd/internal/migration"
	"github.com/ruuvi/stationd/internal/retention"
	"github.com/ruuvi/stationd/internal/scheduler"
	"github.com/ruuvi/stationd/internal/storage"
	"github.com/ruuvi/stationd/internal/storage/legacy"
	"github.com/ruuvi/stationd/internal/storage/relational"
)

var log = logging.Component("manager")

// Manager owns the stores and the components wired to them.
type Manager struct {
	cfg *loader.Config

	relational *relational.Store
	legacy     *legacy.Store

	coord     *coordinator.Coordinator
	runner    *migration.Runner
	engine    *migration.StorageEngine
	pruner    *retention.Pruner
	scheduler *scheduler.SyncScheduler
	pipeline  *ingest.Pipeline
}

// New opens the stores named by cfg and builds every component. Nothing is
// started. The legacy store is opened only when its directory exists.
func New(ctx context.Context, cfg *loader.Config) (*Manager, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	rcfg := relational.DefaultConfig()
	rcfg.DSN = cfg.RelationalPath()
	rcfg.QueryTimeout = cfg.Relational.QueryTimeout.Duration()
	rel, err := relational.Open(rcfg)
	if err != nil {
		return nil, err
	}

	m := &Manager{cfg: cfg, relational: rel}

	var legacyBackend storage.Backend
	if cfg.Legacy.Enabled {
		if _, err := os.Stat(cfg.LegacyDir()); err == nil {
			opts := legacy.DefaultOptions()
			opts.MaxSegmentSize = cfg.Legacy.MaxSegmentSize.Bytes()
			opts.SyncMode = legacy.SyncMode(cfg.Legacy.SyncMode)
			m.legacy, err = legacy.Open(cfg.LegacyDir(), opts)
			if err != nil {
				rel.Close()
				return nil, err
			}
			legacyBackend = m.legacy
		}
	}

	m.coord, err = coordinator.New(ctx, coordinator.Config{Current: rel, Legacy: legacyBackend})
	if err != nil {
		m.Close()
		return nil, err
	}

	migrations := migration.Defaults(m.coord, m.coord, cfg.Migration.Concurrency, cfg.Migration.BatchSize, cfg.Retention.Hours)
	for _, mig := range migrations {
		if se, ok := mig.(*migration.StorageEngine); ok {
			m.engine = se
		}
	}
	m.runner = migration.NewRunner(rel, migrations, migration.WithEventHandler(logEvent))

	m.pruner = retention.New(m.coord, cfg.PrunerConfig())

	if cfg.Sync.Enabled {
		m.scheduler = scheduler.New(m.coord.Queue(), scheduler.NewOutboxTransport(cfg.OutboxPath()), scheduler.Config{
			Interval:    cfg.Sync.Interval.Duration(),
			PassTimeout: cfg.Sync.PassTimeout.Duration(),
			OnComplete:  logPass,
		})
	}

	m.pipeline = ingest.New(m.coord, ingest.Config{
		Workers:   cfg.Ingest.Workers,
		QueueSize: cfg.Ingest.QueueSize,
	})

	log.Info("station opened",
		"relational", rcfg.DSN,
		"legacy", m.legacy != nil,
		"sync", m.scheduler != nil)
	return m, nil
}

func logEvent(ev migration.Event) {
	log.Debug("migration resolved", "id", ev.ID, "state", ev.State.String())
}

func logPass(res scheduler.PassResult) {
	if res.Err != nil {
		log.Warn("sync pass failed", "pass", res.Pass, "trigger", res.Trigger.String(), "error", res.Err)
		return
	}
	log.Debug("sync pass done", "pass", res.Pass, "delivered", res.Delivered)
}

// =============================================================================
// Accessors
// =============================================================================

// Config returns the configuration the manager was built from.
func (m *Manager) Config() *loader.Config { return m.cfg }

// Coordinator returns the storage entry point.
func (m *Manager) Coordinator() *coordinator.Coordinator { return m.coord }

// Relational returns the current backend.
func (m *Manager) Relational() *relational.Store { return m.relational }

// HasLegacy reports whether a legacy store was opened.
func (m *Manager) HasLegacy() bool { return m.legacy != nil }

// Migrations returns the migration runner.
func (m *Manager) Migrations() *migration.Runner { return m.runner }

// StorageEngine returns the storage-engine migration for progress queries.
func (m *Manager) StorageEngine() *migration.StorageEngine { return m.engine }

// Pruner returns the retention pruner.
func (m *Manager) Pruner() *retention.Pruner { return m.pruner }

// Scheduler returns the sync scheduler, or nil when sync is disabled.
func (m *Manager) Scheduler() *scheduler.SyncScheduler { return m.scheduler }

// Pipeline returns the ingest pipeline.
func (m *Manager) Pipeline() *ingest.Pipeline { return m.pipeline }

// =============================================================================
// Runtime configuration
// =============================================================================

// PersistRetention stores horizon as the retention_hours preference.
func (m *Manager) PersistRetention(horizon time.Duration) error {
	hours := int(horizon / time.Hour)
	if hours <= 0 {
		return errors.NewValidation("retention", "horizon below one hour")
	}
	return m.coord.PutPreference(context.Background(), config.PreferenceRetentionHours, strconv.Itoa(hours))
}

// RuntimeHandler returns the config reload callback for this station.
func (m *Manager) RuntimeHandler() loader.ChangeFunc {
	var sched loader.IntervalSetter
	if m.scheduler != nil {
		sched = m.scheduler
	}
	return loader.PushRuntime(sched, m.pruner, m.PersistRetention)
}

// =============================================================================
// Shutdown
// =============================================================================

// Stop halts the background components. In-flight sync passes are left to
// finish on their own.
func (m *Manager) Stop() {
	if m.scheduler != nil {
		m.scheduler.Stop()
	}
	m.pruner.Stop()
}

// Close stops everything and closes both stores.
func (m *Manager) Close() error {
	if m.pruner != nil {
		m.Stop()
	}

	var errs []error
	if m.legacy != nil {
		errs = append(errs, m.legacy.Close())
	}
	errs = append(errs, m.relational.Close())
	return errors.Join(errs...)
}
