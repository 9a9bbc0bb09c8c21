package migration

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/ruuvi/stationd/config"
	"github.com/ruuvi/stationd/internal/coordinator"
	"github.com/ruuvi/stationd/internal/errors"
	"github.com/ruuvi/stationd/internal/logging"
	"github.com/ruuvi/stationd/internal/model"
	"github.com/ruuvi/stationd/internal/storage"
)

// Migration ids. Never rename one: the ledger is keyed by them.
const (
	IDStorageEngine          = "storage-engine"
	IDHumidityOffsetRelative = "humidity-offset-relative"
	IDRetentionDefault       = "retention-default"
)

// Coordinator is what the migrations need from the persistence layer.
type Coordinator interface {
	Legacy() storage.Backend
	Current() coordinator.Current
	RegisterIdentifier(ctx context.Context, local model.LocalID, mac model.MAC) error
	WithSensorLock(id string, fn func() error) error
}

// EngineState is the progress of the storage-engine migration.
type EngineState int32

const (
	EngineNotStarted EngineState = iota
	EngineInProgress
	EngineCompleted
)

func (s EngineState) String() string {
	switch s {
	case EngineNotStarted:
		return "not-started"
	case EngineInProgress:
		return "in-progress"
	case EngineCompleted:
		return "completed"
	}
	return "unknown"
}

// EngineStats counts what one storage-engine run did.
type EngineStats struct {
	Migrated int
	Skipped  int
	Failed   int
	Records  int
}

// StorageEngine moves every legacy sensor that has a MAC into the current
// backend, re-keyed by that MAC.
//
// Per sensor, in this order: register the identifier, upsert the sensor,
// copy records (insert-or-ignore), last record and settings, and only then
// delete the sensor from the legacy store. A crash anywhere before the
// delete is repaired by running the whole sensor again.
type StorageEngine struct {
	coord       Coordinator
	concurrency int
	batchSize   int

	state atomic.Int32

	mu    sync.Mutex
	stats EngineStats

	// beforeLegacyDelete runs between copying and deleting a sensor.
	beforeLegacyDelete func(model.Sensor) error
}

// NewStorageEngine creates the migration. Non-positive concurrency or batch
// size select the defaults.
func NewStorageEngine(coord Coordinator, concurrency, batchSize int) *StorageEngine {
	if concurrency <= 0 {
		concurrency = config.DefaultMigrationConcurrency
	}
	if batchSize <= 0 {
		batchSize = config.DefaultMigrationBatchSize
	}
	return &StorageEngine{coord: coord, concurrency: concurrency, batchSize: batchSize}
}

// ID implements Migration.
func (m *StorageEngine) ID() string { return IDStorageEngine }

// State returns the current progress.
func (m *StorageEngine) State() EngineState { return EngineState(m.state.Load()) }

// Stats returns the counters of the last run.
func (m *StorageEngine) Stats() EngineStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Run implements Migration. Sensors are migrated concurrently; Run returns
// only after every sensor has been migrated, skipped or has failed.
func (m *StorageEngine) Run(ctx context.Context) error {
	legacy := m.coord.Legacy()
	if legacy == nil {
		m.state.Store(int32(EngineCompleted))
		return nil
	}

	m.state.Store(int32(EngineInProgress))
	m.mu.Lock()
	m.stats = EngineStats{}
	m.mu.Unlock()

	sensors, err := legacy.Sensors(ctx)
	if err != nil {
		m.state.Store(int32(EngineNotStarted))
		return errors.Wrap(err, "list legacy sensors")
	}

	var g errgroup.Group
	g.SetLimit(m.concurrency)

	for _, sensor := range sensors {
		if !sensor.HasMAC() {
			log.Info("legacy sensor has no MAC, left behind", "local", sensor.LocalID)
			m.count(func(s *EngineStats) { s.Skipped++ })
			continue
		}

		g.Go(func() error {
			sctx := logging.ContextWithSensor(ctx, sensor.ID())
			n, err := m.migrateSensor(sctx, legacy, sensor)
			if err != nil {
				logging.WithContext(sctx).Warn("sensor migration failed", "error", err)
				m.count(func(s *EngineStats) { s.Failed++; s.Records += n })
				return nil
			}
			logging.WithContext(sctx).Info("sensor migrated", "records", n)
			m.count(func(s *EngineStats) { s.Migrated++; s.Records += n })
			return nil
		})
	}
	g.Wait()

	stats := m.Stats()
	if stats.Failed > 0 {
		m.state.Store(int32(EngineNotStarted))
		return fmt.Errorf("%d of %d sensors failed: %w",
			stats.Failed, len(sensors), errors.ErrMigrationIncomplete)
	}

	m.state.Store(int32(EngineCompleted))
	log.Info("storage engine migration finished",
		"migrated", stats.Migrated, "skipped", stats.Skipped, "records", stats.Records)
	return nil
}

func (m *StorageEngine) count(fn func(*EngineStats)) {
	m.mu.Lock()
	fn(&m.stats)
	m.mu.Unlock()
}

// migrateSensor moves one sensor and returns the number of records inserted
// into the current backend.
func (m *StorageEngine) migrateSensor(ctx context.Context, legacy storage.Backend, sensor model.Sensor) (int, error) {
	current := m.coord.Current()
	legacyKey := legacy.SensorKey(sensor)

	sensor.MAC = sensor.MAC.Canonical()
	currentKey := current.SensorKey(sensor)

	// Registration takes the locks of both keys itself and moves whatever
	// ingest stored under the local id so far onto the MAC.
	if sensor.LocalID != "" {
		if err := m.coord.RegisterIdentifier(ctx, sensor.LocalID, sensor.MAC); err != nil {
			return 0, errors.Wrap(err, "register identifier")
		}
	}

	inserted := 0
	err := m.coord.WithSensorLock(currentKey, func() error {
		if err := current.PutSensor(ctx, sensor); err != nil {
			return errors.Wrap(err, "create sensor")
		}

		err := legacy.ScanRecords(ctx, legacyKey, m.batchSize, func(batch []model.Record) error {
			moved := make([]model.Record, len(batch))
			for i, r := range batch {
				moved[i] = r.WithMAC(sensor.MAC)
			}
			n, err := current.InsertRecords(ctx, moved)
			inserted += n
			return err
		})
		if err != nil {
			return errors.Wrap(err, "copy records")
		}

		if err := m.copyLastRecord(ctx, legacy, legacyKey, currentKey, sensor.MAC); err != nil {
			return err
		}
		if err := m.copySettings(ctx, legacy, legacyKey, currentKey); err != nil {
			return err
		}

		if m.beforeLegacyDelete != nil {
			if err := m.beforeLegacyDelete(sensor); err != nil {
				return err
			}
		}

		return errors.Wrap(legacy.DeleteSensor(ctx, legacyKey), "delete legacy sensor")
	})
	return inserted, err
}

func (m *StorageEngine) copyLastRecord(ctx context.Context, legacy storage.Backend, legacyKey, currentKey string, mac model.MAC) error {
	last, ok, err := legacy.LastRecord(ctx, legacyKey)
	if err != nil {
		return errors.Wrap(err, "read legacy last record")
	}
	if !ok {
		return nil
	}

	current := m.coord.Current()
	existing, ok, err := current.LastRecord(ctx, currentKey)
	if err != nil {
		return errors.Wrap(err, "read last record")
	}
	if ok && !existing.Timestamp.Before(last.Timestamp) {
		return nil
	}
	return errors.Wrap(current.PutLastRecord(ctx, last.WithMAC(mac)), "copy last record")
}

// copySettings copies calibration state unless the current backend already
// has settings for the sensor.
func (m *StorageEngine) copySettings(ctx context.Context, legacy storage.Backend, legacyKey, currentKey string) error {
	st, ok, err := legacy.Settings(ctx, legacyKey)
	if err != nil {
		return errors.Wrap(err, "read legacy settings")
	}
	if !ok {
		return nil
	}

	current := m.coord.Current()
	if _, exists, err := current.Settings(ctx, currentKey); err != nil {
		return errors.Wrap(err, "read settings")
	} else if exists {
		return nil
	}

	st.SensorID = currentKey
	return errors.Wrap(current.PutSettings(ctx, st), "copy settings")
}
