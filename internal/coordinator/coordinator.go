// Package coordinator is the single entry point to sensor storage.
//
// Ordinary operations go to the current backend. The legacy backend is only
// reachable through Legacy, which the storage-engine migration uses while it
// moves history across. Operations on one sensor id are serialized; different
// sensors proceed concurrently.
package coordinator

import (
	"context"
	"time"

	"github.com/ruuvi/stationd/internal/calibration"
	"github.com/ruuvi/stationd/internal/cloudqueue"
	"github.com/ruuvi/stationd/internal/errors"
	"github.com/ruuvi/stationd/internal/logging"
	"github.com/ruuvi/stationd/internal/model"
	"github.com/ruuvi/stationd/internal/registry"
	"github.com/ruuvi/stationd/internal/stats"
	"github.com/ruuvi/stationd/internal/storage"
	"github.com/ruuvi/stationd/internal/storage/relational"
	isync "github.com/ruuvi/stationd/internal/sync"
	"github.com/ruuvi/stationd/internal/validation"
)

var log = logging.Component("coordinator")

// Current is the backend all ordinary operations are routed to. Besides the
// record contract it stores the identifier index, preferences and the cloud
// request queue.
type Current interface {
	storage.Backend
	cloudqueue.Store

	PutIdentifier(ctx context.Context, local model.LocalID, mac model.MAC) error
	Identifiers(ctx context.Context) ([]relational.Identifier, error)
	RekeySensor(ctx context.Context, local model.LocalID, mac model.MAC) (int, error)

	Preference(ctx context.Context, key string) (string, bool, error)
	PutPreference(ctx context.Context, key, value string) error
}

// Config wires a Coordinator.
type Config struct {
	// Current is required.
	Current Current

	// Legacy is the pre-migration store. Nil on installations that never
	// had one.
	Legacy storage.Backend

	// Registry defaults to an empty registry loaded from Current.
	Registry *registry.Registry

	// Now defaults to time.Now.
	Now func() time.Time
}

// Coordinator routes entity and record operations to the backends.
//
// Coordinator is safe for concurrent use. Every method blocks until the
// backend has acknowledged the operation.
type Coordinator struct {
	current  Current
	legacy   storage.Backend
	registry *registry.Registry
	queue    *cloudqueue.Queue
	locks    isync.KeyedMutex
	now      func() time.Time
}

// New creates a coordinator and loads the persisted identifier index into
// the registry.
func New(ctx context.Context, cfg Config) (*Coordinator, error) {
	if cfg.Current == nil {
		return nil, errors.NewMissingField("current backend")
	}
	if cfg.Registry == nil {
		cfg.Registry = registry.New()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	c := &Coordinator{
		current:  cfg.Current,
		legacy:   cfg.Legacy,
		registry: cfg.Registry,
		queue:    cloudqueue.New(cfg.Current),
		now:      cfg.Now,
	}

	ids, err := cfg.Current.Identifiers(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load identifier index")
	}
	entries := make([]registry.Entry, len(ids))
	for i, id := range ids {
		entries[i] = registry.Entry{Local: id.Local, MAC: id.MAC}
	}
	c.registry.Load(entries)

	log.Info("coordinator ready",
		"current", cfg.Current.Name(),
		"legacy", cfg.Legacy != nil,
		"identifiers", len(entries))
	return c, nil
}

// =============================================================================
// Backends and locking
// =============================================================================

// Current returns the current backend.
func (c *Coordinator) Current() Current { return c.current }

// Legacy returns the legacy backend, nil when there is none. Only the
// storage-engine migration should touch it.
func (c *Coordinator) Legacy() storage.Backend { return c.legacy }

// Registry returns the identifier registry.
func (c *Coordinator) Registry() *registry.Registry { return c.registry }

// Queue returns the cloud request queue.
func (c *Coordinator) Queue() *cloudqueue.Queue { return c.queue }

// WithSensorLock runs fn while holding the lock for sensor id.
func (c *Coordinator) WithSensorLock(id string, fn func() error) error {
	unlock := c.locks.Lock(id)
	defer unlock()
	return fn()
}

// lockRoute locks the storage key for identity (local, mac) and returns it
// with the MAC to store. A local-only identity goes to the MAC key once one
// is registered; the registry is read under the local id's lock, which
// registration holds while it re-keys.
func (c *Coordinator) lockRoute(local model.LocalID, mac model.MAC) (string, model.MAC, func()) {
	if mac.IsZero() && local != "" {
		unlock := c.locks.Lock(string(local))
		known, ok := c.registry.MAC(local)
		if !ok {
			return string(local), mac, unlock
		}
		unlock()
		mac = known
	}
	id := model.SensorID(local, mac)
	return id, mac, c.locks.Lock(id)
}

// =============================================================================
// Sensors
// =============================================================================

// Sensors returns all sensors in the current backend.
func (c *Coordinator) Sensors(ctx context.Context) ([]model.Sensor, error) {
	return c.current.Sensors(ctx)
}

// Sensor returns one sensor by id.
func (c *Coordinator) Sensor(ctx context.Context, id string) (model.Sensor, error) {
	return c.current.Sensor(ctx, id)
}

// CreateSensor stores a new sensor. A sensor that carries both identifiers
// is also entered into the identifier index. A sensor given only a local id
// whose MAC is already registered belongs under the MAC; it is created there
// unless a sensor exists there already.
func (c *Coordinator) CreateSensor(ctx context.Context, sensor model.Sensor) error {
	if sensor.LocalID == "" && !sensor.HasMAC() {
		return errors.NewMissingField("sensor identifier")
	}
	if err := validateSensor(sensor); err != nil {
		return err
	}
	if sensor.HasMAC() {
		sensor.MAC = sensor.MAC.Canonical()
	}
	if sensor.CreatedAt.IsZero() {
		sensor.CreatedAt = c.now().UTC()
	}

	if !sensor.HasMAC() {
		id, mac, unlock := c.lockRoute(sensor.LocalID, "")
		defer unlock()
		if !mac.IsZero() {
			_, err := c.current.Sensor(ctx, id)
			if err == nil || !errors.IsNotFound(err) {
				return err
			}
			sensor.MAC = mac
		}
		if err := c.current.PutSensor(ctx, sensor); err != nil {
			return err
		}
		log.Debug("sensor created", "sensor", id)
		return nil
	}

	id := c.current.SensorKey(sensor)
	keys := []string{id}
	if sensor.LocalID != "" {
		keys = append(keys, string(sensor.LocalID))
	}
	unlock := c.locks.LockAll(keys...)
	defer unlock()

	if err := c.current.PutSensor(ctx, sensor); err != nil {
		return err
	}
	if sensor.LocalID != "" {
		if err := c.registerIdentifier(ctx, sensor.LocalID, sensor.MAC); err != nil {
			return err
		}
	}
	log.Debug("sensor created", "sensor", id)
	return nil
}

// UpdateSensor replaces an existing sensor.
func (c *Coordinator) UpdateSensor(ctx context.Context, sensor model.Sensor) error {
	if err := validateSensor(sensor); err != nil {
		return err
	}
	id := c.current.SensorKey(sensor)
	return c.WithSensorLock(id, func() error {
		if _, err := c.current.Sensor(ctx, id); err != nil {
			return err
		}
		return c.current.PutSensor(ctx, sensor)
	})
}

func validateSensor(sensor model.Sensor) error {
	if sensor.LocalID != "" {
		if err := validation.ValidateLocalID(string(sensor.LocalID)); err != nil {
			return err
		}
	}
	return validation.ValidateSensorName(sensor.Name)
}

// DeleteSensor removes a sensor together with its records and settings.
func (c *Coordinator) DeleteSensor(ctx context.Context, id string) error {
	return c.WithSensorLock(id, func() error {
		if err := c.current.DeleteSensor(ctx, id); err != nil {
			return err
		}
		log.Info("sensor deleted", "sensor", id)
		return nil
	})
}

// RegisterIdentifier records that local belongs to mac, in memory and in
// the persisted index. A sensor stored under the local id so far is moved
// to the MAC key together with its history.
//
// The caller must not hold the lock of either key.
func (c *Coordinator) RegisterIdentifier(ctx context.Context, local model.LocalID, mac model.MAC) error {
	if local == "" || mac.IsZero() {
		return errors.NewMissingField("identifier")
	}
	unlock := c.locks.LockAll(string(local), model.SensorID(local, mac))
	defer unlock()
	return c.registerIdentifier(ctx, local, mac)
}

// registerIdentifier expects the locks of local and mac to be held.
func (c *Coordinator) registerIdentifier(ctx context.Context, local model.LocalID, mac model.MAC) error {
	if known, ok := c.registry.MAC(local); ok && known.Equal(mac) {
		return nil
	}
	mac = mac.Canonical()
	if err := c.current.PutIdentifier(ctx, local, mac); err != nil {
		return err
	}
	moved, err := c.current.RekeySensor(ctx, local, mac)
	if err != nil {
		return err
	}
	if c.registry.Register(local, mac) {
		log.Debug("identifier registered", "local", local, "mac", mac, "records_moved", moved)
	}
	return nil
}

// =============================================================================
// Records
// =============================================================================

// CreateRecord stores one record. A record whose key already exists is
// ignored.
func (c *Coordinator) CreateRecord(ctx context.Context, rec model.Record) error {
	_, err := c.CreateRecords(ctx, []model.Record{rec})
	return err
}

// CreateRecords stores records, grouping them per sensor. Records known only
// by a local id whose MAC is registered are stored under the MAC. It returns
// the number actually inserted.
func (c *Coordinator) CreateRecords(ctx context.Context, records []model.Record) (int, error) {
	groups := make(map[string][]model.Record)
	var order []string
	for _, r := range records {
		id := r.SensorID()
		if id == "" {
			return 0, errors.NewMissingField("record sensor identifier")
		}
		if _, ok := groups[id]; !ok {
			order = append(order, id)
		}
		groups[id] = append(groups[id], r)
	}

	inserted := 0
	for _, id := range order {
		group := groups[id]
		_, mac, unlock := c.lockRoute(group[0].LocalID, group[0].MAC)
		if group[0].MAC.IsZero() && !mac.IsZero() {
			for i := range group {
				group[i] = group[i].WithMAC(mac)
			}
		}
		n, err := c.current.InsertRecords(ctx, group)
		unlock()
		inserted += n
		if err != nil {
			return inserted, err
		}
	}
	return inserted, nil
}

// UpdateLastRecord replaces the most recent record of the record's sensor.
func (c *Coordinator) UpdateLastRecord(ctx context.Context, rec model.Record) error {
	_, mac, unlock := c.lockRoute(rec.LocalID, rec.MAC)
	defer unlock()
	return c.current.PutLastRecord(ctx, rec.WithMAC(mac))
}

// Records returns records with from <= timestamp < to; zero bounds are open.
func (c *Coordinator) Records(ctx context.Context, id string, from, to time.Time) ([]model.Record, error) {
	return c.current.Records(ctx, id, from, to)
}

// LastRecord returns the most recent record of a sensor.
func (c *Coordinator) LastRecord(ctx context.Context, id string) (model.Record, bool, error) {
	return c.current.LastRecord(ctx, id)
}

// DeleteRecord removes the record at ts.
func (c *Coordinator) DeleteRecord(ctx context.Context, id string, ts time.Time) error {
	return c.WithSensorLock(id, func() error {
		return c.current.DeleteRecord(ctx, id, ts)
	})
}

// DeleteRecords removes every record of a sensor.
func (c *Coordinator) DeleteRecords(ctx context.Context, id string) (int, error) {
	var n int
	err := c.WithSensorLock(id, func() error {
		var err error
		n, err = c.current.DeleteRecords(ctx, id)
		return err
	})
	return n, err
}

// DeleteRecordsBefore removes records older than before.
func (c *Coordinator) DeleteRecordsBefore(ctx context.Context, id string, before time.Time) (int, error) {
	var n int
	err := c.WithSensorLock(id, func() error {
		var err error
		n, err = c.current.DeleteRecordsBefore(ctx, id, before)
		return err
	})
	return n, err
}

// Summary summarizes one field of a sensor's records in [from, to).
func (c *Coordinator) Summary(ctx context.Context, id string, field model.Field, from, to time.Time) (stats.Summary, error) {
	agg := stats.NewAggregate(id, field)
	records, err := c.current.Records(ctx, id, from, to)
	if err != nil {
		return stats.Summary{}, err
	}
	for _, r := range records {
		agg.AddRecord(r)
	}
	return agg.Summary(), nil
}

// =============================================================================
// Calibration
// =============================================================================

// Settings returns a sensor's calibration state; a sensor without stored
// settings gets empty ones.
func (c *Coordinator) Settings(ctx context.Context, id string) (model.Settings, error) {
	st, ok, err := c.current.Settings(ctx, id)
	if err != nil {
		return model.Settings{}, err
	}
	if !ok {
		st = model.Settings{SensorID: id}
	}
	return st, nil
}

// UpdateOffsetCorrection sets the offset of type t for sensor and returns
// the stored settings. Offsets are absolute, so the last write wins; a nil
// value clears the offset.
//
// OffsetHumidityAtReference values are converted to a plain humidity offset
// using lastKnown first. Without lastKnown, or when it lacks temperature or
// humidity, the settings are returned unchanged. When lastKnown is given the
// sensor's last record is rewritten to carry the new offset.
func (c *Coordinator) UpdateOffsetCorrection(ctx context.Context, t model.OffsetType, value *float64, sensor model.Sensor, lastKnown *model.Record) (model.Settings, error) {
	id := c.current.SensorKey(sensor)

	var out model.Settings
	err := c.WithSensorLock(id, func() error {
		st, err := c.Settings(ctx, id)
		if err != nil {
			return err
		}
		out = st

		if t == model.OffsetHumidityAtReference && value != nil {
			if lastKnown == nil {
				log.Warn("humidity offset needs a reference reading", "sensor", id)
				return nil
			}
			converted, err := calibration.ConvertHumidityOffset(*value, *lastKnown)
			if errors.Is(err, errors.ErrCalibrationInputMissing) {
				log.Warn("humidity offset needs a reference reading", "sensor", id, "error", err)
				return nil
			}
			if err != nil {
				return err
			}
			value = &converted
		}
		if t == model.OffsetHumidityAtReference {
			t = model.OffsetHumidity
		}

		updated, err := calibration.SetOffset(st, t, value, c.now().UTC())
		if err != nil {
			return err
		}
		if err := c.current.PutSettings(ctx, updated); err != nil {
			return err
		}
		out = updated

		if lastKnown != nil {
			if err := c.rewriteLastRecord(ctx, id, sensor, calibration.WithOffset(*lastKnown, t, value)); err != nil {
				return err
			}
		}

		log.Info("offset updated", "sensor", id, "type", t, "cleared", value == nil)
		return nil
	})
	return out, err
}

// rewriteLastRecord stores rec as the last record of sensor id unless a
// newer one is already stored. Expects the lock of id to be held.
func (c *Coordinator) rewriteLastRecord(ctx context.Context, id string, sensor model.Sensor, rec model.Record) error {
	rec.LocalID, rec.MAC = sensor.LocalID, sensor.MAC
	stored, ok, err := c.current.LastRecord(ctx, id)
	if err != nil {
		return err
	}
	if ok && rec.Timestamp.Before(stored.Timestamp) {
		log.Debug("last record newer than reference reading, kept", "sensor", id)
		return nil
	}
	return c.current.PutLastRecord(ctx, rec)
}

// =============================================================================
// Preferences
// =============================================================================

// Preference returns a stored preference.
func (c *Coordinator) Preference(ctx context.Context, key string) (string, bool, error) {
	return c.current.Preference(ctx, key)
}

// PutPreference stores a preference.
func (c *Coordinator) PutPreference(ctx context.Context, key, value string) error {
	return c.current.PutPreference(ctx, key, value)
}

// =============================================================================
// Cloud request queue
// =============================================================================

// EnqueueCloudRequest queues an outbound mutation. A pending request with the
// same key is replaced.
func (c *Coordinator) EnqueueCloudRequest(ctx context.Context, t cloudqueue.Type, key string, payload map[string]any) (cloudqueue.Request, error) {
	return c.queue.Enqueue(ctx, t, key, payload)
}

// PendingCloudRequests returns queued requests, oldest first.
func (c *Coordinator) PendingCloudRequests(ctx context.Context) ([]cloudqueue.Request, error) {
	return c.queue.Pending(ctx)
}

// DeleteCloudRequest removes one queued request.
func (c *Coordinator) DeleteCloudRequest(ctx context.Context, id string) error {
	return c.queue.Delete(ctx, id)
}

// ClearCloudRequests drops every queued request.
func (c *Coordinator) ClearCloudRequests(ctx context.Context) (int, error) {
	return c.queue.Clear(ctx)
}

// =============================================================================
// Maintenance
// =============================================================================

// CleanupStorageSpace reclaims free space in every backend. It is best
// effort: each backend is tried and failures are logged and returned
// joined.
func (c *Coordinator) CleanupStorageSpace(ctx context.Context) error {
	var errs []error
	for _, b := range []storage.Backend{c.current, c.legacy} {
		if b == nil {
			continue
		}
		start := time.Now()
		if err := b.Compact(ctx); err != nil {
			log.Warn("storage cleanup failed", "backend", b.Name(), "error", err)
			errs = append(errs, err)
			continue
		}
		log.Info("storage cleaned up", "backend", b.Name(), "duration", time.Since(start))
	}
	return errors.Join(errs...)
}
