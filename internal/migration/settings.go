package migration

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ruuvi/stationd/config"
	"github.com/ruuvi/stationd/internal/calibration"
	"github.com/ruuvi/stationd/internal/errors"
)

// HumidityOffsetRelative converts humidity offsets that older releases
// stored relative to the 20 °C reference into plain relative-humidity
// offsets, using each sensor's last record. The legacy value is cleared once
// converted, so the conversion happens exactly once.
//
// Sensors without a usable last record stay pending and keep the migration
// out of the ledger until they report.
type HumidityOffsetRelative struct {
	coord Coordinator
	now   func() time.Time
}

// NewHumidityOffsetRelative creates the migration.
func NewHumidityOffsetRelative(coord Coordinator) *HumidityOffsetRelative {
	return &HumidityOffsetRelative{coord: coord, now: time.Now}
}

// ID implements Migration.
func (m *HumidityOffsetRelative) ID() string { return IDHumidityOffsetRelative }

// Run implements Migration.
func (m *HumidityOffsetRelative) Run(ctx context.Context) error {
	current := m.coord.Current()
	sensors, err := current.Sensors(ctx)
	if err != nil {
		return errors.Wrap(err, "list sensors")
	}

	converted, pending := 0, 0
	var errs []error
	for _, sensor := range sensors {
		id := current.SensorKey(sensor)
		err := m.coord.WithSensorLock(id, func() error {
			st, ok, err := current.Settings(ctx, id)
			if err != nil || !ok || st.LegacyHumidityOffset == nil {
				return err
			}

			last, ok, err := current.LastRecord(ctx, id)
			if err != nil {
				return err
			}
			if !ok {
				pending++
				return nil
			}
			offset, err := calibration.ConvertHumidityOffset(*st.LegacyHumidityOffset, last)
			if errors.Is(err, errors.ErrCalibrationInputMissing) {
				pending++
				return nil
			}
			if err != nil {
				return err
			}

			at := m.now().UTC()
			st.HumidityOffset = &offset
			st.HumidityOffsetDate = &at
			st.LegacyHumidityOffset = nil
			if err := current.PutSettings(ctx, st); err != nil {
				return err
			}
			converted++
			log.Info("humidity offset converted", "sensor", id, "offset", offset)
			return nil
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("sensor %s: %w", id, err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	if pending > 0 {
		return fmt.Errorf("%d sensors await a reference reading: %w", pending, errors.ErrMigrationIncomplete)
	}
	log.Debug("humidity offsets converted", "count", converted)
	return nil
}

// Preferences is the preference store the retention migration writes to.
type Preferences interface {
	Preference(ctx context.Context, key string) (string, bool, error)
	PutPreference(ctx context.Context, key, value string) error
}

// RetentionDefault writes the default retention horizon for installations
// that never had one.
type RetentionDefault struct {
	prefs Preferences
	hours int
}

// NewRetentionDefault creates the migration. Non-positive hours selects
// config.DefaultRetentionHours.
func NewRetentionDefault(prefs Preferences, hours int) *RetentionDefault {
	if hours <= 0 {
		hours = config.DefaultRetentionHours
	}
	return &RetentionDefault{prefs: prefs, hours: hours}
}

// ID implements Migration.
func (m *RetentionDefault) ID() string { return IDRetentionDefault }

// Run implements Migration.
func (m *RetentionDefault) Run(ctx context.Context) error {
	_, ok, err := m.prefs.Preference(ctx, config.PreferenceRetentionHours)
	if err != nil || ok {
		return err
	}
	log.Info("retention horizon defaulted", "hours", m.hours)
	return m.prefs.PutPreference(ctx, config.PreferenceRetentionHours, strconv.Itoa(m.hours))
}

// Defaults returns the declared migrations in their fixed order.
func Defaults(coord Coordinator, prefs Preferences, concurrency, batchSize, retentionHours int) []Migration {
	return []Migration{
		NewStorageEngine(coord, concurrency, batchSize),
		NewHumidityOffsetRelative(coord),
		NewRetentionDefault(prefs, retentionHours),
	}
}
