package relational

import (
	"context"
	"database/sql"
	"strings"

	"github.com/ruuvi/stationd/internal/errors"
	"github.com/ruuvi/stationd/internal/model"
)

// Settings returns the calibration state of a sensor.
func (s *Store) Settings(ctx context.Context, sensorID string) (model.Settings, bool, error) {
	ctx, cancel, err := s.begin(ctx)
	defer cancel()
	if err != nil {
		return model.Settings{}, false, err
	}

	st := model.Settings{SensorID: sensorID}
	var (
		tOff, hOff, pOff    sql.NullFloat64
		tDate, hDate, pDate sql.NullInt64
		legacyHumidity      sql.NullFloat64
		displayOrder        sql.NullString
	)
	err = s.db.QueryRowContext(ctx, `
		SELECT temperature_offset, temperature_offset_date,
		       humidity_offset, humidity_offset_date,
		       pressure_offset, pressure_offset_date,
		       legacy_humidity_offset, display_order, default_display_order
		FROM settings WHERE sensor_id = ?
	`, sensorID).Scan(&tOff, &tDate, &hOff, &hDate, &pOff, &pDate,
		&legacyHumidity, &displayOrder, &st.DefaultDisplayOrder)
	if err == sql.ErrNoRows {
		return model.Settings{}, false, nil
	}
	if err != nil {
		return model.Settings{}, false, errors.Backend("get settings", err)
	}

	st.TemperatureOffset = floatPtr(tOff)
	st.TemperatureOffsetDate = timePtr(tDate)
	st.HumidityOffset = floatPtr(hOff)
	st.HumidityOffsetDate = timePtr(hDate)
	st.PressureOffset = floatPtr(pOff)
	st.PressureOffsetDate = timePtr(pDate)
	st.LegacyHumidityOffset = floatPtr(legacyHumidity)
	if displayOrder.Valid && displayOrder.String != "" {
		st.DisplayOrder = strings.Split(displayOrder.String, ",")
	}
	return st, true, nil
}

// PutSettings replaces the calibration state of a sensor.
func (s *Store) PutSettings(ctx context.Context, st model.Settings) error {
	ctx, cancel, err := s.begin(ctx)
	defer cancel()
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO settings (sensor_id,
			temperature_offset, temperature_offset_date,
			humidity_offset, humidity_offset_date,
			pressure_offset, pressure_offset_date,
			legacy_humidity_offset, display_order, default_display_order)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (sensor_id) DO UPDATE SET
			temperature_offset = EXCLUDED.temperature_offset,
			temperature_offset_date = EXCLUDED.temperature_offset_date,
			humidity_offset = EXCLUDED.humidity_offset,
			humidity_offset_date = EXCLUDED.humidity_offset_date,
			pressure_offset = EXCLUDED.pressure_offset,
			pressure_offset_date = EXCLUDED.pressure_offset_date,
			legacy_humidity_offset = EXCLUDED.legacy_humidity_offset,
			display_order = EXCLUDED.display_order,
			default_display_order = EXCLUDED.default_display_order
	`, st.SensorID,
		nullFloat(st.TemperatureOffset), nullMillis(st.TemperatureOffsetDate),
		nullFloat(st.HumidityOffset), nullMillis(st.HumidityOffsetDate),
		nullFloat(st.PressureOffset), nullMillis(st.PressureOffsetDate),
		nullFloat(st.LegacyHumidityOffset), nullString(strings.Join(st.DisplayOrder, ",")),
		st.DefaultDisplayOrder)
	return errors.Backend("put settings", err)
}
