package relational

import (
	"context"
	"database/sql"

	"github.com/ruuvi/stationd/internal/errors"
	"github.com/ruuvi/stationd/internal/model"
)

// SensorKey implements storage.Backend. The relational store keys sensors by
// canonical id, which is the MAC once it is known.
func (s *Store) SensorKey(sensor model.Sensor) string { return sensor.ID() }

const sensorColumns = `id, local_id, mac, name, claimed, owned, shared, firmware, created_at`

// Sensors returns all sensors ordered by id.
func (s *Store) Sensors(ctx context.Context) ([]model.Sensor, error) {
	ctx, cancel, err := s.begin(ctx)
	defer cancel()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+sensorColumns+` FROM sensors ORDER BY id`)
	if err != nil {
		return nil, errors.Backend("query sensors", err)
	}
	defer rows.Close()

	var sensors []model.Sensor
	for rows.Next() {
		sensor, err := scanSensor(rows)
		if err != nil {
			return nil, errors.Backend("scan sensor", err)
		}
		sensors = append(sensors, sensor)
	}
	return sensors, errors.Backend("iterate sensors", rows.Err())
}

// Sensor returns one sensor by id.
func (s *Store) Sensor(ctx context.Context, id string) (model.Sensor, error) {
	ctx, cancel, err := s.begin(ctx)
	defer cancel()
	if err != nil {
		return model.Sensor{}, err
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+sensorColumns+` FROM sensors WHERE id = ?`, id)
	sensor, err := scanSensor(row)
	if err == sql.ErrNoRows {
		return model.Sensor{}, errors.Wrapf(errors.ErrSensorNotFound, "sensor %s", id)
	}
	if err != nil {
		return model.Sensor{}, errors.Backend("get sensor", err)
	}
	return sensor, nil
}

// PutSensor creates or replaces a sensor.
func (s *Store) PutSensor(ctx context.Context, sensor model.Sensor) error {
	ctx, cancel, err := s.begin(ctx)
	defer cancel()
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sensors (`+sensorColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			local_id = EXCLUDED.local_id,
			mac = EXCLUDED.mac,
			name = EXCLUDED.name,
			claimed = EXCLUDED.claimed,
			owned = EXCLUDED.owned,
			shared = EXCLUDED.shared,
			firmware = EXCLUDED.firmware,
			created_at = EXCLUDED.created_at
	`, sensor.ID(), nullString(string(sensor.LocalID)), nullString(string(sensor.MAC)),
		sensor.Name, sensor.Claimed, sensor.Owned, sensor.Shared,
		nullString(sensor.Firmware), toMillis(sensor.CreatedAt))
	return errors.Backend("put sensor", err)
}

// DeleteSensor removes the sensor together with its records, last record
// and settings in one transaction.
func (s *Store) DeleteSensor(ctx context.Context, id string) error {
	ctx, cancel, err := s.begin(ctx)
	defer cancel()
	if err != nil {
		return err
	}

	err = s.TransactionContext(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"records", "last_records", "settings"} {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE sensor_id = ?`, id); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM sensors WHERE id = ?`, id)
		return err
	})
	return errors.Backend("delete sensor", err)
}

// RekeySensor moves everything stored under the local id onto the MAC key
// in one transaction: the sensor row, records (keys already present under
// the MAC win), the last record when it is newer and settings unless the
// MAC already has some. The local-key rows are deleted. It returns the
// number of records moved.
func (s *Store) RekeySensor(ctx context.Context, local model.LocalID, mac model.MAC) (int, error) {
	from, to := string(local), model.SensorID(local, mac)
	if from == "" || mac.IsZero() || from == to {
		return 0, nil
	}
	ctx, cancel, err := s.begin(ctx)
	defer cancel()
	if err != nil {
		return 0, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	moved := 0
	err = s.TransactionContext(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sensors (`+sensorColumns+`)
			SELECT ?, local_id, ?, name, claimed, owned, shared, firmware, created_at
			FROM sensors WHERE id = ?
			ON CONFLICT (id) DO UPDATE SET local_id = EXCLUDED.local_id
		`, to, to, from); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO records (`+recordColumns+`)
			SELECT ?, timestamp_ms, local_id, ?, `+measurementColumns+`
			FROM records WHERE sensor_id = ?
			ON CONFLICT DO NOTHING
		`, to, to, from)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil {
			moved = int(n)
		}

		if err := rekeyLastRecord(ctx, tx, from, to); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO settings (sensor_id,
				temperature_offset, temperature_offset_date,
				humidity_offset, humidity_offset_date,
				pressure_offset, pressure_offset_date,
				legacy_humidity_offset, display_order, default_display_order)
			SELECT ?, temperature_offset, temperature_offset_date,
			       humidity_offset, humidity_offset_date,
			       pressure_offset, pressure_offset_date,
			       legacy_humidity_offset, display_order, default_display_order
			FROM settings WHERE sensor_id = ?
			ON CONFLICT DO NOTHING
		`, to, from); err != nil {
			return err
		}

		for _, table := range []string{"records", "last_records", "settings"} {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE sensor_id = ?`, from); err != nil {
				return err
			}
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM sensors WHERE id = ?`, from)
		return err
	})
	if err != nil {
		return 0, errors.Backend("rekey sensor", err)
	}
	if moved > 0 {
		log.Debug("sensor rekeyed", "from", from, "to", to, "records", moved)
	}
	return moved, nil
}

// rekeyLastRecord copies the last record of from onto to unless to already
// has one at least as recent.
func rekeyLastRecord(ctx context.Context, tx *sql.Tx, from, to string) error {
	lastMillis := func(id string) (int64, bool, error) {
		var ms int64
		err := tx.QueryRowContext(ctx, `SELECT timestamp_ms FROM last_records WHERE sensor_id = ?`, id).Scan(&ms)
		if err == sql.ErrNoRows {
			return 0, false, nil
		}
		return ms, err == nil, err
	}

	src, ok, err := lastMillis(from)
	if err != nil || !ok {
		return err
	}
	dst, ok, err := lastMillis(to)
	if err != nil {
		return err
	}
	if ok && dst >= src {
		return nil
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO last_records (`+recordColumns+`)
		SELECT ?, timestamp_ms, local_id, ?, `+measurementColumns+`
		FROM last_records WHERE sensor_id = ?
		ON CONFLICT (sensor_id) DO UPDATE SET `+lastRecordUpdate,
		to, to, from)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSensor(row rowScanner) (model.Sensor, error) {
	var (
		sensor    model.Sensor
		id        string
		local     sql.NullString
		mac       sql.NullString
		firmware  sql.NullString
		createdAt int64
	)
	err := row.Scan(&id, &local, &mac, &sensor.Name, &sensor.Claimed, &sensor.Owned,
		&sensor.Shared, &firmware, &createdAt)
	if err != nil {
		return model.Sensor{}, err
	}
	sensor.LocalID = model.LocalID(local.String)
	sensor.MAC = model.MAC(mac.String)
	sensor.Firmware = firmware.String
	sensor.CreatedAt = fromMillis(createdAt)
	return sensor, nil
}
