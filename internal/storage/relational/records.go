package relational

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ruuvi/stationd/config"
	"github.com/ruuvi/stationd/internal/errors"
	"github.com/ruuvi/stationd/internal/model"
	"github.com/ruuvi/stationd/internal/storage"
)

// measurementColumns follow the identity columns in records and
// last_records.
const measurementColumns = `temperature, humidity, pressure,
	acceleration_x, acceleration_y, acceleration_z,
	voltage, tx_power, movement_counter, measurement_sequence, rssi,
	temperature_offset, humidity_offset, pressure_offset`

const recordColumns = `sensor_id, timestamp_ms, local_id, mac, ` + measurementColumns

const recordColumnCount = 18

// InsertRecords inserts records, ignoring any whose (sensor, timestamp) key
// is already stored. Large batches are split into multi-row statements of
// config.DefaultMaxRecordsPerInsert rows inside one transaction.
func (s *Store) InsertRecords(ctx context.Context, records []model.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	ctx, cancel, err := s.begin(ctx)
	defer cancel()
	if err != nil {
		return 0, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	inserted := 0
	err = s.TransactionContext(ctx, func(tx *sql.Tx) error {
		fresh, err := s.freshRecords(ctx, tx, records)
		if err != nil {
			return err
		}
		for _, chunk := range storage.Chunk(fresh, config.DefaultMaxRecordsPerInsert) {
			if err := insertRecordsMultiRow(ctx, tx, "records", chunk); err != nil {
				return err
			}
		}
		inserted = len(fresh)
		return nil
	})
	if err != nil {
		return 0, errors.Backend("insert records", err)
	}
	return inserted, nil
}

// freshRecords drops records repeated within the batch or already stored.
func (s *Store) freshRecords(ctx context.Context, tx *sql.Tx, records []model.Record) ([]model.Record, error) {
	type key struct {
		id string
		ms int64
	}
	type span struct{ lo, hi int64 }

	seen := make(map[key]struct{}, len(records))
	spans := make(map[string]span)
	batch := make([]model.Record, 0, len(records))
	for _, r := range records {
		k := key{r.SensorID(), r.Timestamp.UnixMilli()}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		batch = append(batch, r)

		sp, ok := spans[k.id]
		if !ok {
			sp = span{k.ms, k.ms}
		}
		sp.lo = min(sp.lo, k.ms)
		sp.hi = max(sp.hi, k.ms)
		spans[k.id] = sp
	}

	existing := make(map[key]struct{})
	for id, sp := range spans {
		rows, err := tx.QueryContext(ctx,
			`SELECT timestamp_ms FROM records WHERE sensor_id = ? AND timestamp_ms BETWEEN ? AND ?`,
			id, sp.lo, sp.hi)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var ms int64
			if err := rows.Scan(&ms); err != nil {
				rows.Close()
				return nil, err
			}
			existing[key{id, ms}] = struct{}{}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}

	if len(existing) == 0 {
		return batch, nil
	}
	out := batch[:0]
	for _, r := range batch {
		if _, ok := existing[key{r.SensorID(), r.Timestamp.UnixMilli()}]; !ok {
			out = append(out, r)
		}
	}
	return out, nil
}

// insertRecordsMultiRow inserts records with a single multi-row statement.
func insertRecordsMultiRow(ctx context.Context, tx *sql.Tx, table string, records []model.Record) error {
	if len(records) == 0 {
		return nil
	}

	placeholder := "(" + strings.TrimSuffix(strings.Repeat("?, ", recordColumnCount), ", ") + ")"

	var sb strings.Builder
	sb.Grow(100 + len(records)*(len(placeholder)+2))
	sb.WriteString("INSERT INTO ")
	sb.WriteString(table)
	sb.WriteString(" (")
	sb.WriteString(recordColumns)
	sb.WriteString(") VALUES ")

	args := make([]any, 0, len(records)*recordColumnCount)
	for i, r := range records {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(placeholder)
		args = append(args, recordArgs(r.SensorID(), r)...)
	}
	sb.WriteString(" ON CONFLICT DO NOTHING")

	if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("multi-row insert into %s: %w", table, err)
	}
	return nil
}

func recordArgs(sensorID string, r model.Record) []any {
	return []any{
		sensorID, r.Timestamp.UnixMilli(),
		nullString(string(r.LocalID)), nullString(string(r.MAC)),
		nullFloat(r.Temperature), nullFloat(r.Humidity), nullFloat(r.Pressure),
		nullFloat(r.AccelerationX), nullFloat(r.AccelerationY), nullFloat(r.AccelerationZ),
		nullFloat(r.Voltage), nullInt(r.TxPower), nullInt(r.MovementCounter),
		nullInt(r.MeasurementSequence), nullInt(r.RSSI),
		r.TemperatureOffset, r.HumidityOffset, r.PressureOffset,
	}
}

func scanRecord(row rowScanner) (model.Record, error) {
	var (
		r                       model.Record
		sensorID                string
		ms                      int64
		local, mac              sql.NullString
		temp, hum, pres         sql.NullFloat64
		ax, ay, az, voltage     sql.NullFloat64
		tx, movement, seq, rssi sql.NullInt64
	)
	err := row.Scan(&sensorID, &ms, &local, &mac,
		&temp, &hum, &pres, &ax, &ay, &az,
		&voltage, &tx, &movement, &seq, &rssi,
		&r.TemperatureOffset, &r.HumidityOffset, &r.PressureOffset)
	if err != nil {
		return model.Record{}, err
	}
	r.Timestamp = time.UnixMilli(ms).UTC()
	r.LocalID = model.LocalID(local.String)
	r.MAC = model.MAC(mac.String)
	r.Temperature = floatPtr(temp)
	r.Humidity = floatPtr(hum)
	r.Pressure = floatPtr(pres)
	r.AccelerationX = floatPtr(ax)
	r.AccelerationY = floatPtr(ay)
	r.AccelerationZ = floatPtr(az)
	r.Voltage = floatPtr(voltage)
	r.TxPower = intPtr(tx)
	r.MovementCounter = intPtr(movement)
	r.MeasurementSequence = intPtr(seq)
	r.RSSI = intPtr(rssi)
	return r, nil
}

func collectRecords(rows *sql.Rows) ([]model.Record, error) {
	defer rows.Close()
	var out []model.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Records returns records with from <= timestamp < to, oldest first.
func (s *Store) Records(ctx context.Context, sensorID string, from, to time.Time) ([]model.Record, error) {
	ctx, cancel, err := s.begin(ctx)
	defer cancel()
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + recordColumns + ` FROM records WHERE sensor_id = ?`
	args := []any{sensorID}
	if !from.IsZero() {
		query += ` AND timestamp_ms >= ?`
		args = append(args, from.UnixMilli())
	}
	if !to.IsZero() {
		query += ` AND timestamp_ms < ?`
		args = append(args, to.UnixMilli())
	}
	query += ` ORDER BY timestamp_ms`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Backend("query records", err)
	}
	records, err := collectRecords(rows)
	return records, errors.Backend("scan records", err)
}

// ScanRecords pages through a sensor's records by timestamp. Each page is a
// separate query, so fn may write to the store.
func (s *Store) ScanRecords(ctx context.Context, sensorID string, batchSize int, fn func([]model.Record) error) error {
	if batchSize <= 0 {
		batchSize = config.DefaultMigrationBatchSize
	}

	after := int64(-1 << 62)
	for {
		batch, err := s.recordPage(ctx, sensorID, after, batchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		if err := fn(batch); err != nil {
			return err
		}
		if len(batch) < batchSize {
			return nil
		}
		after = batch[len(batch)-1].Timestamp.UnixMilli()
	}
}

func (s *Store) recordPage(ctx context.Context, sensorID string, after int64, limit int) ([]model.Record, error) {
	ctx, cancel, err := s.begin(ctx)
	defer cancel()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM records
		WHERE sensor_id = ? AND timestamp_ms > ?
		ORDER BY timestamp_ms
		LIMIT ?
	`, sensorID, after, limit)
	if err != nil {
		return nil, errors.Backend("query record page", err)
	}
	records, err := collectRecords(rows)
	return records, errors.Backend("scan record page", err)
}

// CountRecords returns the number of stored records of a sensor.
func (s *Store) CountRecords(ctx context.Context, sensorID string) (int, error) {
	ctx, cancel, err := s.begin(ctx)
	defer cancel()
	if err != nil {
		return 0, err
	}

	var n int
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records WHERE sensor_id = ?`, sensorID).Scan(&n)
	return n, errors.Backend("count records", err)
}

// DeleteRecord removes the record at ts.
func (s *Store) DeleteRecord(ctx context.Context, sensorID string, ts time.Time) error {
	n, err := s.deleteRecords(ctx, `sensor_id = ? AND timestamp_ms = ?`, sensorID, ts.UnixMilli())
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.Wrapf(errors.ErrRecordNotFound, "record %s@%d", sensorID, ts.UnixMilli())
	}
	return nil
}

// DeleteRecords removes all records of a sensor.
func (s *Store) DeleteRecords(ctx context.Context, sensorID string) (int, error) {
	return s.deleteRecords(ctx, `sensor_id = ?`, sensorID)
}

// DeleteRecordsBefore removes records older than before.
func (s *Store) DeleteRecordsBefore(ctx context.Context, sensorID string, before time.Time) (int, error) {
	return s.deleteRecords(ctx, `sensor_id = ? AND timestamp_ms < ?`, sensorID, before.UnixMilli())
}

func (s *Store) deleteRecords(ctx context.Context, where string, args ...any) (int, error) {
	ctx, cancel, err := s.begin(ctx)
	defer cancel()
	if err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE `+where, args...)
	if err != nil {
		return 0, errors.Backend("delete records", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Backend("delete records", err)
	}
	return int(n), nil
}

// LastRecord returns the stored last record.
func (s *Store) LastRecord(ctx context.Context, sensorID string) (model.Record, bool, error) {
	ctx, cancel, err := s.begin(ctx)
	defer cancel()
	if err != nil {
		return model.Record{}, false, err
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM last_records WHERE sensor_id = ?`, sensorID)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return model.Record{}, false, nil
	}
	if err != nil {
		return model.Record{}, false, errors.Backend("get last record", err)
	}
	return r, true, nil
}

// PutLastRecord replaces the last record of the record's sensor.
func (s *Store) PutLastRecord(ctx context.Context, rec model.Record) error {
	ctx, cancel, err := s.begin(ctx)
	defer cancel()
	if err != nil {
		return err
	}

	placeholder := strings.TrimSuffix(strings.Repeat("?, ", recordColumnCount), ", ")
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO last_records (`+recordColumns+`) VALUES (`+placeholder+`)
		ON CONFLICT (sensor_id) DO UPDATE SET `+lastRecordUpdate,
		recordArgs(rec.SensorID(), rec)...)
	return errors.Backend("put last record", err)
}

// lastRecordUpdate replaces every non-key column of a conflicting
// last_records row.
const lastRecordUpdate = `
	timestamp_ms = EXCLUDED.timestamp_ms,
	local_id = EXCLUDED.local_id,
	mac = EXCLUDED.mac,
	temperature = EXCLUDED.temperature,
	humidity = EXCLUDED.humidity,
	pressure = EXCLUDED.pressure,
	acceleration_x = EXCLUDED.acceleration_x,
	acceleration_y = EXCLUDED.acceleration_y,
	acceleration_z = EXCLUDED.acceleration_z,
	voltage = EXCLUDED.voltage,
	tx_power = EXCLUDED.tx_power,
	movement_counter = EXCLUDED.movement_counter,
	measurement_sequence = EXCLUDED.measurement_sequence,
	rssi = EXCLUDED.rssi,
	temperature_offset = EXCLUDED.temperature_offset,
	humidity_offset = EXCLUDED.humidity_offset,
	pressure_offset = EXCLUDED.pressure_offset`
