package storage

import (
	"context"
	"time"

	"github.com/ruuvi/stationd/internal/model"
)

// Backend is the record and entity contract implemented by both stores.
//
// Records are keyed by (sensor key, timestamp at millisecond precision).
// InsertRecords ignores records whose key already exists, which makes
// repeated bulk copies idempotent.
type Backend interface {
	// Name identifies the backend in logs.
	Name() string
	// SensorKey returns the id under which this backend stores s; every
	// sensorID parameter below is such a key.
	SensorKey(s model.Sensor) string

	Sensors(ctx context.Context) ([]model.Sensor, error)
	Sensor(ctx context.Context, id string) (model.Sensor, error)
	PutSensor(ctx context.Context, s model.Sensor) error
	// DeleteSensor removes the sensor with its records, last record and
	// settings.
	DeleteSensor(ctx context.Context, id string) error

	// InsertRecords returns the number of records actually inserted.
	InsertRecords(ctx context.Context, records []model.Record) (int, error)
	// Records returns records with from <= timestamp < to, oldest first.
	// A zero bound is open.
	Records(ctx context.Context, sensorID string, from, to time.Time) ([]model.Record, error)
	// ScanRecords calls fn with consecutive batches of at most batchSize
	// records, oldest first.
	ScanRecords(ctx context.Context, sensorID string, batchSize int, fn func([]model.Record) error) error
	CountRecords(ctx context.Context, sensorID string) (int, error)
	DeleteRecord(ctx context.Context, sensorID string, ts time.Time) error
	DeleteRecords(ctx context.Context, sensorID string) (int, error)
	DeleteRecordsBefore(ctx context.Context, sensorID string, before time.Time) (int, error)

	// LastRecord returns the most recent record, false when none is stored.
	LastRecord(ctx context.Context, sensorID string) (model.Record, bool, error)
	PutLastRecord(ctx context.Context, rec model.Record) error

	// Settings returns the calibration state, false when none is stored.
	Settings(ctx context.Context, sensorID string) (model.Settings, bool, error)
	PutSettings(ctx context.Context, s model.Settings) error

	// Compact reclaims free space.
	Compact(ctx context.Context) error
	Close() error
}

// Chunk splits items into consecutive slices of at most size elements.
func Chunk[T any](items []T, size int) [][]T {
	if size <= 0 || len(items) <= size {
		if len(items) == 0 {
			return nil
		}
		return [][]T{items}
	}
	out := make([][]T, 0, (len(items)+size-1)/size)
	for i := 0; i < len(items); i += size {
		end := i + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[i:end])
	}
	return out
}
