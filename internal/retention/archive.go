package retention

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/ruuvi/stationd/internal/errors"
	"github.com/ruuvi/stationd/internal/model"
)

// ArchiveOptions configures the parquet archive of pruned records.
type ArchiveOptions struct {
	// Dir is the archive root. Files land in <Dir>/<sensor>/<cutoff>.parquet.
	Dir string

	Compression CompressionType
}

// CompressionType represents a Parquet compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionGzip
)

// ParseCompressionType parses a compression name; unknown names select zstd.
func ParseCompressionType(s string) CompressionType {
	switch s {
	case "snappy":
		return CompressionSnappy
	case "gzip":
		return CompressionGzip
	case "none":
		return CompressionNone
	default:
		return CompressionZstd
	}
}

func (c CompressionType) codec() compress.Codec {
	switch c {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		return &parquet.Zstd
	case CompressionGzip:
		return &parquet.Gzip
	default:
		return &parquet.Uncompressed
	}
}

// RecordRow is one archived record.
type RecordRow struct {
	LocalID     string `parquet:"local_id,zstd"`
	MAC         string `parquet:"mac,zstd"`
	TimestampMs int64  `parquet:"timestamp_ms"`

	Temperature *float64 `parquet:"temperature,optional"`
	Humidity    *float64 `parquet:"humidity,optional"`
	Pressure    *float64 `parquet:"pressure,optional"`

	AccelerationX *float64 `parquet:"acceleration_x,optional"`
	AccelerationY *float64 `parquet:"acceleration_y,optional"`
	AccelerationZ *float64 `parquet:"acceleration_z,optional"`

	Voltage             *float64 `parquet:"voltage,optional"`
	TxPower             *int64   `parquet:"tx_power,optional"`
	MovementCounter     *int64   `parquet:"movement_counter,optional"`
	MeasurementSequence *int64   `parquet:"measurement_sequence,optional"`
	RSSI                *int64   `parquet:"rssi,optional"`

	TemperatureOffset float64 `parquet:"temperature_offset"`
	HumidityOffset    float64 `parquet:"humidity_offset"`
	PressureOffset    float64 `parquet:"pressure_offset"`
}

// RecordToRow converts a record to its archive row.
func RecordToRow(r *model.Record) RecordRow {
	return RecordRow{
		LocalID:             string(r.LocalID),
		MAC:                 string(r.MAC),
		TimestampMs:         r.Timestamp.UnixMilli(),
		Temperature:         r.Temperature,
		Humidity:            r.Humidity,
		Pressure:            r.Pressure,
		AccelerationX:       r.AccelerationX,
		AccelerationY:       r.AccelerationY,
		AccelerationZ:       r.AccelerationZ,
		Voltage:             r.Voltage,
		TxPower:             toInt64(r.TxPower),
		MovementCounter:     toInt64(r.MovementCounter),
		MeasurementSequence: toInt64(r.MeasurementSequence),
		RSSI:                toInt64(r.RSSI),
		TemperatureOffset:   r.TemperatureOffset,
		HumidityOffset:      r.HumidityOffset,
		PressureOffset:      r.PressureOffset,
	}
}

// RowToRecord converts an archive row back to a record.
func RowToRecord(r *RecordRow) model.Record {
	return model.Record{
		LocalID:             model.LocalID(r.LocalID),
		MAC:                 model.MAC(r.MAC),
		Timestamp:           time.UnixMilli(r.TimestampMs).UTC(),
		Temperature:         r.Temperature,
		Humidity:            r.Humidity,
		Pressure:            r.Pressure,
		AccelerationX:       r.AccelerationX,
		AccelerationY:       r.AccelerationY,
		AccelerationZ:       r.AccelerationZ,
		Voltage:             r.Voltage,
		TxPower:             fromInt64(r.TxPower),
		MovementCounter:     fromInt64(r.MovementCounter),
		MeasurementSequence: fromInt64(r.MeasurementSequence),
		RSSI:                fromInt64(r.RSSI),
		TemperatureOffset:   r.TemperatureOffset,
		HumidityOffset:      r.HumidityOffset,
		PressureOffset:      r.PressureOffset,
	}
}

func toInt64(v *int) *int64 {
	if v == nil {
		return nil
	}
	out := int64(*v)
	return &out
}

func fromInt64(v *int64) *int {
	if v == nil {
		return nil
	}
	out := int(*v)
	return &out
}

// ArchivePath returns the file an expired batch of sensorID is written to.
// Colons are not portable in file names, so MAC-keyed directories use dashes.
func ArchivePath(dir, sensorID string, cutoff time.Time) string {
	safe := make([]byte, 0, len(sensorID))
	for i := 0; i < len(sensorID); i++ {
		c := sensorID[i]
		if c == ':' || c == '/' || c == '\\' {
			c = '-'
		}
		safe = append(safe, c)
	}
	return filepath.Join(dir, string(safe), strconv.FormatInt(cutoff.UnixMilli(), 10)+".parquet")
}

// ArchiveWriter writes records to a Parquet file.
type ArchiveWriter struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	writer   *parquet.GenericWriter[RecordRow]
	rowCount int64
	closed   bool
}

// NewArchiveWriter creates the file at path, and its directory.
func NewArchiveWriter(path string, compression CompressionType) (*ArchiveWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}

	writer := parquet.NewGenericWriter[RecordRow](f, parquet.Compression(compression.codec()))

	return &ArchiveWriter{
		path:   path,
		file:   f,
		writer: writer,
	}, nil
}

// Write appends records.
func (w *ArchiveWriter) Write(records []model.Record) error {
	if len(records) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return errors.ErrClosed
	}

	rows := make([]RecordRow, len(records))
	for i := range records {
		rows[i] = RecordToRow(&records[i])
	}

	n, err := w.writer.Write(rows)
	if err != nil {
		return fmt.Errorf("write rows: %w", err)
	}
	w.rowCount += int64(n)
	return nil
}

// Close flushes the footer and closes the file.
func (w *ArchiveWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.writer.Close(); err != nil {
		w.file.Close()
		return fmt.Errorf("close writer: %w", err)
	}
	return w.file.Close()
}

// RowCount returns the number of rows written.
func (w *ArchiveWriter) RowCount() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rowCount
}

// Path returns the file path.
func (w *ArchiveWriter) Path() string { return w.path }

// ReadArchive reads every record of an archive file.
func ReadArchive(path string) ([]model.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	reader := parquet.NewGenericReader[RecordRow](f)
	defer reader.Close()

	rows := make([]RecordRow, reader.NumRows())
	n, err := reader.Read(rows)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read rows: %w", err)
	}

	records := make([]model.Record, n)
	for i := 0; i < n; i++ {
		records[i] = RowToRecord(&rows[i])
	}
	return records, nil
}
