package legacy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ruuvi/stationd/internal/errors"
	"github.com/ruuvi/stationd/internal/model"
)

var base = time.Date(2023, 6, 1, 12, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T, dir string) *Store {
	t.Helper()
	s, err := Open(dir, DefaultOptions())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func makeRecords(local model.LocalID, n int) []model.Record {
	out := make([]model.Record, n)
	for i := range out {
		out[i] = model.Record{
			LocalID:     local,
			Timestamp:   base.Add(time.Duration(i) * time.Minute),
			Temperature: model.Ptr(20 + float64(i)),
			Humidity:    model.Ptr(40.0),
			RSSI:        model.Ptr(-70 - i),
		}
	}
	return out
}

func TestStore_ReopenReplaysLog(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s := openTestStore(t, dir)
	sensor := model.Sensor{LocalID: "l1", MAC: "AA:BB:CC:DD:EE:01", Name: "Sauna", Claimed: true, CreatedAt: base}
	if err := s.PutSensor(ctx, sensor); err != nil {
		t.Fatalf("PutSensor: %v", err)
	}
	if n, err := s.InsertRecords(ctx, makeRecords("l1", 10)); err != nil || n != 10 {
		t.Fatalf("InsertRecords = %d, %v", n, err)
	}
	settings := model.Settings{SensorID: "l1", LegacyHumidityOffset: model.Ptr(2.5), DisplayOrder: []string{"temperature", "humidity"}}
	if err := s.PutSettings(ctx, settings); err != nil {
		t.Fatalf("PutSettings: %v", err)
	}
	last := makeRecords("l1", 10)[9]
	if err := s.PutLastRecord(ctx, last); err != nil {
		t.Fatalf("PutLastRecord: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s = openTestStore(t, dir)
	defer s.Close()

	got, err := s.Sensor(ctx, "l1")
	if err != nil {
		t.Fatalf("Sensor: %v", err)
	}
	if got.Name != "Sauna" || !got.Claimed || got.MAC != sensor.MAC || !got.CreatedAt.Equal(base) {
		t.Errorf("sensor = %+v", got)
	}

	records, err := s.Records(ctx, "l1", time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("Records: %v", err)
	}
	if len(records) != 10 {
		t.Fatalf("records = %d, want 10", len(records))
	}
	if *records[3].Temperature != 23 || *records[3].RSSI != -73 {
		t.Errorf("record 3 = %v %v", *records[3].Temperature, *records[3].RSSI)
	}
	if records[3].Pressure != nil {
		t.Error("absent pressure should stay absent")
	}

	st, ok, err := s.Settings(ctx, "l1")
	if err != nil || !ok {
		t.Fatalf("Settings = %v, %v", ok, err)
	}
	if st.LegacyHumidityOffset == nil || *st.LegacyHumidityOffset != 2.5 || len(st.DisplayOrder) != 2 {
		t.Errorf("settings = %+v", st)
	}

	lr, ok, _ := s.LastRecord(ctx, "l1")
	if !ok || !lr.Timestamp.Equal(last.Timestamp) {
		t.Errorf("last record = %+v, %v", lr, ok)
	}
}

func TestStore_InsertIgnoresDuplicates(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, t.TempDir())
	defer s.Close()

	recs := makeRecords("l1", 5)
	if n, _ := s.InsertRecords(ctx, recs); n != 5 {
		t.Fatalf("first insert = %d", n)
	}
	// Same keys again plus one new, plus a duplicate within the batch.
	more := append(makeRecords("l1", 6), makeRecords("l1", 6)[5])
	n, err := s.InsertRecords(ctx, more)
	if err != nil {
		t.Fatalf("InsertRecords: %v", err)
	}
	if n != 1 {
		t.Errorf("second insert = %d, want 1", n)
	}
	if c, _ := s.CountRecords(ctx, "l1"); c != 6 {
		t.Errorf("count = %d, want 6", c)
	}
}

func TestStore_OutOfOrderInsertStaysSorted(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, t.TempDir())
	defer s.Close()

	recs := makeRecords("l1", 4)
	s.InsertRecords(ctx, []model.Record{recs[3], recs[0]})
	s.InsertRecords(ctx, []model.Record{recs[2], recs[1]})

	got, _ := s.Records(ctx, "l1", time.Time{}, time.Time{})
	for i := 1; i < len(got); i++ {
		if !got[i-1].Timestamp.Before(got[i].Timestamp) {
			t.Fatalf("records not sorted at %d", i)
		}
	}
}

func TestStore_Deletes(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := openTestStore(t, dir)

	s.PutSensor(ctx, model.Sensor{LocalID: "l1"})
	s.InsertRecords(ctx, makeRecords("l1", 10))

	n, err := s.DeleteRecordsBefore(ctx, "l1", base.Add(4*time.Minute))
	if err != nil || n != 4 {
		t.Fatalf("DeleteRecordsBefore = %d, %v", n, err)
	}
	if err := s.DeleteRecord(ctx, "l1", base.Add(9*time.Minute)); err != nil {
		t.Fatalf("DeleteRecord: %v", err)
	}
	if err := s.DeleteRecord(ctx, "l1", base.Add(9*time.Minute)); !errors.Is(err, errors.ErrRecordNotFound) {
		t.Errorf("second DeleteRecord: expected ErrRecordNotFound, got %v", err)
	}
	s.Close()

	s = openTestStore(t, dir)
	defer s.Close()
	if c, _ := s.CountRecords(ctx, "l1"); c != 5 {
		t.Errorf("count after reopen = %d, want 5", c)
	}

	if err := s.DeleteSensor(ctx, "l1"); err != nil {
		t.Fatalf("DeleteSensor: %v", err)
	}
	if _, err := s.Sensor(ctx, "l1"); !errors.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
	if c, _ := s.CountRecords(ctx, "l1"); c != 0 {
		t.Errorf("records survive sensor delete: %d", c)
	}
}

func TestStore_CompactKeepsState(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	opts := DefaultOptions()
	opts.MaxSegmentSize = 2048
	s, err := Open(dir, opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	for _, id := range []model.LocalID{"a", "b", "c"} {
		s.PutSensor(ctx, model.Sensor{LocalID: id})
		for _, r := range makeRecords(id, 40) {
			s.InsertRecords(ctx, []model.Record{r})
		}
	}
	s.DeleteSensor(ctx, "b")
	s.DeleteRecordsBefore(ctx, "c", base.Add(30*time.Minute))

	before, _ := listSegments(dir)
	if len(before) < 3 {
		t.Fatalf("expected several segments, got %d", len(before))
	}

	if err := s.Compact(ctx); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	after, _ := listSegments(dir)
	if len(after) >= len(before) {
		t.Errorf("segments after compaction = %d, before = %d", len(after), len(before))
	}
	s.Close()

	s, err = Open(dir, opts)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	sensors, _ := s.Sensors(ctx)
	if len(sensors) != 2 {
		t.Errorf("sensors = %d, want 2", len(sensors))
	}
	if c, _ := s.CountRecords(ctx, "a"); c != 40 {
		t.Errorf("a records = %d, want 40", c)
	}
	if c, _ := s.CountRecords(ctx, "b"); c != 0 {
		t.Errorf("b records = %d, want 0", c)
	}
	if c, _ := s.CountRecords(ctx, "c"); c != 10 {
		t.Errorf("c records = %d, want 10", c)
	}
}

func TestStore_TornTailIsDiscarded(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s := openTestStore(t, dir)
	s.InsertRecords(ctx, makeRecords("l1", 3))
	s.Close()

	segments, _ := listSegments(dir)
	path := segments[len(segments)-1].path
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	// Header of an entry whose payload never made it to disk.
	f.Write([]byte{0xFF, 0x00, 0x00, 0x00, 0x01, 0x02})
	f.Close()

	s = openTestStore(t, dir)
	defer s.Close()
	if c, _ := s.CountRecords(ctx, "l1"); c != 3 {
		t.Errorf("count = %d, want 3", c)
	}
	if s.Stats().CorruptSegments != 1 {
		t.Errorf("corrupt segments = %d, want 1", s.Stats().CorruptSegments)
	}
}

func TestOpen_InvalidSegment(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "0000000000000000.log"), []byte("not a segment at all"), 0644)

	if _, err := Open(dir, DefaultOptions()); !errors.Is(err, errors.ErrBackendFailure) {
		t.Errorf("expected ErrBackendFailure, got %v", err)
	}
}

func TestStore_ClosedRejectsCalls(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, t.TempDir())
	s.Close()

	if err := s.PutSensor(ctx, model.Sensor{LocalID: "x"}); !errors.Is(err, errors.ErrClosed) {
		t.Errorf("PutSensor after close: %v", err)
	}
	if _, err := s.Sensors(ctx); !errors.Is(err, errors.ErrClosed) {
		t.Errorf("Sensors after close: %v", err)
	}
}

func TestStore_ScanRecordsBatches(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, t.TempDir())
	defer s.Close()

	s.InsertRecords(ctx, makeRecords("l1", 25))

	var sizes []int
	err := s.ScanRecords(ctx, "l1", 10, func(batch []model.Record) error {
		sizes = append(sizes, len(batch))
		return nil
	})
	if err != nil {
		t.Fatalf("ScanRecords: %v", err)
	}
	if len(sizes) != 3 || sizes[0] != 10 || sizes[2] != 5 {
		t.Errorf("batch sizes = %v", sizes)
	}
}

func TestEncodeDecodeOperation(t *testing.T) {
	rec := model.Record{
		LocalID:             "l1",
		MAC:                 "AA:BB:CC:DD:EE:FF",
		Timestamp:           base,
		Temperature:         model.Ptr(-3.25),
		AccelerationZ:       model.Ptr(0.981),
		TxPower:             model.Ptr(-40),
		MeasurementSequence: model.Ptr(65535),
		HumidityOffset:      1.5,
	}

	op, err := decodeOperation(encodeOperation(operation{Code: opPutLast, SensorID: "l1", Record: rec}))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got := op.Record
	if *got.Temperature != -3.25 || *got.AccelerationZ != 0.981 || *got.TxPower != -40 ||
		*got.MeasurementSequence != 65535 || got.HumidityOffset != 1.5 || got.MAC != rec.MAC {
		t.Errorf("decoded = %+v", got)
	}
	if got.Humidity != nil || got.Voltage != nil || got.RSSI != nil {
		t.Error("absent fields decoded as present")
	}

	if _, err := decodeOperation([]byte{byte(opAppendRecords), 1}); err == nil {
		t.Error("expected error for truncated payload")
	}
	if _, err := decodeOperation([]byte{0x7F}); err == nil {
		t.Error("expected error for unknown op")
	}
}
