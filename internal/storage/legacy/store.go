// Package legacy implements the original on-disk sensor store.
//
// The store is an append-only log of operations (put sensor, append
// records, delete, ...) in CRC-checked segment files. Opening the store
// replays every segment into an in-memory arena: sensors keyed by id, and
// records in a separate per-sensor table that references the sensor by id.
// Compaction writes a snapshot of the arena into a fresh segment and removes
// the older ones.
//
// Everything is keyed by the local identifier: the store predates hardware
// identifiers, and records written before a sensor's MAC was known carry
// none. New installations never write here; the store is read by the
// storage engine migration and emptied by it.
package legacy

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ruuvi/stationd/config"
	"github.com/ruuvi/stationd/internal/errors"
	"github.com/ruuvi/stationd/internal/logging"
	"github.com/ruuvi/stationd/internal/model"
	"github.com/ruuvi/stationd/internal/storage"
)

var log = logging.Component("storage.legacy")

// Options configures the legacy store.
type Options struct {
	// MaxSegmentSize is the size at which a new segment is started.
	// Default: config.DefaultLegacySegmentSize
	MaxSegmentSize int64

	// SyncMode controls durability of appended operations.
	// Default: SyncFlush
	SyncMode SyncMode

	// BufferSize is the size of the write buffer.
	// Default: 64KB
	BufferSize int
}

// DefaultOptions returns default legacy store options.
func DefaultOptions() Options {
	return Options{
		MaxSegmentSize: config.DefaultLegacySegmentSize,
		SyncMode:       SyncFlush,
		BufferSize:     64 * 1024,
	}
}

// Stats holds legacy store statistics.
type Stats struct {
	Segments          int
	ReplayedEntries   int
	CorruptSegments   int
	OperationsWritten int64
	Compactions       int64
}

// recordTable holds one sensor's records ordered by timestamp.
type recordTable struct {
	rows []model.Record
	keys map[int64]struct{}
}

func newRecordTable() *recordTable {
	return &recordTable{keys: make(map[int64]struct{})}
}

// insert adds r unless a record with the same timestamp exists.
func (t *recordTable) insert(r model.Record) bool {
	ms := r.Timestamp.UnixMilli()
	if _, ok := t.keys[ms]; ok {
		return false
	}
	t.keys[ms] = struct{}{}

	n := len(t.rows)
	if n == 0 || t.rows[n-1].Timestamp.UnixMilli() < ms {
		t.rows = append(t.rows, r)
		return true
	}
	i := sort.Search(n, func(i int) bool { return t.rows[i].Timestamp.UnixMilli() > ms })
	t.rows = append(t.rows, model.Record{})
	copy(t.rows[i+1:], t.rows[i:])
	t.rows[i] = r
	return true
}

func (t *recordTable) deleteAt(ms int64) bool {
	if _, ok := t.keys[ms]; !ok {
		return false
	}
	delete(t.keys, ms)
	i := sort.Search(len(t.rows), func(i int) bool { return t.rows[i].Timestamp.UnixMilli() >= ms })
	t.rows = append(t.rows[:i], t.rows[i+1:]...)
	return true
}

func (t *recordTable) deleteBefore(ms int64) int {
	i := sort.Search(len(t.rows), func(i int) bool { return t.rows[i].Timestamp.UnixMilli() >= ms })
	for _, r := range t.rows[:i] {
		delete(t.keys, r.Timestamp.UnixMilli())
	}
	t.rows = append([]model.Record(nil), t.rows[i:]...)
	return i
}

// Store is the legacy backend.
//
// Store is safe for concurrent use.
type Store struct {
	mu sync.RWMutex

	log    *segmentLog
	closed bool

	sensors  map[string]model.Sensor
	records  map[string]*recordTable
	last     map[string]model.Record
	settings map[string]model.Settings

	stats Stats
}

var _ storage.Backend = (*Store)(nil)

// Open opens the legacy store in dir and replays its log.
func Open(dir string, opts Options) (*Store, error) {
	def := DefaultOptions()
	if opts.MaxSegmentSize <= 0 {
		opts.MaxSegmentSize = def.MaxSegmentSize
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = def.BufferSize
	}
	if opts.SyncMode == "" {
		opts.SyncMode = def.SyncMode
	}

	l, segments, err := openSegmentLog(dir, opts)
	if err != nil {
		return nil, errors.Backend("open legacy store", err)
	}

	s := &Store{
		log:      l,
		sensors:  make(map[string]model.Sensor),
		records:  make(map[string]*recordTable),
		last:     make(map[string]model.Record),
		settings: make(map[string]model.Settings),
	}

	for _, seg := range segments {
		n, corrupt, err := readSegment(seg.path, func(payload []byte) error {
			op, err := decodeOperation(payload)
			if err != nil {
				return err
			}
			s.apply(op)
			return nil
		})
		if err != nil {
			return nil, errors.Backend("replay "+seg.path, err)
		}
		s.stats.ReplayedEntries += n
		if corrupt {
			s.stats.CorruptSegments++
			log.Warn("legacy segment truncated", "path", seg.path, "entries", n)
		}
	}
	s.stats.Segments = len(segments)

	log.Info("legacy store opened",
		"dir", dir,
		"segments", len(segments),
		"entries", s.stats.ReplayedEntries,
		"sensors", len(s.sensors))

	return s, nil
}

// apply mutates the arena. Callers hold mu or own the store exclusively.
func (s *Store) apply(op operation) {
	switch op.Code {
	case opPutSensor:
		s.sensors[op.SensorID] = op.Sensor
	case opDeleteSensor:
		delete(s.sensors, op.SensorID)
		delete(s.records, op.SensorID)
		delete(s.last, op.SensorID)
		delete(s.settings, op.SensorID)
	case opAppendRecords:
		t := s.records[op.SensorID]
		if t == nil {
			t = newRecordTable()
			s.records[op.SensorID] = t
		}
		for _, r := range op.Records {
			t.insert(r)
		}
	case opDeleteRecord:
		if t := s.records[op.SensorID]; t != nil {
			t.deleteAt(op.At.UnixMilli())
		}
	case opDeleteRecords:
		delete(s.records, op.SensorID)
	case opDeleteRecordsBefore:
		if t := s.records[op.SensorID]; t != nil {
			t.deleteBefore(op.At.UnixMilli())
		}
	case opPutSettings:
		s.settings[op.SensorID] = op.Settings
	case opPutLast:
		s.last[op.SensorID] = op.Record
	}
}

// write appends op to the log and then applies it. Callers hold mu.
func (s *Store) write(ctx context.Context, op operation) error {
	if s.closed {
		return errors.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.log.append(encodeOperation(op)); err != nil {
		return errors.Backend("legacy "+op.Code.String(), err)
	}
	s.stats.OperationsWritten++
	s.apply(op)
	return nil
}

// Name implements storage.Backend.
func (s *Store) Name() string { return "legacy" }

// SensorKey returns the local identifier.
func (s *Store) SensorKey(sensor model.Sensor) string { return string(sensor.LocalID) }

// Sensors returns all sensors ordered by id.
func (s *Store) Sensors(ctx context.Context) ([]model.Sensor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errors.ErrClosed
	}

	out := make([]model.Sensor, 0, len(s.sensors))
	for _, sensor := range s.sensors {
		out = append(out, sensor)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LocalID < out[j].LocalID })
	return out, nil
}

// Sensor returns one sensor.
func (s *Store) Sensor(ctx context.Context, id string) (model.Sensor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return model.Sensor{}, errors.ErrClosed
	}

	sensor, ok := s.sensors[id]
	if !ok {
		return model.Sensor{}, errors.Wrapf(errors.ErrSensorNotFound, "legacy sensor %s", id)
	}
	return sensor, nil
}

// PutSensor creates or replaces a sensor.
func (s *Store) PutSensor(ctx context.Context, sensor model.Sensor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(ctx, operation{Code: opPutSensor, SensorID: string(sensor.LocalID), Sensor: sensor})
}

// DeleteSensor removes a sensor with everything that references it.
func (s *Store) DeleteSensor(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(ctx, operation{Code: opDeleteSensor, SensorID: id})
}

// InsertRecords appends records, skipping those whose key already exists.
func (s *Store) InsertRecords(ctx context.Context, records []model.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	bySensor := make(map[string][]model.Record)
	var order []string
	for _, r := range records {
		id := string(r.LocalID)
		if _, seen := bySensor[id]; !seen {
			order = append(order, id)
		}
		bySensor[id] = append(bySensor[id], r)
	}

	inserted := 0
	for _, id := range order {
		fresh := s.fresh(id, bySensor[id])
		if len(fresh) == 0 {
			continue
		}
		if err := s.write(ctx, operation{Code: opAppendRecords, SensorID: id, Records: fresh}); err != nil {
			return inserted, err
		}
		inserted += len(fresh)
	}
	return inserted, nil
}

// fresh filters out records already stored or repeated in the batch.
func (s *Store) fresh(id string, records []model.Record) []model.Record {
	t := s.records[id]
	seen := make(map[int64]struct{}, len(records))
	out := records[:0:0]
	for _, r := range records {
		ms := r.Timestamp.UnixMilli()
		if _, dup := seen[ms]; dup {
			continue
		}
		seen[ms] = struct{}{}
		if t != nil {
			if _, exists := t.keys[ms]; exists {
				continue
			}
		}
		out = append(out, r)
	}
	return out
}

// Records returns records with from <= timestamp < to.
func (s *Store) Records(ctx context.Context, sensorID string, from, to time.Time) ([]model.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errors.ErrClosed
	}

	t := s.records[sensorID]
	if t == nil {
		return nil, nil
	}

	lo := 0
	if !from.IsZero() {
		ms := from.UnixMilli()
		lo = sort.Search(len(t.rows), func(i int) bool { return t.rows[i].Timestamp.UnixMilli() >= ms })
	}
	hi := len(t.rows)
	if !to.IsZero() {
		ms := to.UnixMilli()
		hi = sort.Search(len(t.rows), func(i int) bool { return t.rows[i].Timestamp.UnixMilli() >= ms })
	}
	if lo >= hi {
		return nil, nil
	}
	return append([]model.Record(nil), t.rows[lo:hi]...), nil
}

// ScanRecords streams a sensor's records in batches, oldest first.
func (s *Store) ScanRecords(ctx context.Context, sensorID string, batchSize int, fn func([]model.Record) error) error {
	// Snapshot under the lock; fn may call back into the store.
	all, err := s.Records(ctx, sensorID, time.Time{}, time.Time{})
	if err != nil {
		return err
	}
	for _, batch := range storage.Chunk(all, batchSize) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(batch); err != nil {
			return err
		}
	}
	return nil
}

// CountRecords returns the number of stored records of a sensor.
func (s *Store) CountRecords(ctx context.Context, sensorID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, errors.ErrClosed
	}
	if t := s.records[sensorID]; t != nil {
		return len(t.rows), nil
	}
	return 0, nil
}

// DeleteRecord removes the record at ts.
func (s *Store) DeleteRecord(ctx context.Context, sensorID string, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.records[sensorID]
	if t == nil {
		return errors.Wrapf(errors.ErrRecordNotFound, "legacy record %s@%d", sensorID, ts.UnixMilli())
	}
	if _, ok := t.keys[ts.UnixMilli()]; !ok {
		return errors.Wrapf(errors.ErrRecordNotFound, "legacy record %s@%d", sensorID, ts.UnixMilli())
	}
	return s.write(ctx, operation{Code: opDeleteRecord, SensorID: sensorID, At: ts})
}

// DeleteRecords removes all records of a sensor.
func (s *Store) DeleteRecords(ctx context.Context, sensorID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.records[sensorID]
	if t == nil {
		return 0, nil
	}
	n := len(t.rows)
	if err := s.write(ctx, operation{Code: opDeleteRecords, SensorID: sensorID}); err != nil {
		return 0, err
	}
	return n, nil
}

// DeleteRecordsBefore removes records older than before.
func (s *Store) DeleteRecordsBefore(ctx context.Context, sensorID string, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.records[sensorID]
	if t == nil {
		return 0, nil
	}
	ms := before.UnixMilli()
	n := sort.Search(len(t.rows), func(i int) bool { return t.rows[i].Timestamp.UnixMilli() >= ms })
	if n == 0 {
		return 0, nil
	}
	if err := s.write(ctx, operation{Code: opDeleteRecordsBefore, SensorID: sensorID, At: before}); err != nil {
		return 0, err
	}
	return n, nil
}

// LastRecord returns the stored last record.
func (s *Store) LastRecord(ctx context.Context, sensorID string) (model.Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return model.Record{}, false, errors.ErrClosed
	}
	r, ok := s.last[sensorID]
	return r, ok, nil
}

// PutLastRecord replaces the last record of the record's sensor.
func (s *Store) PutLastRecord(ctx context.Context, rec model.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(ctx, operation{Code: opPutLast, SensorID: string(rec.LocalID), Record: rec})
}

// Settings returns the stored settings.
func (s *Store) Settings(ctx context.Context, sensorID string) (model.Settings, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return model.Settings{}, false, errors.ErrClosed
	}
	st, ok := s.settings[sensorID]
	return st, ok, nil
}

// PutSettings replaces a sensor's settings.
func (s *Store) PutSettings(ctx context.Context, st model.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(ctx, operation{Code: opPutSettings, SensorID: st.SensorID, Settings: st})
}

// Compact rewrites the live arena into a new segment and deletes all older
// segments. A crash before the deletion leaves both the old segments and the
// snapshot; replaying them yields the same arena.
func (s *Store) Compact(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.ErrClosed
	}

	if err := s.log.rotate(); err != nil {
		return errors.Backend("legacy compact", err)
	}
	snapshotSeq := s.log.currentSeq()

	for _, op := range s.snapshot() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.log.append(encodeOperation(op)); err != nil {
			return errors.Backend("legacy compact", err)
		}
	}
	if err := s.log.flush(); err != nil {
		return errors.Backend("legacy compact", err)
	}

	deleted, err := s.log.deleteBefore(snapshotSeq)
	if err != nil {
		return errors.Backend("legacy compact", err)
	}

	s.stats.Compactions++
	log.Info("legacy store compacted", "segments_deleted", deleted, "sensors", len(s.sensors))
	return nil
}

// snapshot returns the operations that rebuild the current arena.
func (s *Store) snapshot() []operation {
	ids := make(map[string]struct{})
	for id := range s.sensors {
		ids[id] = struct{}{}
	}
	for id := range s.records {
		ids[id] = struct{}{}
	}
	for id := range s.settings {
		ids[id] = struct{}{}
	}
	for id := range s.last {
		ids[id] = struct{}{}
	}
	sorted := make([]string, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)

	var ops []operation
	for _, id := range sorted {
		if sensor, ok := s.sensors[id]; ok {
			ops = append(ops, operation{Code: opPutSensor, SensorID: id, Sensor: sensor})
		}
		if t := s.records[id]; t != nil {
			for _, batch := range storage.Chunk(t.rows, 1000) {
				ops = append(ops, operation{Code: opAppendRecords, SensorID: id, Records: batch})
			}
		}
		if st, ok := s.settings[id]; ok {
			ops = append(ops, operation{Code: opPutSettings, SensorID: id, Settings: st})
		}
		if r, ok := s.last[id]; ok {
			ops = append(ops, operation{Code: opPutLast, SensorID: id, Record: r})
		}
	}
	return ops
}

// Stats returns store statistics.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// Close flushes and closes the log.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.log.close()
}
