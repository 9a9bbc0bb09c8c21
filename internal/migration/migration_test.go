package migration

import (
	"context"
	"math"
	"strconv"
	"testing"
	"time"

	"github.com/ruuvi/stationd/config"
	"github.com/ruuvi/stationd/internal/coordinator"
	"github.com/ruuvi/stationd/internal/errors"
	"github.com/ruuvi/stationd/internal/model"
	"github.com/ruuvi/stationd/internal/storage/legacy"
	"github.com/ruuvi/stationd/internal/storage/relational"
	itesting "github.com/ruuvi/stationd/internal/testing"
)

type fixture struct {
	legacy  *legacy.Store
	current *relational.Store
	coord   *coordinator.Coordinator
}

// newFixture seeds a legacy store with three sensors: two with MACs (50 and
// 30 records, the first with settings and a last record) and one without.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	legacyStore := itesting.OpenLegacy(t, t.TempDir())
	seed := []struct {
		sensor  model.Sensor
		records int
	}{
		{model.Sensor{LocalID: "la", MAC: "aa:bb:cc:00:00:01", Name: "Kitchen"}, 50},
		{model.Sensor{LocalID: "lb", MAC: "AA:BB:CC:00:00:02", Name: "Garage"}, 30},
		{model.Sensor{LocalID: "lc", Name: "Unpaired"}, 10},
	}
	for _, s := range seed {
		if err := legacyStore.PutSensor(ctx, s.sensor); err != nil {
			t.Fatalf("seed sensor: %v", err)
		}
		// Old records predate the MAC being known.
		if _, err := legacyStore.InsertRecords(ctx, itesting.Records(s.sensor.LocalID, "", itesting.Epoch, s.records)); err != nil {
			t.Fatalf("seed records: %v", err)
		}
	}
	legacyStore.PutSettings(ctx, model.Settings{SensorID: "la", TemperatureOffset: model.Ptr(0.5)})
	legacyStore.PutLastRecord(ctx, itesting.Records("la", "", itesting.Epoch, 50)[49])

	current := itesting.OpenRelational(t)
	coord, err := coordinator.New(ctx, coordinator.Config{Current: current, Legacy: legacyStore})
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}
	return &fixture{legacy: legacyStore, current: current, coord: coord}
}

func (f *fixture) assertMigrated(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	sensors, _ := f.current.Sensors(ctx)
	if len(sensors) != 2 {
		t.Fatalf("current sensors = %d, want 2", len(sensors))
	}
	for id, want := range map[string]int{"AA:BB:CC:00:00:01": 50, "AA:BB:CC:00:00:02": 30} {
		recs, err := f.current.Records(ctx, id, time.Time{}, time.Time{})
		if err != nil {
			t.Fatalf("Records(%s): %v", id, err)
		}
		if len(recs) != want {
			t.Errorf("%s records = %d, want %d", id, len(recs), want)
		}
		for _, r := range recs {
			if r.MAC != model.MAC(id) {
				t.Fatalf("%s record carries MAC %q", id, r.MAC)
			}
		}
	}

	left, _ := f.legacy.Sensors(ctx)
	if len(left) != 1 || left[0].LocalID != "lc" {
		t.Errorf("legacy sensors left = %+v, want only lc", left)
	}
	if n, _ := f.legacy.CountRecords(ctx, "la"); n != 0 {
		t.Errorf("legacy records of la = %d, want 0", n)
	}

	if done, _ := f.current.Completed(ctx, IDStorageEngine); !done {
		t.Error("storage-engine not in ledger")
	}
}

func TestStorageEngine_RunTwiceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	engine := NewStorageEngine(f.coord, 2, 7)
	runner := NewRunner(f.current, []Migration{engine})

	events, err := runner.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(events) != 1 || events[0].State != StateCompleted {
		t.Fatalf("events = %+v", events)
	}
	if engine.State() != EngineCompleted {
		t.Errorf("state = %v", engine.State())
	}
	if st := engine.Stats(); st.Migrated != 2 || st.Skipped != 1 || st.Records != 80 {
		t.Errorf("stats = %+v", st)
	}
	f.assertMigrated(t)

	events, err = runner.Run(ctx)
	if err != nil || events[0].State != StateSkipped {
		t.Fatalf("second run = %+v, %v", events, err)
	}

	// Even when forced past the ledger, nothing is duplicated.
	if err := engine.Run(ctx); err != nil {
		t.Fatalf("forced rerun: %v", err)
	}
	f.assertMigrated(t)
}

func TestStorageEngine_CopiesSettingsAndIdentity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if err := NewStorageEngine(f.coord, 1, 0).Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	st, ok, _ := f.current.Settings(ctx, "AA:BB:CC:00:00:01")
	if !ok || st.TemperatureOffset == nil || *st.TemperatureOffset != 0.5 {
		t.Errorf("settings = %+v, %v", st, ok)
	}
	last, ok, _ := f.current.LastRecord(ctx, "AA:BB:CC:00:00:01")
	if !ok || last.MAC != "AA:BB:CC:00:00:01" {
		t.Errorf("last record = %+v, %v", last, ok)
	}
	if local, ok := f.coord.Registry().Local("AA:BB:CC:00:00:02"); !ok || local != "lb" {
		t.Errorf("registry Local = %q, %v", local, ok)
	}
	ids, _ := f.current.Identifiers(ctx)
	if len(ids) != 2 {
		t.Errorf("persisted identifiers = %d, want 2", len(ids))
	}
}

func TestStorageEngine_CrashBeforeLegacyDelete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	crashed := NewStorageEngine(f.coord, 1, 10)
	crashed.beforeLegacyDelete = func(s model.Sensor) error {
		if s.LocalID == "la" {
			return errors.New("power lost")
		}
		return nil
	}

	events, err := NewRunner(f.current, []Migration{crashed}).Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if events[0].State != StateIncomplete || !errors.Is(events[0].Err, errors.ErrMigrationIncomplete) {
		t.Fatalf("event = %+v", events[0])
	}
	if done, _ := f.current.Completed(ctx, IDStorageEngine); done {
		t.Fatal("ledger marked after partial run")
	}
	// The copy happened, the delete did not.
	if n, _ := f.legacy.CountRecords(ctx, "la"); n != 50 {
		t.Errorf("legacy la records = %d, want 50", n)
	}
	if n, _ := f.current.CountRecords(ctx, "AA:BB:CC:00:00:01"); n != 50 {
		t.Errorf("current records = %d, want 50", n)
	}

	// Next launch.
	events, err = NewRunner(f.current, []Migration{NewStorageEngine(f.coord, 1, 10)}).Run(ctx)
	if err != nil || events[0].State != StateCompleted {
		t.Fatalf("retry = %+v, %v", events, err)
	}
	f.assertMigrated(t)
}

func TestStorageEngine_MergesSensorIngestedUnderLocalID(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	const mac = "AA:BB:CC:00:00:01"

	// Frames arrived under the local id before the migration ran.
	fresh := itesting.Records("la", "", itesting.Epoch.Add(24*time.Hour), 5)
	if err := f.coord.CreateSensor(ctx, model.Sensor{LocalID: "la"}); err != nil {
		t.Fatalf("CreateSensor: %v", err)
	}
	if _, err := f.coord.CreateRecords(ctx, fresh); err != nil {
		t.Fatalf("CreateRecords: %v", err)
	}
	if err := f.coord.UpdateLastRecord(ctx, fresh[4]); err != nil {
		t.Fatalf("UpdateLastRecord: %v", err)
	}

	if err := NewStorageEngine(f.coord, 2, 10).Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	sensors, _ := f.current.Sensors(ctx)
	if len(sensors) != 2 {
		t.Fatalf("current sensors = %+v, want 2", sensors)
	}
	if n, _ := f.current.CountRecords(ctx, mac); n != 55 {
		t.Errorf("records under MAC = %d, want 55", n)
	}
	if n, _ := f.current.CountRecords(ctx, "la"); n != 0 {
		t.Errorf("records under local id = %d, want 0", n)
	}
	last, ok, _ := f.current.LastRecord(ctx, mac)
	if !ok || !last.Timestamp.Equal(fresh[4].Timestamp) || last.MAC != mac {
		t.Errorf("last record = %+v, %v; want the ingested one", last, ok)
	}
	if sensor, _ := f.current.Sensor(ctx, mac); sensor.Name != "Kitchen" {
		t.Errorf("sensor name = %q, want the legacy one", sensor.Name)
	}
}

func TestStorageEngine_ConcurrentIngestUnderLocalID(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	const mac = "AA:BB:CC:00:00:02"
	const frames = 40

	ingested := make(chan error, 1)
	go func() {
		for i, r := range itesting.Records("lb", "", itesting.Epoch.Add(24*time.Hour), frames) {
			if i == 0 {
				if err := f.coord.CreateSensor(ctx, model.Sensor{LocalID: "lb"}); err != nil {
					ingested <- err
					return
				}
			}
			if _, err := f.coord.CreateRecords(ctx, []model.Record{r}); err != nil {
				ingested <- err
				return
			}
			if err := f.coord.UpdateLastRecord(ctx, r); err != nil {
				ingested <- err
				return
			}
		}
		ingested <- nil
	}()

	if err := NewStorageEngine(f.coord, 2, 5).Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := <-ingested; err != nil {
		t.Fatalf("ingest: %v", err)
	}

	sensors, _ := f.current.Sensors(ctx)
	if len(sensors) != 2 {
		t.Fatalf("current sensors = %+v, want 2", sensors)
	}
	if n, _ := f.current.CountRecords(ctx, mac); n != 30+frames {
		t.Errorf("records under MAC = %d, want %d", n, 30+frames)
	}
	if n, _ := f.current.CountRecords(ctx, "lb"); n != 0 {
		t.Errorf("records under local id = %d, want 0", n)
	}
	if _, ok, _ := f.current.LastRecord(ctx, "lb"); ok {
		t.Error("last record left under local id")
	}
}

func TestStorageEngine_NoLegacyBackend(t *testing.T) {
	ctx := context.Background()
	current := itesting.OpenRelational(t)
	coord, err := coordinator.New(ctx, coordinator.Config{Current: current})
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}

	engine := NewStorageEngine(coord, 0, 0)
	if err := engine.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if engine.State() != EngineCompleted {
		t.Errorf("state = %v", engine.State())
	}
}

func TestHumidityOffsetRelative(t *testing.T) {
	ctx := context.Background()
	current := itesting.OpenRelational(t)
	coord, _ := coordinator.New(ctx, coordinator.Config{Current: current})

	withReading := model.Sensor{LocalID: "l1", MAC: itesting.MAC(1)}
	withoutReading := model.Sensor{LocalID: "l2", MAC: itesting.MAC(2)}
	for _, s := range []model.Sensor{withReading, withoutReading} {
		coord.CreateSensor(ctx, s)
		current.PutSettings(ctx, model.Settings{SensorID: s.ID(), LegacyHumidityOffset: model.Ptr(4.0)})
	}
	current.PutLastRecord(ctx, model.Record{
		MAC: withReading.MAC, Timestamp: itesting.Epoch,
		Temperature: model.Ptr(config.HumidityReferenceTemperatureC), Humidity: model.Ptr(50.0),
	})

	m := NewHumidityOffsetRelative(coord)
	runner := NewRunner(current, []Migration{m})

	events, _ := runner.Run(ctx)
	if events[0].State != StateIncomplete {
		t.Fatalf("first run = %+v", events[0])
	}
	st, _, _ := current.Settings(ctx, withReading.ID())
	if st.LegacyHumidityOffset != nil || st.HumidityOffset == nil || math.Abs(*st.HumidityOffset-4.0) > 1e-9 {
		t.Errorf("converted settings = %+v", st)
	}

	// The second sensor reports; the migration can finish.
	current.PutLastRecord(ctx, model.Record{
		MAC: withoutReading.MAC, Timestamp: itesting.Epoch,
		Temperature: model.Ptr(10.0), Humidity: model.Ptr(60.0),
	})
	events, _ = runner.Run(ctx)
	if events[0].State != StateCompleted {
		t.Fatalf("second run = %+v", events[0])
	}
	st, _, _ = current.Settings(ctx, withoutReading.ID())
	if st.HumidityOffset == nil || st.LegacyHumidityOffset != nil {
		t.Errorf("settings = %+v", st)
	}
	// At 10 °C the same vapour increase is a larger relative step.
	if *st.HumidityOffset <= 4.0 {
		t.Errorf("offset at 10 °C = %v, want > 4", *st.HumidityOffset)
	}
}

func TestRetentionDefault(t *testing.T) {
	ctx := context.Background()
	current := itesting.OpenRelational(t)

	if err := NewRetentionDefault(current, 0).Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	v, _, _ := current.Preference(ctx, config.PreferenceRetentionHours)
	if v != strconv.Itoa(config.DefaultRetentionHours) {
		t.Errorf("retention = %q", v)
	}

	current.PutPreference(ctx, config.PreferenceRetentionHours, "48")
	NewRetentionDefault(current, 72).Run(ctx)
	if v, _, _ := current.Preference(ctx, config.PreferenceRetentionHours); v != "48" {
		t.Errorf("operator value overwritten: %q", v)
	}
}

type fakeMigration struct {
	id   string
	err  error
	runs int
}

func (f *fakeMigration) ID() string { return f.id }

func (f *fakeMigration) Run(context.Context) error {
	f.runs++
	return f.err
}

func TestRunner_OrderAndIndependence(t *testing.T) {
	ctx := context.Background()
	current := itesting.OpenRelational(t)

	first := &fakeMigration{id: "first", err: errors.ErrMigrationIncomplete}
	second := &fakeMigration{id: "second"}

	var seen []Event
	runner := NewRunner(current, []Migration{first, second},
		WithEventHandler(func(e Event) { seen = append(seen, e) }))

	if _, err := runner.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(seen) != 2 || seen[0].ID != "first" || seen[0].State != StateIncomplete || seen[1].State != StateCompleted {
		t.Fatalf("events = %+v", seen)
	}

	pending, _ := runner.Pending(ctx)
	if len(pending) != 1 || pending[0] != "first" {
		t.Errorf("pending = %v", pending)
	}

	first.err = nil
	events := <-runner.Start(ctx)
	if len(events) != 2 || events[0].State != StateCompleted || events[1].State != StateSkipped {
		t.Errorf("events = %+v", events)
	}
	if first.runs != 2 || second.runs != 1 {
		t.Errorf("runs = %d/%d, want 2/1", first.runs, second.runs)
	}
}

func TestDefaults_Order(t *testing.T) {
	ms := Defaults(nil, nil, 0, 0, 0)
	want := []string{IDStorageEngine, IDHumidityOffsetRelative, IDRetentionDefault}
	for i, m := range ms {
		if m.ID() != want[i] {
			t.Errorf("migration %d = %s, want %s", i, m.ID(), want[i])
		}
	}
}
