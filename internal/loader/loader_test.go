package loader

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ruuvi/stationd/config"
	"github.com/ruuvi/stationd/internal/errors"
	"github.com/ruuvi/stationd/internal/retention"
	itesting "github.com/ruuvi/stationd/internal/testing"
)

// writeConfig replaces path atomically so a watcher never sees a partial
// file.
func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("rename config: %v", err)
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}

func TestParse_OverridesDefaults(t *testing.T) {
	t.Setenv("STATIOND_DATA", "/srv/station")

	cfg, err := Parse([]byte(`
data_dir: ${STATIOND_DATA}
legacy:
  enabled: false
  max_segment_size: 4MB
relational:
  query_timeout: 5s
retention:
  hours: 48
  interval: 2h
  concurrency: 3
  archive:
    enabled: true
    dir: /mnt/archive
    compression: snappy
sync:
  enabled: true
  interval: 90
migration:
  batch_size: 250
logging:
  level: debug
  json: true
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.DataDir != "/srv/station" {
		t.Errorf("data_dir = %q", cfg.DataDir)
	}
	if cfg.Legacy.Enabled || cfg.Legacy.MaxSegmentSize.Bytes() != 4<<20 {
		t.Errorf("legacy = %+v", cfg.Legacy)
	}
	if cfg.Relational.QueryTimeout.Duration() != 5*time.Second {
		t.Errorf("query_timeout = %v", cfg.Relational.QueryTimeout.Duration())
	}
	if cfg.RetentionHorizon() != 48*time.Hour || cfg.Retention.Concurrency != 3 {
		t.Errorf("retention = %+v", cfg.Retention)
	}
	if cfg.Sync.Interval.Duration() != 90*time.Second {
		t.Errorf("sync interval = %v", cfg.Sync.Interval.Duration())
	}
	if cfg.Migration.BatchSize != 250 || cfg.Migration.Concurrency != config.DefaultMigrationConcurrency {
		t.Errorf("migration = %+v", cfg.Migration)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.JSON {
		t.Errorf("logging = %+v", cfg.Logging)
	}

	if got := cfg.RelationalPath(); got != filepath.Join("/srv/station", config.DefaultRelationalFile) {
		t.Errorf("RelationalPath = %q", got)
	}
	if got := cfg.ArchiveDir(); got != "/mnt/archive" {
		t.Errorf("ArchiveDir = %q", got)
	}

	pc := cfg.PrunerConfig()
	if pc.Archive == nil || pc.Archive.Compression != retention.CompressionSnappy || pc.Interval != 2*time.Hour {
		t.Errorf("pruner config = %+v", pc)
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		yaml   string
		fields int
	}{
		{"bad yaml", "retention: [", 0},
		{"bad duration", "sync:\n  interval: soon\n", 0},
		{"negative hours", "retention:\n  hours: -1\n", 1},
		{"sync interval too short", "sync:\n  enabled: true\n  interval: 1s\n", 1},
		{"unknown sync mode", "legacy:\n  sync_mode: sometimes\n", 1},
		{"several at once", "migration:\n  concurrency: 0\n  batch_size: 0\nlogging:\n  level: loud\n", 3},
		{"archive codec", "retention:\n  archive:\n    enabled: true\n    compression: brotli\n", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if !errors.IsValidation(err) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if tt.fields == 0 {
				return
			}
			var verrs *errors.ValidationErrors
			if !errors.As(err, &verrs) {
				t.Fatalf("expected *ValidationErrors, got %T", err)
			}
			if len(verrs.Errors) != tt.fields {
				t.Errorf("got %d errors, want %d: %v", len(verrs.Errors), tt.fields, err)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error")
	}
}

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"", 0, false},
		{"512", 512, false},
		{"512B", 512, false},
		{"4KB", 4 << 10, false},
		{"16mb", 16 << 20, false},
		{" 2 GB ", 2 << 30, false},
		{"lots", 0, true},
		{"1.5MB", 0, true},
	}

	for _, tt := range tests {
		got, err := parseByteSize(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseByteSize(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseByteSize(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

type recorder struct {
	mu       sync.Mutex
	interval []time.Duration
	horizon  []time.Duration
}

func (r *recorder) SetInterval(d time.Duration) {
	r.mu.Lock()
	r.interval = append(r.interval, d)
	r.mu.Unlock()
}

func (r *recorder) SetHorizon(d time.Duration) {
	r.mu.Lock()
	r.horizon = append(r.horizon, d)
	r.mu.Unlock()
}

func (r *recorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.interval), len(r.horizon)
}

func TestPushRuntime_OnlyChanges(t *testing.T) {
	var rec recorder
	var persisted []time.Duration
	push := PushRuntime(&rec, &rec, func(d time.Duration) error {
		persisted = append(persisted, d)
		return nil
	})

	a := DefaultConfig()
	b := DefaultConfig()
	push(a, b)
	if i, h := rec.counts(); i != 0 || h != 0 {
		t.Fatalf("unchanged config pushed %d intervals and %d horizons", i, h)
	}

	b.Sync.Interval = Duration(time.Minute)
	b.Retention.Hours = 12
	push(a, b)
	if len(rec.interval) != 1 || rec.interval[0] != time.Minute {
		t.Errorf("intervals = %v", rec.interval)
	}
	if len(rec.horizon) != 1 || rec.horizon[0] != 12*time.Hour {
		t.Errorf("horizons = %v", rec.horizon)
	}
	if len(persisted) != 1 || persisted[0] != 12*time.Hour {
		t.Errorf("persisted = %v", persisted)
	}
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeConfig(t, path, "retention:\n  hours: 24\n")

	initial, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	var rec recorder
	w := NewWatcher(path, initial)
	w.debounce = 10 * time.Millisecond
	w.OnChange(PushRuntime(&rec, &rec, nil))
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	writeConfig(t, path, "retention:\n  hours: 36\nsync:\n  interval: 1m\n")
	err = itesting.Eventually(3*time.Second, 10*time.Millisecond, func() bool {
		return w.Current().Retention.Hours == 36
	})
	if err != nil {
		t.Fatalf("config not reloaded: %v", err)
	}
	if i, h := rec.counts(); i != 1 || h != 1 {
		t.Errorf("pushed %d intervals and %d horizons, want 1 each", i, h)
	}

	// An invalid version is rejected and the last good one stays.
	writeConfig(t, path, "retention:\n  hours: -5\n")
	err = itesting.Eventually(3*time.Second, 10*time.Millisecond, func() bool {
		_, rejected := w.Reloads()
		return rejected >= 1
	})
	if err != nil {
		t.Fatalf("invalid config not seen: %v", err)
	}
	if w.Current().Retention.Hours != 36 {
		t.Errorf("current hours = %d, want 36", w.Current().Retention.Hours)
	}
}

func TestWatcher_StopWithoutStart(t *testing.T) {
	w := NewWatcher(filepath.Join(t.TempDir(), "c.yaml"), DefaultConfig())
	if err := w.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
}
