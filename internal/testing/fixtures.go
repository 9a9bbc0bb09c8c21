package testing

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/ruuvi/stationd/internal/model"
	"github.com/ruuvi/stationd/internal/storage/legacy"
	"github.com/ruuvi/stationd/internal/storage/relational"
)

// Epoch is the first timestamp produced by Records.
var Epoch = time.Date(2023, 6, 1, 12, 0, 0, 0, time.UTC)

// OpenRelational opens a DuckDB store in a fresh temporary directory. It is
// closed when the test ends.
func OpenRelational(t *testing.T) *relational.Store {
	t.Helper()
	cfg := relational.DefaultConfig()
	cfg.DSN = filepath.Join(t.TempDir(), "station.duckdb")
	s, err := relational.Open(cfg)
	if err != nil {
		t.Fatalf("open relational store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// OpenLegacy opens a legacy store in dir. It is closed when the test ends;
// closing it earlier is harmless.
func OpenLegacy(t *testing.T, dir string) *legacy.Store {
	t.Helper()
	s, err := legacy.Open(dir, legacy.DefaultOptions())
	if err != nil {
		t.Fatalf("open legacy store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// Records returns n records one minute apart starting at start, with
// temperature 20+i, humidity 50 and RSSI -60-i.
func Records(local model.LocalID, mac model.MAC, start time.Time, n int) []model.Record {
	out := make([]model.Record, n)
	for i := range out {
		out[i] = model.Record{
			LocalID:     local,
			MAC:         mac,
			Timestamp:   start.Add(time.Duration(i) * time.Minute),
			Temperature: model.Ptr(20 + float64(i)),
			Humidity:    model.Ptr(50.0),
			RSSI:        model.Ptr(-60 - i),
		}
	}
	return out
}

// MAC returns a deterministic canonical MAC for index i.
func MAC(i int) model.MAC {
	return model.MAC(fmt.Sprintf("C0:FF:EE:00:%02X:%02X", i>>8&0xFF, i&0xFF))
}
