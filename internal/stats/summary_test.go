package stats

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/ruuvi/stationd/internal/model"
)

var base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestSummarize_Basic(t *testing.T) {
	records := []model.Record{
		{Timestamp: base.Add(2 * time.Minute), Temperature: model.Ptr(30.0)},
		{Timestamp: base, Temperature: model.Ptr(10.0)},
		{Timestamp: base.Add(time.Minute), Temperature: model.Ptr(20.0)},
		{Timestamp: base.Add(3 * time.Minute)}, // no temperature
	}

	s := Summarize("AA", records, model.FieldTemperature)

	if s.Count != 3 || s.Sum != 60 || s.Min != 10 || s.Max != 30 {
		t.Errorf("summary = %+v", s)
	}
	if math.Abs(s.Avg-20) > 1e-9 {
		t.Errorf("avg = %v, want 20", s.Avg)
	}
	if !s.First.Equal(base) || !s.Last.Equal(base.Add(2*time.Minute)) {
		t.Errorf("first/last = %v/%v", s.First, s.Last)
	}
	if s.P50 == nil {
		t.Fatal("expected quantiles")
	}
}

func TestSummarize_Empty(t *testing.T) {
	s := Summarize("AA", nil, model.FieldHumidity)
	if s.Count != 0 || s.P50 != nil || s.Min != 0 || s.Max != 0 {
		t.Errorf("empty summary = %+v", s)
	}
}

func TestAggregate_QuantileAccuracy(t *testing.T) {
	agg := NewAggregate("AA", model.FieldPressure)
	for i := 1; i <= 1000; i++ {
		agg.Add(float64(i), base.Add(time.Duration(i)*time.Second))
	}

	s := agg.Summary()
	tests := []struct {
		name string
		got  *float64
		want float64
	}{
		{"p50", s.P50, 500},
		{"p90", s.P90, 900},
		{"p95", s.P95, 950},
		{"p99", s.P99, 990},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got == nil {
				t.Fatal("missing quantile")
			}
			if rel := math.Abs(*tt.got-tt.want) / tt.want; rel > 0.02 {
				t.Errorf("%s = %v, want %v ±2%%", tt.name, *tt.got, tt.want)
			}
		})
	}
}

func TestAggregate_NegativeValues(t *testing.T) {
	agg := NewAggregate("AA", model.FieldTemperature)
	for _, v := range []float64{-20, -10, 0, 10, 20} {
		agg.Add(v, base)
	}
	s := agg.Summary()
	if s.Min != -20 || s.Max != 20 || s.Avg != 0 {
		t.Errorf("summary = %+v", s)
	}
	if s.P50 == nil || math.Abs(*s.P50) > 0.5 {
		t.Errorf("p50 = %v", s.P50)
	}
}

func TestAggregate_SkipsNonFinite(t *testing.T) {
	agg := NewAggregate("AA", model.FieldVoltage)
	agg.Add(math.NaN(), base)
	agg.Add(math.Inf(1), base)
	agg.Add(3.0, base)
	if agg.Count() != 1 {
		t.Errorf("count = %d, want 1", agg.Count())
	}
}

func TestAggregate_Merge(t *testing.T) {
	a := NewAggregate("AA", model.FieldRSSI)
	b := NewAggregate("AA", model.FieldRSSI)
	a.AddRecord(model.Record{Timestamp: base.Add(time.Hour), RSSI: model.Ptr(-60)})
	b.AddRecord(model.Record{Timestamp: base, RSSI: model.Ptr(-90)})

	if err := a.Merge(b); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	s := a.Summary()
	if s.Count != 2 || s.Min != -90 || s.Max != -60 || !s.First.Equal(base) {
		t.Errorf("merged = %+v", s)
	}
}

func TestAggregate_Concurrent(t *testing.T) {
	agg := NewAggregate("AA", model.FieldHumidity)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				agg.Add(50, base)
			}
		}()
	}
	wg.Wait()

	if agg.Count() != 800 {
		t.Errorf("count = %d, want 800", agg.Count())
	}
}
