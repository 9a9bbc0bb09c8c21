// Package stats computes distribution summaries over stored sensor history.
package stats

import (
	"math"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"

	"github.com/ruuvi/stationd/internal/model"
)

// RelativeAccuracy is the quantile accuracy of every summary.
const RelativeAccuracy = 0.01

// Summary describes one field of a sensor's records over a time range.
type Summary struct {
	SensorID string
	Field    model.Field

	Count int64
	Sum   float64
	Min   float64
	Max   float64
	Avg   float64
	First time.Time
	Last  time.Time

	// Quantiles are nil when Count is zero.
	P50 *float64
	P90 *float64
	P95 *float64
	P99 *float64
}

// Aggregate accumulates values for one summary. It is safe for concurrent
// use.
type Aggregate struct {
	mu sync.Mutex

	sensorID string
	field    model.Field

	count   int64
	sum     float64
	min     float64
	max     float64
	firstTs time.Time
	lastTs  time.Time

	sketch *ddsketch.DDSketch
}

// NewAggregate creates an empty aggregate.
func NewAggregate(sensorID string, field model.Field) *Aggregate {
	a := &Aggregate{
		sensorID: sensorID,
		field:    field,
		min:      math.MaxFloat64,
		max:      -math.MaxFloat64,
	}
	if sketch, err := ddsketch.NewDefaultDDSketch(RelativeAccuracy); err == nil {
		a.sketch = sketch
	}
	return a
}

// Add adds one observation.
func (a *Aggregate) Add(value float64, ts time.Time) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.count++
	a.sum += value
	a.min = min(a.min, value)
	a.max = max(a.max, value)

	if a.firstTs.IsZero() || ts.Before(a.firstTs) {
		a.firstTs = ts
	}
	if ts.After(a.lastTs) {
		a.lastTs = ts
	}

	if a.sketch != nil {
		a.sketch.Add(value)
	}
}

// AddRecord adds the record's value for the aggregate's field; records
// without that field are skipped.
func (a *Aggregate) AddRecord(r model.Record) {
	if v, ok := r.Value(a.field); ok {
		a.Add(v, r.Timestamp)
	}
}

// Merge folds other into a.
func (a *Aggregate) Merge(other *Aggregate) error {
	if other == nil || other == a {
		return nil
	}
	other.mu.Lock()
	defer other.mu.Unlock()
	if other.count == 0 {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.count += other.count
	a.sum += other.sum
	a.min = min(a.min, other.min)
	a.max = max(a.max, other.max)
	if a.firstTs.IsZero() || other.firstTs.Before(a.firstTs) {
		a.firstTs = other.firstTs
	}
	if other.lastTs.After(a.lastTs) {
		a.lastTs = other.lastTs
	}

	if a.sketch != nil && other.sketch != nil {
		return a.sketch.MergeWith(other.sketch)
	}
	return nil
}

// Count returns the number of observations.
func (a *Aggregate) Count() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

// Summary returns the current summary.
func (a *Aggregate) Summary() Summary {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := Summary{
		SensorID: a.sensorID,
		Field:    a.field,
		Count:    a.count,
		Sum:      a.sum,
		First:    a.firstTs,
		Last:     a.lastTs,
	}
	if a.count == 0 {
		return s
	}

	s.Min = a.min
	s.Max = a.max
	s.Avg = a.sum / float64(a.count)

	if a.sketch != nil {
		s.P50 = quantile(a.sketch, 0.50)
		s.P90 = quantile(a.sketch, 0.90)
		s.P95 = quantile(a.sketch, 0.95)
		s.P99 = quantile(a.sketch, 0.99)
	}
	return s
}

func quantile(sketch *ddsketch.DDSketch, q float64) *float64 {
	v, err := sketch.GetValueAtQuantile(q)
	if err != nil {
		return nil
	}
	return &v
}

// Summarize builds a summary of field over records.
func Summarize(sensorID string, records []model.Record, field model.Field) Summary {
	agg := NewAggregate(sensorID, field)
	for _, r := range records {
		agg.AddRecord(r)
	}
	return agg.Summary()
}
