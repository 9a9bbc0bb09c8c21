package model

import (
	"testing"

	"github.com/ruuvi/stationd/internal/errors"
)

func TestMACEqual(t *testing.T) {
	tests := []struct {
		a, b MAC
		want bool
	}{
		{"AA:BB:CC:DD:EE:FF", "ddeeff", true},
		{"AA:BB:CC:DD:EE:FF", "aabbccddeeff", true},
		{"AA:BB:CC:DD:EE:FF", "aa-bb-cc-dd-ee-ff", true},
		{"AA:BB:CC:DD:EE:FF", "11:22:33:44:55:66", false},
		{"AA:BB:CC:DD:EE:FF", "11:22:33:DD:EE:FF", true},
		{"abc", "abc", true},
		{"abc", "ABC", false},
		{"AA:BB:CC:DD:EE:FF", "EE:FF", false},
		{"", "", true},
	}

	for _, tt := range tests {
		if got := tt.a.Equal(tt.b); got != tt.want {
			t.Errorf("%q.Equal(%q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
		if got := tt.b.Equal(tt.a); got != tt.want {
			t.Errorf("%q.Equal(%q) = %v, want %v", tt.b, tt.a, got, tt.want)
		}
	}
}

func TestMACKeyMatchesEqual(t *testing.T) {
	a := MAC("AA:BB:CC:DD:EE:FF")
	b := MAC("ddeeff")
	if a.Key() != b.Key() {
		t.Errorf("keys differ: %q vs %q", a.Key(), b.Key())
	}
	if MAC("ab").Key() != "ab" {
		t.Errorf("short MAC key = %q, want raw string", MAC("ab").Key())
	}
}

func TestMACCanonical(t *testing.T) {
	tests := []struct {
		in, want MAC
	}{
		{"aabbccddeeff", "AA:BB:CC:DD:EE:FF"},
		{"aa-bb-cc-dd-ee-ff", "AA:BB:CC:DD:EE:FF"},
		{"AA:BB:CC:DD:EE:FF", "AA:BB:CC:DD:EE:FF"},
		{"ddeeff", "ddeeff"},
	}
	for _, tt := range tests {
		if got := tt.in.Canonical(); got != tt.want {
			t.Errorf("Canonical(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSensorID(t *testing.T) {
	if got := SensorID("local-1", ""); got != "local-1" {
		t.Errorf("got %q, want local id", got)
	}
	if got := SensorID("local-1", "aabbccddeeff"); got != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("got %q, want canonical MAC", got)
	}

	s := Sensor{LocalID: "x", MAC: "AA:BB:CC:DD:EE:FF"}
	r := Record{LocalID: "x", MAC: "aabbccddeeff"}
	if s.ID() != r.SensorID() {
		t.Errorf("sensor id %q != record sensor id %q", s.ID(), r.SensorID())
	}
}

func TestRecordUncalibrated(t *testing.T) {
	r := Record{
		Temperature:       Ptr(21.5),
		Humidity:          Ptr(40.0),
		TemperatureOffset: 1.5,
		HumidityOffset:    -2,
	}

	if got := *r.UncalibratedTemperature(); got != 20 {
		t.Errorf("uncalibrated temperature = %v, want 20", got)
	}
	if got := *r.UncalibratedHumidity(); got != 42 {
		t.Errorf("uncalibrated humidity = %v, want 42", got)
	}
	if r.UncalibratedPressure() != nil {
		t.Error("uncalibrated pressure should be nil when pressure is absent")
	}
}

func TestRecordValue(t *testing.T) {
	r := Record{Temperature: Ptr(3.0), TxPower: Ptr(4)}

	if v, ok := r.Value(FieldTemperature); !ok || v != 3 {
		t.Errorf("temperature = %v, %v", v, ok)
	}
	if v, ok := r.Value(FieldTxPower); !ok || v != 4 {
		t.Errorf("tx power = %v, %v", v, ok)
	}
	if _, ok := r.Value(FieldPressure); ok {
		t.Error("pressure should be absent")
	}
}

func TestParseOffsetType(t *testing.T) {
	if got, err := ParseOffsetType("humidity-at-reference"); err != nil || got != OffsetHumidityAtReference {
		t.Errorf("got %q, %v", got, err)
	}
	if _, err := ParseOffsetType("absolute-humidity"); !errors.Is(err, errors.ErrInvalidOffsetType) {
		t.Errorf("expected ErrInvalidOffsetType, got %v", err)
	}
}
