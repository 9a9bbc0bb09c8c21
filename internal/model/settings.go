package model

import (
	"fmt"
	"time"

	"github.com/ruuvi/stationd/internal/errors"
)

// Settings holds the per-sensor calibration state.
type Settings struct {
	SensorID string

	TemperatureOffset     *float64
	TemperatureOffsetDate *time.Time
	HumidityOffset        *float64
	HumidityOffsetDate    *time.Time
	PressureOffset        *float64
	PressureOffsetDate    *time.Time

	// LegacyHumidityOffset is a humidity delta expressed at the 20 °C
	// reference. It is converted once into HumidityOffset and then cleared.
	LegacyHumidityOffset *float64

	DisplayOrder        []string
	DefaultDisplayOrder bool
}

// IsZero reports whether no offset or display hint is set.
func (s Settings) IsZero() bool {
	return s.TemperatureOffset == nil && s.HumidityOffset == nil &&
		s.PressureOffset == nil && s.LegacyHumidityOffset == nil &&
		len(s.DisplayOrder) == 0 && !s.DefaultDisplayOrder
}

// OffsetType selects which offset UpdateOffsetCorrection changes.
type OffsetType string

const (
	OffsetTemperature OffsetType = "temperature"
	OffsetHumidity    OffsetType = "humidity"
	OffsetPressure    OffsetType = "pressure"

	// OffsetHumidityAtReference is a humidity delta measured at the 20 °C
	// reference; it is converted to a plain relative-humidity delta before
	// being stored.
	OffsetHumidityAtReference OffsetType = "humidity-at-reference"
)

// ParseOffsetType parses an offset type name.
func ParseOffsetType(s string) (OffsetType, error) {
	switch t := OffsetType(s); t {
	case OffsetTemperature, OffsetHumidity, OffsetPressure, OffsetHumidityAtReference:
		return t, nil
	}
	return "", fmt.Errorf("%q: %w", s, errors.ErrInvalidOffsetType)
}
