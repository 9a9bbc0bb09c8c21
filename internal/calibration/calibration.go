// Package calibration applies per-sensor offsets to decoded records and
// converts humidity offsets between temperatures.
package calibration

import (
	"fmt"
	"math"
	"time"

	"github.com/ruuvi/stationd/config"
	"github.com/ruuvi/stationd/internal/errors"
	"github.com/ruuvi/stationd/internal/model"
)

// Apply returns rec with the offsets in settings added.
//
// Each offset is applied to the uncalibrated value, so applying the same
// settings twice yields the same record. Absent values and nil offsets are
// left untouched.
func Apply(rec model.Record, settings model.Settings) model.Record {
	if settings.TemperatureOffset != nil && rec.Temperature != nil {
		rec = WithOffset(rec, model.OffsetTemperature, settings.TemperatureOffset)
	}
	if settings.HumidityOffset != nil && rec.Humidity != nil {
		rec = WithOffset(rec, model.OffsetHumidity, settings.HumidityOffset)
	}
	if settings.PressureOffset != nil && rec.Pressure != nil {
		rec = WithOffset(rec, model.OffsetPressure, settings.PressureOffset)
	}
	return rec
}

// WithOffset rewrites one field of rec so that it carries offset instead of
// its current one. A nil offset removes the correction.
func WithOffset(rec model.Record, t model.OffsetType, offset *float64) model.Record {
	var o float64
	if offset != nil {
		o = *offset
	}

	switch t {
	case model.OffsetTemperature:
		if raw := rec.UncalibratedTemperature(); raw != nil {
			v := *raw + o
			rec.Temperature = &v
		}
		rec.TemperatureOffset = o
	case model.OffsetHumidity, model.OffsetHumidityAtReference:
		if raw := rec.UncalibratedHumidity(); raw != nil {
			v := *raw + o
			rec.Humidity = &v
		}
		rec.HumidityOffset = o
	case model.OffsetPressure:
		if raw := rec.UncalibratedPressure(); raw != nil {
			v := *raw + o
			rec.Pressure = &v
		}
		rec.PressureOffset = o
	}
	return rec
}

// SetOffset returns settings with the offset for t replaced. Offsets are
// absolute: the new value overwrites the old one. A nil value clears the
// offset and its timestamp.
func SetOffset(settings model.Settings, t model.OffsetType, value *float64, at time.Time) (model.Settings, error) {
	var date *time.Time
	if value != nil {
		v := *value
		value = &v
		d := at
		date = &d
	}

	switch t {
	case model.OffsetTemperature:
		settings.TemperatureOffset, settings.TemperatureOffsetDate = value, date
	case model.OffsetHumidity, model.OffsetHumidityAtReference:
		settings.HumidityOffset, settings.HumidityOffsetDate = value, date
	case model.OffsetPressure:
		settings.PressureOffset, settings.PressureOffsetDate = value, date
	default:
		return settings, fmt.Errorf("%q: %w", t, errors.ErrInvalidOffsetType)
	}
	return settings, nil
}

// =============================================================================
// Humidity model
// =============================================================================

// Magnus coefficients over water.
const (
	magnusA = 6.112  // hPa
	magnusB = 17.62  // dimensionless
	magnusC = 243.12 // °C
)

// SaturationVapourPressure returns the saturation vapour pressure over water
// in hPa at tempC.
func SaturationVapourPressure(tempC float64) float64 {
	return magnusA * math.Exp(magnusB*tempC/(magnusC+tempC))
}

// RelativeHumidityAt converts relative humidity rh measured at fromC into the
// relative humidity the same air has at toC. The water vapour partial
// pressure stays constant.
func RelativeHumidityAt(rh, fromC, toC float64) float64 {
	return rh * SaturationVapourPressure(fromC) / SaturationVapourPressure(toC)
}

// ConvertHumidityOffset converts a humidity offset expressed at the reference
// temperature into a plain relative-humidity offset at the conditions of
// last, using its uncalibrated temperature and humidity.
//
// Returns ErrCalibrationInputMissing when last lacks either value.
func ConvertHumidityOffset(offsetAtReference float64, last model.Record) (float64, error) {
	temp := last.UncalibratedTemperature()
	rh := last.UncalibratedHumidity()
	if temp == nil || rh == nil {
		return 0, errors.ErrCalibrationInputMissing
	}

	ref := config.HumidityReferenceTemperatureC
	atReference := RelativeHumidityAt(*rh, *temp, ref)
	corrected := RelativeHumidityAt(atReference+offsetAtReference, ref, *temp)
	return corrected - *rh, nil
}
