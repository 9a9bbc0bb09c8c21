package model

import (
	"fmt"
	"time"
)

// Record is one decoded measurement. Optional fields are nil when the frame
// format does not carry them.
//
// Stored values already include the calibration offsets recorded alongside:
// stored = decoded + offset.
type Record struct {
	LocalID   LocalID
	MAC       MAC
	Timestamp time.Time

	Temperature *float64 // °C
	Humidity    *float64 // %RH
	Pressure    *float64 // hPa

	AccelerationX *float64 // m/s²
	AccelerationY *float64
	AccelerationZ *float64

	Voltage             *float64 // V
	TxPower             *int     // dBm
	MovementCounter     *int
	MeasurementSequence *int
	RSSI                *int

	TemperatureOffset float64
	HumidityOffset    float64
	PressureOffset    float64
}

// SensorID returns the canonical storage id of the record's sensor.
func (r Record) SensorID() string {
	return SensorID(r.LocalID, r.MAC)
}

// WithMAC returns a copy of r attributed to mac.
func (r Record) WithMAC(mac MAC) Record {
	r.MAC = mac
	return r
}

// UncalibratedTemperature returns the temperature before offset correction.
func (r Record) UncalibratedTemperature() *float64 {
	return minus(r.Temperature, r.TemperatureOffset)
}

// UncalibratedHumidity returns the humidity before offset correction.
func (r Record) UncalibratedHumidity() *float64 {
	return minus(r.Humidity, r.HumidityOffset)
}

// UncalibratedPressure returns the pressure before offset correction.
func (r Record) UncalibratedPressure() *float64 {
	return minus(r.Pressure, r.PressureOffset)
}

func minus(v *float64, offset float64) *float64 {
	if v == nil {
		return nil
	}
	out := *v - offset
	return &out
}

// Field names a numeric record field.
type Field string

const (
	FieldTemperature   Field = "temperature"
	FieldHumidity      Field = "humidity"
	FieldPressure      Field = "pressure"
	FieldAccelerationX Field = "acceleration_x"
	FieldAccelerationY Field = "acceleration_y"
	FieldAccelerationZ Field = "acceleration_z"
	FieldVoltage       Field = "voltage"
	FieldTxPower       Field = "tx_power"
	FieldRSSI          Field = "rssi"
)

// Fields lists every summarizable field.
var Fields = []Field{
	FieldTemperature, FieldHumidity, FieldPressure,
	FieldAccelerationX, FieldAccelerationY, FieldAccelerationZ,
	FieldVoltage, FieldTxPower, FieldRSSI,
}

// ParseField parses a field name.
func ParseField(s string) (Field, error) {
	for _, f := range Fields {
		if string(f) == s {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown field %q", s)
}

// Value returns the value of field, and false when it is absent.
func (r Record) Value(field Field) (float64, bool) {
	switch field {
	case FieldTemperature:
		return floatValue(r.Temperature)
	case FieldHumidity:
		return floatValue(r.Humidity)
	case FieldPressure:
		return floatValue(r.Pressure)
	case FieldAccelerationX:
		return floatValue(r.AccelerationX)
	case FieldAccelerationY:
		return floatValue(r.AccelerationY)
	case FieldAccelerationZ:
		return floatValue(r.AccelerationZ)
	case FieldVoltage:
		return floatValue(r.Voltage)
	case FieldTxPower:
		return intValue(r.TxPower)
	case FieldRSSI:
		return intValue(r.RSSI)
	}
	return 0, false
}

func floatValue(v *float64) (float64, bool) {
	if v == nil {
		return 0, false
	}
	return *v, true
}

func intValue(v *int) (float64, bool) {
	if v == nil {
		return 0, false
	}
	return float64(*v), true
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
