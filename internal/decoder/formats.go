package decoder

import (
	"fmt"
	"math"
	"strings"

	"github.com/ruuvi/stationd/internal/model"
)

// Pressure is always transmitted as pascals minus 50000.
const pressureBias = 50000

// decodeURL decodes formats 2 and 4:
//
//	[1]    humidity, 0.5 %RH steps
//	[2..3] temperature, sign bit + magnitude in 1/256 °C
//	[4..5] pressure, Pa - 50000
func decodeURL(b []byte) model.Record {
	humidity := float64(b[1]) / 2

	magnitude := int(b[2]&0x7F)<<8 | int(b[3])
	temperature := float64(magnitude) / 256
	if b[2]&0x80 != 0 {
		temperature = -temperature
	}

	pressure := float64(int(b[4])<<8+int(b[5])+pressureBias) / 100

	return model.Record{
		Temperature: &temperature,
		Humidity:    &humidity,
		Pressure:    &pressure,
	}
}

// decodeRawV1 decodes format 3:
//
//	[3]      humidity, 0.5 %RH steps
//	[4]      temperature sign bit + integer part
//	[5]      temperature fraction, 1/100 °C
//	[6..7]   pressure, Pa - 50000
//	[8..13]  acceleration x/y/z, signed mG
//	[14..15] battery voltage, mV
func decodeRawV1(b []byte) model.Record {
	humidity := float64(b[3]) * 0.5

	temperature := float64(b[4]&0x7F) + float64(b[5])/100
	if b[4]&0x80 != 0 {
		temperature = -temperature
	}

	pressure := float64(int(b[6])*256+pressureBias+int(b[7])) / 100

	ax := acceleration(b[8], b[9])
	ay := acceleration(b[10], b[11])
	az := acceleration(b[12], b[13])

	voltage := float64(int(b[14])*256+int(b[15])) / 1000

	return model.Record{
		Temperature:   &temperature,
		Humidity:      &humidity,
		Pressure:      &pressure,
		AccelerationX: &ax,
		AccelerationY: &ay,
		AccelerationZ: &az,
		Voltage:       &voltage,
	}
}

// Packed power field sentinels.
const (
	voltageAbsent = 0x7FF
	txPowerAbsent = 0x1F
)

// decodeRawV2 decodes format 5:
//
//	[3..4]   temperature, 0.005 °C steps
//	[5..6]   humidity, 0.0025 %RH steps
//	[7..8]   pressure, Pa - 50000
//	[9..14]  acceleration x/y/z, signed mG
//	[15..16] voltage (11 bits, mV above 1600) and tx power (5 bits, 2 dBm steps from -40)
//	[18]     movement counter
//	[19..20] measurement sequence, low byte first
//	last 6   MAC, when the payload is at least 27 bytes
func decodeRawV2(b []byte) model.Record {
	rawTemp := int(b[3])<<8 | int(b[4])
	if rawTemp > 32767 {
		rawTemp -= 65534
	}
	temperature := float64(rawTemp) / 200

	humidity := float64(int(b[5])<<8|int(b[6])) / 400

	pressure := float64((int(b[7])<<8|int(b[8]))+pressureBias) / 100

	ax := acceleration(b[9], b[10])
	ay := acceleration(b[11], b[12])
	az := acceleration(b[13], b[14])

	rec := model.Record{
		Temperature:   &temperature,
		Humidity:      &humidity,
		Pressure:      &pressure,
		AccelerationX: &ax,
		AccelerationY: &ay,
		AccelerationZ: &az,
	}

	power := uint16(b[15])<<8 | uint16(b[16])
	if v := power >> 5; v != voltageAbsent {
		voltage := math.Round((float64(v)/1000+1.6)*1000) / 1000
		rec.Voltage = &voltage
	}
	if p := power & 0x1F; p != txPowerAbsent {
		tx := int(p)*2 - 40
		rec.TxPower = &tx
	}

	movement := int(b[18])
	rec.MovementCounter = &movement

	sequence := int(b[19]) | int(b[20])<<8
	rec.MeasurementSequence = &sequence

	if len(b) >= lenFormat5WithMAC {
		rec.MAC = formatMAC(b[len(b)-6:])
	}

	return rec
}

// acceleration decodes a big-endian signed 16-bit milli-g value.
func acceleration(hi, lo byte) float64 {
	return float64(int16(uint16(hi)<<8|uint16(lo))) / 1000
}

func formatMAC(b []byte) model.MAC {
	parts := make([]string, len(b))
	for i, v := range b {
		parts[i] = fmt.Sprintf("%02X", v)
	}
	return model.MAC(strings.Join(parts, ":"))
}
