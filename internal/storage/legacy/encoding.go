package legacy

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/ruuvi/stationd/internal/model"
)

// Operation encoding (binary, little-endian):
//   - Op code (1 byte)
//   - Op body, see the encode* functions
//
// Strings are length-prefixed with 2 bytes. Timestamps are Unix
// milliseconds (8 bytes). Optional fields are preceded by a presence bitmask.
type opCode byte

const (
	opPutSensor opCode = iota + 1
	opDeleteSensor
	opAppendRecords
	opDeleteRecord
	opDeleteRecords
	opDeleteRecordsBefore
	opPutSettings
	opPutLast
)

func (o opCode) String() string {
	switch o {
	case opPutSensor:
		return "put-sensor"
	case opDeleteSensor:
		return "delete-sensor"
	case opAppendRecords:
		return "append-records"
	case opDeleteRecord:
		return "delete-record"
	case opDeleteRecords:
		return "delete-records"
	case opDeleteRecordsBefore:
		return "delete-records-before"
	case opPutSettings:
		return "put-settings"
	case opPutLast:
		return "put-last"
	default:
		return fmt.Sprintf("op(%d)", byte(o))
	}
}

// operation is one decoded log entry. Only the fields used by Code are set.
type operation struct {
	Code     opCode
	SensorID string
	Sensor   model.Sensor
	Records  []model.Record
	Record   model.Record
	Settings model.Settings
	At       time.Time
}

// =============================================================================
// Encoding
// =============================================================================

func encodeOperation(op operation) []byte {
	buf := make([]byte, 0, 64+len(op.Records)*96)
	buf = append(buf, byte(op.Code))

	switch op.Code {
	case opPutSensor:
		buf = appendSensor(buf, op.Sensor)
	case opDeleteSensor, opDeleteRecords:
		buf = appendString(buf, op.SensorID)
	case opAppendRecords:
		buf = appendString(buf, op.SensorID)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(op.Records)))
		for _, r := range op.Records {
			buf = appendRecord(buf, r)
		}
	case opDeleteRecord, opDeleteRecordsBefore:
		buf = appendString(buf, op.SensorID)
		buf = appendTime(buf, op.At)
	case opPutSettings:
		buf = appendSettings(buf, op.Settings)
	case opPutLast:
		buf = appendString(buf, op.SensorID)
		buf = appendRecord(buf, op.Record)
	}
	return buf
}

const (
	flagClaimed = 1 << iota
	flagOwned
	flagShared
)

func appendSensor(buf []byte, s model.Sensor) []byte {
	buf = appendString(buf, string(s.LocalID))
	buf = appendString(buf, string(s.LocalID))
	buf = appendString(buf, string(s.MAC))
	buf = appendString(buf, s.Name)

	var flags byte
	if s.Claimed {
		flags |= flagClaimed
	}
	if s.Owned {
		flags |= flagOwned
	}
	if s.Shared {
		flags |= flagShared
	}
	buf = append(buf, flags)

	buf = appendString(buf, s.Firmware)
	return appendTime(buf, s.CreatedAt)
}

// appendRecord writes the presence bitmask in field order: the seven float
// measurements first, then the four integer ones.
func appendRecord(buf []byte, r model.Record) []byte {
	buf = appendString(buf, string(r.LocalID))
	buf = appendString(buf, string(r.MAC))
	buf = appendTime(buf, r.Timestamp)

	floats := []*float64{
		r.Temperature, r.Humidity, r.Pressure,
		r.AccelerationX, r.AccelerationY, r.AccelerationZ,
		r.Voltage,
	}
	ints := []*int{r.TxPower, r.MovementCounter, r.MeasurementSequence, r.RSSI}

	var mask uint16
	for i, f := range floats {
		if f != nil {
			mask |= 1 << i
		}
	}
	for i, v := range ints {
		if v != nil {
			mask |= 1 << (len(floats) + i)
		}
	}
	buf = binary.LittleEndian.AppendUint16(buf, mask)

	for _, f := range floats {
		if f != nil {
			buf = appendFloat(buf, *f)
		}
	}
	for _, v := range ints {
		if v != nil {
			buf = binary.LittleEndian.AppendUint32(buf, uint32(int32(*v)))
		}
	}

	buf = appendFloat(buf, r.TemperatureOffset)
	buf = appendFloat(buf, r.HumidityOffset)
	return appendFloat(buf, r.PressureOffset)
}

// Settings presence bits.
const (
	hasTemperatureOffset = 1 << iota
	hasTemperatureOffsetDate
	hasHumidityOffset
	hasHumidityOffsetDate
	hasPressureOffset
	hasPressureOffsetDate
	hasLegacyHumidityOffset
	hasDefaultDisplayOrder
)

func appendSettings(buf []byte, s model.Settings) []byte {
	buf = appendString(buf, s.SensorID)

	var mask byte
	set := func(bit byte, ok bool) {
		if ok {
			mask |= bit
		}
	}
	set(hasTemperatureOffset, s.TemperatureOffset != nil)
	set(hasTemperatureOffsetDate, s.TemperatureOffsetDate != nil)
	set(hasHumidityOffset, s.HumidityOffset != nil)
	set(hasHumidityOffsetDate, s.HumidityOffsetDate != nil)
	set(hasPressureOffset, s.PressureOffset != nil)
	set(hasPressureOffsetDate, s.PressureOffsetDate != nil)
	set(hasLegacyHumidityOffset, s.LegacyHumidityOffset != nil)
	set(hasDefaultDisplayOrder, s.DefaultDisplayOrder)
	buf = append(buf, mask)

	if s.TemperatureOffset != nil {
		buf = appendFloat(buf, *s.TemperatureOffset)
	}
	if s.TemperatureOffsetDate != nil {
		buf = appendTime(buf, *s.TemperatureOffsetDate)
	}
	if s.HumidityOffset != nil {
		buf = appendFloat(buf, *s.HumidityOffset)
	}
	if s.HumidityOffsetDate != nil {
		buf = appendTime(buf, *s.HumidityOffsetDate)
	}
	if s.PressureOffset != nil {
		buf = appendFloat(buf, *s.PressureOffset)
	}
	if s.PressureOffsetDate != nil {
		buf = appendTime(buf, *s.PressureOffsetDate)
	}
	if s.LegacyHumidityOffset != nil {
		buf = appendFloat(buf, *s.LegacyHumidityOffset)
	}

	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(s.DisplayOrder)))
	for _, d := range s.DisplayOrder {
		buf = appendString(buf, d)
	}
	return buf
}

func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

func appendFloat(buf []byte, f float64) []byte {
	return binary.LittleEndian.AppendUint64(buf, math.Float64bits(f))
}

func appendTime(buf []byte, t time.Time) []byte {
	var ms int64
	if !t.IsZero() {
		ms = t.UnixMilli()
	}
	return binary.LittleEndian.AppendUint64(buf, uint64(ms))
}

// =============================================================================
// Decoding
// =============================================================================

// cursor reads consecutive fields, remembering the first error.
type cursor struct {
	data []byte
	off  int
	err  error
}

func (c *cursor) need(n int, what string) bool {
	if c.err != nil {
		return false
	}
	if c.off+n > len(c.data) {
		c.err = fmt.Errorf("data too short for %s at offset %d", what, c.off)
		return false
	}
	return true
}

func (c *cursor) u8(what string) byte {
	if !c.need(1, what) {
		return 0
	}
	b := c.data[c.off]
	c.off++
	return b
}

func (c *cursor) u16(what string) uint16 {
	if !c.need(2, what) {
		return 0
	}
	v := binary.LittleEndian.Uint16(c.data[c.off:])
	c.off += 2
	return v
}

func (c *cursor) u32(what string) uint32 {
	if !c.need(4, what) {
		return 0
	}
	v := binary.LittleEndian.Uint32(c.data[c.off:])
	c.off += 4
	return v
}

func (c *cursor) u64(what string) uint64 {
	if !c.need(8, what) {
		return 0
	}
	v := binary.LittleEndian.Uint64(c.data[c.off:])
	c.off += 8
	return v
}

func (c *cursor) f64(what string) float64 {
	return math.Float64frombits(c.u64(what))
}

func (c *cursor) ts(what string) time.Time {
	ms := int64(c.u64(what))
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func (c *cursor) str(what string) string {
	n := int(c.u16(what + " length"))
	if !c.need(n, what) {
		return ""
	}
	s := string(c.data[c.off : c.off+n])
	c.off += n
	return s
}

func decodeOperation(data []byte) (operation, error) {
	c := &cursor{data: data}
	op := operation{Code: opCode(c.u8("op code"))}

	switch op.Code {
	case opPutSensor:
		op.Sensor = readSensor(c)
		op.SensorID = string(op.Sensor.LocalID)
	case opDeleteSensor, opDeleteRecords:
		op.SensorID = c.str("sensor id")
	case opAppendRecords:
		op.SensorID = c.str("sensor id")
		count := int(c.u32("record count"))
		if c.err == nil && count > (len(data)-c.off)/minRecordSize {
			return op, fmt.Errorf("record count %d exceeds payload", count)
		}
		op.Records = make([]model.Record, 0, count)
		for i := 0; i < count && c.err == nil; i++ {
			op.Records = append(op.Records, readRecord(c))
		}
	case opDeleteRecord, opDeleteRecordsBefore:
		op.SensorID = c.str("sensor id")
		op.At = c.ts("timestamp")
	case opPutSettings:
		op.Settings = readSettings(c)
		op.SensorID = op.Settings.SensorID
	case opPutLast:
		op.SensorID = c.str("sensor id")
		op.Record = readRecord(c)
	default:
		return op, fmt.Errorf("unknown %s", op.Code)
	}

	if c.err != nil {
		return op, fmt.Errorf("decode %s: %w", op.Code, c.err)
	}
	return op, nil
}

// minRecordSize is the encoded size of a record with no optional fields.
const minRecordSize = 2 + 2 + 8 + 2 + 3*8

func readSensor(c *cursor) model.Sensor {
	_ = c.str("sensor id")
	s := model.Sensor{
		LocalID: model.LocalID(c.str("local id")),
		MAC:     model.MAC(c.str("mac")),
		Name:    c.str("name"),
	}
	flags := c.u8("flags")
	s.Claimed = flags&flagClaimed != 0
	s.Owned = flags&flagOwned != 0
	s.Shared = flags&flagShared != 0
	s.Firmware = c.str("firmware")
	s.CreatedAt = c.ts("created at")
	return s
}

func readRecord(c *cursor) model.Record {
	r := model.Record{
		LocalID:   model.LocalID(c.str("local id")),
		MAC:       model.MAC(c.str("mac")),
		Timestamp: c.ts("timestamp"),
	}
	mask := c.u16("presence")

	floats := []**float64{
		&r.Temperature, &r.Humidity, &r.Pressure,
		&r.AccelerationX, &r.AccelerationY, &r.AccelerationZ,
		&r.Voltage,
	}
	ints := []**int{&r.TxPower, &r.MovementCounter, &r.MeasurementSequence, &r.RSSI}

	for i, dst := range floats {
		if mask&(1<<i) != 0 {
			v := c.f64("measurement")
			*dst = &v
		}
	}
	for i, dst := range ints {
		if mask&(1<<(len(floats)+i)) != 0 {
			v := int(int32(c.u32("measurement")))
			*dst = &v
		}
	}

	r.TemperatureOffset = c.f64("temperature offset")
	r.HumidityOffset = c.f64("humidity offset")
	r.PressureOffset = c.f64("pressure offset")
	return r
}

func readSettings(c *cursor) model.Settings {
	s := model.Settings{SensorID: c.str("sensor id")}
	mask := c.u8("presence")

	optFloat := func(bit byte) *float64 {
		if mask&bit == 0 {
			return nil
		}
		v := c.f64("offset")
		return &v
	}
	optTime := func(bit byte) *time.Time {
		if mask&bit == 0 {
			return nil
		}
		v := c.ts("offset date")
		return &v
	}

	s.TemperatureOffset = optFloat(hasTemperatureOffset)
	s.TemperatureOffsetDate = optTime(hasTemperatureOffsetDate)
	s.HumidityOffset = optFloat(hasHumidityOffset)
	s.HumidityOffsetDate = optTime(hasHumidityOffsetDate)
	s.PressureOffset = optFloat(hasPressureOffset)
	s.PressureOffsetDate = optTime(hasPressureOffsetDate)
	s.LegacyHumidityOffset = optFloat(hasLegacyHumidityOffset)
	s.DefaultDisplayOrder = mask&hasDefaultDisplayOrder != 0

	n := int(c.u16("display order count"))
	for i := 0; i < n && c.err == nil; i++ {
		s.DisplayOrder = append(s.DisplayOrder, c.str("display order"))
	}
	return s
}
