package model

import "time"

// Sensor is a known beacon.
type Sensor struct {
	LocalID LocalID
	MAC     MAC
	Name    string

	// Ownership state as last reported by the ownership check.
	Claimed bool
	Owned   bool
	Shared  bool

	Firmware  string
	CreatedAt time.Time
}

// ID returns the canonical storage id.
func (s Sensor) ID() string {
	return SensorID(s.LocalID, s.MAC)
}

// HasMAC reports whether the hardware identifier is known.
func (s Sensor) HasMAC() bool {
	return !s.MAC.IsZero()
}
