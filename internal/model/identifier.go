// Package model defines the sensor, record and settings types shared by the
// decoder, the storage backends and the coordinator.
package model

import "strings"

// LocalID identifies a sensor for the lifetime of one radio pairing.
type LocalID string

// MAC is the stable hardware identifier of a sensor.
//
// Two MACs are equal when the last 3 bytes match after stripping separators
// and lower-casing. Data sources disagree on formatting ("AA:BB:CC:DD:EE:FF",
// "aabbccddeeff", "ddeeff") and this is the only policy that matches them all.
type MAC string

// macSuffixDigits is the number of trailing hex digits compared by Equal.
const macSuffixDigits = 6

// IsZero reports whether the MAC is unset.
func (m MAC) IsZero() bool {
	return m == ""
}

// Normalize returns the hex digits of m, lower-cased, separators removed.
func (m MAC) Normalize() string {
	var b strings.Builder
	b.Grow(len(m))
	for i := 0; i < len(m); i++ {
		c := m[i]
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f':
			b.WriteByte(c)
		case c >= 'A' && c <= 'F':
			b.WriteByte(c + ('a' - 'A'))
		}
	}
	return b.String()
}

// Key returns the comparison key: the last 6 normalized hex digits, or the
// raw string when fewer digits are available.
func (m MAC) Key() string {
	n := m.Normalize()
	if len(n) < macSuffixDigits {
		return string(m)
	}
	return n[len(n)-macSuffixDigits:]
}

// Equal compares m and other on their last 3 bytes. When either side has
// fewer than 6 hex digits the comparison is case-sensitive on the full string.
func (m MAC) Equal(other MAC) bool {
	a, b := m.Normalize(), other.Normalize()
	if len(a) < macSuffixDigits || len(b) < macSuffixDigits {
		return m == other
	}
	return a[len(a)-macSuffixDigits:] == b[len(b)-macSuffixDigits:]
}

// Canonical renders a full 12-digit MAC as upper-case colon-separated pairs.
// Anything else is returned unchanged.
func (m MAC) Canonical() MAC {
	n := m.Normalize()
	if len(n) != 12 {
		return m
	}
	up := strings.ToUpper(n)
	var b strings.Builder
	b.Grow(17)
	for i := 0; i < 12; i += 2 {
		if i > 0 {
			b.WriteByte(':')
		}
		b.WriteString(up[i : i+2])
	}
	return MAC(b.String())
}

func (m MAC) String() string {
	return string(m)
}

// SensorID returns the canonical storage id for a sensor known by local and
// hardware identifiers: the MAC when known, otherwise the local id.
func SensorID(local LocalID, mac MAC) string {
	if !mac.IsZero() {
		return string(mac.Canonical())
	}
	return string(local)
}
