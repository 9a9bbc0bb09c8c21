// Package decoder turns beacon broadcast payloads into records.
//
// Decoding is pure: no state, no I/O, safe for concurrent use. Values are
// never range-checked; a field is absent only when its bit pattern says so.
// The only failure besides an unknown format is a buffer shorter than the
// format's fixed length.
package decoder

import (
	"fmt"

	"github.com/ruuvi/stationd/internal/errors"
	"github.com/ruuvi/stationd/internal/model"
)

// Format is the payload format tag.
type Format uint8

const (
	Format2 Format = 2 // URL-encoded legacy layout
	Format3 Format = 3 // RAWv1
	Format4 Format = 4 // URL-encoded layout with an id byte
	Format5 Format = 5 // RAWv2
)

// Fixed payload lengths per format.
const (
	lenFormat2 = 6
	lenFormat3 = 16
	lenFormat4 = 6
	lenFormat5 = 21

	// lenFormat5WithMAC is the length at which the trailing 6 bytes carry the
	// hardware identifier.
	lenFormat5WithMAC = 27
)

// Supported reports whether f is a known format.
func (f Format) Supported() bool {
	switch f {
	case Format2, Format3, Format4, Format5:
		return true
	}
	return false
}

// MinLength returns the fixed length of f, or 0 for unknown formats.
func (f Format) MinLength() int {
	switch f {
	case Format2:
		return lenFormat2
	case Format3:
		return lenFormat3
	case Format4:
		return lenFormat4
	case Format5:
		return lenFormat5
	}
	return 0
}

func (f Format) String() string {
	return fmt.Sprintf("format%d", uint8(f))
}

// Decode decodes data according to format.
//
// The returned record carries measurements only; the caller attaches sensor
// identity and timestamp. A MAC embedded in a format 5 payload is returned in
// Record.MAC.
func Decode(format Format, data []byte) (model.Record, error) {
	if !format.Supported() {
		return model.Record{}, fmt.Errorf("format %d: %w", uint8(format), errors.ErrUnsupportedFormat)
	}
	if want := format.MinLength(); len(data) < want {
		return model.Record{}, errors.NewMalformedFrame(uint8(format), len(data), want)
	}

	switch format {
	case Format2, Format4:
		return decodeURL(data), nil
	case Format3:
		return decodeRawV1(data), nil
	default:
		return decodeRawV2(data), nil
	}
}
