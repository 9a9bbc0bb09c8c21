// Package validation checks user- and radio-supplied names before they
// reach storage.
package validation

import (
	"fmt"
	"unicode"
	"unicode/utf8"

	"github.com/ruuvi/stationd/internal/errors"
)

// =============================================================================
// Name Validation
// =============================================================================

// NameRules defines the validation rules for one kind of name. Lengths
// count runes.
type NameRules struct {
	MinLength    int
	MaxLength    int
	AllowSpaces  bool
	AllowPunct   bool
	AllowDots    bool
	AllowColons  bool
	AllowHyphens bool
	AllowUnders  bool
}

// SensorNameRules returns the rules for display names. Names are free text
// apart from control characters.
func SensorNameRules() NameRules {
	return NameRules{
		MinLength:    0,
		MaxLength:    64,
		AllowSpaces:  true,
		AllowPunct:   true,
		AllowDots:    true,
		AllowColons:  true,
		AllowHyphens: true,
		AllowUnders:  true,
	}
}

// LocalIDRules returns the rules for radio-local identifiers such as
// adapter handles or platform UUIDs.
func LocalIDRules() NameRules {
	return NameRules{
		MinLength:    1,
		MaxLength:    128,
		AllowDots:    true,
		AllowColons:  true,
		AllowHyphens: true,
		AllowUnders:  true,
	}
}

// ValidateName checks name against rules and reports failures as
// validation errors on field.
func ValidateName(field, name string, rules NameRules) error {
	if !utf8.ValidString(name) {
		return errors.NewValidation(field, "not valid UTF-8")
	}
	n := utf8.RuneCountInString(name)
	if n < rules.MinLength {
		return errors.NewValidation(field, fmt.Sprintf("too short: minimum %d characters required", rules.MinLength))
	}
	if n > rules.MaxLength {
		return errors.NewValidation(field, fmt.Sprintf("too long: maximum %d characters allowed", rules.MaxLength))
	}

	pos := 0
	for _, r := range name {
		if unicode.IsControl(r) {
			return errors.NewValidation(field, fmt.Sprintf("control character at position %d", pos))
		}
		if !isAllowedNameChar(r, rules) {
			return errors.NewValidation(field, fmt.Sprintf("invalid character %q at position %d", r, pos))
		}
		pos++
	}
	return nil
}

func isAllowedNameChar(r rune, rules NameRules) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	switch r {
	case '.':
		return rules.AllowDots
	case ':':
		return rules.AllowColons
	case '-':
		return rules.AllowHyphens
	case '_':
		return rules.AllowUnders
	case ' ':
		return rules.AllowSpaces
	}
	if unicode.IsSpace(r) {
		return false
	}
	return rules.AllowPunct && (unicode.IsPunct(r) || unicode.IsSymbol(r))
}

// ValidateSensorName validates a sensor display name.
func ValidateSensorName(name string) error {
	return ValidateName("name", name, SensorNameRules())
}

// ValidateLocalID validates a radio-local identifier.
func ValidateLocalID(id string) error {
	return ValidateName("local_id", id, LocalIDRules())
}
