package validation

import (
	"strings"
	"testing"

	"github.com/ruuvi/stationd/internal/errors"
)

func TestValidateSensorName(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"", false},
		{"Sauna", false},
		{"Living room (north)", false},
		{"Kühlschrank #2", false},
		{"22°C sauna", false},
		{"tab\there", true},
		{"line\nbreak", true},
		{strings.Repeat("x", 64), false},
		{strings.Repeat("x", 65), true},
		{strings.Repeat("ä", 64), false},
		{"\xff", true},
	}

	for _, tt := range tests {
		err := ValidateSensorName(tt.name)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateSensorName(%q) = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
		if err != nil && !errors.IsValidation(err) {
			t.Errorf("ValidateSensorName(%q) error %v is not a validation error", tt.name, err)
		}
	}
}

func TestValidateLocalID(t *testing.T) {
	tests := []struct {
		id      string
		wantErr bool
	}{
		{"hci0-17", false},
		{"6A0F3D2C-1B4E-4C7A-9E51-0D2B5F6A7C81", false},
		{"CB:B8:33:4C:88:4F", false},
		{"adapter_1.dev", false},
		{"", true},
		{"with space", true},
		{"slash/ed", true},
		{"semi;colon", true},
		{strings.Repeat("a", 129), true},
	}

	for _, tt := range tests {
		err := ValidateLocalID(tt.id)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateLocalID(%q) = %v, wantErr %v", tt.id, err, tt.wantErr)
		}
	}
}
