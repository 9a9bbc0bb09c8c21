// Package errors provides the error taxonomy shared by every stationd package.
//
// This file provides:
// - Sentinel errors for all error conditions
// - Error category checking functions
// - Error wrapping utilities
// - A collector for validation errors

package errors

import (
	"errors"
	"fmt"
)

// ============================================================================
// Sentinel errors for common conditions
// ============================================================================

var (
	// Frame errors. Decoding aborts the single frame only.
	ErrMalformedFrame    = errors.New("malformed frame")
	ErrUnsupportedFormat = errors.New("unsupported frame format")

	// Storage errors
	ErrBackendFailure = errors.New("storage backend failure")
	ErrNotFound       = errors.New("not found")
	ErrSensorNotFound = errors.New("sensor not found")
	ErrRecordNotFound = errors.New("record not found")
	ErrClosed         = errors.New("store is closed")

	// Migration errors. Incomplete is an observable state: the ledger entry
	// stays unset and the migration is retried on the next launch.
	ErrMigrationIncomplete = errors.New("migration incomplete")

	// Calibration errors
	ErrCalibrationInputMissing = errors.New("calibration input missing")
	ErrInvalidOffsetType       = errors.New("invalid offset type")

	// Validation errors
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrMissingField   = errors.New("missing required field")
	ErrInvalidRequest = errors.New("invalid request")

	// Scheduling errors
	ErrSyncInFlight = errors.New("sync already in flight")
	ErrStopped      = errors.New("stopped")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// New is a convenience wrapper for errors.New
var New = errors.New

// Join is a convenience wrapper for errors.Join
var Join = errors.Join

// IsNotFound returns true if err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrSensorNotFound) ||
		errors.Is(err, ErrRecordNotFound)
}

// IsFrameError returns true if err means a single frame could not be decoded.
func IsFrameError(err error) bool {
	return errors.Is(err, ErrMalformedFrame) ||
		errors.Is(err, ErrUnsupportedFormat)
}

// IsValidation returns true if err is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingField) ||
		errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrInvalidOffsetType)
}

// IsRetriable returns true if the failed operation may succeed when retried
// later (next interval, next launch).
func IsRetriable(err error) bool {
	return errors.Is(err, ErrBackendFailure) ||
		errors.Is(err, ErrMigrationIncomplete) ||
		errors.Is(err, ErrSyncInFlight)
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Backend marks err as a storage backend failure while keeping the driver
// error in the chain.
func Backend(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrBackendFailure) || IsNotFound(err) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrBackendFailure, err)
}

// ============================================================================
// Error constructors with context
// ============================================================================

// NewNotFound creates a not-found error with context.
func NewNotFound(entityType, identifier string) error {
	return fmt.Errorf("%s '%s': %w", entityType, identifier, ErrNotFound)
}

// NewMalformedFrame creates a frame error naming the format and byte counts.
func NewMalformedFrame(format uint8, got, want int) error {
	return fmt.Errorf("format %d: got %d bytes, need %d: %w", format, got, want, ErrMalformedFrame)
}

// NewValidation creates a validation error with context.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrInvalidConfig)
}

// NewMissingField creates a missing field error.
func NewMissingField(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingField)
}

// ============================================================================
// Validation Errors Collection
// ============================================================================

// ValidationErrors collects multiple validation errors.
type ValidationErrors struct {
	Errors []error
}

// NewValidationErrors creates a new ValidationErrors collector.
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{}
}

// Add adds an error to the collection.
func (v *ValidationErrors) Add(err error) {
	if err != nil {
		v.Errors = append(v.Errors, err)
	}
}

// AddField adds a field validation error.
func (v *ValidationErrors) AddField(field, reason string) {
	v.Errors = append(v.Errors, NewValidation(field, reason))
}

// AddMissing adds a missing field error.
func (v *ValidationErrors) AddMissing(field string) {
	v.Errors = append(v.Errors, NewMissingField(field))
}

// HasErrors returns true if there are any errors.
func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

// Error implements the error interface.
func (v *ValidationErrors) Error() string {
	if len(v.Errors) == 0 {
		return ""
	}
	if len(v.Errors) == 1 {
		return v.Errors[0].Error()
	}

	msg := fmt.Sprintf("validation failed with %d errors:", len(v.Errors))
	for _, err := range v.Errors {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Err returns nil if no errors, otherwise returns the ValidationErrors.
func (v *ValidationErrors) Err() error {
	if !v.HasErrors() {
		return nil
	}
	return v
}

// Unwrap returns the first error for errors.Is/As support.
func (v *ValidationErrors) Unwrap() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v.Errors[0]
}
