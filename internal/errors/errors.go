// Package errors provides the sentinel errors shared across timegraph.
//
// The error kinds mirror the failure modes of the pipeline: archive
// storage faults, empty export results, rejected requests, renderer
// failures, and shared-cache unavailability.
package errors

import (
	"errors"
	"fmt"
)

var (
	// Archive errors
	ErrArchiveMissing = errors.New("archive does not exist")
	ErrArchiveWrite   = errors.New("archive write failed")
	ErrArchiveCorrupt = errors.New("archive file corrupt")

	// Export errors
	ErrNoData = errors.New("no data")

	// Boundary errors
	ErrInvalidInput   = errors.New("invalid input")
	ErrRendererFailed = errors.New("renderer failed")

	// Backing service failures: shared cache, registry database,
	// report engine, SNMP agents.
	ErrUnavailable = errors.New("backing service unavailable")

	// Registry errors
	ErrMetricNotFound = errors.New("metric not found")
	ErrGraphNotFound  = errors.New("graph not found")
)

// Is is a convenience wrapper for errors.Is.
var Is = errors.Is

// As is a convenience wrapper for errors.As.
var As = errors.As

// IsNotFound returns true if err indicates a missing definition or
// missing data, the conditions an HTTP boundary maps to 404.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrMetricNotFound) ||
		errors.Is(err, ErrGraphNotFound) ||
		errors.Is(err, ErrNoData)
}

// IsStorage returns true if err is an archive storage fault.
func IsStorage(err error) bool {
	return errors.Is(err, ErrArchiveMissing) ||
		errors.Is(err, ErrArchiveWrite) ||
		errors.Is(err, ErrArchiveCorrupt)
}

// IsRetriable returns true if the operation may succeed on retry.
// ErrArchiveMissing is retriable after the caller provisions the archive.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrArchiveMissing) ||
		errors.Is(err, ErrUnavailable)
}

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

// NewInvalidInput creates an invalid-input error with field context.
func NewInvalidInput(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrInvalidInput)
}
