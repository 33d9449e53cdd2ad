// Package e holds the error taxonomy shared by the index components.
// Callers classify failures with errors.Is against these sentinels.
package e

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation rejects a request before any I/O is done.
	ErrValidation = errors.New("validation error")
	// ErrExtractionFailed means the provider exhausted retries or returned unusable output.
	ErrExtractionFailed = errors.New("extraction failed")
	// ErrInvalidImage means the image path could not be read or decoded.
	ErrInvalidImage = errors.New("invalid image")
	// ErrDimensionMismatch means a vector or index file has the wrong dimensionality.
	ErrDimensionMismatch = errors.New("dimension mismatch")
	// ErrConsistencyViolation means the vector store and the mapping store disagree.
	ErrConsistencyViolation = errors.New("consistency violation")
	// ErrNotFound is returned by mapping store lookups.
	ErrNotFound = errors.New("not found")
	// ErrPersistence means the in-memory state is committed but not durable.
	ErrPersistence = errors.New("persistence failed")
)

// Wrap wraps err with msg.
func Wrap(msg string, err error) error {
	return fmt.Errorf("%s: %w", msg, err)
}

// Validation returns an ErrValidation with a formatted reason.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// DimensionMismatch returns an ErrDimensionMismatch describing got vs want.
func DimensionMismatch(got, want int) error {
	return fmt.Errorf("%w: got %d, expected %d", ErrDimensionMismatch, got, want)
}

// NotFound returns an ErrNotFound naming the missing entity.
func NotFound(kind string, key any) error {
	return fmt.Errorf("%s %v: %w", kind, key, ErrNotFound)
}

// PersistenceError reports a commit that succeeded in memory but could not be made
// durable. Positions lists what was committed; a later Save may still persist it.
type PersistenceError struct {
	Positions []int64
	Err       error
}

func (p *PersistenceError) Error() string {
	return fmt.Sprintf("%v: positions %v committed in memory: %v", ErrPersistence, p.Positions, p.Err)
}

// Unwrap exposes both ErrPersistence and the underlying cause to errors.Is.
func (p *PersistenceError) Unwrap() []error {
	return []error{ErrPersistence, p.Err}
}
