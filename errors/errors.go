// Package errors provides error handling for docfold.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - Structured details attached to errors
//
// Usage:
//
//	// Create new error
//	err := errors.New("something went wrong")
//
//	// Wrap with context
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	// Check errors
//	if errors.Is(err, errors.ErrJobNotFound) {
//	    // handle unknown job
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Error inspection
var (
	Is            = crdb.Is
	IsAny         = crdb.IsAny
	As            = crdb.As
	Unwrap        = crdb.Unwrap
	GetAllHints   = crdb.GetAllHints
	GetAllDetails = crdb.GetAllDetails
)

// Common sentinel errors for the job engine.
// Use these with errors.Is() for type-safe error checking.
// Wrap these with errors.Wrap() to add context while preserving the type.
var (
	// ErrJobNotFound indicates a job_id that is not in the registry
	ErrJobNotFound = New("job not found")

	// ErrInvalidSchedule indicates a malformed cron expression or an
	// interval schedule with no non-zero component
	ErrInvalidSchedule = New("invalid schedule")

	// ErrInvalidConfig indicates a job config that fails validation
	ErrInvalidConfig = New("invalid job config")

	// ErrQueueFull indicates the job queue is at capacity
	ErrQueueFull = New("job queue full")

	// ErrNotRunning indicates an operation that requires a started manager
	ErrNotRunning = New("job manager not running")

	// ErrTimeout indicates a job execution exceeded its timeout
	ErrTimeout = New("job execution timed out")

	// ErrDocumentNotFound indicates a document id unknown to the metadata store
	ErrDocumentNotFound = New("document not found")
)

// IsJobNotFound checks if an error is or wraps ErrJobNotFound
func IsJobNotFound(err error) bool {
	return err != nil && Is(err, ErrJobNotFound)
}

// IsInvalidSchedule checks if an error is or wraps ErrInvalidSchedule
func IsInvalidSchedule(err error) bool {
	return err != nil && Is(err, ErrInvalidSchedule)
}

// IsTimeout checks if an error is or wraps ErrTimeout
func IsTimeout(err error) bool {
	return err != nil && Is(err, ErrTimeout)
}

// NewJobNotFound creates a job-not-found error naming the offending id
func NewJobNotFound(jobID string) error {
	return Wrapf(ErrJobNotFound, "job %q", jobID)
}

// NewInvalidSchedule creates an invalid-schedule error with a formatted message
func NewInvalidSchedule(format string, args ...interface{}) error {
	return Wrap(ErrInvalidSchedule, Newf(format, args...).Error())
}
