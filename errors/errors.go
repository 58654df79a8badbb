// Package errors provides error handling for portal.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - PII-safe error formatting
//   - Error marks for classification without losing the cause
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
//	// Classify a foreign error while keeping its message and chain
//	return errors.Mark(err, errors.ErrTransientFetch)
//
//	// Check errors
//	if errors.Is(err, errors.ErrIllegalState) {
//	    // repository used before Open or after Close
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
	Mark         = crdb.Mark
)

// User-facing messages and details
var (
	WithHint           = crdb.WithHint
	WithHintf          = crdb.WithHintf
	WithDetail         = crdb.WithDetail
	WithDetailf        = crdb.WithDetailf
	WithSecondaryError = crdb.WithSecondaryError
)

// Error inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapOnce     = crdb.UnwrapOnce
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenHints   = crdb.FlattenHints
	FlattenDetails = crdb.FlattenDetails
)

// GetStack is an alias for GetReportableStackTrace for convenience.
var GetStack = crdb.GetReportableStackTrace

// Sentinel errors. Wrap or Mark them to add context while keeping the class
// checkable with errors.Is().
var (
	// ErrNotFound indicates the requested resource does not exist
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates the request was malformed or invalid
	ErrInvalidRequest = New("invalid request")

	// ErrConflict indicates a resource conflict, e.g. a run slot that
	// another scheduler already claimed
	ErrConflict = New("resource conflict")

	// ErrConfiguration is fatal at construction time: malformed schedules,
	// non-positive intervals, unusable endpoints.
	ErrConfiguration = New("configuration error")

	// ErrIllegalState is returned when a component is used outside the
	// lifecycle state it requires (e.g. a closed repository). Fatal to the
	// call, not to the process.
	ErrIllegalState = New("illegal state")

	// ErrTransientFetch marks a failed fetch from an external source. The
	// caller keeps its previous data and tries again on the next cycle.
	ErrTransientFetch = New("transient fetch failure")

	// ErrJobExecution marks a job body that returned an error or panicked.
	// It is recorded against the run, never propagated past the scheduler.
	ErrJobExecution = New("job execution failed")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsConflictError checks if an error is or wraps ErrConflict
func IsConflictError(err error) bool {
	return err != nil && Is(err, ErrConflict)
}

// IsConfigurationError checks if an error is or wraps ErrConfiguration
func IsConfigurationError(err error) bool {
	return err != nil && Is(err, ErrConfiguration)
}

// IsIllegalStateError checks if an error is or wraps ErrIllegalState
func IsIllegalStateError(err error) bool {
	return err != nil && Is(err, ErrIllegalState)
}

// IsTransientFetchError checks if an error is or wraps ErrTransientFetch
func IsTransientFetchError(err error) bool {
	return err != nil && Is(err, ErrTransientFetch)
}

// IsJobExecutionError checks if an error is or wraps ErrJobExecution
func IsJobExecutionError(err error) bool {
	return err != nil && Is(err, ErrJobExecution)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}

// NewConfigurationError creates a configuration error with a formatted message
func NewConfigurationError(format string, args ...interface{}) error {
	return Wrap(ErrConfiguration, Newf(format, args...).Error())
}

// NewIllegalStateError creates an illegal-state error with a formatted message
func NewIllegalStateError(format string, args ...interface{}) error {
	return Wrap(ErrIllegalState, Newf(format, args...).Error())
}

// NewConflictError creates a conflict error with a formatted message
func NewConflictError(format string, args ...interface{}) error {
	return Wrap(ErrConflict, Newf(format, args...).Error())
}
