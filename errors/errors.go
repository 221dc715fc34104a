// Package errors provides error handling for OpsConductor.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - PII-safe error formatting
//
// Usage:
//
//	// Wrap with context
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	// Check against the engine taxonomy
//	if errors.Is(err, errors.ErrStaleApproval) {
//	    // approval is void, re-approval required
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
	Is        = crdb.Is
	IsAny     = crdb.IsAny
	As        = crdb.As
	Mark      = crdb.Mark
	Unwrap    = crdb.Unwrap
	UnwrapAll = crdb.UnwrapAll
)

// Engine error taxonomy. Every failure surfaced by the execution engine is or
// wraps exactly one of these sentinels, so callers and operators can
// distinguish "the target failed" from "the target took too long" from "we
// gave up after N attempts". Use errors.Is() to check, errors.Wrap() to add
// context while preserving the class.
var (
	// ErrValidation indicates a malformed or oversized plan, rejected before
	// any execution state was created.
	ErrValidation = New("validation failed")

	// ErrIllegalTransition indicates an FSM violation. This is a programming
	// or race bug; the operation is refused and the status is not mutated.
	ErrIllegalTransition = New("illegal status transition")

	// ErrStaleApproval indicates the plan changed after the approval was
	// requested. The approval is void and re-approval is required.
	ErrStaleApproval = New("approval is stale")

	// ErrLeaseNotOwned indicates a worker lost ownership of its queue lease
	// and must abandon the work immediately.
	ErrLeaseNotOwned = New("lease not owned")

	// ErrTimeout indicates a step or execution exceeded its timeout policy.
	ErrTimeout = New("operation timed out")

	// ErrRetriesExhausted indicates the retry budget is spent; the job is
	// routed to the dead-letter queue and the execution marked failed.
	ErrRetriesExhausted = New("retries exhausted")

	// ErrCancelled indicates cooperative cancellation was observed.
	ErrCancelled = New("execution cancelled")

	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = New("not found")
)

// Class returns the machine-readable error class for an engine error, or
// "internal" if the error does not belong to the taxonomy. The class is
// persisted in Execution.error_class and surfaced through the API.
func Class(err error) string {
	switch {
	case err == nil:
		return ""
	case Is(err, ErrValidation):
		return "validation"
	case Is(err, ErrIllegalTransition):
		return "illegal_transition"
	case Is(err, ErrStaleApproval):
		return "stale_approval"
	case Is(err, ErrLeaseNotOwned):
		return "lease_not_owned"
	case Is(err, ErrTimeout):
		return "timeout"
	case Is(err, ErrRetriesExhausted):
		return "retries_exhausted"
	case Is(err, ErrCancelled):
		return "cancelled"
	case Is(err, ErrNotFound):
		return "not_found"
	default:
		return "internal"
	}
}

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsValidationError checks if an error is or wraps ErrValidation.
func IsValidationError(err error) bool {
	return err != nil && Is(err, ErrValidation)
}

// NewNotFoundError creates a not-found error with a formatted message.
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}

// NewValidationError creates a validation error with a formatted message.
func NewValidationError(format string, args ...interface{}) error {
	return Wrap(ErrValidation, Newf(format, args...).Error())
}
