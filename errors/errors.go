// Package errors provides error handling for conductor.
//
// This package re-exports github.com/cockroachdb/errors and adds the
// orchestration error taxonomy:
//
//	ErrValidation    bad job or graph definition, rejected up front, never retried
//	ErrCapacity      no backend can take more load right now (soft, informational)
//	ErrRateLimited   a backend refused a call because of rate limits (retryable)
//	ErrTimeout       a pipeline or node exceeded its deadline (final)
//	ErrNodeExecution a worker failed while running a pipeline node
//
// Classified errors are built with errors.Mark so that errors.Is keeps working
// after any amount of wrapping:
//
//	err := errors.NewValidationError("job %q: interval required", name)
//	if errors.IsValidation(err) {
//	    // reject synchronously
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
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenDetails = crdb.FlattenDetails
)

// Taxonomy sentinels. Use with errors.Is().
var (
	// ErrValidation marks a job spec, graph or config that can never succeed as written
	ErrValidation = New("validation error")

	// ErrCapacity marks a soft signal that no backend can currently accept the load
	ErrCapacity = New("capacity exhausted")

	// ErrRateLimited marks a backend refusal caused by rate limiting
	ErrRateLimited = New("rate limited")

	// ErrTimeout marks an operation that exceeded its deadline
	ErrTimeout = New("operation timed out")

	// ErrNodeExecution marks a worker failure inside a pipeline node
	ErrNodeExecution = New("node execution failed")

	// ErrNotFound indicates the requested resource does not exist
	ErrNotFound = New("not found")
)

// NewValidationError creates a validation error with a formatted message.
func NewValidationError(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrValidation)
}

// WrapValidation marks an existing error as a validation error.
func WrapValidation(err error, msg string) error {
	if err == nil {
		return nil
	}
	return Mark(Wrap(err, msg), ErrValidation)
}

// NewCapacityError creates a capacity warning for a backend key.
func NewCapacityError(key string, reason string) error {
	err := Mark(Newf("no backend can accept load, using %s", key), ErrCapacity)
	return WithDetail(err, reason)
}

// NewRateLimitedError creates a rate-limit error for a backend key.
func NewRateLimitedError(key string) error {
	return Mark(Newf("backend %s rate limited", key), ErrRateLimited)
}

// NewTimeoutError wraps err (usually context.DeadlineExceeded) as a timeout.
func NewTimeoutError(err error, format string, args ...interface{}) error {
	if err == nil {
		return Mark(Newf(format, args...), ErrTimeout)
	}
	return Mark(Wrapf(err, format, args...), ErrTimeout)
}

// WrapNodeError wraps a worker failure with the node id and attempt count.
func WrapNodeError(nodeID string, attempts int, err error) error {
	if err == nil {
		return nil
	}
	wrapped := Mark(Wrapf(err, "node %s failed after %d attempt(s)", nodeID, attempts), ErrNodeExecution)
	return WithDetailf(wrapped, "node=%s attempts=%d", nodeID, attempts)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrNotFound)
}

// IsValidation checks if an error is or wraps ErrValidation
func IsValidation(err error) bool {
	return err != nil && Is(err, ErrValidation)
}

// IsCapacity checks if an error is or wraps ErrCapacity
func IsCapacity(err error) bool {
	return err != nil && Is(err, ErrCapacity)
}

// IsRateLimited checks if an error is or wraps ErrRateLimited
func IsRateLimited(err error) bool {
	return err != nil && Is(err, ErrRateLimited)
}

// IsTimeout checks if an error is or wraps ErrTimeout
func IsTimeout(err error) bool {
	return err != nil && Is(err, ErrTimeout)
}

// IsNodeExecution checks if an error is or wraps ErrNodeExecution
func IsNodeExecution(err error) bool {
	return err != nil && Is(err, ErrNodeExecution)
}

// IsNotFound checks if an error is or wraps ErrNotFound
func IsNotFound(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}
