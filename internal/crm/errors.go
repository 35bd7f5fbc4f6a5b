package crm

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors of the taxonomy. Use errors.Is(err, crm.ErrValidation) to
// check; the typed errors below match their sentinel through Is.
var (
	ErrTransient         = errors.New("crm: transient connectivity failure")
	ErrValidation        = errors.New("crm: validation failed")
	ErrAccountResolution = errors.New("crm: account resolution failed")
	ErrUnauthorized      = errors.New("crm: unauthorized")
	ErrNotFound          = errors.New("crm: not found")
)

// ValidationError rejects a single record. It never aborts sibling records
// in the same batch.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "crm: invalid record: " + e.Reason
	}

	return fmt.Sprintf("crm: invalid field %q: %s", e.Field, e.Reason)
}

// Is matches ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// AccountResolutionError reports that the target account for a contact
// could not be found or created.
type AccountResolutionError struct {
	Name string
	Err  error
}

func (e *AccountResolutionError) Error() string {
	return fmt.Sprintf("crm: resolving account %q: %v", e.Name, e.Err)
}

func (e *AccountResolutionError) Unwrap() error {
	return e.Err
}

// Is matches ErrAccountResolution.
func (e *AccountResolutionError) Is(target error) bool {
	return target == ErrAccountResolution
}

// ErrorTier classifies an error by its effect on the running job.
type ErrorTier int

const (
	// ErrorSkip: the record is reported and the job continues; the
	// watermark may still advance.
	ErrorSkip ErrorTier = iota
	// ErrorRetryable: the job continues but the watermark is withheld so
	// the next poll cycle redelivers the change.
	ErrorRetryable
	// ErrorFatal: the job aborts without advancing the watermark.
	ErrorFatal
)

func (t ErrorTier) String() string {
	switch t {
	case ErrorSkip:
		return "skip"
	case ErrorRetryable:
		return "retryable"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Classify maps an error onto its tier. Unknown errors are retryable: the
// watermark must never move past a change whose failure is not understood.
func Classify(err error) ErrorTier {
	if err == nil {
		return ErrorSkip
	}

	// Context cancellation or deadline: abort immediately.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrorFatal
	}

	if errors.Is(err, ErrAccountResolution) || errors.Is(err, ErrUnauthorized) {
		return ErrorFatal
	}

	if errors.Is(err, ErrValidation) {
		return ErrorSkip
	}

	return ErrorRetryable
}
