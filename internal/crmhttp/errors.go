// Package crmhttp implements crm.Port over a CRM's REST API, with OAuth2
// client-credentials authentication, retry with exponential backoff, error
// classification into the crm error taxonomy, and a websocket change feed.
package crmhttp

import (
	"fmt"
	"net/http"

	"github.com/tonimelisma/crmsync/internal/crm"
)

// APIError wraps a crm sentinel with the HTTP status code, request ID, and
// the response body for debugging. Err is nil when the status has no crm
// meaning; crm.Classify then treats the failure as retryable.
type APIError struct {
	StatusCode int
	RequestID  string
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("crmhttp: HTTP %d (request-id: %s): %s", e.StatusCode, e.RequestID, e.Message)
	}

	return fmt.Sprintf("crmhttp: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// classifyStatus maps an HTTP status code to a crm sentinel error.
func classifyStatus(code int) error {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return crm.ErrUnauthorized
	case http.StatusNotFound:
		return crm.ErrNotFound
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return crm.ErrTransient
	default:
		if code >= http.StatusInternalServerError {
			return crm.ErrTransient
		}

		return nil
	}
}

// isRetryable reports whether the given HTTP status code should be retried
// within a single call.
func isRetryable(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// Per-record error codes in an upsert response.
const (
	codeValidation = "validation"
	codeTransient  = "transient"
)

// RecordError is a per-record upsert failure whose code the adapter does
// not recognize.
type RecordError struct {
	Code    string
	Message string
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("crmhttp: record rejected (%s): %s", e.Code, e.Message)
}

// recordError converts a wire error into the crm taxonomy.
func recordError(w *wireError) error {
	if w == nil {
		return nil
	}

	switch w.Code {
	case codeValidation:
		return &crm.ValidationError{Field: w.Field, Reason: w.Message}
	case codeTransient:
		return fmt.Errorf("crmhttp: %w: %s", crm.ErrTransient, w.Message)
	default:
		return &RecordError{Code: w.Code, Message: w.Message}
	}
}
