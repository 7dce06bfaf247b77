package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrModeConflict is returned when an item is already reserved in another conflicting mode
	ErrModeConflict = errors.New("item already subscribed in a conflicting mode")
	// ErrModeNotAllowed is returned when the authorization rules deny a mode for an item
	ErrModeNotAllowed = errors.New("mode not allowed for item")
	// ErrSessionNotFound is returned for unknown session ids
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionClosed is returned when operating on a terminated session
	ErrSessionClosed = errors.New("session closed")
	// ErrDuplicateWinIndex is returned when a win index is already in use within a session
	ErrDuplicateWinIndex = errors.New("win index already in use")
	// ErrUnknownTable is returned when removing a table that was never added
	ErrUnknownTable = errors.New("unknown table")
	// ErrProducerViolation is returned when the producer breaks the event contract
	ErrProducerViolation = errors.New("producer contract violation")
	// ErrItems is returned when an item group cannot be resolved
	ErrItems = errors.New("invalid item group")
	// ErrSchema is returned when a field schema cannot be resolved
	ErrSchema = errors.New("invalid field schema")
	// ErrNotification is returned when a request cannot be notified to the provider
	ErrNotification = errors.New("notification refused")
	// ErrSelectorNotAllowed is returned when a selector is not allowed for an item
	ErrSelectorNotAllowed = errors.New("selector not allowed")
	// ErrCanceled is returned when the operation is canceled by the caller
	ErrCanceled = errors.New("operation canceled")
)

// Outcome tags the result of an authorization-side request.
type Outcome int

const (
	// OutcomeOK means the request was granted.
	OutcomeOK Outcome = iota
	// OutcomeAccessDenied means credentials or entitlements were refused.
	OutcomeAccessDenied
	// OutcomeRetryableUnavailable means a transient resource shortage; retry shortly.
	OutcomeRetryableUnavailable
	// OutcomeMalformedRequest means the request could not be interpreted.
	OutcomeMalformedRequest
	// OutcomeConflict means the request conflicts with another session.
	OutcomeConflict
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeAccessDenied:
		return "access_denied"
	case OutcomeRetryableUnavailable:
		return "retryable_unavailable"
	case OutcomeMalformedRequest:
		return "malformed_request"
	case OutcomeConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// AccessError signals refused credentials. It is never fatal.
type AccessError struct {
	Msg string
	// Retryable marks transient resource exhaustion.
	Retryable bool
}

func (e *AccessError) Error() string {
	if e.Retryable {
		return "access unavailable: " + e.Msg
	}
	return "access denied: " + e.Msg
}

// Outcome returns the result tag of the error.
func (e *AccessError) Outcome() Outcome {
	if e.Retryable {
		return OutcomeRetryableUnavailable
	}
	return OutcomeAccessDenied
}

// CreditsError signals insufficient entitlement. The client code is
// forwarded to the remote caller and is always zero or negative.
type CreditsError struct {
	Code    int
	Msg     string
	UserMsg string
}

// NewCreditsError creates a CreditsError; positive codes are reset to 0.
func NewCreditsError(code int, msg, userMsg string) *CreditsError {
	if code > 0 {
		code = 0
	}
	return &CreditsError{Code: code, Msg: msg, UserMsg: userMsg}
}

func (e *CreditsError) Error() string {
	return fmt.Sprintf("credits error %d: %s", e.Code, e.Msg)
}

// Outcome returns the result tag of the error.
func (e *CreditsError) Outcome() Outcome { return OutcomeAccessDenied }

// ClientCode returns the code forwarded to the remote caller.
func (e *CreditsError) ClientCode() int { return e.Code }

// ClientMessage returns the optional message forwarded to the remote caller.
func (e *CreditsError) ClientMessage() string { return e.UserMsg }

// ConflictingSessionError is returned by session opening when another
// session of the same user has to be closed first.
type ConflictingSessionError struct {
	CreditsError
	ConflictingSessionID string
}

func (e *ConflictingSessionError) Error() string {
	return fmt.Sprintf("conflicting session %s: %s", e.ConflictingSessionID, e.Msg)
}

// Outcome returns the result tag of the error.
func (e *ConflictingSessionError) Outcome() Outcome { return OutcomeConflict }

// SubscriptionError is raised by a producer when an item cannot be activated.
// Data for the item is silently suppressed.
type SubscriptionError struct {
	Item string
	Msg  string
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscription of %s failed: %s", e.Item, e.Msg)
}

// FailureError is a fatal producer or provider failure.
type FailureError struct {
	Source string
	Err    error
}

func (e *FailureError) Error() string {
	return fmt.Sprintf("%s failure: %v", e.Source, e.Err)
}

func (e *FailureError) Unwrap() error { return e.Err }

// OutcomeOf classifies any error returned by an authorization call.
func OutcomeOf(err error) Outcome {
	if err == nil {
		return OutcomeOK
	}
	var tagged interface{ Outcome() Outcome }
	if errors.As(err, &tagged) {
		return tagged.Outcome()
	}
	if errors.Is(err, ErrItems) || errors.Is(err, ErrSchema) || errors.Is(err, ErrSessionNotFound) ||
		errors.Is(err, ErrUnknownTable) || errors.Is(err, ErrDuplicateWinIndex) {
		return OutcomeMalformedRequest
	}
	return OutcomeAccessDenied
}

// IsFatal reports whether err is a FailureError.
func IsFatal(err error) bool {
	var f *FailureError
	return errors.As(err, &f)
}

// IsCanceled returns true if the error is due to context cancellation or deadline exceeded.
func IsCanceled(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, ErrCanceled) {
		return true
	}
	// Check for wrapped context errors (e.g., from the MongoDB driver)
	errStr := err.Error()
	return strings.Contains(errStr, "context canceled") || strings.Contains(errStr, "context deadline exceeded")
}
