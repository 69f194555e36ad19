package activity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an activity error for retry and escalation decisions.
// The engine never lets a collaborator's native error type reach the
// workflow definition; everything is reclassified into one of these.
type Kind string

const (
	// KindOK is the outcome of a successful attempt, never an error kind.
	KindOK Kind = "ok"

	KindTransient      Kind = "transient_collaborator"
	KindPermanent      Kind = "permanent_collaborator"
	KindTimeout        Kind = "timeout"
	KindCancelled      Kind = "cancelled"
	KindInvalidInput   Kind = "invalid_input"
	KindEngineInternal Kind = "engine_internal"
	KindDataQuality    Kind = "data_quality"
)

// Error is a classified activity error.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError builds a classified error.
func NewError(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// Transient wraps err as a retryable collaborator failure.
func Transient(msg string, cause error) *Error { return NewError(KindTransient, msg, cause) }

// Permanent wraps err as a non-retryable collaborator failure.
func Permanent(msg string, cause error) *Error { return NewError(KindPermanent, msg, cause) }

// InvalidInput marks a payload the workflow can never process.
func InvalidInput(msg string) *Error { return NewError(KindInvalidInput, msg, nil) }

// KindOf extracts the classification from err. Unclassified errors and
// network-level failures default to transient; context cancellation maps
// to cancelled and deadline expiry to timeout.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindTransient
}

// Retryable reports whether an error of this kind consumes the retry budget
// rather than failing the step outright.
func (k Kind) Retryable() bool {
	switch k {
	case KindTransient, KindTimeout, KindEngineInternal:
		return true
	}
	return false
}

// ClassifyHTTPStatus maps a collaborator HTTP status to an error kind.
// Network errors, timeouts and 5xx are transient; 4xx are permanent except
// 408 and 429 which signal "try again later".
func ClassifyHTTPStatus(status int) Kind {
	switch {
	case status >= 500:
		return KindTransient
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return KindTransient
	case status >= 400:
		return KindPermanent
	default:
		return KindTransient
	}
}
