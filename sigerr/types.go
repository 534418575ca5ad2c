// Package sigerr defines the coordinator's error taxonomy.
package sigerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code identifies an error class.
type Code string

const (
	// CodeValidation is malformed input, an unknown participant, a duplicate
	// submission or an operation illegal in the current state.
	CodeValidation Code = "VALIDATION"

	// CodeNotFound is an unknown session.
	CodeNotFound Code = "NOT_FOUND"

	// CodeNonceReuse is a commitment value already reserved somewhere in
	// the system.
	CodeNonceReuse Code = "NONCE_REUSE"

	// CodeExpiredSession is an operation on a session past its expiry or
	// already terminal.
	CodeExpiredSession Code = "EXPIRED_SESSION"

	// CodeAggregationRaceLost means another caller owns aggregation.
	CodeAggregationRaceLost Code = "AGGREGATION_RACE_LOST"

	// CodeAggregationFailed is a terminal combination or verification
	// failure.
	CodeAggregationFailed Code = "AGGREGATION_FAILED"

	// CodeInternal is a storage or plumbing failure.
	CodeInternal Code = "INTERNAL"
)

// Severity represents the severity level of an error
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
	SeverityInfo     Severity = "INFO"
)

// Error is a classified coordinator error. Messages and context never
// carry commitment, nonce, share or signature bytes.
type Error struct {
	Code      Code                   `json:"code"`
	Message   string                 `json:"message"`
	SessionID string                 `json:"session_id,omitempty"`
	Severity  Severity               `json:"severity"`
	Cause     error                  `json:"-"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

// Sentinels for errors.Is. Matching is by code only.
var (
	ErrValidation          = &Error{Code: CodeValidation}
	ErrNotFound            = &Error{Code: CodeNotFound}
	ErrNonceReuse          = &Error{Code: CodeNonceReuse}
	ErrExpiredSession      = &Error{Code: CodeExpiredSession}
	ErrAggregationRaceLost = &Error{Code: CodeAggregationRaceLost}
	ErrAggregationFailed   = &Error{Code: CodeAggregationFailed}
	ErrInternal            = &Error{Code: CodeInternal}
)

// New creates an Error with the default severity for code.
func New(code Code, sessionID, message string, cause error) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		SessionID: sessionID,
		Severity:  determineSeverity(code),
		Cause:     cause,
	}
}

// Newf is New with a formatted message and no cause.
func Newf(code Code, sessionID, format string, args ...interface{}) *Error {
	return New(code, sessionID, fmt.Sprintf(format, args...), nil)
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg = msg + ": " + e.Cause.Error()
	}
	if e.SessionID != "" {
		return fmt.Sprintf("[%s:%s] %s: %s", e.SessionID, e.Code, e.Severity, msg)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Severity, msg)
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// WithContext adds context to the error
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// CodeOf returns the code of the first *Error in err's chain, or
// CodeInternal for any other non-nil error.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// SeverityOf returns the severity of err's classified error.
func SeverityOf(err error) Severity {
	var e *Error
	if errors.As(err, &e) {
		return e.Severity
	}
	return determineSeverity(CodeInternal)
}

// IsFailure reports whether err is an actual failure. Losing the
// aggregation race is a normal outcome.
func IsFailure(err error) bool {
	return err != nil && CodeOf(err) != CodeAggregationRaceLost
}

func determineSeverity(code Code) Severity {
	switch code {
	case CodeNonceReuse, CodeInternal:
		return SeverityCritical
	case CodeAggregationFailed:
		return SeverityHigh
	case CodeExpiredSession:
		return SeverityMedium
	case CodeValidation, CodeNotFound:
		return SeverityLow
	default:
		return SeverityInfo
	}
}

// Common error constructors

// Validation creates a validation error.
func Validation(sessionID, format string, args ...interface{}) *Error {
	return Newf(CodeValidation, sessionID, format, args...)
}

// NotFound creates a not-found error for sessionID.
func NotFound(sessionID string) *Error {
	return Newf(CodeNotFound, sessionID, "session not found")
}

// Expired creates an expired-session error.
func Expired(sessionID, format string, args ...interface{}) *Error {
	return Newf(CodeExpiredSession, sessionID, format, args...)
}

// NonceReuse creates a nonce-reuse error. owner is the session that
// already holds the commitment.
func NonceReuse(sessionID, participantID, owner string) *Error {
	return Newf(CodeNonceReuse, sessionID, "nonce commitment from %s already reserved", participantID).
		WithContext("participant_id", participantID).
		WithContext("owner_session_id", owner)
}

// RaceLost creates an aggregation-race-lost signal.
func RaceLost(sessionID, status string) *Error {
	return Newf(CodeAggregationRaceLost, sessionID, "aggregation already claimed (status %s)", status)
}

// AggregationFailed creates an aggregation failure.
func AggregationFailed(sessionID, format string, args ...interface{}) *Error {
	return Newf(CodeAggregationFailed, sessionID, format, args...)
}

// Internal wraps a storage or plumbing failure.
func Internal(sessionID string, cause error, message string) *Error {
	return New(CodeInternal, sessionID, message, cause)
}
