// Package errorutils carries the structured error kinds used across the
// core. Handlers translate kinds into the HTTP error envelope at the
// boundary only; inside the core, callers branch on KindOf.
package errorutils

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind classifies an error for propagation policy decisions
type Kind string

const (
	// KindValidation - bad input
	KindValidation Kind = "Validation"
	// KindNotFound - missing resource
	KindNotFound Kind = "NotFound"
	// KindConflict - unique / idempotency violation
	KindConflict Kind = "Conflict"
	// KindUnauthorized - missing or invalid credentials
	KindUnauthorized Kind = "Unauthorized"
	// KindForbidden - authenticated but not allowed
	KindForbidden Kind = "Forbidden"
	// KindPrecondition - state machine or invariant violated
	KindPrecondition Kind = "Precondition"
	// KindRateLimited - caller exceeded an allowed rate
	KindRateLimited Kind = "RateLimited"
	// KindUpstreamUnavailable - a dependency is down, circuit state in data
	KindUpstreamUnavailable Kind = "UpstreamUnavailable"
	// KindTransient - retried by sagas
	KindTransient Kind = "Transient"
	// KindFatal - unrecoverable, aborts the saga
	KindFatal Kind = "Fatal"
)

var (
	// ErrNotFound - resource not found
	ErrNotFound = errors.New("not found")
	// ErrConflict - conflicting write
	ErrConflict = errors.New("conflict")
	// ErrInternalServerError internal server error
	ErrInternalServerError = errors.New("server encountered an internal error and was unable to complete the request")
	// ErrBadRequest bad request error
	ErrBadRequest = errors.New("error bad request")
)

// ErrorBundle creates a new response error
type ErrorBundle struct {
	cause   error
	message string
	kind    Kind
	data    interface{}
}

// New creates a new error bundle with a kind
func New(cause error, message string, data interface{}) error {
	return &ErrorBundle{
		cause:   cause,
		message: message,
		data:    data,
	}
}

// NewKind creates an error bundle classified with the given kind
func NewKind(kind Kind, cause error, message string, data interface{}) error {
	return &ErrorBundle{
		cause:   cause,
		message: message,
		kind:    kind,
		data:    data,
	}
}

// Validation - a Validation kind error
func Validation(message string, data interface{}) error {
	return NewKind(KindValidation, nil, message, data)
}

// NotFound - a NotFound kind error
func NotFound(message string) error {
	return NewKind(KindNotFound, ErrNotFound, message, nil)
}

// Conflict - a Conflict kind error
func Conflict(message string, data interface{}) error {
	return NewKind(KindConflict, ErrConflict, message, data)
}

// Precondition - a Precondition kind error
func Precondition(message string, data interface{}) error {
	return NewKind(KindPrecondition, nil, message, data)
}

// Transient - a Transient kind error, retriable by sagas
func Transient(cause error, message string) error {
	return NewKind(KindTransient, cause, message, nil)
}

// Upstream - an UpstreamUnavailable kind error with dependency state
func Upstream(cause error, message string, data interface{}) error {
	return NewKind(KindUpstreamUnavailable, cause, message, data)
}

// Data from error origin
func (e ErrorBundle) Data() interface{} {
	return e.data
}

// Kind returns the classification of this error
func (e ErrorBundle) Kind() Kind {
	return e.kind
}

// Cause returns the associated cause
func (e ErrorBundle) Cause() error {
	return e.cause
}

// Unwrap returns the associated cause
func (e ErrorBundle) Unwrap() error {
	return e.cause
}

// Error turns into an error
func (e ErrorBundle) Error() string {
	return e.message
}

// DataToString returns string representation of data
func (e ErrorBundle) DataToString() string {
	if e.data == nil {
		return "no error bundle data"
	}
	b, err := json.Marshal(e.data)
	if err != nil {
		return fmt.Sprintf("error retrieving error bundle data %s", err.Error())
	}
	return string(b)
}

// Wrap wraps an error
func Wrap(cause error, message string) error {
	var eb *ErrorBundle
	if errors.As(cause, &eb) {
		// preserve the kind of the wrapped bundle
		return &ErrorBundle{
			cause:   cause,
			message: message,
			kind:    eb.kind,
			data:    eb.data,
		}
	}
	return &ErrorBundle{
		cause:   cause,
		message: message,
	}
}

// KindOf returns the Kind of err, or the empty kind when unclassified
func KindOf(err error) Kind {
	var eb *ErrorBundle
	if errors.As(err, &eb) {
		return eb.kind
	}
	return ""
}

// IsTransient reports whether a saga step should retry the error
func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}

// IsNotFound reports whether the error represents a missing resource
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound || errors.Is(err, ErrNotFound)
}

// MultiError - allows for multiple errors, not necessarily chained
type MultiError struct {
	Errs []error
}

// Append - append new errors to this multierror
func (me *MultiError) Append(err ...error) {
	if me.Errs == nil {
		me.Errs = []error{}
	}
	me.Errs = append(me.Errs, err...)
}

// Count - get the number of errors contained herein
func (me *MultiError) Count() int {
	return len(me.Errs)
}

// Error - implement Error interface
func (me *MultiError) Error() string {
	var errText string
	for _, err := range me.Errs {
		if errText == "" {
			errText = fmt.Sprintf("%s", err)
		} else {
			errText += fmt.Sprintf("; %s", err)
		}
	}
	return errText
}
