// Package schederr defines the error taxonomy shared by the scheduling
// engine. Every error carries a Code so callers can decide whether a retry
// makes sense without string matching.
package schederr

import (
	"errors"
	"fmt"
)

// Code classifies a scheduling failure.
type Code string

const (
	CodeConflict           Code = "conflict"
	CodeVersionMismatch    Code = "version_mismatch"
	CodeInvalidRequirement Code = "invalid_requirement"
	CodeTimeout            Code = "timeout"
	CodeInvariantViolation Code = "invariant_violation"
	CodeNotFound           Code = "not_found"
	CodeInvalidTransition  Code = "invalid_transition"
	// CodePersistence marks engine state that could not be written to storage.
	CodePersistence Code = "persistence_failed"
)

// Retryable reports whether an operation failing with this code may succeed
// when repeated against fresh state.
func (c Code) Retryable() bool {
	switch c {
	case CodeConflict, CodeVersionMismatch, CodeTimeout:
		return true
	}
	return false
}

// Error is the concrete error type returned across engine boundaries.
type Error struct {
	Code    Code
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Message != "" {
		msg = e.Message
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the failure is transient.
func (e *Error) Retryable() bool { return e.Code.Retryable() }

// ErrorCode returns the classification code.
func (e *Error) ErrorCode() Code { return e.Code }

// Is matches any *Error with the same code, so the sentinels below work with
// errors.Is regardless of Op or Message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is checks.
var (
	ErrConflict           = &Error{Code: CodeConflict}
	ErrVersionMismatch    = &Error{Code: CodeVersionMismatch}
	ErrInvalidRequirement = &Error{Code: CodeInvalidRequirement}
	ErrTimeout            = &Error{Code: CodeTimeout}
	ErrInvariantViolation = &Error{Code: CodeInvariantViolation}
	ErrNotFound           = &Error{Code: CodeNotFound}
	ErrInvalidTransition  = &Error{Code: CodeInvalidTransition}
)

// New builds an *Error with a formatted message.
func New(code Code, op, format string, args ...interface{}) *Error {
	return &Error{Code: code, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and operation to an underlying error.
func Wrap(code Code, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// Coded is implemented by errors that expose a classification code.
type Coded interface {
	ErrorCode() Code
}

// CodeOf extracts the code from err, or "" if err carries none.
func CodeOf(err error) Code {
	var c Coded
	if errors.As(err, &c) {
		return c.ErrorCode()
	}
	return ""
}

// IsRetryable reports whether err is a transient scheduling failure.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return false
}
