// Package errors provides the structured error type used across the
// matching core, generalized from the teacher's common/errors package to the
// error taxonomy in spec.md §7.
package errors

import (
	"fmt"
	"runtime"
	"time"
)

// Code identifies a class of matching-core error.
type Code string

const (
	// CodeValidation marks a malformed order or disallowed field combination.
	CodeValidation Code = "VALIDATION"
	// CodeInsufficientFunds marks a lock that would violate available >= 0.
	CodeInsufficientFunds Code = "INSUFFICIENT_FUNDS"
	// CodeNotFound marks a cancel against an unknown order id.
	CodeNotFound Code = "NOT_FOUND"
	// CodeNotOwner marks a cancel issued by a user who doesn't own the order.
	CodeNotOwner Code = "NOT_OWNER"
	// CodeNotCancellable marks a cancel against an order that is filled or
	// already cancelled.
	CodeNotCancellable Code = "NOT_CANCELLABLE"
	// CodeEngineStopped marks a command received after stop, or after the
	// engine degraded following a durability failure.
	CodeEngineStopped Code = "ENGINE_STOPPED"
	// CodeDurability marks a WAL append/fsync failure.
	CodeDurability Code = "DURABILITY"
	// CodeConsistency marks an in-memory invariant violation.
	CodeConsistency Code = "CONSISTENCY"
	// CodeUnknownPair marks an order, restore, or order-book lookup against
	// an unconfigured trading pair.
	CodeUnknownPair Code = "UNKNOWN_PAIR"
	// CodeAlreadyStarted/CodeAlreadyStopped mark redundant lifecycle calls.
	CodeAlreadyStarted Code = "ALREADY_STARTED"
	CodeAlreadyStopped Code = "ALREADY_STOPPED"
	// CodeRateLimited marks a request rejected by the per-user submit_order
	// rate limiter before it ever reaches the engine.
	CodeRateLimited Code = "RATE_LIMITED"
)

// Error is a structured error carrying a code, message, optional details,
// and an optional wrapped cause.
type Error struct {
	Code      Code                   `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	File      string                 `json:"file,omitempty"`
	Line      int                    `json:"line,omitempty"`
	Cause     error                  `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// WithDetail attaches a key/value pair for structured logging or API output.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates an Error with the caller's file:line attached.
func New(code Code, message string) *Error {
	_, file, line, _ := runtime.Caller(1)
	return &Error{Code: code, Message: message, Timestamp: time.Now(), File: file, Line: line}
}

// Newf is New with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	_, file, line, _ := runtime.Caller(1)
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Timestamp: time.Now(), File: file, Line: line}
}

// Wrap attaches code/message context to an existing error.
func Wrap(err error, code Code, message string) *Error {
	if err == nil {
		return nil
	}
	_, file, line, _ := runtime.Caller(1)
	return &Error{Code: code, Message: message, Timestamp: time.Now(), File: file, Line: line, Cause: err}
}

// Is reports whether err's chain contains an *Error with the given code.
func Is(err error, code Code) bool {
	var e *Error
	if As(err, &e) {
		return e.Code == code
	}
	return false
}

// As finds the first *Error in err's chain and assigns it to target.
func As(err error, target **Error) bool {
	if err == nil {
		return false
	}
	if e, ok := err.(*Error); ok {
		*target = e
		return true
	}
	if u, ok := err.(interface{ Unwrap() error }); ok {
		return As(u.Unwrap(), target)
	}
	return false
}

// GetCode extracts the Code from an error, or "" if it is not an *Error.
func GetCode(err error) Code {
	var e *Error
	if As(err, &e) {
		return e.Code
	}
	return ""
}

// IsRetryable reports whether the caller may usefully retry the operation
// that produced err. The engine itself never retries submissions (spec.md
// §7); this is for collaborators such as the DB writer.
func IsRetryable(err error) bool {
	switch GetCode(err) {
	case CodeDurability:
		return true
	default:
		return false
	}
}
