// Package apperr carries error classification across component
// boundaries so retry decisions inspect data instead of error strings.
package apperr

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failure.
type Kind int

const (
	// Transient is the zero value: unknown errors are retried.
	Transient Kind = iota
	Validation
	NotFound
	Conflict
	RateLimited
	Cancelled
	Internal
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case RateLimited:
		return "rate_limited"
	case Cancelled:
		return "cancelled"
	case Internal:
		return "internal"
	default:
		return "transient"
	}
}

// Error is a classified failure.
type Error struct {
	Kind       Kind
	Op         string
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// E builds an Error of the given kind.
func E(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap classifies err under kind.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Validationf builds a Validation error.
func Validationf(op, format string, args ...any) *Error {
	return E(Validation, op, fmt.Sprintf(format, args...))
}

// NotFoundf builds a NotFound error.
func NotFoundf(op, format string, args ...any) *Error {
	return E(NotFound, op, fmt.Sprintf(format, args...))
}

// RateLimit builds a RateLimited error carrying the provider's hint.
func RateLimit(op string, retryAfter time.Duration, err error) *Error {
	return &Error{Kind: RateLimited, Op: op, Message: "rate limited", RetryAfter: retryAfter, Err: err}
}

// ErrCancelled is returned at a checkpoint once cancellation is requested.
var ErrCancelled = &Error{Kind: Cancelled, Message: "job cancelled"}

// KindOf returns the kind of the first classified error in the chain.
// Unclassified errors are Transient.
func KindOf(err error) Kind {
	if err == nil {
		return Transient
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Transient
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether the dispatcher may try again.
func Retryable(err error) bool {
	switch KindOf(err) {
	case Transient, RateLimited:
		return true
	default:
		return false
	}
}

// RetryAfterOf returns the first provider back-off hint in the chain, so
// a hint survives being wrapped under another kind.
func RetryAfterOf(err error) time.Duration {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return 0
		}
		if e.RetryAfter > 0 {
			return e.RetryAfter
		}
		err = e.Err
	}
	return 0
}

// Message returns the short user-facing message stored on the job record.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Message != "" && e.Err == nil {
			return e.Message
		}
	}
	return err.Error()
}
