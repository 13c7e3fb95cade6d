package reliability

import (
	"errors"
	"fmt"
	"time"
)

// Code names a taxonomy of error conditions (spec.md §7). Codes are compared
// by value, not by wrapping exception types, per the result-type guidance in
// spec.md §9.
type Code string

const (
	InvalidArgument Code = "INVALID_ARGUMENT"
	NotFound        Code = "NOT_FOUND"
	AlreadyExists   Code = "ALREADY_EXISTS"
	Unavailable     Code = "UNAVAILABLE"
	Timeout         Code = "TIMEOUT"
	CircuitOpen     Code = "CIRCUIT_OPEN"
	ProtocolError   Code = "PROTOCOL_ERROR"
	Internal        Code = "INTERNAL"
)

// Err is the taxonomy error value every retryable operation in this module
// should return instead of an ad-hoc error string, so the retry/breaker
// layer can inspect Code and Retryable without type assertions across
// package boundaries.
type Err struct {
	Code       Code
	Retryable  bool
	RetryAfter time.Duration
	Cause      error
}

func (e *Err) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Cause)
	}
	return string(e.Code)
}

func (e *Err) Unwrap() error { return e.Cause }

// NewErr wraps cause with a taxonomy code.
func NewErr(code Code, retryable bool, cause error) *Err {
	return &Err{Code: code, Retryable: retryable, Cause: cause}
}

// ErrCircuitOpen is returned by CircuitBreaker.Execute while the breaker is
// in the OPEN state.
var ErrCircuitOpen = &Err{Code: CircuitOpen, Retryable: true}

// IsRetryable reports whether err carries a retryable taxonomy code. A
// plain (non-*Err) error is treated as non-retryable: only errors the
// caller has deliberately classified are retried.
func IsRetryable(err error) bool {
	var te *Err
	if errors.As(err, &te) {
		return te.Retryable
	}
	return false
}

// CodeOf extracts the taxonomy Code from err, defaulting to Internal for an
// unclassified error.
func CodeOf(err error) Code {
	var te *Err
	if errors.As(err, &te) {
		return te.Code
	}
	return Internal
}
