package core

import "github.com/pkg/errors"

// FieldError is used to indicate an error with a specific struct field.
type FieldError struct {
	Field string
	Error string
}

type ValidationError struct {
	Err    error
	Fields []FieldError
}

func NewValidationError(err error, flds ...FieldError) error {
	return &ValidationError{err, flds}
}

func (err ValidationError) Error() string {
	if err.Err == nil {
		return ""
	}
	return err.Err.Error()
}

type shutdown struct {
	message string
}

func NewShutdownError(msg string) error {
	return &shutdown{message: msg}
}

func (s shutdown) Error() string {
	return s.message
}

func IsShutdown(err error) bool {
	_, ok := errors.Cause(err).(*shutdown)
	return ok
}

type retryable struct {
	err error
}

// NewRetryableError flags err as transient: the caller may try the same
// operation again later (next poll tick, user retry) instead of giving up.
func NewRetryableError(err error) error {
	return &retryable{err: err}
}

func (r retryable) Error() string {
	if r.err == nil {
		return "retryable error"
	}
	return r.err.Error()
}

func (r retryable) Unwrap() error { return r.err }

func IsRetryable(err error) bool {
	_, ok := errors.Cause(err).(*retryable)
	return ok
}
