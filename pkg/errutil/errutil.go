package errutil

import (
	"errors"
	"fmt"
)

type Detail struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// BaseError is the structured error returned across component boundaries.
// Code is machine-readable, Message is safe to show to clients; Err carries
// the internal cause and is never serialized.
type BaseError struct {
	Code    Kind     `json:"code"`
	Message string   `json:"message"`
	Details []Detail `json:"details,omitempty"`
	Err     error    `json:"-"`
}

func (e BaseError) Kind() Kind {
	return e.Code
}

func (e BaseError) JSON() interface{} {
	return map[string]interface{}{
		"error": map[string]interface{}{
			"code":    e.Code,
			"message": e.Message,
			"details": e.Details,
		},
	}
}

func (e BaseError) Unwrap() error {
	return e.Err
}

func (e BaseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

type Option func(*BaseError)

func WithDetails(details ...Detail) Option {
	return func(be *BaseError) { be.Details = details }
}

func WithErr(err error) Option {
	return func(be *BaseError) { be.Err = err }
}

func New(code Kind, message string, opts ...Option) error {
	be := BaseError{Code: code, Message: message}
	for _, opt := range opts {
		opt(&be)
	}
	return be
}

func Transient(msg string, err error, options ...Option) error {
	return New(KindTransient, msg, append(options, WithErr(err))...)
}

func Validation(msg string, options ...Option) error {
	return New(KindValidation, msg, options...)
}

func NotFound(msg string, options ...Option) error {
	return New(KindNotFound, msg, options...)
}

func Conflict(msg string, options ...Option) error {
	return New(KindConflict, msg, options...)
}

func Execution(msg string, err error, options ...Option) error {
	return New(KindExecution, msg, append(options, WithErr(err))...)
}

func Unrecoverable(msg string, options ...Option) error {
	return New(KindUnrecoverable, msg, options...)
}

func Internal(msg string, err error, options ...Option) error {
	return New(KindInternal, msg, append(options, WithErr(err))...)
}

func Unauthorized(msg string, options ...Option) error {
	return New(KindUnauthorized, msg, options...)
}

// KindOf extracts the machine-readable kind from err, or KindInternal when
// err is not a BaseError.
func KindOf(err error) Kind {
	var be BaseError
	if errors.As(err, &be) {
		return be.Code
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var be BaseError
	if errors.As(err, &be) {
		return be.Code == kind
	}
	return false
}
