package errors

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// Error is a wrapper around the engine's status codes, with a
// customizable error message.
type Error interface {
	error
	Code() Code
	Unwrap() error
}

type engineError struct {
	code          Code
	message       string
	originalError error
}

// Error implements the `error` object interface. When called, it returns
// a string describing the error.
func (e engineError) Error() string {
	if e.message != "" {
		return e.message
	}
	return StrError(e.code)
}

func (e engineError) Code() Code {
	return e.code
}

func (e engineError) Unwrap() error {
	return e.originalError
}

// Is reports code equality so sentinels like [ErrNotFound] match any
// error built from the same engine status, regardless of message.
func (e engineError) Is(target error) bool {
	other, ok := target.(Error)
	return ok && other.Code() == e.code
}

// New creates a new [Error] with a default message derived from the
// engine's status code.
func New(code Code) Error {
	return engineError{
		code:    code,
		message: StrError(code),
	}
}

// NewWithMessage creates a new Error from an engine status code with a
// custom message appended to the code's description.
func NewWithMessage(code Code, message string) Error {
	return engineError{
		code:    code,
		message: fmt.Sprintf("%s: %s", StrError(code), message),
	}
}

// NewFromError wraps an existing error with an engine status code.
func NewFromError(code Code, originalError error) Error {
	return engineError{
		code:          code,
		message:       fmt.Sprintf("%s: %s", StrError(code), originalError.Error()),
		originalError: multierror.Append(New(code), originalError),
	}
}

// WrapOp annotates a negative engine status with the operation and path
// it failed on, e.g. `mkdir "/logs"`.
func WrapOp(code Code, op, path string) Error {
	return NewWithMessage(code, fmt.Sprintf("%s %q", op, path))
}

// CodeOf extracts the engine status code from an error chain. Errors not
// produced by this package report EIO, the engine's catch-all for device
// trouble.
func CodeOf(err error) Code {
	var engineErr Error
	if errors.As(err, &engineErr) {
		return engineErr.Code()
	}
	return EIO
}

// Is is [errors.Is] from the standard library, re-exported so callers
// matching sentinels need only this package.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As is [errors.As] from the standard library, re-exported.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// IsExist reports whether the error chain carries EEXIST.
func IsExist(err error) bool {
	return errors.Is(err, ErrExists)
}

// IsNotExist reports whether the error chain carries ENOENT.
func IsNotExist(err error) bool {
	return errors.Is(err, ErrNotFound)
}
