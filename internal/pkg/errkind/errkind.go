// Package errkind centralizes error classification for the platform.
// The batch runner, the retry executor, and the workflow engine's webhook
// step all share this one taxonomy, so retryability decisions are made in
// exactly one place.
package errkind

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind identifies a class of failure, independent of the concrete error type.
type Kind string

const (
	FileFormat                   Kind = "FileFormatError"
	ValidationServiceUnavailable Kind = "ValidationServiceUnavailable"
	ValidationRateLimited        Kind = "ValidationRateLimited"
	ValidationTimeout            Kind = "ValidationTimeout"
	BatchProcessingFailed        Kind = "BatchProcessingFailed"
	QueueProcessingFailed        Kind = "QueueProcessingFailed"
	DatabaseConnectionFailed     Kind = "DatabaseConnectionFailed"
	MemoryLimitExceeded          Kind = "MemoryLimitExceeded"
	Network                      Kind = "NetworkError"
	Timeout                      Kind = "TimeoutError"
	AuthenticationFailed         Kind = "AuthenticationFailed"
	PermissionDenied             Kind = "PermissionDenied"
	DuplicateHandlingFailed      Kind = "DuplicateHandlingFailed"
	InvalidStateTransition       Kind = "InvalidStateTransition"
	Unknown                      Kind = "UnknownError"
)

// retryable kinds are handled locally by the retry executor; everything
// else surfaces immediately to the caller.
var retryable = map[Kind]bool{
	Network:                      true,
	Timeout:                      true,
	ValidationServiceUnavailable: true,
	ValidationRateLimited:        true,
	ValidationTimeout:            true,
	QueueProcessingFailed:        true,
}

// Retryable reports whether errors of this kind should be retried.
func Retryable(k Kind) bool { return retryable[k] }

// Error attaches a Kind to an underlying error.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error.
func New(k Kind, format string, args ...interface{}) error {
	return &Error{Kind: k, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a kind to an existing error. Returns nil for nil.
func Wrap(k Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: k, Err: err}
}

// Classify returns the Kind of err. Explicit classification wins; common
// transport errors are recognized by inspection; anything else is Unknown.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return Timeout
		}
		return Network
	}
	return Unknown
}

// Is reports whether err is classified as the given kind.
func Is(err error, k Kind) bool { return Classify(err) == k }
