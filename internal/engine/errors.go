package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/commonplace/internal/ir"
)

// Error represents a failure detected while replicating documents.
//
// Error carries a category and the affected document or path so callers
// can decide between retry, report and termination.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// DocID identifies the affected document, when known.
	DocID ir.DocID

	// Path identifies the affected path, when known.
	Path string

	// Err is the underlying cause.
	Err error
}

// ErrorCode categorizes engine errors.
type ErrorCode string

const (
	// ErrCodeDecode indicates a malformed update or message. State is unchanged.
	ErrCodeDecode ErrorCode = "DECODE"

	// ErrCodeNotBound indicates a path with no document.
	ErrCodeNotBound ErrorCode = "NOT_BOUND"

	// ErrCodeDurability indicates the commit log failed to persist an update.
	// The process must not continue.
	ErrCodeDurability ErrorCode = "DURABILITY"

	// ErrCodeTransport indicates a publish or subscribe failure.
	ErrCodeTransport ErrorCode = "TRANSPORT"

	// ErrCodeExternalIO indicates a reconciliation target failed.
	ErrCodeExternalIO ErrorCode = "EXTERNAL_IO"
)

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.DocID != "" {
		msg += fmt.Sprintf(" (doc=%s)", e.DocID)
	}
	if e.Path != "" {
		msg += fmt.Sprintf(" (path=%s)", e.Path)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

func hasCode(err error, code ErrorCode) bool {
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Code == code
	}
	return false
}

// IsDecodeError reports whether err is a decode error.
func IsDecodeError(err error) bool { return hasCode(err, ErrCodeDecode) }

// IsNotBound reports whether err is a path miss.
func IsNotBound(err error) bool { return hasCode(err, ErrCodeNotBound) }

// IsDurabilityError reports whether err is a commit log failure.
func IsDurabilityError(err error) bool { return hasCode(err, ErrCodeDurability) }

// IsTransportError reports whether err is a transport failure.
func IsTransportError(err error) bool { return hasCode(err, ErrCodeTransport) }

// IsExternalIOError reports whether err is a reconciliation I/O failure.
func IsExternalIOError(err error) bool { return hasCode(err, ErrCodeExternalIO) }

// NewDurabilityError wraps a failed append.
func NewDurabilityError(id ir.DocID, err error) *Error {
	return &Error{
		Code:    ErrCodeDurability,
		Message: "commit log append failed",
		DocID:   id,
		Err:     err,
	}
}

// NewDecodeError wraps a rejected update or message.
func NewDecodeError(id ir.DocID, path string, err error) *Error {
	return &Error{
		Code:    ErrCodeDecode,
		Message: "rejected malformed input",
		DocID:   id,
		Path:    path,
		Err:     err,
	}
}

// NewExternalIOError wraps a reconciliation failure that exhausted its retries.
func NewExternalIOError(path string, err error) *Error {
	return &Error{
		Code:    ErrCodeExternalIO,
		Message: "external I/O failed",
		Path:    path,
		Err:     err,
	}
}

// NewNotBoundError wraps a path miss.
func NewNotBoundError(path string, err error) *Error {
	return &Error{
		Code:    ErrCodeNotBound,
		Message: "path is not bound",
		Path:    path,
		Err:     err,
	}
}

// NewTransportError wraps a publish or subscribe failure.
func NewTransportError(path string, err error) *Error {
	return &Error{
		Code:    ErrCodeTransport,
		Message: "transport operation failed",
		Path:    path,
		Err:     err,
	}
}
