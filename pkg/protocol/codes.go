package protocol

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
)

// Code identifies the failure class of an error reply. The set mirrors the
// standard RPC code taxonomy so agents written against other stacks map
// cleanly onto it.
type Code string

const (
	CodeInvalidArgument    Code = "INVALID_ARGUMENT"
	CodeNotFound           Code = "NOT_FOUND"
	CodeAlreadyExists      Code = "ALREADY_EXISTS"
	CodePermissionDenied   Code = "PERMISSION_DENIED"
	CodeUnauthenticated    Code = "UNAUTHENTICATED"
	CodeResourceExhausted  Code = "RESOURCE_EXHAUSTED"
	CodeFailedPrecondition Code = "FAILED_PRECONDITION"
	CodeAborted            Code = "ABORTED"
	CodeOutOfRange         Code = "OUT_OF_RANGE"
	CodeUnimplemented      Code = "UNIMPLEMENTED"
	CodeInternal           Code = "INTERNAL"
	CodeUnavailable        Code = "UNAVAILABLE"
	CodeDeadlineExceeded   Code = "DEADLINE_EXCEEDED"
)

var validCodes = map[Code]bool{
	CodeInvalidArgument:    true,
	CodeNotFound:           true,
	CodeAlreadyExists:      true,
	CodePermissionDenied:   true,
	CodeUnauthenticated:    true,
	CodeResourceExhausted:  true,
	CodeFailedPrecondition: true,
	CodeAborted:            true,
	CodeOutOfRange:         true,
	CodeUnimplemented:      true,
	CodeInternal:           true,
	CodeUnavailable:        true,
	CodeDeadlineExceeded:   true,
}

// IsValid reports whether c belongs to the fixed code set.
func (c Code) IsValid() bool {
	return validCodes[c]
}

// retryableCodes lists codes whose failures are transient by default.
var retryableCodes = map[Code]bool{
	CodeDeadlineExceeded:  true,
	CodeUnavailable:       true,
	CodeResourceExhausted: true,
	CodeAborted:           true,
}

// Retryable reports whether the code is retryable by default.
func (c Code) Retryable() bool {
	return retryableCodes[c]
}

// Error is a coded error carried on error replies. It implements the error
// interface so it can flow through ordinary Go error returns.
type Error struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds a coded error with the code's default retryability.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message, Retryable: code.Retryable()}
}

// Errorf builds a coded error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

// MapError classifies an arbitrary Go error into a coded protocol error.
// Already-coded errors pass through unchanged; the mapping table handles the
// common stdlib cases and everything else falls back to INTERNAL.
func MapError(err error) *Error {
	if err == nil {
		return nil
	}

	var coded *Error
	if errors.As(err, &coded) {
		return coded
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewError(CodeDeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return NewError(CodeAborted, err.Error())
	case errors.Is(err, os.ErrNotExist), errors.Is(err, fs.ErrNotExist):
		return NewError(CodeNotFound, err.Error())
	case errors.Is(err, os.ErrExist):
		return NewError(CodeAlreadyExists, err.Error())
	case errors.Is(err, os.ErrPermission):
		return NewError(CodePermissionDenied, err.Error())
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return NewError(CodeDeadlineExceeded, err.Error())
		}
		return NewError(CodeUnavailable, err.Error())
	}

	return NewError(CodeInternal, err.Error())
}
