package soundtrigger

import (
	"context"
	"errors"
	"fmt"
)

// Error kinds. Every error returned through the contract wraps exactly one of
// these, so callers classify failures with [errors.Is]. The one exception is
// a call cut short by the caller's own context, which wraps the context's
// error instead.
var (
	// ErrInvalidHandle: a module or model handle is unknown or belongs to
	// another session.
	ErrInvalidHandle = errors.New("invalid handle")

	// ErrInvalidState: the operation is illegal in the model's current state.
	ErrInvalidState = errors.New("invalid state")

	// ErrOutOfRange: a parameter id or value is outside declared support.
	ErrOutOfRange = errors.New("out of range")

	// ErrResourceExhausted: the hardware has no free model slot.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrSessionClosed: the session has been detached.
	ErrSessionClosed = errors.New("session closed")

	// ErrHardwareFailure: the driver reported an unrecoverable fault.
	ErrHardwareFailure = errors.New("hardware failure")

	// ErrPermissionDenied: the caller lacks a required capability.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrInvalidArgument: a request is structurally malformed (nil callback,
	// empty payload, duplicate phrase ids).
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrUnsupported: the module does not support the operation.
	ErrUnsupported = errors.New("operation not supported")

	// ErrResourceContention: the resource is temporarily held by someone else,
	// e.g. an exclusive session or a concurrent audio capture.
	ErrResourceContention = errors.New("resource contention")
)

// kinds lists every error kind with the short name used in logs and metrics.
var kinds = []struct {
	err  error
	name string
}{
	{ErrInvalidHandle, "invalid_handle"},
	{ErrInvalidState, "invalid_state"},
	{ErrOutOfRange, "out_of_range"},
	{ErrResourceExhausted, "resource_exhausted"},
	{ErrSessionClosed, "session_closed"},
	{ErrHardwareFailure, "hardware_failure"},
	{ErrPermissionDenied, "permission_denied"},
	{ErrInvalidArgument, "invalid_argument"},
	{ErrUnsupported, "unsupported"},
	{ErrResourceContention, "resource_contention"},
}

// Error is the concrete error type returned by middleware layers. It records
// the operation, the error kind and an optional cause.
type Error struct {
	// Op is the contract operation that failed, e.g. "StartRecognition".
	Op string

	// Kind is one of the package-level error kinds.
	Kind error

	// Err is the underlying cause, if any. May be nil.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("soundtrigger: %s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("soundtrigger: %s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to [errors.Is] and [errors.As].
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Errorf builds an [*Error] for op and kind with a formatted cause.
func Errorf(op string, kind error, format string, args ...any) *Error {
	return &Error{Op: op, Kind: kind, Err: fmt.Errorf(format, args...)}
}

// NewError builds an [*Error] for op and kind wrapping cause (which may be nil).
func NewError(op string, kind error, cause error) *Error {
	return &Error{Op: op, Kind: kind, Err: cause}
}

// KindOf returns the short name of the error kind wrapped by err: "ok" for a
// nil error, "canceled" or "deadline_exceeded" for a bare context error and
// "unknown" when err wraps none of these.
func KindOf(err error) string {
	if err == nil {
		return "ok"
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	switch {
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline_exceeded"
	}
	return "unknown"
}

// Kind returns the error kind wrapped by err, or nil when err wraps none.
func Kind(err error) error {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.err
		}
	}
	return nil
}
