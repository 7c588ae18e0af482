package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind is the category of a relay error.
type ErrorKind string

const (
	// KindNotFound indicates an unknown thread, session or approval.
	KindNotFound ErrorKind = "not_found"

	// KindAuthorization indicates the caller does not own the thread.
	KindAuthorization ErrorKind = "authorization"

	// KindConflict covers duplicate live producers, double resolution of an
	// approval and concurrent checkpoint appends.
	KindConflict ErrorKind = "conflict"

	// KindBackpressure indicates a slow subscriber was disconnected.
	KindBackpressure ErrorKind = "backpressure"

	// KindResourceGone indicates a replay was requested past the retained window.
	KindResourceGone ErrorKind = "resource_gone"

	// KindEngineFailure indicates the upstream reasoning engine failed.
	KindEngineFailure ErrorKind = "engine_failure"

	// KindStorageFailure indicates the durable store is unavailable.
	KindStorageFailure ErrorKind = "storage_failure"

	// KindInvalidRequest indicates a malformed request.
	KindInvalidRequest ErrorKind = "invalid_request"

	// KindCancelled indicates a wait or stream was cancelled before it finished.
	KindCancelled ErrorKind = "cancelled"
)

// ErrorCode narrows an ErrorKind.
type ErrorCode string

const (
	ErrorCodeDuplicateProducer ErrorCode = "duplicate_producer"
	ErrorCodeAlreadyResolved   ErrorCode = "already_resolved"
	ErrorCodeConcurrentAppend  ErrorCode = "concurrent_append"
	ErrorCodeDuplicateThread   ErrorCode = "duplicate_thread"
	ErrorCodeAwaitingApproval  ErrorCode = "awaiting_approval"
	ErrorCodeThreadAbandoned   ErrorCode = "thread_abandoned"
	ErrorCodeLeaseLost         ErrorCode = "lease_lost"
	ErrorCodeSlowSubscriber    ErrorCode = "slow_subscriber"
	ErrorCodeReplayExpired     ErrorCode = "replay_expired"
	ErrorCodeIntegrity         ErrorCode = "integrity_check_failed"
	ErrorCodeApprovalExpired   ErrorCode = "approval_expired"
	ErrorCodeStreamClosed      ErrorCode = "stream_closed"
)

// Error is the single error type used across the relay. Components return
// *Error values; callers match them with errors.Is against the sentinels below
// or unpack them with errors.As.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Code    ErrorCode `json:"code,omitempty"`
	Message string    `json:"message"`

	// Err is the underlying cause, if any. It is not serialized.
	Err error `json:"-"`
}

// Sentinels for errors.Is. A sentinel matches any *Error of the same kind.
var (
	ErrNotFound       = &Error{Kind: KindNotFound}
	ErrAuthorization  = &Error{Kind: KindAuthorization}
	ErrConflict       = &Error{Kind: KindConflict}
	ErrBackpressure   = &Error{Kind: KindBackpressure}
	ErrResourceGone   = &Error{Kind: KindResourceGone}
	ErrEngineFailure  = &Error{Kind: KindEngineFailure}
	ErrStorageFailure = &Error{Kind: KindStorageFailure}
	ErrInvalidRequest = &Error{Kind: KindInvalidRequest}
	ErrCancelled      = &Error{Kind: KindCancelled}
)

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Code != "" {
		msg = fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, msg)
	} else {
		msg = fmt.Sprintf("%s: %s", e.Kind, msg)
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

// Is reports whether target is a sentinel (or code-qualified sentinel) of the
// same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// WithCode sets the error code.
func (e *Error) WithCode(code ErrorCode) *Error {
	e.Code = code
	return e
}

// Wrap attaches an underlying cause.
func (e *Error) Wrap(err error) *Error {
	e.Err = err
	return e
}

// HTTPStatusCode returns the HTTP status used when the error rejects a request.
func (e *Error) HTTPStatusCode() int {
	switch e.Kind {
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindResourceGone:
		return http.StatusGone
	case KindBackpressure:
		return http.StatusTooManyRequests
	case KindStorageFailure:
		return http.StatusServiceUnavailable
	case KindEngineFailure:
		return http.StatusBadGateway
	case KindCancelled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the client may retry the same operation later.
// Terminal kinds mean the client should stop using the thread or request.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindEngineFailure, KindStorageFailure, KindBackpressure, KindCancelled, KindConflict:
		return true
	default:
		return false
	}
}

func newError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// NotFound creates a not found error.
func NotFound(format string, args ...any) *Error {
	return newError(KindNotFound, format, args...)
}

// Unauthorized creates an authorization error.
func Unauthorized(format string, args ...any) *Error {
	return newError(KindAuthorization, format, args...)
}

// Conflict creates a conflict error.
func Conflict(format string, args ...any) *Error {
	return newError(KindConflict, format, args...)
}

// Backpressure creates a backpressure error.
func Backpressure(format string, args ...any) *Error {
	return newError(KindBackpressure, format, args...).WithCode(ErrorCodeSlowSubscriber)
}

// ResourceGone creates a resource gone error.
func ResourceGone(format string, args ...any) *Error {
	return newError(KindResourceGone, format, args...).WithCode(ErrorCodeReplayExpired)
}

// EngineFailure creates an engine failure error wrapping cause.
func EngineFailure(cause error, format string, args ...any) *Error {
	return newError(KindEngineFailure, format, args...).Wrap(cause)
}

// StorageFailure creates a storage failure error wrapping cause.
func StorageFailure(cause error, format string, args ...any) *Error {
	return newError(KindStorageFailure, format, args...).Wrap(cause)
}

// InvalidRequest creates an invalid request error.
func InvalidRequest(format string, args ...any) *Error {
	return newError(KindInvalidRequest, format, args...)
}

// Cancelled creates a cancellation error wrapping cause (usually ctx.Err()).
func Cancelled(cause error, format string, args ...any) *Error {
	return newError(KindCancelled, format, args...).Wrap(cause)
}

// AsError returns err as an *Error. Errors that are not relay errors are
// reported as storage failures, since every other failure path in the relay
// produces a typed error.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return StorageFailure(err, "unexpected failure")
}

// KindOf returns the kind of err, or "" for nil.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	return AsError(err).Kind
}
