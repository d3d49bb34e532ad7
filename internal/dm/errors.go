package dm

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a service failure. Codes are part of the HTTP API and
// appear verbatim in error responses.
type ErrorCode string

const (
	ErrorEmptyBody        ErrorCode = "EMPTY_BODY"
	ErrorBodyTooLong      ErrorCode = "BODY_TOO_LONG"
	ErrorInvalidBody      ErrorCode = "INVALID_BODY"
	ErrorInvalidRecipient ErrorCode = "INVALID_RECIPIENT"
	ErrorSelfMessage      ErrorCode = "SELF_MESSAGE"
	ErrorQueryTooShort    ErrorCode = "QUERY_TOO_SHORT"
	ErrorNotFound         ErrorCode = "NOT_FOUND"
	ErrorStoreUnavailable ErrorCode = "STORE_UNAVAILABLE"
	ErrorRateLimited      ErrorCode = "RATE_LIMITED"
	ErrorInternal         ErrorCode = "INTERNAL_ERROR"
)

// ErrorKind groups codes by how a caller should react to them.
type ErrorKind string

const (
	KindValidation  ErrorKind = "validation"   // fix the input
	KindNotFound    ErrorKind = "not_found"    // the referenced user does not exist
	KindTransient   ErrorKind = "transient"    // nothing took effect, retry later
	KindRateLimited ErrorKind = "rate_limited" // slow down
	KindInternal    ErrorKind = "internal"
)

// Kind maps an error code onto its kind.
func Kind(code ErrorCode) ErrorKind {
	switch code {
	case ErrorEmptyBody, ErrorBodyTooLong, ErrorInvalidBody, ErrorInvalidRecipient,
		ErrorSelfMessage, ErrorQueryTooShort:
		return KindValidation
	case ErrorNotFound:
		return KindNotFound
	case ErrorStoreUnavailable:
		return KindTransient
	case ErrorRateLimited:
		return KindRateLimited
	}
	return KindInternal
}

// Error is the error returned by Service operations. Reason is safe to show
// to clients; Err, when set, is the underlying cause and is only logged.
type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("dm: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("dm: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Kind returns the kind of e's code.
func (e *Error) Kind() ErrorKind {
	return Kind(e.Code)
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// CodeOf returns the code carried by err, or ErrorInternal when err is not
// a service error.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrorInternal
}
