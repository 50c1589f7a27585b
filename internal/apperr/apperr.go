package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeUnauthorized Code = "UNAUTHORIZED"
	CodeNotFound     Code = "NOT_FOUND"
	CodeInvalid      Code = "INVALID_INPUT"
	CodeUnavailable  Code = "UNAVAILABLE"
	CodeInternal     Code = "INTERNAL"
)

// Error carries a machine-readable code alongside a human message and an
// optional cause. Handlers map codes to HTTP statuses; everything below the
// handler layer speaks codes only.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func Unauthorized(msg string) error { return New(CodeUnauthorized, msg) }
func NotFound(msg string) error     { return New(CodeNotFound, msg) }
func Invalid(msg string) error      { return New(CodeInvalid, msg) }
func Internal(msg string) error     { return New(CodeInternal, msg) }

// Storage wraps a failed durable read/write. The operation that hit it must
// abort before any fan-out is attempted.
func Storage(op string, cause error) error {
	return Wrap(CodeInternal, "storage: "+op, cause)
}

// Transport wraps a failed publish. Swallowed at the fan-out boundary and
// only logged; durability has already succeeded by then.
func Transport(topic string, cause error) error {
	return Wrap(CodeUnavailable, "transport: publish to "+topic, cause)
}

// CodeOf extracts the Code from err, or CodeInternal for foreign errors.
func CodeOf(err error) Code {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeInternal
}

// HTTPStatus maps an error to the status a handler should write.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalid:
		return http.StatusBadRequest
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
