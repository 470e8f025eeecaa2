package errors

import (
	"errors"
	"fmt"
)

// ErrorCode classifies an error for programmatic handling across component
// boundaries. Codes are stable strings; they appear in API payloads and logs.
type ErrorCode string

const (
	// Startup / configuration.
	CodeConfigInvalid ErrorCode = "CONFIG_INVALID"

	// Tool-server fleet.
	CodeServerUnhealthy ErrorCode = "SERVER_UNHEALTHY"
	CodeProtocolError   ErrorCode = "PROTOCOL_ERROR"
	CodeTimeout         ErrorCode = "TIMEOUT"
	CodeNoServer        ErrorCode = "NO_SERVER"
	CodeDeniedByFilter  ErrorCode = "DENIED_BY_FILTER"
	CodeCancelled       ErrorCode = "CANCELLED"

	// Reasoning pipeline.
	CodeParseError ErrorCode = "PARSE_ERROR"

	// Upstream model.
	CodeUpstreamFailure ErrorCode = "UPSTREAM_FAILURE"

	// Generic.
	CodeInvalidInput  ErrorCode = "INVALID_INPUT"
	CodeNotFound      ErrorCode = "NOT_FOUND"
	CodeAlreadyExists ErrorCode = "ALREADY_EXISTS"
	CodeInternal      ErrorCode = "INTERNAL_ERROR"
)

// AppError carries a machine-readable code alongside a human message and an
// optional wrapped cause.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New builds an AppError with an explicit code.
func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap builds an AppError with an explicit code and a cause.
func Wrap(code ErrorCode, message string, cause error) *AppError {
	return &AppError{Code: code, Message: message, Err: cause}
}

func NewConfigInvalidError(message string) *AppError {
	return &AppError{Code: CodeConfigInvalid, Message: message}
}

func NewServerUnhealthyError(message string, cause error) *AppError {
	return &AppError{Code: CodeServerUnhealthy, Message: message, Err: cause}
}

func NewProtocolError(message string) *AppError {
	return &AppError{Code: CodeProtocolError, Message: message}
}

func NewTimeoutError(message string) *AppError {
	return &AppError{Code: CodeTimeout, Message: message}
}

func NewNoServerError(message string) *AppError {
	return &AppError{Code: CodeNoServer, Message: message}
}

func NewDeniedByFilterError(message string) *AppError {
	return &AppError{Code: CodeDeniedByFilter, Message: message}
}

func NewCancelledError(message string, cause error) *AppError {
	return &AppError{Code: CodeCancelled, Message: message, Err: cause}
}

func NewParseError(message string) *AppError {
	return &AppError{Code: CodeParseError, Message: message}
}

func NewUpstreamFailureError(message string, cause error) *AppError {
	return &AppError{Code: CodeUpstreamFailure, Message: message, Err: cause}
}

func NewInvalidInputError(message string) *AppError {
	return &AppError{Code: CodeInvalidInput, Message: message}
}

func NewNotFoundError(message string) *AppError {
	return &AppError{Code: CodeNotFound, Message: message}
}

func NewAlreadyExistsError(message string) *AppError {
	return &AppError{Code: CodeAlreadyExists, Message: message}
}

func NewInternalError(message string) *AppError {
	return &AppError{Code: CodeInternal, Message: message}
}

// CodeOf extracts the ErrorCode from err, walking the wrap chain.
// Non-AppError values map to CodeInternal.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

func is(err error, code ErrorCode) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

func IsConfigInvalid(err error) bool { return is(err, CodeConfigInvalid) }

func IsServerUnhealthy(err error) bool { return is(err, CodeServerUnhealthy) }

func IsProtocolError(err error) bool { return is(err, CodeProtocolError) }

func IsTimeout(err error) bool { return is(err, CodeTimeout) }

func IsNoServer(err error) bool { return is(err, CodeNoServer) }

func IsDeniedByFilter(err error) bool { return is(err, CodeDeniedByFilter) }

func IsCancelled(err error) bool { return is(err, CodeCancelled) }

func IsParseError(err error) bool { return is(err, CodeParseError) }

func IsUpstreamFailure(err error) bool { return is(err, CodeUpstreamFailure) }

func IsNotFound(err error) bool { return is(err, CodeNotFound) }

func IsAlreadyExists(err error) bool { return is(err, CodeAlreadyExists) }

func IsInvalidInput(err error) bool { return is(err, CodeInvalidInput) }
