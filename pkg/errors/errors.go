package pkgerrors

import (
	"errors"
	"fmt"
)

const (
	CodeNonExistingKey        = -1001
	CodeJSONParsing           = -1002
	CodeDuplicateKey          = -1003
	CodeValidation            = -1004
	CodePersistence           = -1005
	CodeDownstreamUnavailable = -1006
	CodeDuplicateRequest      = -1007
	CodeStaleEvent            = -1008
	CodeVersionConflict       = -1009
	CodeRequestInFlight       = -1010
	CodeUnknown               = -9999
)

type AppError struct {
	Code    int
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%d] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is matches on Code so sentinel values below work with errors.Is.
func (e *AppError) Is(target error) bool {
	var t *AppError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrDuplicateKey          = &AppError{Code: CodeDuplicateKey, Message: "duplicate key violation"}
	ErrNonExistingKey        = &AppError{Code: CodeNonExistingKey, Message: "non-existing key"}
	ErrJSONParsing           = &AppError{Code: CodeJSONParsing, Message: "JSON parsing failed"}
	ErrValidation            = &AppError{Code: CodeValidation, Message: "validation failed"}
	ErrPersistence           = &AppError{Code: CodePersistence, Message: "store unavailable"}
	ErrDownstreamUnavailable = &AppError{Code: CodeDownstreamUnavailable, Message: "downstream unavailable"}
	ErrDuplicateRequest      = &AppError{Code: CodeDuplicateRequest, Message: "duplicate request"}
	ErrStaleEvent            = &AppError{Code: CodeStaleEvent, Message: "stale event"}
	ErrVersionConflict       = &AppError{Code: CodeVersionConflict, Message: "version conflict"}
	ErrRequestInFlight       = &AppError{Code: CodeRequestInFlight, Message: "request in flight"}
)

func NewDuplicateKeyError(err error) *AppError {
	return &AppError{
		Code:    CodeDuplicateKey,
		Message: "duplicate key violation",
		Err:     err,
	}
}

func NewNonExistingKeyError(err error) *AppError {
	return &AppError{
		Code:    CodeNonExistingKey,
		Message: "key does not exist",
		Err:     err,
	}
}

func NewJSONParsingError(err error) *AppError {
	return &AppError{
		Code:    CodeJSONParsing,
		Message: "failed to parse JSON",
		Err:     err,
	}
}

func NewValidationError(format string, args ...any) *AppError {
	return &AppError{
		Code:    CodeValidation,
		Message: fmt.Sprintf(format, args...),
	}
}

func NewPersistenceError(err error) *AppError {
	return &AppError{
		Code:    CodePersistence,
		Message: "store unavailable",
		Err:     err,
	}
}

func NewDownstreamUnavailableError(downstream string, err error) *AppError {
	return &AppError{
		Code:    CodeDownstreamUnavailable,
		Message: fmt.Sprintf("%s unavailable", downstream),
		Err:     err,
	}
}

func NewDuplicateRequestError(key string) *AppError {
	return &AppError{
		Code:    CodeDuplicateRequest,
		Message: fmt.Sprintf("duplicate request for key %s", key),
	}
}

func NewStaleEventError(format string, args ...any) *AppError {
	return &AppError{
		Code:    CodeStaleEvent,
		Message: fmt.Sprintf(format, args...),
	}
}

func NewVersionConflictError(id string, expected int64) *AppError {
	return &AppError{
		Code:    CodeVersionConflict,
		Message: fmt.Sprintf("version conflict on %s, expected version %d", id, expected),
	}
}

func NewRequestInFlightError(key string) *AppError {
	return &AppError{
		Code:    CodeRequestInFlight,
		Message: fmt.Sprintf("request %s is already in flight", key),
	}
}

func hasCode(err error, code int) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

func IsDuplicateKeyError(err error) bool {
	return hasCode(err, CodeDuplicateKey)
}

func IsNonExistingKeyError(err error) bool {
	return hasCode(err, CodeNonExistingKey)
}

func IsJSONParsingError(err error) bool {
	return hasCode(err, CodeJSONParsing)
}

func IsValidationError(err error) bool {
	return hasCode(err, CodeValidation)
}

func IsPersistenceError(err error) bool {
	return hasCode(err, CodePersistence)
}

func IsDownstreamUnavailableError(err error) bool {
	return hasCode(err, CodeDownstreamUnavailable)
}

func IsDuplicateRequestError(err error) bool {
	return hasCode(err, CodeDuplicateRequest)
}

func IsStaleEventError(err error) bool {
	return hasCode(err, CodeStaleEvent)
}

func IsVersionConflictError(err error) bool {
	return hasCode(err, CodeVersionConflict)
}

func IsRequestInFlightError(err error) bool {
	return hasCode(err, CodeRequestInFlight)
}

// IsRetryable reports whether redelivering the same message may succeed later.
func IsRetryable(err error) bool {
	switch GetErrorCode(err) {
	case CodePersistence, CodeVersionConflict, CodeRequestInFlight, CodeDownstreamUnavailable:
		return true
	}
	return false
}

func GetErrorCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeUnknown
}
