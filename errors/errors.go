package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Code identifies the error class carried back to clients. Each code maps to
// one HTTP status (several codes share 400 and 500); anything unrecognized
// responds 500 like INTERNAL_ERROR.
type Code string

const (
	CodeValidation     Code = "VALIDATION_ERROR"
	CodeNotFound       Code = "NOT_FOUND"
	CodeConflict       Code = "CONFLICT"
	CodeMissingChunks  Code = "MISSING_CHUNKS"
	CodeDigestMismatch Code = "DIGEST_MISMATCH"
	CodeStructural     Code = "STRUCTURAL_ERROR"
	CodeStorage        Code = "STORAGE_ERROR"
	CodeBackpressure   Code = "BACKPRESSURE"
	CodeInternal       Code = "INTERNAL_ERROR"
)

// Error is the application error carried across service boundaries. Details
// is an opaque bag rendered into the HTTP error envelope.
type Error struct {
	Code    Code
	Message string
	Details map[string]any

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// WithDetails sets a detail entry and returns the error for chaining.
func (e *Error) WithDetails(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// HTTPStatus maps the code to the status the HTTP layer responds with.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeValidation, CodeMissingChunks, CodeDigestMismatch, CodeStructural:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeBackpressure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// AsError extracts an *Error from err's chain, wrapping unknown errors as
// INTERNAL_ERROR so the HTTP layer always has a code to respond with.
func AsError(err error) *Error {
	var appErr *Error
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return Wrap(CodeInternal, "internal error", err)
}

// Sentinels matched with errors.Is across store and service layers.
var (
	ErrSessionNotFound   = New(CodeNotFound, "upload session not found")
	ErrSessionExists     = New(CodeConflict, "upload session already exists")
	ErrSessionExpired    = New(CodeConflict, "upload session expired")
	ErrSessionTerminal   = New(CodeConflict, "upload session already finalized")
	ErrIllegalTransition = New(CodeConflict, "illegal session state transition")
	ErrObjectNotFound    = New(CodeNotFound, "object not found")
	ErrBackpressure      = New(CodeBackpressure, "resource exhausted, retry later")
)

// Is treats two *Error values with the same code and message as equal so the
// sentinels above survive Wrap/fmt.Errorf chains.
func (e *Error) Is(target error) bool {
	var other *Error
	if !stderrors.As(target, &other) {
		return false
	}
	return e.Code == other.Code && e.Message == other.Message
}

// MissingChunks builds the completion-refused error enumerating the gaps.
func MissingChunks(indices []uint32) *Error {
	return New(CodeMissingChunks, "upload is missing chunks").
		WithDetails("missingChunks", indices)
}

// DigestMismatch reports an integrity failure over the assembled object.
func DigestMismatch(expected, actual string) *Error {
	e := New(CodeDigestMismatch, "assembled file failed integrity check")
	e.WithDetails("expected", expected)
	e.WithDetails("actual", actual)
	return e
}
