// Package errors provides structured error types for ffcanvas.
//
// Every failure that ends a render carries a machine-readable [Code] so that
// the CLI, the HTTP API and library callers can tell an invalid scene apart
// from an engine failure, a failed raster task or a crashed worker process.
//
// # Error Codes
//
//   - INVALID_*: input validation failures (scene, options, colors)
//   - ENGINE_FAILED: ffmpeg/ffprobe exited with an error
//   - WORKER_*: raster worker reported a failure or died mid-task
//   - TIMEOUT: a task or render exceeded its deadline
//   - POOL_CLOSED: submission to a closed worker pool
//
// # Usage
//
//	err := errors.New(errors.ErrCodeInvalidInput, "width must be positive, got %d", w)
//	if errors.Is(err, errors.ErrCodeInvalidInput) {
//	    // Handle validation error
//	}
//
//	// Wrap existing errors
//	err := errors.Wrap(errors.ErrCodeEngine, origErr, "ffmpeg exited")
package errors

import (
	"errors"
	"fmt"
)

// Code represents a machine-readable error code.
type Code string

// Error codes for different error categories.
const (
	// Input validation errors
	ErrCodeInvalidInput     Code = "INVALID_INPUT"
	ErrCodeInvalidAlignment Code = "INVALID_ALIGNMENT"
	ErrCodeInvalidColor     Code = "INVALID_COLOR"
	ErrCodeInvalidPath      Code = "INVALID_PATH"
	ErrCodeInvalidScene     Code = "INVALID_SCENE"
	ErrCodeInvalidConfig    Code = "INVALID_CONFIG"

	// Resource errors
	ErrCodeFileNotFound Code = "FILE_NOT_FOUND"

	// Execution errors
	ErrCodeEngine        Code = "ENGINE_FAILED"
	ErrCodeWorkerFailed  Code = "WORKER_FAILED"
	ErrCodeWorkerCrashed Code = "WORKER_CRASHED"
	ErrCodeTimeout       Code = "TIMEOUT"
	ErrCodePoolClosed    Code = "POOL_CLOSED"

	// Internal errors
	ErrCodeInternal    Code = "INTERNAL_ERROR"
	ErrCodeUnsupported Code = "UNSUPPORTED"
)

// Error is a structured error with a code and optional cause.
type Error struct {
	Code    Code   // Machine-readable error code
	Message string // Human-readable message
	Cause   error  // Underlying error (optional)
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a new Error with the given code and formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap creates a new Error wrapping an existing error.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   cause,
	}
}

// Is reports whether err has the given error code.
// It unwraps the error chain looking for an *Error with a matching code.
func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// GetCode extracts the error code from an error, if available.
// Returns empty string if the error is not an *Error.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// UserMessage returns a user-friendly message for the error.
// For *Error types, returns the message without the code prefix.
// For other errors, returns the error string as-is.
func UserMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}

// IsInput reports whether err was caused by invalid caller input rather than
// by the engine or a worker.
func IsInput(err error) bool {
	switch GetCode(err) {
	case ErrCodeInvalidInput, ErrCodeInvalidAlignment, ErrCodeInvalidColor,
		ErrCodeInvalidPath, ErrCodeInvalidScene, ErrCodeInvalidConfig, ErrCodeFileNotFound:
		return true
	}
	return false
}
