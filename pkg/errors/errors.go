// Package errors defines the error taxonomy shared by the scoring engine and
// the services around it. Core packages wrap the sentinels with context via
// fmt.Errorf("%w: ..."); transport layers map them to status codes.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrFormat marks a malformed citation stream: truncated record,
	// unterminated varint, or a declared length beyond the allowed bound.
	ErrFormat = errors.New("format error")
	// ErrBounds marks a decoded feature id outside the weight/count table.
	ErrBounds = errors.New("feature id out of bounds")
	// ErrInvalidInput marks bad caller input (unsorted exclusions, bad source name).
	ErrInvalidInput = errors.New("invalid input")
	// ErrConfig marks inconsistent run or engine configuration.
	ErrConfig       = errors.New("invalid configuration")
	ErrNotFound     = errors.New("not found")
	ErrInternal     = errors.New("internal error")
	ErrTimeout      = errors.New("operation timed out")
	ErrUnavailable  = errors.New("dependency unavailable")
)

type AppError struct {
	Err        error
	Message    string
	StatusCode int
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, statusCode int, message string) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    message,
		StatusCode: statusCode,
	}
}

func Newf(sentinel error, statusCode int, format string, args ...any) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    fmt.Sprintf(format, args...),
		StatusCode: statusCode,
	}
}

// HTTPStatusCode maps an error to the status the scoring service answers with.
func HTTPStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}

	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrConfig):
		return http.StatusBadRequest
	case errors.Is(err, ErrFormat), errors.Is(err, ErrBounds):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// IsInputFault reports whether err was caused by the caller's data or
// parameters rather than by the engine or its dependencies.
func IsInputFault(err error) bool {
	return errors.Is(err, ErrFormat) ||
		errors.Is(err, ErrBounds) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrConfig)
}
