package errx

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind sentinels. Every AppError carries exactly one of them, so callers can
// branch with errors.Is(err, errx.ErrNotFound) regardless of the wrapped cause.
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrStorage           = errors.New("storage error")
	ErrTimeout           = errors.New("operation timed out")
	ErrConflict          = errors.New("conflict")
)

const (
	// SystemErrorMessage is a user-facing fallback when internal errors occur.
	SystemErrorMessage = "internal server error"
	// StorageErrorMessage describes state store failures.
	StorageErrorMessage = "state store operation failed"
	// RedisErrorMessage describes Redis related failures.
	RedisErrorMessage = "redis operation failed"
	// RedisNotFoundMessage describes a missing Redis key.
	RedisNotFoundMessage = "redis key not found"
)

// AppError wraps an underlying error with a kind, an HTTP status and a safe message.
type AppError struct {
	Kind    error
	Err     error
	Status  int
	Message string
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

// Unwrap exposes the underlying error for errors.Is / errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is reports whether the target is the error kind or matches the underlying error.
func (e *AppError) Is(target error) bool {
	if e.Kind != nil && target == e.Kind {
		return true
	}
	return errors.Is(e.Err, target)
}

// As allows casting to AppError or the wrapped error in a chain.
func (e *AppError) As(target any) bool {
	if errors.As(e.Err, target) {
		return true
	}
	if t, ok := target.(**AppError); ok {
		*t = e
		return true
	}
	return false
}

// New creates a new AppError with the provided information.
func New(kind, err error, status int, message string) *AppError {
	return &AppError{
		Kind:    kind,
		Err:     err,
		Status:  status,
		Message: message,
	}
}

func InvalidArgument(format string, args ...any) *AppError {
	return New(ErrInvalidArgument, nil, http.StatusBadRequest, fmt.Sprintf(format, args...))
}

func NotFound(format string, args ...any) *AppError {
	return New(ErrNotFound, nil, http.StatusNotFound, fmt.Sprintf(format, args...))
}

func InvalidTransition(format string, args ...any) *AppError {
	return New(ErrInvalidTransition, nil, http.StatusUnprocessableEntity, fmt.Sprintf(format, args...))
}

func Conflict(format string, args ...any) *AppError {
	return New(ErrConflict, nil, http.StatusConflict, fmt.Sprintf(format, args...))
}

func Timeout(format string, args ...any) *AppError {
	return New(ErrTimeout, context.DeadlineExceeded, http.StatusGatewayTimeout, fmt.Sprintf(format, args...))
}

// WrapStorage wraps a store failure. Errors that already carry a kind are returned as is.
func WrapStorage(err error, message string) error {
	if err == nil {
		return nil
	}
	var app *AppError
	if errors.As(err, &app) && app.Kind != nil {
		return err
	}
	if message == "" {
		message = StorageErrorMessage
	}
	return New(ErrStorage, err, http.StatusBadGateway, message)
}

// FromContext maps context errors to Timeout; any other error is returned unchanged.
func FromContext(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return New(ErrTimeout, err, http.StatusGatewayTimeout, op+" exceeded its time budget")
	}
	return err
}

// KindOf returns the kind sentinel carried by err, or nil.
func KindOf(err error) error {
	var app *AppError
	if errors.As(err, &app) {
		return app.Kind
	}
	return nil
}
