package apperrors

import (
	"errors"
	"net/http"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrNoCapacity        = errors.New("no available vehicle")
	ErrDispatchFailed    = errors.New("dispatch failed")
	ErrUnavailable       = errors.New("vehicle or operator no longer available")
	ErrRequestNotPending = errors.New("request is not pending")
	ErrAlreadyCompleted  = errors.New("dispatch already completed")
	ErrNotOwner          = errors.New("dispatch does not belong to operator")
	ErrActiveDispatch    = errors.New("vehicle has an active dispatch")
	ErrInvalidInput      = errors.New("invalid input")
)

// CheckError maps an error to the HTTP status the API layer responds with.
func CheckError(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrDispatchFailed):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrNoCapacity):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrAlreadyCompleted),
		errors.Is(err, ErrActiveDispatch),
		errors.Is(err, ErrUnavailable),
		errors.Is(err, ErrRequestNotPending):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// Reason returns a stable machine-readable failure code.
// ErrDispatchFailed is checked first since it wraps the commit cause.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDispatchFailed):
		return "dispatch_failed"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrNotOwner):
		return "not_owner"
	case errors.Is(err, ErrAlreadyCompleted):
		return "already_completed"
	case errors.Is(err, ErrActiveDispatch):
		return "active_dispatch"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrNoCapacity):
		return "no_capacity"
	case errors.Is(err, ErrUnavailable), errors.Is(err, ErrRequestNotPending):
		return "conflict"
	}
	return "internal"
}
