package domain

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrUnauthenticated  = errors.New("unauthenticated")
	ErrForbidden        = errors.New("forbidden")
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrInvalidOperation = errors.New("invalid operation")
	ErrStorageFailure   = errors.New("storage failure")
	ErrDeliveryFailure  = errors.New("delivery failure")
)

// ColumnNotEmptyError rejects deleting a column that still owns tasks.
type ColumnNotEmptyError struct {
	ColumnID  string
	TaskCount int
}

func (e *ColumnNotEmptyError) Error() string {
	return fmt.Sprintf("column %s still has %d tasks", e.ColumnID, e.TaskCount)
}

func (e *ColumnNotEmptyError) Unwrap() error { return ErrInvalidOperation }

// Kind names the sentinel err wraps, for logs and JSON error bodies.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrInvalidOperation):
		return "invalid_operation"
	case errors.Is(err, ErrDeliveryFailure):
		return "delivery_failure"
	default:
		return "storage_failure"
	}
}

// HTTPStatus maps err to the status code returned to HTTP callers.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidOperation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// domainError reports whether err is a rejection rather than an
// infrastructure failure.
func domainError(err error) bool {
	return errors.Is(err, ErrUnauthenticated) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrInvalidOperation)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidOperation, fmt.Sprintf(format, args...))
}

func storageFailure(err error) error {
	if err == nil || domainError(err) || errors.Is(err, ErrStorageFailure) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrStorageFailure, err)
}
