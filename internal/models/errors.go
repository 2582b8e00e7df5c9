package models

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrFileTooLarge         = errors.New("file too large")
	ErrUnsupportedExtension = errors.New("unsupported file extension")
	ErrCorruptOrEmpty       = errors.New("file corrupted or empty")
	ErrContentMismatch      = errors.New("content does not match an image format")
	ErrTooManyPixels        = errors.New("image exceeds the pixel limit")
	ErrInvalidParameter     = errors.New("invalid parameter")

	ErrDecode            = errors.New("cannot decode image")
	ErrEncode            = errors.New("cannot encode image")
	ErrUnsupportedFormat = errors.New("unsupported output format")

	ErrNotFound     = errors.New("not found")
	ErrBatchExists  = errors.New("batch already exists")
	ErrForbidden    = errors.New("forbidden")
	ErrStorage      = errors.New("storage failure")
	ErrUnauthorized = errors.New("unauthorized")
	ErrUnavailable  = errors.New("service unavailable")
)

// ServiceError is an error with a stable machine-readable code and the
// HTTP status it maps to. It unwraps to one of the sentinel errors above.
type ServiceError struct {
	Code    string
	Message string
	Details string
	Status  int
	Err     error
}

func (e *ServiceError) Error() string {
	if e.Details == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Message, e.Details)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func ValidationError(code string, sentinel error, message, details string) *ServiceError {
	status := http.StatusBadRequest
	if errors.Is(sentinel, ErrFileTooLarge) {
		status = http.StatusRequestEntityTooLarge
	}
	return &ServiceError{Code: code, Message: message, Details: details, Status: status, Err: sentinel}
}

func TransformError(sentinel error, message, details string) *ServiceError {
	status := http.StatusInternalServerError
	code := "IMAGE_PROCESSING_ERROR"
	switch {
	case errors.Is(sentinel, ErrUnsupportedFormat):
		status, code = http.StatusBadRequest, "INVALID_FORMAT"
	case errors.Is(sentinel, ErrDecode):
		status = http.StatusBadRequest
	}
	return &ServiceError{Code: code, Message: message, Details: details, Status: status, Err: sentinel}
}

func StorageFault(message string, err error) *ServiceError {
	details := ""
	if err != nil {
		details = err.Error()
	}
	return &ServiceError{
		Code:    "STORAGE_ERROR",
		Message: message,
		Details: details,
		Status:  http.StatusInternalServerError,
		Err:     errors.Join(ErrStorage, err),
	}
}

func NotFoundFault(code, message, details string) *ServiceError {
	return &ServiceError{Code: code, Message: message, Details: details, Status: http.StatusNotFound, Err: ErrNotFound}
}

func Forbidden(code, message, details string) *ServiceError {
	return &ServiceError{Code: code, Message: message, Details: details, Status: http.StatusForbidden, Err: ErrForbidden}
}

func Unauthorized(code, message, details string) *ServiceError {
	return &ServiceError{Code: code, Message: message, Details: details, Status: http.StatusUnauthorized, Err: ErrUnauthorized}
}

func Unavailable(code, message, details string) *ServiceError {
	return &ServiceError{Code: code, Message: message, Details: details, Status: http.StatusServiceUnavailable, Err: ErrUnavailable}
}

// AsServiceError converts any error to a ServiceError, falling back to a
// generic internal error.
func AsServiceError(err error) *ServiceError {
	var se *ServiceError
	if errors.As(err, &se) {
		return se
	}
	if errors.Is(err, ErrNotFound) {
		return NotFoundFault("NOT_FOUND", "Resource not found", err.Error())
	}
	return &ServiceError{
		Code:    "INTERNAL_ERROR",
		Message: "Internal server error",
		Details: err.Error(),
		Status:  http.StatusInternalServerError,
		Err:     err,
	}
}
