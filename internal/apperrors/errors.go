// Package apperrors carries error classification from the service core out
// to the HTTP edge: constructors tag errors with a sentinel, errors.Is
// recovers the class, and HTTPStatus turns the class into a response code.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Classification sentinels, matched with errors.Is.
var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrInternal   = errors.New("internal error")
)

// Error is a classified error plus whatever context its class calls for.
type Error struct {
	Sentinel error  // class marker recovered by errors.Is
	Message  string // what Error() reports
	Field    string // offending input field, for validation errors
	Resource string // subject of a not-found or conflict, such as "run"
	Op       string // failing operation, such as "runtime.submit"
	Cause    error  // underlying error, for internal errors
}

func (e *Error) Error() string { return e.Message }

// Unwrap exposes the class sentinel to errors.Is.
func (e *Error) Unwrap() error { return e.Sentinel }

// Validation flags bad input on one request field.
func Validation(field, message string) error {
	return &Error{Sentinel: ErrValidation, Message: message, Field: field}
}

// NotFound reports that the identified resource does not exist.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
	}
}

// Conflict reports that the resource's current state refuses the request.
func Conflict(resource, id, reason string) error {
	return &Error{Sentinel: ErrConflict, Message: reason, Resource: resource}
}

// Internal wraps an unexpected failure with the operation that hit it.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// HTTPStatus maps an error's class to a response status. Anything
// unclassified is a 500.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
