package app

import (
	"fmt"
	"net/http"
)

// DomainError is an error the HTTP layer knows how to render: a status,
// a stable machine-readable code, a human message, and optional
// structured details.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func errTreeNotFound() *DomainError {
	return &DomainError{
		Status:  http.StatusNotFound,
		Code:    "NOT_FOUND",
		Message: "Tree not found",
	}
}

func errInvalidPatch(cause error) *DomainError {
	return &DomainError{
		Status:  http.StatusBadRequest,
		Code:    "INVALID_PATCH",
		Message: cause.Error(),
	}
}
