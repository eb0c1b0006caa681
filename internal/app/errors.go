package app

import (
	"fmt"
	"net/http"
)

// DomainError is a failure with a fixed HTTP status and machine-readable code.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
	cause   error
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func validationError(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, nil)
}

func forbidden(message string, details any) *DomainError {
	return domainError(http.StatusForbidden, "FORBIDDEN", message, details)
}

// upstreamError reports a failed completion call; the cause stays reachable
// through errors.Is and errors.As but is never shown to clients.
func upstreamError(cause error) *DomainError {
	err := domainError(http.StatusBadGateway, "UPSTREAM_ERROR", "The assistant is unavailable. Please try again.", nil)
	err.cause = cause
	return err
}
