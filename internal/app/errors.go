package app

import (
	"fmt"
	"net/http"
)

// DomainError carries the HTTP status and stable machine code for a request
// that failed for a domain reason. mapError unwraps it at the HTTP edge;
// service methods return it as a plain error.
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

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func errNotFound(message string) *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", message, nil)
}

func errValidation(message string) *DomainError {
	return domainError(http.StatusBadRequest, "VALIDATION_ERROR", message, nil)
}

func errUnauthorized(message string) *DomainError {
	return domainError(http.StatusUnauthorized, "UNAUTHORIZED", message, nil)
}

func errSessionExpired() *DomainError {
	return domainError(http.StatusForbidden, "SESSION_EXPIRED", "Session expired", nil)
}

func errSessionCompleted() *DomainError {
	return domainError(http.StatusForbidden, "SESSION_COMPLETED", "You have already completed a session for this experiment", nil)
}

func errAlreadyRated() *DomainError {
	return domainError(http.StatusBadRequest, "ALREADY_RATED", "Already rated this question", nil)
}

func errAdminRequired() *DomainError {
	return domainError(http.StatusForbidden, "ADMIN_REQUIRED", "Admin session required", nil)
}

func errNotAllowlisted() *DomainError {
	return domainError(http.StatusForbidden, "NOT_ALLOWLISTED", "Not allowlisted for admin access", nil)
}
