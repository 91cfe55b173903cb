package errors

import (
	"fmt"
	"net/http"
)

// Common error creators for frequent use cases

// NewValidationError creates a validation error with field context
func NewValidationError(field, message string) *AppError {
	return New(ErrCodeValidationFailed, message).
		WithContext("field", field).
		WithStatus(http.StatusBadRequest).
		WithUserMessage(fmt.Sprintf("Invalid %s: %s", field, message))
}

// NewNotFoundError creates a not found error with resource context
func NewNotFoundError(resource, identifier string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource)).
		WithContext("resource", resource).
		WithContext("identifier", identifier).
		WithStatus(http.StatusNotFound).
		WithUserMessage(fmt.Sprintf("%s not found", resource))
}

// NewConflictError creates a conflict error (inactive flow, wrong channel,
// unique-constraint race)
func NewConflictError(message string) *AppError {
	return New(ErrCodeConflict, message).
		WithStatus(http.StatusConflict).
		WithUserMessage(message)
}

// NewSendError creates a typed send failure carrying the Meta status code.
// The executor aborts the session on these.
func NewSendError(status int, message string) *AppError {
	statusCode := status
	if statusCode == 0 {
		statusCode = http.StatusBadGateway
	}
	return New(ErrCodeSendFailed, message).
		WithStatus(statusCode).
		WithContext("meta_status", status).
		WithUserMessage(message)
}

// NewDatabaseError creates a database error with operation context
func NewDatabaseError(operation string, err error) *AppError {
	return Wrap(err, ErrCodeDatabaseQuery, fmt.Sprintf("database %s failed", operation)).
		WithContext("operation", operation).
		WithUserMessage("Database operation failed")
}

// NewGuardError creates a runtime-guard error (step limit, node revisit).
func NewGuardError(message string) *AppError {
	return New(ErrCodeExecutionGuard, message).
		WithStatus(http.StatusInternalServerError).
		WithUserMessage(message)
}
