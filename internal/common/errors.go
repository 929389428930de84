package common

import (
	"errors"
	"net/http"
)

// Error codes shared across the API surface.
const (
	CodeValidation   = "VALIDATION"
	CodeUnauthorized = "UNAUTHORIZED"
	CodeForbidden    = "FORBIDDEN"
	CodeNotFound     = "NOT_FOUND"
	CodeConflict     = "CONFLICT"
	CodeRuleConfig   = "RULE_CONFIG"
	CodeTransient    = "TRANSIENT"
	CodeInternal     = "INTERNAL"
)

// AppError represents an error with an attached code and HTTP status.
type AppError struct {
	Code       string
	Message    string
	HTTPStatus int
	Err        error
	Details    any
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

// Unwrap allows errors.Is/As to inspect the underlying error.
func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewAppError constructs an AppError.
func NewAppError(code, message string, status int, err error) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: status, Err: err}
}

// ValidationError marks malformed input. Never retried.
func ValidationError(message string, err error) *AppError {
	return NewAppError(CodeValidation, message, http.StatusBadRequest, err)
}

// AuthorizationError marks access by a principal outside the owning family or entity.
// Rendered as not-found to callers to avoid leaking existence.
func AuthorizationError(message string, err error) *AppError {
	return NewAppError(CodeForbidden, message, http.StatusForbidden, err)
}

// NotFoundError marks an absent row. Logged distinctly from authorization failures.
func NotFoundError(message string, err error) *AppError {
	return NewAppError(CodeNotFound, message, http.StatusNotFound, err)
}

// ConflictError marks a state-machine or uniqueness violation.
func ConflictError(message string, err error) *AppError {
	return NewAppError(CodeConflict, message, http.StatusConflict, err)
}

// TransientError marks an infrastructure failure the caller may retry.
// The webhook handler maps this to a redeliverable 5xx response.
func TransientError(message string, err error) *AppError {
	return NewAppError(CodeTransient, message, http.StatusInternalServerError, err)
}

// RuleConfigError marks a malformed discount rule or template. Logged, rule skipped.
func RuleConfigError(message string, err error) *AppError {
	return NewAppError(CodeRuleConfig, message, http.StatusUnprocessableEntity, err)
}

// IsCode reports whether err is an AppError carrying the given code.
func IsCode(err error, code string) bool {
	var target *AppError
	if errors.As(err, &target) {
		return target.Code == code
	}
	return false
}

// IsTransient reports whether err should be treated as retryable infrastructure failure.
func IsTransient(err error) bool {
	return IsCode(err, CodeTransient)
}

// HTTPStatusOf resolves the HTTP status for an error, defaulting to 500.
func HTTPStatusOf(err error) int {
	var target *AppError
	if errors.As(err, &target) && target.HTTPStatus != 0 {
		return target.HTTPStatus
	}
	return http.StatusInternalServerError
}
