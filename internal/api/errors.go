package api

import (
	"errors"
	"net/http"

	"github.com/good-yellow-bee/blazeguard/internal/lifecycle"
	"github.com/good-yellow-bee/blazeguard/internal/notification"
	"github.com/good-yellow-bee/blazeguard/internal/pipeline"
	"github.com/good-yellow-bee/blazeguard/internal/reputation"
	"github.com/good-yellow-bee/blazeguard/internal/suppression"
)

// Error represents an API error response.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
}

func (e *Error) Error() string {
	return e.Message
}

// Common error codes
const (
	ErrCodeUnauthorized     = "UNAUTHORIZED"
	ErrCodeForbidden        = "FORBIDDEN"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeBadRequest       = "BAD_REQUEST"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeInternalError    = "INTERNAL_ERROR"
	ErrCodeRateLimited      = "RATE_LIMITED"
	ErrCodeValidationFailed = "VALIDATION_FAILED"
	ErrCodeTooLarge         = "PAYLOAD_TOO_LARGE"
	ErrCodeUnavailable      = "UNAVAILABLE"
)

// Standard errors
var (
	ErrNotFound = &Error{
		Code:    ErrCodeNotFound,
		Message: "Resource not found",
		Status:  http.StatusNotFound,
	}

	ErrInternalServer = &Error{
		Code:    ErrCodeInternalError,
		Message: "Internal server error",
		Status:  http.StatusInternalServerError,
	}

	ErrScannerUnavailable = &Error{
		Code:    ErrCodeUnavailable,
		Message: "Scanning is not enabled on this server",
		Status:  http.StatusServiceUnavailable,
	}
)

// NewBadRequest creates a bad request error with custom message.
func NewBadRequest(message string) *Error {
	return &Error{Code: ErrCodeBadRequest, Message: message, Status: http.StatusBadRequest}
}

// NewValidationError creates a validation error with custom message.
func NewValidationError(message string) *Error {
	return &Error{Code: ErrCodeValidationFailed, Message: message, Status: http.StatusBadRequest}
}

// NewConflict creates a conflict error with custom message.
func NewConflict(message string) *Error {
	return &Error{Code: ErrCodeConflict, Message: message, Status: http.StatusConflict}
}

// NewNotFound creates a not found error with custom message.
func NewNotFound(message string) *Error {
	return &Error{Code: ErrCodeNotFound, Message: message, Status: http.StatusNotFound}
}

// NewTooLarge creates a payload too large error.
func NewTooLarge(message string) *Error {
	return &Error{Code: ErrCodeTooLarge, Message: message, Status: http.StatusRequestEntityTooLarge}
}

// fromServiceError maps service sentinel errors to API errors. It returns
// nil for errors that should surface as 500.
func fromServiceError(err error) *Error {
	switch {
	case errors.Is(err, lifecycle.ErrIssueNotFound),
		errors.Is(err, suppression.ErrRuleNotFound),
		errors.Is(err, reputation.ErrDomainNotFound),
		errors.Is(err, notification.ErrNotificationNotFound):
		return NewNotFound(err.Error())
	case errors.Is(err, lifecycle.ErrInvalidTransition),
		errors.Is(err, lifecycle.ErrConcurrentUpdate),
		errors.Is(err, reputation.ErrDomainNotPending),
		errors.Is(err, notification.ErrNotRequeueable),
		errors.Is(err, suppression.ErrDuplicateRule),
		errors.Is(err, pipeline.ErrScanInProgress):
		return NewConflict(err.Error())
	case errors.Is(err, suppression.ErrInvalidRule),
		errors.Is(err, reputation.ErrInvalidDomain),
		errors.Is(err, lifecycle.ErrRuleNotApplicable),
		errors.Is(err, lifecycle.ErrSuppressionMissing):
		return NewValidationError(err.Error())
	default:
		return nil
	}
}
