// Package apperrors provides standardized error handling for the bot core.
//
// It implements a consistent error format across the Control Plane and the
// error taxonomy from the design: fatal configuration errors, transient
// transport errors, plugin errors, store errors, and identity-resolution
// failures. Only configuration errors ever propagate to process exit;
// everything else is recovered locally and surfaced, if at all, by an
// explicit plugin reply.
//
// Error Structure:
//   - Code: Machine-readable error identifier (e.g., "RATE_LIMITED")
//   - Message: Human-readable error message
//   - Details: Optional additional context (wrapped errors)
//   - StatusCode: HTTP status code, used only by the Control Plane
package apperrors

import (
	"fmt"
	"net/http"
)

// BotError represents a standardized application error with HTTP context.
type BotError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	StatusCode int    `json:"-"`
}

func (e *BotError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s - %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ErrorResponse is the JSON shape returned by the Control Plane.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// Error codes, grouped by the taxonomy in the error-handling design.
const (
	ErrCodeBadRequest       = "BAD_REQUEST"
	ErrCodeUnauthorized     = "UNAUTHORIZED"
	ErrCodeForbidden        = "FORBIDDEN"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeValidationFailed = "VALIDATION_FAILED"
	ErrCodeRateLimited      = "RATE_LIMITED"

	ErrCodeConfig      = "CONFIG_ERROR"
	ErrCodeTransport   = "TRANSPORT_ERROR"
	ErrCodePlugin      = "PLUGIN_ERROR"
	ErrCodeStore       = "STORE_ERROR"
	ErrCodeIdentity    = "IDENTITY_ERROR"
	ErrCodeScheduler   = "SCHEDULER_ERROR"
	ErrCodeInternal    = "INTERNAL_ERROR"
	ErrCodeUnavailable = "SERVICE_UNAVAILABLE"
)

func New(code, message string) *BotError {
	return &BotError{Code: code, Message: message, StatusCode: statusFor(code)}
}

func NewWithDetails(code, message, details string) *BotError {
	return &BotError{Code: code, Message: message, Details: details, StatusCode: statusFor(code)}
}

// Wrap attaches an underlying error as Details on a new BotError.
func Wrap(code, message string, err error) *BotError {
	details := ""
	if err != nil {
		details = err.Error()
	}
	return NewWithDetails(code, message, details)
}

func statusFor(code string) int {
	switch code {
	case ErrCodeBadRequest, ErrCodeValidationFailed:
		return http.StatusBadRequest
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeForbidden:
		return http.StatusForbidden
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeConflict:
		return http.StatusConflict
	case ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	case ErrCodeConfig, ErrCodeTransport, ErrCodePlugin, ErrCodeStore, ErrCodeIdentity, ErrCodeScheduler, ErrCodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func (e *BotError) ToResponse() ErrorResponse {
	return ErrorResponse{Error: e.Code, Message: e.Message, Code: e.Code, Details: e.Details}
}

// Convenience constructors used across the HTTP surface and component code.

func BadRequest(message string) *BotError { return New(ErrCodeBadRequest, message) }

func Unauthorized(message string) *BotError { return New(ErrCodeUnauthorized, message) }

func Forbidden(message string) *BotError { return New(ErrCodeForbidden, message) }

func NotFound(resource string) *BotError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource))
}

func RateLimited() *BotError {
	return New(ErrCodeRateLimited, "rate limit exceeded")
}

func Config(message string) *BotError { return New(ErrCodeConfig, message) }

func Transport(err error) *BotError {
	return Wrap(ErrCodeTransport, "transport operation failed", err)
}

func Plugin(name string, err error) *BotError {
	return Wrap(ErrCodePlugin, fmt.Sprintf("plugin %q failed", name), err)
}

func Store(err error) *BotError { return Wrap(ErrCodeStore, "store operation failed", err) }

func Identity(message string) *BotError { return New(ErrCodeIdentity, message) }

func Scheduler(message string) *BotError { return New(ErrCodeScheduler, message) }

func Internal(err error) *BotError { return Wrap(ErrCodeInternal, "internal error", err) }

func Unavailable(service string) *BotError {
	return New(ErrCodeUnavailable, fmt.Sprintf("%s is currently unavailable", service))
}
