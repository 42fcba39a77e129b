package errors

import "net/http"

// Error code constants.
// Errors carry code + params; messages stay in English for logs.

// Security event ingestion codes.
const (
	CodeInvalidEvent     = "INVALID_SECURITY_EVENT"
	CodeInvalidEventType = "INVALID_EVENT_TYPE"
	CodeInvalidMetadata  = "INVALID_EVENT_METADATA"
	CodeEnqueueFailed    = "SECURITY_EVENT_ENQUEUE_FAILED"
)

// Chain codes.
const (
	CodeChainVerifyFailed = "CHAIN_VERIFY_FAILED"
	CodeChainStatsFailed  = "CHAIN_STATS_FAILED"
)

// Retention codes.
const (
	CodeCleanupFailed = "LOG_CLEANUP_FAILED"
	CodeArchiveFailed = "LOG_ARCHIVE_FAILED"
)

// Auth error codes.
const (
	CodeAuthFailed   = "AUTH_FAILED"
	CodeTokenExpired = "TOKEN_EXPIRED"
	CodeTokenInvalid = "TOKEN_INVALID"
	CodeForbidden    = "FORBIDDEN"
)

// Validation error codes.
const (
	CodeInvalidRequestField = "INVALID_REQUEST_FIELD"
	CodeValidationFailed    = "VALIDATION_FAILED"
	CodeResponseInvalid     = "OPENAPI_RESPONSE_INVALID"
)

// Generic codes.
const (
	CodeRouteNotFound = "ROUTE_NOT_FOUND"
	CodeInternal      = "INTERNAL_ERROR"
)

// Convenience constructors using predefined codes.

// ErrInvalidEvent creates a 400 error for a rejected security event.
func ErrInvalidEvent(reason string) *AppError {
	return &AppError{
		Code:       CodeInvalidEvent,
		Message:    "invalid security event",
		HTTPStatus: http.StatusBadRequest,
		Params:     map[string]interface{}{"reason": reason},
	}
}

// ErrEnqueueFailed creates a 503 error when an event cannot be queued.
func ErrEnqueueFailed(err error) *AppError {
	return Wrap(err, CodeEnqueueFailed, "security event could not be queued", http.StatusServiceUnavailable)
}

// ErrCleanupFailed creates a 500 error carrying cleanup progress.
func ErrCleanupFailed(err error) *AppError {
	appErr := Wrap(err, CodeCleanupFailed, "log cleanup failed", http.StatusInternalServerError)
	var ce *CleanupError
	if As(err, &ce) {
		appErr.Params = map[string]interface{}{
			"cutoff":      ce.Cutoff,
			"deleted":     ce.Deleted,
			"duration_ms": ce.Duration.Milliseconds(),
		}
	}
	return appErr
}
