package outbox

import (
	"errors"
	"net/http"

	"github.com/SebastienMelki/outbox/internal/batch"
	"github.com/SebastienMelki/outbox/internal/transport"
)

// ErrClosed is returned by Track and Enqueue after Close.
var ErrClosed = batch.ErrClosed

// ErrorSeverity indicates how critical an error is.
type ErrorSeverity int

const (
	// SeverityDebug is informational, logged only.
	SeverityDebug ErrorSeverity = iota
	// SeverityWarning is non-critical, the pipeline continues operating.
	SeverityWarning
	// SeverityCritical means events were lost or will not be delivered.
	SeverityCritical
	// SeverityFatal means the client cannot operate.
	SeverityFatal
)

func (s ErrorSeverity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	case SeverityFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error codes for categorization.
const (
	ErrCodeInvalidConfig   = "INVALID_CONFIG"
	ErrCodeInvalidEvent    = "INVALID_EVENT"
	ErrCodeNetworkError    = "NETWORK_ERROR"
	ErrCodeAuthFailed      = "AUTH_FAILED"
	ErrCodeDiskError       = "DISK_ERROR"
	ErrCodeQueueFull       = "QUEUE_FULL"
	ErrCodeServerError     = "SERVER_ERROR"
	ErrCodeRateLimited     = "RATE_LIMITED"
	ErrCodeBatchRejected   = "BATCH_REJECTED"
	ErrCodeStorageFallback = "STORAGE_FALLBACK"
)

// SDKError represents a structured error with severity and code.
type SDKError struct {
	Code     string        `json:"code"`
	Message  string        `json:"message"`
	Severity ErrorSeverity `json:"severity"`
}

// Error implements the error interface.
func (e *SDKError) Error() string {
	return e.Message
}

func newWarningError(code, message string) *SDKError {
	return &SDKError{Code: code, Message: message, Severity: SeverityWarning}
}

func newCriticalError(code, message string) *SDKError {
	return &SDKError{Code: code, Message: message, Severity: SeverityCritical}
}

func invalidConfig(message string) *SDKError {
	return &SDKError{Code: ErrCodeInvalidConfig, Message: "outbox: " + message, Severity: SeverityFatal}
}

// classify maps a failure absorbed by the batcher to an SDKError.
func classify(err error) *SDKError {
	if err == nil {
		return nil
	}

	var failure *batch.Failure
	if !errors.As(err, &failure) {
		return newWarningError(ErrCodeNetworkError, err.Error())
	}
	msg := failure.Error()

	switch failure.Op {
	case "serialize", "size_check", "flush":
		return newWarningError(ErrCodeInvalidEvent, msg)
	case "evict":
		if errors.Is(failure.Err, batch.ErrQueueFull) {
			return newWarningError(ErrCodeQueueFull, msg)
		}
		return newCriticalError(ErrCodeDiskError, msg)
	case "add", "remove", "read":
		return newCriticalError(ErrCodeDiskError, msg)
	case "reject":
		if status := statusCode(failure.Err); status == http.StatusUnauthorized || status == http.StatusForbidden {
			return newCriticalError(ErrCodeAuthFailed, msg)
		}
		return newCriticalError(ErrCodeBatchRejected, msg)
	}

	switch status := statusCode(failure.Err); {
	case status == http.StatusTooManyRequests:
		return newWarningError(ErrCodeRateLimited, msg)
	case status >= 500:
		return newWarningError(ErrCodeServerError, msg)
	default:
		return newWarningError(ErrCodeNetworkError, msg)
	}
}

func statusCode(err error) int {
	var httpErr *transport.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}
	return 0
}
