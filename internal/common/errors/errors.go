// Package errors provides standardized error handling for the verification engine.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

// ==========================
// 1. Standard Error Types
// ==========================

// ErrorCode represents standardized internal error codes.
type ErrorCode string

const (
	// Config Resolver: the enforcement store could not be read. The event
	// aborts without side effects; enforcement is never silently skipped.
	ErrCodeConfigUnavailable ErrorCode = "CONFIG_UNAVAILABLE"

	// Membership oracle taxonomy.
	ErrCodeOracleNotFound    ErrorCode = "ORACLE_NOT_FOUND"
	ErrCodeOracleForbidden   ErrorCode = "ORACLE_FORBIDDEN"
	ErrCodeOracleRateLimited ErrorCode = "ORACLE_RATE_LIMITED"
	ErrCodeOracleNetwork     ErrorCode = "ORACLE_NETWORK"
	ErrCodeOracleUnknown     ErrorCode = "ORACLE_UNKNOWN"

	// Cache degradation is absorbed as a miss; this code only appears in logs.
	ErrCodeCacheUnavailable ErrorCode = "CACHE_UNAVAILABLE"

	// Outcome persistence is fire-and-forget; failures are logged and dropped.
	ErrCodeRecorderWriteFailed ErrorCode = "RECORDER_WRITE_FAILED"

	// Inbound event rejected at the intake boundary.
	ErrCodeEventInvalid ErrorCode = "EVENT_INVALID"
)

// StandardError represents a structured application error.
type StandardError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

func (e *StandardError) Error() string {
	return fmt.Sprintf("StandardError[%s]: %s", e.Code, e.Message)
}

// ==========================
// 2. Error Constructors
// ==========================

// NewConfigUnavailableError creates a retryable enforcement store error.
func NewConfigUnavailableError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeConfigUnavailable,
		Message:   "Enforcement config store unavailable",
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewOracleNotFoundError creates a non-retryable unknown subject/channel error.
func NewOracleNotFoundError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeOracleNotFound,
		Message:   "Subject or channel unknown to the membership oracle",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewOracleForbiddenError creates a non-retryable permission error.
func NewOracleForbiddenError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeOracleForbidden,
		Message:   "Membership oracle refused the operation",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewOracleRateLimitedError creates a rate limit error surfaced after the
// bounded wait-and-retry budget is exhausted.
func NewOracleRateLimitedError(attempts int) *StandardError {
	return &StandardError{
		Code:      ErrCodeOracleRateLimited,
		Message:   "Membership oracle rate limit exceeded",
		Details:   fmt.Sprintf("attempts: %d", attempts),
		Retryable: false,
		Metadata:  map[string]interface{}{"attempts": attempts},
		Timestamp: time.Now().UTC(),
	}
}

// NewOracleNetworkError creates a retryable transport error.
func NewOracleNetworkError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeOracleNetwork,
		Message:   "Membership oracle transport error",
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewOracleUnknownError creates a non-retryable unclassifiable response error.
func NewOracleUnknownError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeOracleUnknown,
		Message:   "Unclassifiable membership oracle response",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewCacheUnavailableError creates a retryable cache error. Callers of the
// cache never see this; it exists for degradation logging.
func NewCacheUnavailableError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeCacheUnavailable,
		Message:   "Membership cache unavailable",
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewRecorderWriteFailedError creates a retryable outcome persistence error.
func NewRecorderWriteFailedError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeRecorderWriteFailed,
		Message:   "Verification outcome write failed",
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewEventInvalidError creates a non-retryable inbound event error.
func NewEventInvalidError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeEventInvalid,
		Message:   "Inbound event rejected",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// ==========================
// 3. Classification
// ==========================

// AsStandard extracts a StandardError from an error chain.
func AsStandard(err error) (*StandardError, bool) {
	var stdErr *StandardError
	if stderrors.As(err, &stdErr) {
		return stdErr, true
	}
	return nil, false
}

// CodeOf returns the error code carried by err, or empty for untyped errors.
func CodeOf(err error) ErrorCode {
	if stdErr, ok := AsStandard(err); ok {
		return stdErr.Code
	}
	return ""
}

// IsRetryable reports whether err is worth retrying on redelivery. Untyped
// errors are treated as terminal.
func IsRetryable(err error) bool {
	if stdErr, ok := AsStandard(err); ok {
		return stdErr.Retryable
	}
	return false
}

// OutcomeKind maps an oracle-side failure to the error_kind value recorded
// on verification outcome rows.
func OutcomeKind(err error) string {
	switch CodeOf(err) {
	case ErrCodeOracleNotFound:
		return "not_found"
	case ErrCodeOracleForbidden:
		return "forbidden"
	case ErrCodeOracleRateLimited:
		return "rate_limited"
	case ErrCodeOracleNetwork:
		return "network"
	default:
		return "unknown"
	}
}

// GetErrorCategory returns the subsystem responsible for the error code.
func GetErrorCategory(code ErrorCode) string {
	codeStr := string(code)
	switch {
	case strings.Contains(codeStr, "CONFIG"):
		return "CONFIG"
	case strings.Contains(codeStr, "ORACLE"):
		return "ORACLE"
	case strings.Contains(codeStr, "CACHE"):
		return "CACHE"
	case strings.Contains(codeStr, "RECORDER"):
		return "RECORDER"
	case strings.Contains(codeStr, "EVENT"):
		return "INTAKE"
	default:
		return "OTHER"
	}
}
