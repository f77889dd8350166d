// Package errors provides a structured error system for trajcache with error codes, categories, and context.
package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorCode represents a structured error code for cache operations.
type ErrorCode string

// Error code constants grouped by category.
const (
	// Configuration Errors
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"
	ErrCodeConfigLoad       ErrorCode = "CONFIG_LOAD"
	ErrCodeConfigSave       ErrorCode = "CONFIG_SAVE"

	// Storage Errors
	ErrCodeNotFound          ErrorCode = "NOT_FOUND"
	ErrCodeCorrupt           ErrorCode = "CORRUPT"
	ErrCodeIntegrityMismatch ErrorCode = "INTEGRITY_MISMATCH"
	ErrCodeTransientIO       ErrorCode = "TRANSIENT_IO"

	// Resource Errors
	ErrCodeEntryTooLarge     ErrorCode = "ENTRY_TOO_LARGE"
	ErrCodeCapacityExhausted ErrorCode = "CAPACITY_EXHAUSTED"
	ErrCodeCircuitOpen       ErrorCode = "CIRCUIT_OPEN"
	ErrCodeResourceExhausted ErrorCode = "RESOURCE_EXHAUSTED"

	// State Errors
	ErrCodeAlreadyInProgress ErrorCode = "ALREADY_IN_PROGRESS"
	ErrCodeComponentStopped  ErrorCode = "COMPONENT_STOPPED"

	// Operation Errors
	ErrCodeInvalidArgument  ErrorCode = "INVALID_ARGUMENT"
	ErrCodeComputeFailed    ErrorCode = "COMPUTE_FAILED"
	ErrCodeMigrationFailed  ErrorCode = "MIGRATION_FAILED"
	ErrCodeRollbackFailed   ErrorCode = "ROLLBACK_FAILED"
	ErrCodeOperationTimeout ErrorCode = "OPERATION_TIMEOUT"
	ErrCodeRetryExhausted   ErrorCode = "RETRY_EXHAUSTED"

	// Internal Errors
	ErrCodeInternalError  ErrorCode = "INTERNAL_ERROR"
	ErrCodePanicRecovered ErrorCode = "PANIC_RECOVERED"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryStorage       ErrorCategory = "storage"
	CategoryResource      ErrorCategory = "resource"
	CategoryState         ErrorCategory = "state"
	CategoryOperation     ErrorCategory = "operation"
	CategoryInternal      ErrorCategory = "internal"
)

// CacheError represents a structured error with context and metadata.
type CacheError struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Cause     error     `json:"-"`
	Timestamp time.Time `json:"timestamp"`

	Component string `json:"component"`
	Operation string `json:"operation,omitempty"`
	Key       string `json:"key,omitempty"`

	Retryable bool `json:"retryable"`
}

// Error implements the error interface.
func (e *CacheError) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, msg)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, msg)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *CacheError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error (for errors.Is compatibility).
func (e *CacheError) Is(target error) bool {
	if cacheErr, ok := target.(*CacheError); ok {
		return e.Code == cacheErr.Code
	}
	return false
}

// NewError creates a new cache error with default values.
func NewError(code ErrorCode, message string) *CacheError {
	return &CacheError{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
		Retryable: IsRetryableByDefault(code),
	}
}

// Newf creates a new cache error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *CacheError {
	return NewError(code, fmt.Sprintf(format, args...))
}

// Wrap creates a new cache error around cause. It returns nil if cause is nil.
func Wrap(cause error, code ErrorCode, message string) *CacheError {
	if cause == nil {
		return nil
	}
	return NewError(code, message).WithCause(cause)
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeInvalidConfig, ErrCodeConfigValidation, ErrCodeConfigLoad, ErrCodeConfigSave:
		return CategoryConfiguration
	case ErrCodeNotFound, ErrCodeCorrupt, ErrCodeIntegrityMismatch, ErrCodeTransientIO:
		return CategoryStorage
	case ErrCodeEntryTooLarge, ErrCodeCapacityExhausted, ErrCodeCircuitOpen, ErrCodeResourceExhausted:
		return CategoryResource
	case ErrCodeAlreadyInProgress, ErrCodeComponentStopped:
		return CategoryState
	case ErrCodeInvalidArgument, ErrCodeComputeFailed, ErrCodeMigrationFailed, ErrCodeRollbackFailed,
		ErrCodeOperationTimeout, ErrCodeRetryExhausted:
		return CategoryOperation
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault determines if an error is retryable by default.
func IsRetryableByDefault(code ErrorCode) bool {
	retryableCodes := map[ErrorCode]bool{
		ErrCodeTransientIO:       true,
		ErrCodeOperationTimeout:  true,
		ErrCodeResourceExhausted: true,
	}
	return retryableCodes[code]
}

// CodeOf extracts the error code from err, or "" if err is not a CacheError.
func CodeOf(err error) ErrorCode {
	var cacheErr *CacheError
	if stderrors.As(err, &cacheErr) {
		return cacheErr.Code
	}
	return ""
}

// IsCode reports whether err, or anything it wraps, is a CacheError with the given code.
func IsCode(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}
	return stderrors.Is(err, &CacheError{Code: code})
}

// IsNotFound reports whether err is a NOT_FOUND error.
func IsNotFound(err error) bool {
	return IsCode(err, ErrCodeNotFound)
}

// IsRetryable reports whether err is marked retryable.
func IsRetryable(err error) bool {
	var cacheErr *CacheError
	if stderrors.As(err, &cacheErr) {
		return cacheErr.Retryable
	}
	return false
}

// WithDetail adds detailed information to an error
func (e *CacheError) WithDetail(key string, value interface{}) *CacheError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component for an error
func (e *CacheError) WithComponent(component string) *CacheError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *CacheError) WithOperation(operation string) *CacheError {
	e.Operation = operation
	return e
}

// WithKey sets the cache key the error refers to
func (e *CacheError) WithKey(key string) *CacheError {
	e.Key = key
	return e
}

// WithCause sets the underlying cause
func (e *CacheError) WithCause(cause error) *CacheError {
	e.Cause = cause
	return e
}

// WithRetryable overrides the default retry hint
func (e *CacheError) WithRetryable(retryable bool) *CacheError {
	e.Retryable = retryable
	return e
}

var recommendations = map[ErrorCode]string{
	ErrCodeInvalidConfig: "Configuration validation failed. " +
		"Check your configuration file syntax and required parameters.",
	ErrCodeCorrupt: "A stored record could not be decoded. " +
		"Run 'trajcache verify --repair' or revert the key to an earlier version.",
	ErrCodeIntegrityMismatch: "Reconstructed version data does not match its checksum. " +
		"The version chain for this key is damaged; revert to an older full snapshot.",
	ErrCodeEntryTooLarge: "The value exceeds the per-entry share of the memory budget. " +
		"Increase cache.max_memory_bytes or cache.max_entry_fraction.",
	ErrCodeTransientIO: "A disk or object-store operation failed. " +
		"Check free space and permissions on the storage directory or bucket.",
	ErrCodeAlreadyInProgress: "Another migration is running. Wait for it to finish.",
	ErrCodeRollbackFailed: "Migration rollback could not restore the backup. " +
		"Inspect the backups/ namespace before serving traffic.",
	ErrCodeCircuitOpen: "The durability tier is failing repeatedly and writes are paused. " +
		"They resume automatically after the breaker timeout.",
}

// GetRecommendation returns an operator-facing hint for fixing the error
func (e *CacheError) GetRecommendation() string {
	if rec, exists := recommendations[e.Code]; exists {
		return rec
	}
	return "Please check the error message for details."
}

// Hint returns the recommendation for the first CacheError in err's chain,
// or "" when its code has none
func Hint(err error) string {
	var cacheErr *CacheError
	if !stderrors.As(err, &cacheErr) {
		return ""
	}
	return recommendations[cacheErr.Code]
}
