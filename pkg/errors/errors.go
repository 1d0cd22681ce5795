// Package errors provides the structured error system used across dircache: error codes,
// categories, and the context needed to tell "not found" apart from "unavailable".
package errors

import (
	"context"
	"encoding/json"
	stderr "errors"
	"fmt"
	"strings"
	"time"
)

// ErrorCode identifies a failure class.
type ErrorCode string

const (
	// Configuration
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigLoad    ErrorCode = "CONFIG_LOAD"

	// Repository
	ErrCodeEntityNotFound     ErrorCode = "ENTITY_NOT_FOUND"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrCodeNetworkError       ErrorCode = "NETWORK_ERROR"
	ErrCodeRepositoryRead     ErrorCode = "REPOSITORY_READ"
	ErrCodeRepositoryWrite    ErrorCode = "REPOSITORY_WRITE"
	ErrCodeCircuitOpen        ErrorCode = "CIRCUIT_OPEN"

	// Cache tiers
	ErrCodeCacheCorrupt  ErrorCode = "CACHE_CORRUPT"
	ErrCodeCacheSchema   ErrorCode = "CACHE_SCHEMA_MISMATCH"
	ErrCodeCacheExpired  ErrorCode = "CACHE_EXPIRED"
	ErrCodeCacheIO       ErrorCode = "CACHE_IO"
	ErrCodeSerialization ErrorCode = "CACHE_SERIALIZATION"

	// Operations
	ErrCodeOperationTimeout  ErrorCode = "OPERATION_TIMEOUT"
	ErrCodeOperationCanceled ErrorCode = "OPERATION_CANCELED"
	ErrCodeAlreadyRunning    ErrorCode = "OPERATION_ALREADY_RUNNING"
	ErrCodeValidationFailed  ErrorCode = "VALIDATION_FAILED"

	// State
	ErrCodeComponentStopped ErrorCode = "COMPONENT_STOPPED"

	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory groups codes for reporting.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryRepository    ErrorCategory = "repository"
	CategoryCache         ErrorCategory = "cache"
	CategoryOperation     ErrorCategory = "operation"
	CategoryState         ErrorCategory = "state"
	CategoryInternal      ErrorCategory = "internal"
)

// DetailDegraded marks an error surfaced while the directory runs on fallback data or
// without its repository.
const DetailDegraded = "degraded"

// DirectoryError is a structured error with context and metadata.
type DirectoryError struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`
	Context  map[string]string      `json:"context,omitempty"`

	Cause     error     `json:"-"`
	Timestamp time.Time `json:"timestamp"`

	Component string `json:"component,omitempty"`
	Operation string `json:"operation,omitempty"`

	Retryable  bool `json:"retryable"`
	UserFacing bool `json:"user_facing"`
	HTTPStatus int  `json:"http_status,omitempty"`
}

// Error implements the error interface.
func (e *DirectoryError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Component != "" {
		if e.Operation != "" {
			msg = fmt.Sprintf("[%s:%s] %s", e.Component, e.Operation, msg)
		} else {
			msg = fmt.Sprintf("[%s] %s", e.Component, msg)
		}
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *DirectoryError) Unwrap() error {
	return e.Cause
}

// Is matches another DirectoryError by code.
func (e *DirectoryError) Is(target error) bool {
	if t, ok := target.(*DirectoryError); ok {
		return e.Code == t.Code
	}
	return false
}

// String returns a detailed representation for logs.
func (e *DirectoryError) String() string {
	parts := []string{
		fmt.Sprintf("Code=%s", e.Code),
		fmt.Sprintf("Category=%s", e.Category),
		fmt.Sprintf("Message=%q", e.Message),
	}
	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if len(e.Details) > 0 {
		details, _ := json.Marshal(e.Details)
		parts = append(parts, fmt.Sprintf("Details=%s", details))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}
	return fmt.Sprintf("DirectoryError{%s}", strings.Join(parts, ", "))
}

// JSON returns the error encoded as JSON.
func (e *DirectoryError) JSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to marshal error: %s"}`, err.Error())
	}
	return string(data)
}

// NewError creates a DirectoryError with defaults derived from the code.
func NewError(code ErrorCode, message string) *DirectoryError {
	return &DirectoryError{
		Code:       code,
		Category:   GetCategory(code),
		Message:    message,
		Timestamp:  time.Now(),
		Details:    make(map[string]interface{}),
		Context:    make(map[string]string),
		Retryable:  IsRetryableByDefault(code),
		UserFacing: IsUserFacingByDefault(code),
		HTTPStatus: GetDefaultHTTPStatus(code),
	}
}

// Wrap creates a DirectoryError with cause attached.
func Wrap(code ErrorCode, message string, cause error) *DirectoryError {
	return NewError(code, message).WithCause(cause)
}

// GetCategory determines the category of a code.
func GetCategory(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeInvalidConfig, ErrCodeConfigLoad:
		return CategoryConfiguration
	case ErrCodeEntityNotFound, ErrCodeServiceUnavailable, ErrCodeNetworkError,
		ErrCodeRepositoryRead, ErrCodeRepositoryWrite, ErrCodeCircuitOpen:
		return CategoryRepository
	case ErrCodeCacheCorrupt, ErrCodeCacheSchema, ErrCodeCacheExpired, ErrCodeCacheIO, ErrCodeSerialization:
		return CategoryCache
	case ErrCodeOperationTimeout, ErrCodeOperationCanceled, ErrCodeAlreadyRunning, ErrCodeValidationFailed:
		return CategoryOperation
	case ErrCodeComponentStopped:
		return CategoryState
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault reports whether a code is transient.
func IsRetryableByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeServiceUnavailable, ErrCodeNetworkError, ErrCodeRepositoryRead, ErrCodeInternalError:
		return true
	}
	return false
}

// IsUserFacingByDefault reports whether a code should reach end users.
func IsUserFacingByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeEntityNotFound, ErrCodeServiceUnavailable, ErrCodeOperationTimeout,
		ErrCodeInvalidConfig, ErrCodeValidationFailed:
		return true
	}
	return false
}

// GetDefaultHTTPStatus maps a code to an HTTP status.
func GetDefaultHTTPStatus(code ErrorCode) int {
	statusMap := map[ErrorCode]int{
		ErrCodeInvalidConfig:      400,
		ErrCodeValidationFailed:   400,
		ErrCodeEntityNotFound:     404,
		ErrCodeAlreadyRunning:     409,
		ErrCodeOperationCanceled:  499,
		ErrCodeServiceUnavailable: 503,
		ErrCodeCircuitOpen:        503,
		ErrCodeNetworkError:       503,
		ErrCodeComponentStopped:   503,
		ErrCodeOperationTimeout:   504,
	}
	if status, ok := statusMap[code]; ok {
		return status
	}
	return 500
}

// WithContext adds a context value.
func (e *DirectoryError) WithContext(key, value string) *DirectoryError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithDetail adds a detail value.
func (e *DirectoryError) WithDetail(key string, value interface{}) *DirectoryError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component.
func (e *DirectoryError) WithComponent(component string) *DirectoryError {
	e.Component = component
	return e
}

// WithOperation sets the operation.
func (e *DirectoryError) WithOperation(operation string) *DirectoryError {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause.
func (e *DirectoryError) WithCause(cause error) *DirectoryError {
	e.Cause = cause
	return e
}

// AsDegraded flags the error as raised in degraded mode.
func (e *DirectoryError) AsDegraded() *DirectoryError {
	return e.WithDetail(DetailDegraded, true)
}

// UserFacingMessage returns a message suitable for end users.
func (e *DirectoryError) UserFacingMessage() string {
	if !e.UserFacing {
		return "An internal error occurred. Please try again later."
	}
	switch e.Code {
	case ErrCodeEntityNotFound:
		return "The requested listing does not exist"
	case ErrCodeServiceUnavailable:
		return "The directory is temporarily unavailable"
	case ErrCodeOperationTimeout:
		return "The request took too long"
	}
	return e.Message
}

// CodeOf returns the code of the first DirectoryError in err's chain. Context errors map to
// timeout and cancel codes.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var de *DirectoryError
	if stderr.As(err, &de) {
		return de.Code
	}
	switch {
	case stderr.Is(err, context.DeadlineExceeded):
		return ErrCodeOperationTimeout
	case stderr.Is(err, context.Canceled):
		return ErrCodeOperationCanceled
	}
	return ErrCodeInternalError
}

// IsNotFound reports whether err means the entity is absent upstream.
func IsNotFound(err error) bool {
	return CodeOf(err) == ErrCodeEntityNotFound
}

// IsUnavailable reports whether err is a transient repository failure.
func IsUnavailable(err error) bool {
	switch CodeOf(err) {
	case ErrCodeServiceUnavailable, ErrCodeNetworkError, ErrCodeCircuitOpen, ErrCodeRepositoryRead:
		return true
	}
	return false
}

// IsTimeout reports whether err is a caller deadline.
func IsTimeout(err error) bool {
	return CodeOf(err) == ErrCodeOperationTimeout
}

// IsCorrupt reports whether err is a durable-store decode failure.
func IsCorrupt(err error) bool {
	return CodeOf(err) == ErrCodeCacheCorrupt
}

// IsDegraded reports whether err was raised in degraded mode.
func IsDegraded(err error) bool {
	var de *DirectoryError
	if !stderr.As(err, &de) {
		return false
	}
	v, ok := de.Details[DetailDegraded].(bool)
	return ok && v
}
