// Package errors provides structured error handling for Polaris with rich context,
// stack traces, and error categorization. It enables consistent error handling
// patterns across the entire codebase.
//
// # Overview
//
// The errors package extends Go's standard error handling with:
//   - Error categorization through ErrorType
//   - Structured context with key-value details
//   - Automatic stack trace capture
//   - Error wrapping with cause preservation
//   - Retryability detection
//
// # Basic Usage
//
//	// Create a new error
//	err := errors.New(errors.ErrorTypeConfig, "project id is required")
//
//	// Add context
//	err = err.WithDetail("key", "DATABASE_URL").
//	         WithDetail("source", "secret_store")
//
//	// Wrap existing errors
//	if err := client.Login(ctx); err != nil {
//	    return errors.Wrap(err, errors.ErrorTypeInitialization, "secret store login failed").
//	        WithDetail("base_url", cfg.BaseURL)
//	}
//
// # Error Types
//
// Errors are categorized by type, which helps with:
//   - Error handling strategies (retry logic, fallback decisions)
//   - Monitoring and alerting
//   - Debugging and troubleshooting
//
// The resolution engine distinguishes four error kinds: initialization errors
// (swallowed at the resolver boundary and converted to degraded mode), fetch
// errors (treated as "this source is empty" unless fallback is disabled),
// invalid response errors (malformed batch payloads, degraded to per-key
// fetches), and readiness timeouts (thrown by the bounded wait itself but
// treated as non-fatal by its caller).
package errors

import (
	"errors"
	"fmt"
	"runtime"
)

// ErrorType represents the category of error, used for error handling strategies
// and monitoring.
type ErrorType string

const (
	// ErrorTypeInternal represents internal system errors
	ErrorTypeInternal ErrorType = "internal"
	// ErrorTypeConfig represents configuration errors
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeConnection represents connection errors
	ErrorTypeConnection ErrorType = "connection"
	// ErrorTypeAuthentication represents authentication errors
	ErrorTypeAuthentication ErrorType = "authentication"
	// ErrorTypeTimeout represents timeout errors
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeRateLimit represents rate limit errors
	ErrorTypeRateLimit ErrorType = "rate_limit"
	// ErrorTypeNotFound represents resource not found errors
	ErrorTypeNotFound ErrorType = "not_found"
	// ErrorTypeInitialization represents backend client setup failures
	ErrorTypeInitialization ErrorType = "initialization"
	// ErrorTypeFetch represents per-lookup backend call failures after a
	// successful initialization
	ErrorTypeFetch ErrorType = "fetch"
	// ErrorTypeInvalidResponse represents malformed backend responses
	ErrorTypeInvalidResponse ErrorType = "invalid_response"
	// ErrorTypeReadinessTimeout represents a bounded readiness wait that
	// exceeded its deadline
	ErrorTypeReadinessTimeout ErrorType = "readiness_timeout"
)

// Error represents a structured error with context, providing rich debugging
// information and enabling sophisticated error handling strategies.
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Details map[string]interface{}
	Stack   []StackFrame
}

// StackFrame represents a single frame in the call stack, capturing
// the function name, file path, and line number for debugging.
type StackFrame struct {
	Function string // Fully qualified function name
	File     string // Source file path
	Line     int    // Line number in source file
}

// Error implements the error interface, returning a formatted error message
// that includes the error type, message, and cause (if present).
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error, enabling compatibility with errors.Is
// and errors.As for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail adds a key-value detail to the error, providing additional context
// for debugging and monitoring. This method can be chained for adding multiple details.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new error with the given type and message, automatically
// capturing the call stack at the point of creation.
func New(errType ErrorType, message string) *Error {
	return &Error{
		Type:    errType,
		Message: message,
		Stack:   captureStack(2),
	}
}

// Wrap wraps an existing error with additional context, preserving the original
// error as the cause. If the error is already a structured Error, its stack
// trace is preserved. Returns nil if the input error is nil.
func Wrap(err error, errType ErrorType, message string) *Error {
	if err == nil {
		return nil
	}

	// If already our error type, preserve the stack
	var existingErr *Error
	if errors.As(err, &existingErr) {
		return &Error{
			Type:    errType,
			Message: message,
			Cause:   err,
			Stack:   existingErr.Stack,
		}
	}

	return &Error{
		Type:    errType,
		Message: message,
		Cause:   err,
		Stack:   captureStack(2),
	}
}

// IsRetryable returns true if the error is retryable based on its type.
// Rate limit, timeout, connection, and fetch errors are considered retryable;
// a fresh attempt against the same backend may succeed. Initialization and
// configuration errors are not: the resolver converts them to degraded mode
// instead of retrying.
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}

	switch e.Type {
	case ErrorTypeRateLimit, ErrorTypeTimeout, ErrorTypeConnection, ErrorTypeFetch:
		return true
	default:
		return false
	}
}

// IsType checks if the error is of the given type, useful for error handling
// strategies and conditional logic based on error categories.
//
// Example:
//
//	if errors.IsType(err, errors.ErrorTypeReadinessTimeout) {
//	    // Non-fatal: proceed in degraded mode
//	}
func IsType(err error, errType ErrorType) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Type == errType
}

// captureStack captures the current call stack up to maxFrames deep,
// skipping the specified number of frames from the top. This is used
// internally to record the call stack at error creation points.
func captureStack(skip int) []StackFrame {
	const maxFrames = 32
	frames := make([]StackFrame, 0, maxFrames)

	for i := skip; i < maxFrames+skip; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}

		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}

		frames = append(frames, StackFrame{
			Function: fn.Name(),
			File:     file,
			Line:     line,
		})
	}

	return frames
}
