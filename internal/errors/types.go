// Package errors defines the error taxonomy shared by the gateway, agent
// runtime, and orchestrator, plus the transient/permanent classification used
// by retry logic.
package errors

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// ValidationError reports malformed input. It is never retried and surfaces
// immediately to the caller.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// NewValidationError creates a ValidationError for the given field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// RateLimitError reports an HTTP 429-equivalent response. It is retried with
// backoff and eventually triggers model fallback.
type RateLimitError struct {
	Err        error
	RetryAfter int // Seconds from the Retry-After header, 0 when absent
	Message    string
}

func (e *RateLimitError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("rate limited: %v", e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// NewRateLimitError creates a RateLimitError with an optional Retry-After hint.
func NewRateLimitError(err error, retryAfter int) *RateLimitError {
	return &RateLimitError{Err: err, RetryAfter: retryAfter}
}

// NetworkError reports a transport failure or timeout. Retried up to the
// configured attempt budget.
type NetworkError struct {
	Err     error
	Message string
}

func (e *NetworkError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("network error: %v", e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// NewNetworkError wraps a transport failure.
func NewNetworkError(err error, message string) *NetworkError {
	return &NetworkError{Err: err, Message: message}
}

// ModelError reports that every model in the fallback chain was exhausted.
// Terminal for the gateway call that raised it.
type ModelError struct {
	Models []string // Models attempted, in order
	Err    error    // Last per-model failure
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("all models exhausted (%s): %v", strings.Join(e.Models, ", "), e.Err)
}

func (e *ModelError) Unwrap() error { return e.Err }

// NewModelError records an exhausted fallback chain.
func NewModelError(models []string, last error) *ModelError {
	return &ModelError{Models: models, Err: last}
}

// CompressionOverflowError reports that a token budget is unreachable even
// after maximal compression. Never retried.
type CompressionOverflowError struct {
	TargetTokens  int
	MinimumTokens int
}

func (e *CompressionOverflowError) Error() string {
	return fmt.Sprintf("compression target %d tokens unreachable: minimum preservable set is %d tokens",
		e.TargetTokens, e.MinimumTokens)
}

// NewCompressionOverflowError records an unreachable compression target.
func NewCompressionOverflowError(target, minimum int) *CompressionOverflowError {
	return &CompressionOverflowError{TargetTokens: target, MinimumTokens: minimum}
}

// TaskExecutionError reports an otherwise-uncaught failure inside task
// execution, caught at the orchestrator boundary. Step names the phase that
// failed so user-visible errors stay actionable.
type TaskExecutionError struct {
	TaskID string
	Step   string
	Err    error
}

func (e *TaskExecutionError) Error() string {
	return fmt.Sprintf("task %s failed at step %q: %v", e.TaskID, e.Step, e.Err)
}

func (e *TaskExecutionError) Unwrap() error { return e.Err }

// NewTaskExecutionError wraps a task step failure.
func NewTaskExecutionError(taskID, step string, err error) *TaskExecutionError {
	return &TaskExecutionError{TaskID: taskID, Step: step, Err: err}
}

// NotFoundError reports an unknown identifier on status or cancel queries.
type NotFoundError struct {
	Kind string // e.g. "task"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// NewNotFoundError records an unknown identifier lookup.
func NewNotFoundError(kind, id string) *NotFoundError {
	return &NotFoundError{Kind: kind, ID: id}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsRateLimit reports whether err is (or wraps) a RateLimitError.
func IsRateLimit(err error) bool {
	var target *RateLimitError
	return errors.As(err, &target)
}

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// IsCompressionOverflow reports whether err is (or wraps) a CompressionOverflowError.
func IsCompressionOverflow(err error) bool {
	var target *CompressionOverflowError
	return errors.As(err, &target)
}

// IsTransient reports whether an error may succeed on retry. Rate limits and
// network failures are transient; validation and overflow errors never are.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if IsValidation(err) || IsCompressionOverflow(err) || IsNotFound(err) {
		return false
	}
	if IsRateLimit(err) {
		return true
	}

	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return true
	}

	if isWireNetworkError(err) {
		return true
	}

	if statusCode := HTTPStatusCode(err); statusCode > 0 {
		return isTransientHTTPStatus(statusCode)
	}

	// Default to permanent to avoid infinite retries.
	return false
}

// ClassifyHTTPStatus converts an HTTP status code into the matching taxonomy
// error, wrapping cause. Status codes without a dedicated type map to a
// NetworkError for 5xx and a plain error otherwise.
func ClassifyHTTPStatus(statusCode int, retryAfter int, cause error) error {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return &RateLimitError{Err: cause, RetryAfter: retryAfter}
	case statusCode == http.StatusBadRequest || statusCode == http.StatusUnprocessableEntity:
		return &ValidationError{Message: cause.Error()}
	case statusCode >= 500:
		return &NetworkError{Err: cause, Message: fmt.Sprintf("upstream error (%d)", statusCode)}
	default:
		return cause
	}
}

// HTTPStatusError represents an HTTP error with status code.
type HTTPStatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Status)
}

// NewHTTPStatusError creates an HTTP status error.
func NewHTTPStatusError(statusCode int, status, body string) error {
	return &HTTPStatusError{StatusCode: statusCode, Status: status, Body: body}
}

// HTTPStatusCode extracts the status code from an HTTPStatusError chain, or 0.
func HTTPStatusCode(err error) int {
	var httpErr *HTTPStatusError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}
	return 0
}

func isWireNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary()
	}

	var syscallErr syscall.Errno
	if errors.As(err, &syscallErr) {
		switch syscallErr {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.EPIPE,
			syscall.ETIMEDOUT, syscall.ENETUNREACH, syscall.EHOSTUNREACH:
			return true
		}
	}

	errStr := strings.ToLower(err.Error())
	networkPatterns := []string{
		"connection refused",
		"timeout",
		"deadline exceeded",
		"connection reset",
		"broken pipe",
	}
	for _, pattern := range networkPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

func isTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests, // 429
		http.StatusInternalServerError, // 500
		http.StatusBadGateway,          // 502
		http.StatusServiceUnavailable,  // 503
		http.StatusGatewayTimeout:      // 504
		return true
	}
	return false
}
