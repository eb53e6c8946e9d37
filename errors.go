package kelana

import (
	"errors"
	"fmt"
	"time"
)

// Error type identifiers carried by ClientError.Type.
const (
	// ErrorTypeNetwork marks failures where no response was received at all.
	ErrorTypeNetwork = "NetworkError"
	// ErrorTypeTimeout marks requests that exceeded a deadline.
	ErrorTypeTimeout = "TimeoutError"
	// ErrorTypeCancel marks cooperative cancellation (caller context, queue cancel).
	ErrorTypeCancel = "CancelError"
	// ErrorTypeQueueFull marks admissions rejected because the wait queue is saturated.
	ErrorTypeQueueFull = "QueueFullError"
	// ErrorTypeHTTPStatus marks responses received with a failure status code.
	ErrorTypeHTTPStatus = "HttpStatusError"
	// ErrorTypeValidation marks invalid client configuration.
	ErrorTypeValidation = "ValidationError"
)

// Sentinel errors for common failure scenarios
var (
	// ErrQueueFull is returned when the scheduler wait queue is saturated.
	ErrQueueFull = errors.New("kelana: queue full")

	// ErrQueueCancelled is the default reason used by CancelQueue.
	ErrQueueCancelled = errors.New("kelana: queue cancelled")
)

// ClientError is the structured error produced by the request execution core.
type ClientError struct {
	Type       string
	Message    string
	Cause      error
	RequestID  string
	Method     string
	URL        string
	Attempt    int
	MaxRetries int
	Timestamp  time.Time
	Duration   time.Duration
	StatusCode int
	Endpoint   string
}

// Error implements error interface.
func (e *ClientError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.Cause != nil {
		msg = fmt.Sprintf("%s (%v)", msg, e.Cause)
	}
	if e.RequestID != "" {
		msg = fmt.Sprintf("[%s] %s", e.RequestID, msg)
	}
	if e.Attempt > 0 {
		msg = fmt.Sprintf("%s (attempt %d/%d)", msg, e.Attempt, e.MaxRetries)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *ClientError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is compares error types for errors.Is.
func (e *ClientError) Is(target error) bool {
	if e == nil {
		return false
	}
	if targetErr, ok := target.(*ClientError); ok {
		return e.Type == targetErr.Type
	}
	return false
}

// IsTransient determines if an error represents a transient failure that might
// succeed on retry. Returns true for network errors, timeouts and 5xx status
// errors. QueueFull and Cancel errors are terminal: admission rejections and
// cooperative cancellations are never retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		switch clientErr.Type {
		case ErrorTypeNetwork, ErrorTypeTimeout:
			return true
		case ErrorTypeHTTPStatus:
			return clientErr.StatusCode == 429 || clientErr.StatusCode >= 500
		default:
			return false
		}
	}

	return false
}

// DebugInfo renders a multi-line string with diagnostic context.
func (e *ClientError) DebugInfo() string {
	if e == nil {
		return "Error: <nil>"
	}
	info := fmt.Sprintf("Error Type: %s\n", e.Type)
	info += fmt.Sprintf("Message: %s\n", e.Message)
	if e.RequestID != "" {
		info += fmt.Sprintf("Request ID: %s\n", e.RequestID)
	}
	if e.Method != "" {
		info += fmt.Sprintf("Method: %s\n", e.Method)
	}
	if e.URL != "" {
		info += fmt.Sprintf("URL: %s\n", e.URL)
	}
	if e.Endpoint != "" {
		info += fmt.Sprintf("Endpoint: %s\n", e.Endpoint)
	}
	if e.StatusCode > 0 {
		info += fmt.Sprintf("Status Code: %d\n", e.StatusCode)
	}
	if e.Attempt > 0 {
		info += fmt.Sprintf("Attempt: %d/%d\n", e.Attempt, e.MaxRetries)
	}
	if !e.Timestamp.IsZero() {
		info += fmt.Sprintf("Timestamp: %s\n", e.Timestamp.Format(time.RFC3339))
	}
	if e.Duration > 0 {
		info += fmt.Sprintf("Duration: %v\n", e.Duration)
	}
	if e.Cause != nil {
		info += fmt.Sprintf("Cause: %v\n", e.Cause)
	}
	return info
}
