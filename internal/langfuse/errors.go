package langfuse

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"time"
)

// Error class constants used for retry decisions and operator-facing logs.
const (
	ErrorClassTimeout    = "timeout"
	ErrorClassConnection = "connection"
	ErrorClassServer     = "server"
	ErrorClassClient     = "client"
	ErrorClassUnknown    = "unknown"
)

// APIError is a non-2xx backend response, carrying the status code and a
// truncated excerpt of the response body.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	if strings.TrimSpace(e.Body) == "" {
		return fmt.Sprintf("langfuse api error (%d)", e.Status)
	}
	return fmt.Sprintf("langfuse api error (%d): %s", e.Status, e.Body)
}

// Retryable reports whether the status is a transient server failure.
func (e *APIError) Retryable() bool {
	switch e.Status {
	case 500, 502, 503:
		return true
	}
	return false
}

// TimeoutError is a per-attempt request timeout. The message names the
// timeout so operators know which knob to tune.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request timed out after %s - try reducing the page size or date range", e.After)
}

func (e *TimeoutError) Timeout() bool { return true }

// Classify maps a client error to one of the defined error classes so logs
// and metrics group on failure categories rather than opaque Go type names.
func Classify(err error) string {
	if err == nil {
		return ErrorClassUnknown
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.Retryable() {
			return ErrorClassServer
		}
		return ErrorClassClient
	}

	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return ErrorClassTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrorClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorClassTimeout
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrorClassConnection
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) {
		return ErrorClassConnection
	}

	// String-based classification for wrapped transport errors where type
	// information is lost.
	msg := strings.ToLower(err.Error())
	switch {
	case isTimeoutString(msg):
		return ErrorClassTimeout
	case isConnectionString(msg):
		return ErrorClassConnection
	}

	return ErrorClassUnknown
}

// retryable reports whether another attempt could plausibly change the
// outcome: transient server failures, timeouts, and transport-level network
// failures. Client errors and malformed responses are terminal.
func retryable(err error) bool {
	switch Classify(err) {
	case ErrorClassServer, ErrorClassTimeout, ErrorClassConnection:
		return true
	}
	return false
}

func isTimeoutString(msg string) bool {
	return strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "timed out") ||
		strings.Contains(msg, "deadline exceeded")
}

func isConnectionString(msg string) bool {
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "network is unreachable") ||
		strings.Contains(msg, "unexpected eof")
}
