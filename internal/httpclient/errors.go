package httpclient

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNetworkExhausted is matched by every error returned after the attempt
// budget is used up.
var ErrNetworkExhausted = errors.New("network exhausted")

// NetworkExhaustedError reports that all attempts failed. Last is the failure
// of the final attempt.
type NetworkExhaustedError struct {
	URL      string
	Attempts int
	Last     error
}

func (e *NetworkExhaustedError) Error() string {
	return fmt.Sprintf("network exhausted after %d attempts for %s: %v", e.Attempts, e.URL, e.Last)
}

func (e *NetworkExhaustedError) Unwrap() []error {
	return []error{ErrNetworkExhausted, e.Last}
}

// RateLimitedError is returned for HTTP 429 responses.
type RateLimitedError struct {
	RetryAfter string
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter != "" {
		return "rate_limited: retry after " + e.RetryAfter
	}
	return "rate_limited"
}

// StatusError is any other non-2xx response.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status: %s", e.Status)
}

// TimeoutError indicates the attempt timed out.
type TimeoutError struct {
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Errorf("timeout: %w", e.Err).Error()
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// ConnectionError indicates a transport level failure.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Errorf("connection: %w", e.Err).Error()
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// IsRateLimited reports whether err carries a 429 response.
func IsRateLimited(err error) bool {
	var rl *RateLimitedError
	return errors.As(err, &rl)
}

func errorTypeLabel(err error) string {
	if err == nil {
		return "unknown"
	}
	var timeout *TimeoutError
	if errors.As(err, &timeout) {
		return "timeout"
	}
	var conn *ConnectionError
	if errors.As(err, &conn) {
		return "connection"
	}
	if IsRateLimited(err) {
		return "rate_limited"
	}
	var status *StatusError
	if errors.As(err, &status) {
		switch {
		case status.StatusCode == 403:
			return "forbidden"
		case status.StatusCode == 404:
			return "not_found"
		case status.StatusCode >= 500:
			return "server_error"
		}
		return "status"
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "cancelled"
	}
	return "other"
}

func durationLabel(d time.Duration) string {
	return d.Round(time.Millisecond).String()
}
