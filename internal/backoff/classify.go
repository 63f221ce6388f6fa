package backoff

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"syscall"
	"time"
)

// HTTPStatusError carries an HTTP status and an optional Retry-After hint
// through an error chain so classification can see them.
type HTTPStatusError struct {
	Status int
	Hint   time.Duration // parsed Retry-After; 0 when absent
	Msg    string
}

// NewHTTPStatusError creates an HTTPStatusError for the given status.
func NewHTTPStatusError(status int, msg string) *HTTPStatusError {
	return &HTTPStatusError{Status: status, Msg: msg}
}

// WithHint attaches a parsed Retry-After hint.
func (e *HTTPStatusError) WithHint(d time.Duration) *HTTPStatusError {
	e.Hint = d
	return e
}

func (e *HTTPStatusError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("http status %d", e.Status)
	}
	return fmt.Sprintf("http status %d: %s", e.Status, e.Msg)
}

// retryableStatuses are the status classes worth retrying. Other 4xx are
// caller mistakes and never heal on their own.
var retryableStatuses = map[int]struct{}{
	http.StatusRequestTimeout:      {},
	http.StatusTooManyRequests:     {},
	http.StatusInternalServerError: {},
	http.StatusBadGateway:          {},
	http.StatusServiceUnavailable:  {},
	http.StatusGatewayTimeout:      {},
}

// IsRetryable reports whether the fault is transport-level or a retryable
// HTTP status. Context cancellation is never retryable: the caller asked
// to stop.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var httpErr *HTTPStatusError
	if errors.As(err, &httpErr) {
		_, ok := retryableStatuses[httpErr.Status]
		return ok
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	return errors.Is(err, io.ErrUnexpectedEOF)
}

// RetryAfter extracts a server-provided wait hint from the error chain.
func RetryAfter(err error) (time.Duration, bool) {
	var httpErr *HTTPStatusError
	if errors.As(err, &httpErr) && httpErr.Hint > 0 {
		return httpErr.Hint, true
	}
	return 0, false
}

// ParseRetryAfter parses a Retry-After header value: integer seconds or an
// RFC-1123 date relative to now.
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(value); err == nil {
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}
