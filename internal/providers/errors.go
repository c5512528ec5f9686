package providers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// SubmissionRejectedError is a non-retryable 4xx rejection.
type SubmissionRejectedError struct {
	StatusCode int
	Message    string
}

func (e *SubmissionRejectedError) Error() string {
	return fmt.Sprintf("submission rejected (status %d): %s", e.StatusCode, e.Message)
}

// TransientError is a network failure or 5xx response. Callers retry with backoff.
type TransientError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: transient error (status %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: transient error: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// MalformedResponseError is a 2xx response whose body could not be parsed.
// It is retried like a transient error.
type MalformedResponseError struct {
	Op   string
	Body string
	Err  error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("%s: malformed response: %v", e.Op, e.Err)
}

func (e *MalformedResponseError) Unwrap() error {
	return e.Err
}

// RateLimitError is a 429 response.
type RateLimitError struct {
	Message    string
	RetryAfter time.Duration
	StatusCode int
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s (retry after %v)", e.Message, e.RetryAfter)
	}
	return e.Message
}

// IsRateLimitError returns the RateLimitError wrapped in err, if any.
func IsRateLimitError(err error) (*RateLimitError, bool) {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle, true
	}
	return nil, false
}

// IsRejected reports whether err is a non-retryable rejection.
func IsRejected(err error) bool {
	var rej *SubmissionRejectedError
	return errors.As(err, &rej)
}

// IsRetryable reports whether err should be retried with backoff.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	var me *MalformedResponseError
	var rle *RateLimitError
	return errors.As(err, &te) || errors.As(err, &me) || errors.As(err, &rle)
}

// classifyStatus maps a non-2xx response to a typed error.
func classifyStatus(op string, resp *http.Response, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitError{
			Message:    fmt.Sprintf("%s: rate limited: %s", op, msg),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			StatusCode: resp.StatusCode,
		}
	case resp.StatusCode >= 500:
		return &TransientError{Op: op, StatusCode: resp.StatusCode, Err: errors.New(msg)}
	default:
		return &SubmissionRejectedError{StatusCode: resp.StatusCode, Message: msg}
	}
}

// parseRetryAfter reads a Retry-After header given in seconds or as an HTTP date.
func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
