package provider

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Error is the unified error interface returned by provider adapters.
type Error interface {
	error
	Provider() string
	StatusCode() int
	Retryable() bool
	RetryAfter() *time.Duration
}

type errorBase struct {
	provider   string
	statusCode int
	message    string
	retryable  bool
	retryAfter *time.Duration
}

func (e *errorBase) Error() string {
	msg := strings.TrimSpace(e.message)
	if msg == "" {
		msg = "request failed"
	}
	if e.statusCode == 0 {
		return fmt.Sprintf("%s error: %s", e.provider, msg)
	}
	return fmt.Sprintf("%s error (status=%d): %s", e.provider, e.statusCode, msg)
}
func (e *errorBase) Provider() string           { return e.provider }
func (e *errorBase) StatusCode() int            { return e.statusCode }
func (e *errorBase) Retryable() bool            { return e.retryable }
func (e *errorBase) RetryAfter() *time.Duration { return e.retryAfter }

// RateLimitError: HTTP 429 or a provider-signaled throttle. Retryable.
type RateLimitError struct{ errorBase }

// ServerError: 5xx. Retryable.
type ServerError struct{ errorBase }

// TransportError: network failures and response-decode failures. Retryable.
type TransportError struct{ errorBase }

// InvalidRequestError: 4xx other than 429. Fatal for the job.
type InvalidRequestError struct{ errorBase }

// SchemaError: the response parsed but did not carry image data. Fatal.
type SchemaError struct{ errorBase }

// UnknownHTTPError: anything else non-2xx. Retryable by default.
type UnknownHTTPError struct{ errorBase }

// ErrorFromHTTPStatus classifies a non-2xx response. bodySnippet should be a
// truncated copy of the response body for diagnostics.
func ErrorFromHTTPStatus(provider string, statusCode int, bodySnippet string, retryAfter *time.Duration) error {
	base := errorBase{
		provider:   strings.TrimSpace(provider),
		statusCode: statusCode,
		message:    bodySnippet,
		retryAfter: retryAfter,
	}
	switch {
	case statusCode == http.StatusTooManyRequests:
		base.retryable = true
		return &RateLimitError{base}
	case statusCode >= 400 && statusCode < 500:
		base.retryable = false
		return &InvalidRequestError{base}
	case statusCode >= 500 && statusCode < 600:
		base.retryable = true
		return &ServerError{base}
	default:
		base.retryable = true
		return &UnknownHTTPError{base}
	}
}

// NewTransportError wraps a network or decode failure. Retryable.
func NewTransportError(provider, message string) error {
	return &TransportError{errorBase{provider: strings.TrimSpace(provider), message: message, retryable: true}}
}

// NewSchemaError flags a well-formed response with missing or unusable data.
func NewSchemaError(provider, message string) error {
	return &SchemaError{errorBase{provider: strings.TrimSpace(provider), message: message}}
}

// Retryable reports whether the orchestrator should retry after err.
// Errors outside the provider hierarchy are not retried.
func Retryable(err error) bool {
	var pe Error
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	return false
}

// ParseRetryAfter parses a Retry-After header value: integer seconds or an
// HTTP-date (RFC 7231).
func ParseRetryAfter(v string, now time.Time) *time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		d := time.Duration(secs) * time.Second
		return &d
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return &d
	}
	return nil
}

// Snippet truncates a response body for inclusion in error messages.
func Snippet(b []byte) string {
	const max = 200
	s := strings.TrimSpace(string(b))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
