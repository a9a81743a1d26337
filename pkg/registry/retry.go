package registry

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
)

// RetryConfig controls the exponential backoff applied to transport-level
// failures and retryable HTTP status codes.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts.
	MaxRetries int

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the backoff.
	MaxDelay time.Duration

	// BackoffMultiplier grows the delay between attempts.
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the retry policy used when none is given.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:        3,
		InitialDelay:      500 * time.Millisecond,
		MaxDelay:          15 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// retryableError marks an error as retryable for the backoff loop.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func markRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// permanentError pins an error as non-retryable even when it smells like a
// transient network failure, e.g. a connection reset while streaming a
// one-shot request body.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func markPermanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// isRetryable reports whether the backoff loop should try again.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}

	// Cancellation is never retried.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var permanent *permanentError
	if errors.As(err, &permanent) {
		return false
	}
	var marked *retryableError
	if errors.As(err, &marked) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary()
	}

	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "unexpected EOF")
}

// isRetryableStatus reports whether an HTTP status code warrants a retry.
func isRetryableStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// retryWithBackoff runs operation until it succeeds, fails permanently, or
// the attempt budget is spent.
func retryWithBackoff(ctx context.Context, config *RetryConfig, operation func() error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var lastErr error
	delay := config.InitialDelay

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		err := operation()
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryable(err) {
			return err
		}
		if attempt == config.MaxRetries {
			break
		}

		if delay > config.MaxDelay {
			delay = config.MaxDelay
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay = time.Duration(float64(delay) * config.BackoffMultiplier)
	}

	return lastErr
}

// AuthenticationError reports a failure to complete the registry
// authentication handshake (malformed challenge, token exchange failure).
type AuthenticationError struct {
	Registry string
	Reason   string
}

func (e *AuthenticationError) Error() string {
	return "authentication failed for registry " + e.Registry + ": " + e.Reason
}

// UnauthorizedError reports that the registry rejected a request as
// unauthorized even after authentication was attempted.
type UnauthorizedError struct {
	Registry   string
	Repository string
}

func (e *UnauthorizedError) Error() string {
	return "unauthorized: " + e.Registry + "/" + e.Repository
}

// UnexpectedBlobDigestError reports that a pulled blob's content digest did
// not match the digest that was requested.
type UnexpectedBlobDigestError struct {
	Requested digest.Digest
	Observed  digest.Digest
}

func (e *UnexpectedBlobDigestError) Error() string {
	return "unexpected blob digest: requested " + e.Requested.String() + ", observed " + e.Observed.String()
}

// Error represents a decoded OCI distribution error response: a non-2xx
// HTTP status whose body carries the `{"errors":[{code,message,detail}]}`
// envelope defined by the distribution spec.
type Error struct {
	StatusCode int
	Method     string
	URL        string
	Errors     []ErrorInfo
}

// ErrorInfo is a single entry in an Error's Errors slice.
type ErrorInfo struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Detail  interface{} `json:"detail,omitempty"`
}

func (e *Error) Error() string {
	msg := e.Method + " " + e.URL + ": " + http.StatusText(e.StatusCode)
	if len(e.Errors) > 0 {
		msg += ": " + e.Errors[0].Code + ": " + e.Errors[0].Message
	}
	return msg
}

// newError decodes a non-2xx registry response body into an *Error.
func newError(statusCode int, method, url string, body []byte) error {
	e := &Error{StatusCode: statusCode, Method: method, URL: url}
	var envelope struct {
		Errors []ErrorInfo `json:"errors"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil {
		e.Errors = envelope.Errors
	}
	return e
}
