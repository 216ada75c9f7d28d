// Package apperr defines the error kinds shared by the sync client.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrRenewalExpired means the renewal credential is missing or was rejected.
// The user has to authenticate again; retrying cannot help.
var ErrRenewalExpired = errors.New("renewal credential expired")

// HTTPError is a non-2xx response from the remote server.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	if e.Message != "" {
		return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("http %d", e.StatusCode)
}

// Status returns the HTTP status carried by the error.
func (e *HTTPError) Status() int {
	return e.StatusCode
}

type statusCarrier interface {
	Status() int
}

// StatusCode extracts an HTTP-like status from err, or 0 when there is none.
func StatusCode(err error) int {
	var sc statusCarrier
	if errors.As(err, &sc) {
		return sc.Status()
	}
	return 0
}

// IsRetryable reports whether a failed call is worth repeating.
// 408, 429 and 5xx are retryable, any other 4xx is not. Errors without a
// status (transport failures, per-attempt timeouts) are retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRenewalExpired) || errors.Is(err, context.Canceled) {
		return false
	}
	code := StatusCode(err)
	switch {
	case code == 0:
		return true
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return true
	case code >= 500 && code <= 599:
		return true
	default:
		return false
	}
}

// IsUnauthorized reports whether err is a 401 response.
func IsUnauthorized(err error) bool {
	return StatusCode(err) == http.StatusUnauthorized
}

// IsTerminal reports whether err is a request the server refused outright
// (a 4xx other than 408 and 429).
func IsTerminal(err error) bool {
	code := StatusCode(err)
	return code >= 400 && code <= 499 && !IsRetryable(err)
}
