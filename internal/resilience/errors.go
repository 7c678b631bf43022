package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// Error classes reported by ClassifyError.
const (
	ClassNetwork     = "network"
	ClassDecode      = "decode"
	ClassCircuitOpen = "circuit_open"
	ClassCancelled   = "cancelled"
	ClassOther       = "other"
)

// StatusError reports a non-2xx response from a registry endpoint.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d from %s", e.StatusCode, e.URL)
}

// Transient reports whether the status is a server-side or throttling
// condition. Other 4xx statuses are permanent.
func (e *StatusError) Transient() bool {
	return IsTransientHTTPStatus(e.StatusCode)
}

// DecodeError reports a response body that is not the expected JSON or XML.
type DecodeError struct {
	URL string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode response from %s: %v", e.URL, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// NewDecodeError wraps err as a decode failure for the response of url.
func NewDecodeError(url string, err error) *DecodeError {
	return &DecodeError{URL: url, Err: err}
}

// TransientError marks a transport failure that is safe to retry.
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps err as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

var transientPatterns = []string{
	"connection reset by peer",
	"broken pipe",
	"temporary failure in name resolution",
	"no such host",
	"tls handshake timeout",
	"i/o timeout",
	"server closed idle connection",
	"unexpected eof",
}

// IsTransient reports whether err is worth retrying: a transient status, an
// explicit TransientError, a network timeout or a dropped connection. Decode
// failures are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var de *DecodeError
	if errors.As(err, &de) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Transient()
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// IsTransientHTTPStatus reports whether a status code is retryable: request
// timeout, throttling or a server/gateway error.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// HTTPStatus returns the status code carried by err, or 0.
func HTTPStatus(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

// ClassifyError names the failure class of a fetch error for logs: "http_<code>"
// for status errors, then decode, circuit_open, cancelled, network or other.
func ClassifyError(err error) string {
	if err == nil {
		return ""
	}
	if code := HTTPStatus(err); code != 0 {
		return fmt.Sprintf("http_%d", code)
	}
	var de *DecodeError
	switch {
	case errors.As(err, &de):
		return ClassDecode
	case errors.Is(err, ErrCircuitOpen):
		return ClassCircuitOpen
	case errors.Is(err, context.Canceled):
		return ClassCancelled
	case IsTransient(err):
		return ClassNetwork
	}
	return ClassOther
}
