package monitor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrStopped is returned by a fetch layer that has been stopped.
var ErrStopped = errors.New("fetch layer stopped")

// ErrDisallowed marks a URL the site's robots.txt forbids fetching.
var ErrDisallowed = errors.New("disallowed by robots.txt")

// ErrInvalidURL marks a URL that cannot be parsed into an origin.
var ErrInvalidURL = errors.New("invalid url")

// FetchError describes a failed page retrieval: timeout, terminal HTTP status,
// or transport failure.
type FetchError struct {
	URL string
	// StatusCode is zero when no response was received.
	StatusCode int
	Message    string
	Err        error
}

func (e *FetchError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("fetch %s: status %d: %s", e.URL, e.StatusCode, e.Message)
	default:
		return fmt.Sprintf("fetch %s: %s", e.URL, e.Message)
	}
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the failure was caused by a deadline.
func (e *FetchError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(e.Err, &netErr) && netErr.Timeout()
}

// Retryable reports whether a caller may reasonably try again.
func (e *FetchError) Retryable() bool {
	if errors.Is(e.Err, context.Canceled) || errors.Is(e.Err, ErrStopped) || errors.Is(e.Err, ErrDisallowed) ||
		errors.Is(e.Err, ErrInvalidURL) {
		return false
	}
	switch {
	case e.StatusCode == 0:
		return true
	case e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= 500:
		return true
	default:
		return false
	}
}

// NewFetchError wraps err for rawURL. A nil err yields a status-only error.
func NewFetchError(rawURL string, statusCode int, err error) *FetchError {
	msg := http.StatusText(statusCode)
	if err != nil {
		msg = err.Error()
	}
	if msg == "" {
		msg = "fetch failed"
	}
	return &FetchError{URL: rawURL, StatusCode: statusCode, Message: msg, Err: err}
}

// PersistenceError wraps a failed store write.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// NotifyError wraps a transport failure from the injected notifier.
type NotifyError struct {
	Recipient string
	Err       error
}

func (e *NotifyError) Error() string {
	return fmt.Sprintf("notify %s: %v", e.Recipient, e.Err)
}

func (e *NotifyError) Unwrap() error {
	return e.Err
}
