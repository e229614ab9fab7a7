package fetcher

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// FailureKind classifies a failed fetch.
type FailureKind string

const (
	KindNotFound    FailureKind = "not_found"
	KindRateLimited FailureKind = "rate_limited"
	KindTimeout     FailureKind = "timeout"
	KindUnexpected  FailureKind = "unexpected"
)

var (
	ErrNotFound    = errors.New("page not found")
	ErrRateLimited = errors.New("rate limited by remote site")
	ErrTimeout     = errors.New("request timed out")
	ErrUnexpected  = errors.New("unexpected fetch failure")
)

// FetchError describes a failed single-attempt fetch.
type FetchError struct {
	URL        string
	StatusCode int
	Kind       FailureKind
	RetryAfter time.Duration
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: %s (status %d)", e.URL, e.Kind, e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s", e.URL, e.Kind)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the failure kind.
func (e *FetchError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrRateLimited:
		return e.Kind == KindRateLimited
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrUnexpected:
		return e.Kind == KindUnexpected
	}
	return false
}

// StatusError maps a non-200 response status to its failure kind.
func StatusError(url string, status int, header http.Header) *FetchError {
	fe := &FetchError{URL: url, StatusCode: status}
	switch status {
	case http.StatusNotFound:
		fe.Kind = KindNotFound
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		fe.Kind = KindRateLimited
		if header != nil {
			fe.RetryAfter = parseRetryAfter(header.Get("Retry-After"))
		}
	default:
		fe.Kind = KindUnexpected
	}
	return fe
}

// StatusOf returns the HTTP status carried by err, or zero.
func StatusOf(err error) int {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.StatusCode
	}
	return 0
}

// RetryAfterOf returns the server supplied retry hint carried by err, or zero.
func RetryAfterOf(err error) time.Duration {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.RetryAfter
	}
	return 0
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
