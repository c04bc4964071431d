package resilience

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
)

// Class buckets a failure by what the caller should do next.
type Class int

const (
	// ClassNone is the class of a nil error.
	ClassNone Class = iota
	// ClassTransient failures are retried within the same step.
	ClassTransient
	// ClassFatal failures end the step immediately.
	ClassFatal
	// ClassTimeout means a deadline expired.
	ClassTimeout
	// ClassCancelled means the caller went away.
	ClassCancelled
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassTransient:
		return "transient"
	case ClassFatal:
		return "fatal"
	case ClassTimeout:
		return "timeout"
	case ClassCancelled:
		return "cancelled"
	}
	return "unknown"
}

// UpstreamError is a failure reported by a data source or model API.
type UpstreamError struct {
	Source    string
	Status    int
	Retryable bool
	Err       error
}

func (e *UpstreamError) Error() string { return e.Err.Error() }

func (e *UpstreamError) Unwrap() error { return e.Err }

// Upstream wraps err from source. Whether it is retryable follows the HTTP
// status; a zero status is treated as a transport failure and retried.
func Upstream(source string, status int, err error) *UpstreamError {
	return &UpstreamError{
		Source:    source,
		Status:    status,
		Retryable: status == 0 || RetryableStatus(status),
		Err:       err,
	}
}

// Transient marks err as retryable regardless of where it came from.
func Transient(err error) *UpstreamError {
	return &UpstreamError{Retryable: true, Err: err}
}

// Classify decides how a failure should be handled. Context errors win over
// anything they wrap, and an open circuit is never retried.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, context.Canceled):
		return ClassCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	case errors.Is(err, ErrCircuitOpen):
		return ClassFatal
	}

	var ue *UpstreamError
	if errors.As(err, &ue) {
		if ue.Retryable {
			return ClassTransient
		}
		return ClassFatal
	}
	if isNetworkBlip(err) {
		return ClassTransient
	}
	return ClassFatal
}

// IsTransient reports whether err is worth another attempt.
func IsTransient(err error) bool {
	return Classify(err) == ClassTransient
}

func isNetworkBlip(err error) bool {
	if errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTimeout || dnsErr.IsTemporary
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// RetryableStatus reports whether an upstream HTTP status is worth retrying.
func RetryableStatus(code int) bool {
	return code == 408 || code == 425 || code == 429 || (code >= 500 && code != 501)
}
