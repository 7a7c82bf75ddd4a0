package client

import (
	"errors"
	"fmt"
	"time"
)

// Error codes returned by the remote service in {"error":{"code":...}} bodies.
const (
	CodeAuthenticationRequired = "AUTHENTICATION_REQUIRED"
	CodeNoMembership           = "NO_MEMBERSHIP"
	CodeInsufficientCredits    = "INSUFFICIENT_CREDITS"
	CodeFileTooLarge           = "FILE_TOO_LARGE"
	CodeUnsupportedFormat      = "UNSUPPORTED_FORMAT"
	CodeConversionFailed       = "CONVERSION_FAILED"
	CodeRateLimited            = "RATE_LIMITED"
	CodeJobNotFound            = "JOB_NOT_FOUND"
)

var (
	// ErrAuthenticationFailed is returned on 401 responses. It is fatal and
	// never retried.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrJobNotFound is returned when the remote side does not know the job
	// id. It is distinct from a transient transport failure and must not be
	// retried as one.
	ErrJobNotFound = errors.New("job not found")

	// ErrAlreadyTerminal is returned by Cancel when the job already reached
	// a terminal status. It signals "already done", not a failed request.
	ErrAlreadyTerminal = errors.New("job already in a terminal state")

	// ErrAlreadyDeleted is returned by Delete when the stored artifact was
	// removed by an earlier call.
	ErrAlreadyDeleted = errors.New("job artifact already deleted")

	// ErrWaitTimeout is returned by Wait when the deadline elapses while the
	// job is still non-terminal. The caller may wait again.
	ErrWaitTimeout = errors.New("wait deadline elapsed before a terminal status")

	// ErrSizeExceeded is returned when a file is larger than the service's
	// 2GB upload cap.
	ErrSizeExceeded = errors.New("file size exceeds the 2GB upload limit")

	// ErrDirectUploadTooLarge is returned when a file is too big for a
	// single-request conversion and must go through a chunked upload session.
	ErrDirectUploadTooLarge = errors.New("file exceeds the 50MB direct upload limit, use a chunked upload session")

	// ErrPartsIncomplete is returned by Complete while the session still has
	// unacknowledged parts.
	ErrPartsIncomplete = errors.New("upload session has unacknowledged parts")
)

// TransportError wraps a network-level failure that survived the retry
// policy (or was not eligible for retry).
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// RateLimitedError is returned when the service responds with HTTP 429 and
// the retry budget is exhausted. Callers should back off and try again.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

// RemoteError is an error payload surfaced verbatim from the service.
type RemoteError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *RemoteError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("remote error: %s", e.Message)
	}
	return fmt.Sprintf("remote error %s: %s", e.Code, e.Message)
}

// NotReadyError is returned by Download while the job has not completed.
type NotReadyError struct {
	Status JobStatus
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("result not ready: job is %s", e.Status)
}
