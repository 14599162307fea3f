package domain

import "errors"

var (
	// ErrVideoNotFound is returned when a video row does not exist
	ErrVideoNotFound = errors.New("video not found")

	// ErrInvalidPayload is returned when a job message cannot be decoded or is incomplete
	ErrInvalidPayload = errors.New("invalid job payload")

	// ErrUnknownJobKind is returned when a job message carries an unrecognized kind tag
	ErrUnknownJobKind = errors.New("unknown job kind")

	// ErrMaxRetriesExceeded is returned when a job has used up its attempts
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")

	// ErrEnqueueFailed is returned when the video row exists but its jobs could not be queued
	ErrEnqueueFailed = errors.New("failed to enqueue transcode jobs")

	// ErrEmptyUpload is returned for a zero-byte upload
	ErrEmptyUpload = errors.New("upload is empty")

	// ErrInvalidUpload is returned when upload metadata is missing or malformed
	ErrInvalidUpload = errors.New("invalid upload")

	// ErrInvalidTransition is returned when a status change would leave a terminal state
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrInvalidVisibility is returned for an unknown visibility value
	ErrInvalidVisibility = errors.New("invalid visibility")
)

// RetryableError wraps transient errors that should trigger a redelivery
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err, or anything it wraps, is a RetryableError
func IsRetryable(err error) bool {
	var retryable *RetryableError
	return errors.As(err, &retryable)
}
