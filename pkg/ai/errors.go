// Package ai provides shared types for speech and language provider adapters:
// the error taxonomy that drives session retry policy.
package ai

import "errors"

var (
	// ErrRecoverable marks a temporary provider failure (network blip, 5xx,
	// rate limit). The session retries the operation at most once within the
	// same turn before falling back to a canned utterance.
	ErrRecoverable = errors.New("recoverable provider error")

	// ErrFatal marks a permanent provider failure (bad credentials, quota
	// exhausted, unsupported request). The session aborts the turn and begins
	// teardown.
	ErrFatal = errors.New("fatal provider error")
)

// IsRecoverable reports whether err should be retried once.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrRecoverable)
}

// IsFatal reports whether err must end the session.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}

// ProviderError wraps an underlying provider error with its classification.
type ProviderError struct {
	Underlying error
	Retryable  bool
	Message    string
}

func (e *ProviderError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Underlying != nil {
		return e.Underlying.Error()
	}
	return "provider error"
}

func (e *ProviderError) Unwrap() error {
	if e.Retryable {
		return ErrRecoverable
	}
	return ErrFatal
}

// Recoverable wraps err as a retryable provider error.
func Recoverable(err error, message string) error {
	return &ProviderError{Underlying: err, Retryable: true, Message: message}
}

// Fatal wraps err as a non-retryable provider error.
func Fatal(err error, message string) error {
	return &ProviderError{Underlying: err, Retryable: false, Message: message}
}
