package pipeline

import (
	"errors"
	"fmt"
)

// ErrNoApplicableJob is reported when no registered job claims an upload.
var ErrNoApplicableJob = errors.New("audiopipe: no applicable processing job")

// PermanentError marks a failure that retrying cannot fix, such as an
// unsupported or corrupt input. The retry ladder writes it straight to
// FAILED.
type PermanentError struct {
	err error
}

func (e *PermanentError) Error() string { return e.err.Error() }
func (e *PermanentError) Unwrap() error { return e.err }

// Permanent wraps err so IsRetryable reports false for it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{err: err}
}

// Permanentf is Permanent with formatting.
func Permanentf(format string, args ...any) error {
	return &PermanentError{err: fmt.Errorf(format, args...)}
}

// IsRetryable reports whether the retry ladder should re-queue the failure.
// Unclassified errors count as retryable: downstream hiccups are far more
// common than corrupt inputs, and the ladder is bounded anyway.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var perm *PermanentError
	return !errors.As(err, &perm)
}
