package scheduler

import (
	"encoding/json"
	"errors"

	"github.com/xiaot623/gogo/internal/domain"
)

// InterruptError is returned by an executor that reached a suspend point.
// The scheduler drains in-flight work and snapshots a checkpoint; the task
// runs again on resume with the caller's input.
type InterruptError struct {
	Reason string
	Prompt json.RawMessage
}

func (e *InterruptError) Error() string {
	return "task interrupted: " + e.Reason
}

// Interrupt builds an InterruptError.
func Interrupt(reason string, prompt json.RawMessage) error {
	return &InterruptError{Reason: reason, Prompt: prompt}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks an executor error as not retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsRetryable reports whether a failed attempt may be retried. Structural
// failures (policy denial, invalid transitions, cycles, cancellation) never are.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}
	var interrupt *InterruptError
	if errors.As(err, &interrupt) {
		return false
	}
	switch {
	case errors.Is(err, domain.ErrPolicyViolation),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrCycleDetected),
		errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrCancelled):
		return false
	}
	return true
}
