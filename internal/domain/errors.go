package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrValidation         = errors.New("validation failed")
	ErrInvalidTransition  = errors.New("invalid transition")
	ErrCycleDetected      = errors.New("cycle detected")
	ErrDuplicateActiveRun = errors.New("session already has an active run")
	ErrModelUnavailable   = errors.New("model unavailable")
	ErrPolicyViolation    = errors.New("tool policy violation")
	ErrTaskTimeout        = errors.New("task timed out")
	ErrCancelled          = errors.New("cancelled")
	ErrVerificationFailed = errors.New("verification failed")
)

// InvalidTransitionError is returned when a run or task state change is not allowed.
type InvalidTransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition for %s: %s -> %s", e.Entity, e.ID, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// CycleDetectedError is returned when plan dependencies do not form a DAG.
type CycleDetectedError struct {
	Path []string
}

func (e *CycleDetectedError) Error() string {
	return fmt.Sprintf("cycle detected in task dependencies: %s", strings.Join(e.Path, " -> "))
}

func (e *CycleDetectedError) Unwrap() error { return ErrCycleDetected }

// DuplicateActiveRunError is returned when a session already has a non-terminal run.
type DuplicateActiveRunError struct {
	SessionID   string
	ActiveRunID string
}

func (e *DuplicateActiveRunError) Error() string {
	return fmt.Sprintf("session %s already has active run %s", e.SessionID, e.ActiveRunID)
}

func (e *DuplicateActiveRunError) Unwrap() error { return ErrDuplicateActiveRun }

// ModelUnavailableError is returned when every fallback candidate failed.
type ModelUnavailableError struct {
	Role     ModelRole
	Attempts int
	Last     error
}

func (e *ModelUnavailableError) Error() string {
	if e.Last != nil {
		return fmt.Sprintf("no model available for role %s after %d attempts: %v", e.Role, e.Attempts, e.Last)
	}
	return fmt.Sprintf("no model available for role %s after %d attempts", e.Role, e.Attempts)
}

func (e *ModelUnavailableError) Unwrap() error { return ErrModelUnavailable }

// PolicyViolationError is returned when enforce mode denies a tool call.
type PolicyViolationError struct {
	ToolName string
	Phase    string
	Findings []Finding
}

func (e *PolicyViolationError) Error() string {
	rules := make([]string, 0, len(e.Findings))
	for _, f := range e.Findings {
		rules = append(rules, f.Rule)
	}
	return fmt.Sprintf("tool %s denied at %s: %s", e.ToolName, e.Phase, strings.Join(rules, ", "))
}

func (e *PolicyViolationError) Unwrap() error { return ErrPolicyViolation }

// TaskTimeoutError is recorded when a task exceeds its deadline while in progress.
type TaskTimeoutError struct {
	TaskID  string
	Timeout time.Duration
}

func (e *TaskTimeoutError) Error() string {
	return fmt.Sprintf("task %s exceeded deadline of %s", e.TaskID, e.Timeout)
}

func (e *TaskTimeoutError) Unwrap() error { return ErrTaskTimeout }

// ErrorCode maps an error to the stable code stored on runs and returned by the API.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrCycleDetected):
		return "cycle_detected"
	case errors.Is(err, ErrDuplicateActiveRun):
		return "duplicate_active_run"
	case errors.Is(err, ErrModelUnavailable):
		return "model_unavailable"
	case errors.Is(err, ErrPolicyViolation):
		return "policy_violation"
	case errors.Is(err, ErrTaskTimeout):
		return "task_timeout"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrVerificationFailed):
		return "verification_failed"
	}
	return "internal"
}
