package flow

import "errors"

// ErrNotFound is returned when a workflow, step, approval, or dead
// letter does not exist.
var ErrNotFound = errors.New("not found")

// ErrVersionConflict indicates a conditional update lost the race: the
// workflow row no longer carries the version the writer read. Callers
// should reload and decide whether their intent still applies.
var ErrVersionConflict = errors.New("workflow version conflict")

// ErrInvalidTransition indicates a requested state change is not an
// edge of the workflow state machine.
var ErrInvalidTransition = errors.New("invalid state transition")

// ErrTokenInvalid indicates a callback token that is malformed, has a
// bad signature, or references no known approval.
var ErrTokenInvalid = errors.New("invalid callback token")

// ErrApprovalExpired indicates a decision arrived after the approval's
// deadline. Checked before ErrAlreadyDecided: a late duplicate reports
// expiry, not the earlier decision.
var ErrApprovalExpired = errors.New("approval expired")

// ErrAlreadyDecided indicates the approval already has a final status.
var ErrAlreadyDecided = errors.New("approval already decided")

// ErrInvalidDecision indicates a decision value outside
// approve/reject, or response data that fails ui_schema validation.
var ErrInvalidDecision = errors.New("invalid decision")

// ErrUnknownHandler indicates a task step names a handler that is not
// registered. This is a permanent failure, never retried at step level.
var ErrUnknownHandler = errors.New("unknown task handler")

// ErrRetriesExhausted indicates a workflow has used its full
// max_retries budget.
var ErrRetriesExhausted = errors.New("retries exhausted")

// ErrRollbackNotAllowed indicates a rollback request targeting an
// approval or workflow that cannot be rolled back (not rejected, or
// the workflow already completed).
var ErrRollbackNotAllowed = errors.New("rollback not allowed")

// TransitionError carries the offending edge of a rejected transition.
// It unwraps to ErrInvalidTransition.
type TransitionError struct {
	From State
	To   State
}

// Error implements the error interface.
func (e *TransitionError) Error() string {
	return "invalid state transition: " + string(e.From) + " -> " + string(e.To)
}

// Unwrap supports errors.Is(err, ErrInvalidTransition).
func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}
