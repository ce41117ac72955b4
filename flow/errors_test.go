package flow

import (
	"errors"
	"fmt"
	"testing"
)

// TestSentinelIdentity verifies all exported errors work with
// errors.Is, including when wrapped.
func TestSentinelIdentity(t *testing.T) {
	sentinels := []error{
		ErrNotFound,
		ErrVersionConflict,
		ErrInvalidTransition,
		ErrTokenInvalid,
		ErrApprovalExpired,
		ErrAlreadyDecided,
		ErrInvalidDecision,
		ErrUnknownHandler,
		ErrRetriesExhausted,
		ErrRollbackNotAllowed,
	}

	for _, sentinel := range sentinels {
		if !errors.Is(sentinel, sentinel) {
			t.Errorf("errors.Is(%v, itself) = false", sentinel)
		}
		wrapped := fmt.Errorf("context: %w", sentinel)
		if !errors.Is(wrapped, sentinel) {
			t.Errorf("wrapped %v lost identity", sentinel)
		}
	}

	if errors.Is(ErrNotFound, ErrVersionConflict) {
		t.Error("distinct sentinels compare equal")
	}
}

// TestTransitionErrorUnwrap verifies a TransitionError matches
// ErrInvalidTransition and reports its edge.
func TestTransitionErrorUnwrap(t *testing.T) {
	err := &TransitionError{From: StateCompleted, To: StateRunning}

	if !errors.Is(err, ErrInvalidTransition) {
		t.Error("TransitionError does not unwrap to ErrInvalidTransition")
	}

	var te *TransitionError
	if !errors.As(fmt.Errorf("outer: %w", err), &te) {
		t.Fatal("errors.As failed to recover *TransitionError")
	}
	if te.From != StateCompleted || te.To != StateRunning {
		t.Errorf("edge = %s -> %s, want COMPLETED -> RUNNING", te.From, te.To)
	}
}
