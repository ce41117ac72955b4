package flow

import (
	"context"
	"crypto/hmac"
	"errors"
	"fmt"
	"time"

	"github.com/dshills/approvalflow-go/flow/bus"
	"github.com/dshills/approvalflow-go/flow/emit"
	"github.com/google/uuid"
)

// ApprovalService creates approval requests and applies human
// decisions delivered through signed callback tokens.
//
// Decision writes take a pessimistic row lock on the approval so a
// racing submit and timeout sweep serialize; the loser observes the
// winner's status and fails with ErrAlreadyDecided. Expiry is checked
// before status, so a submit that loses to the timeout sweep reports
// ErrApprovalExpired, not ErrAlreadyDecided.
type ApprovalService struct {
	store          Store
	bus            *bus.Bus
	machine        *Machine
	signer         *TokenSigner
	emitter        emit.Emitter
	metrics        *PrometheusMetrics
	defaultTimeout time.Duration
}

// NewApprovalService creates an approval service sharing the machine's
// store and bus.
func NewApprovalService(store Store, b *bus.Bus, machine *Machine, signer *TokenSigner, emitter emit.Emitter, metrics *PrometheusMetrics, defaultTimeout time.Duration) *ApprovalService {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	if defaultTimeout <= 0 {
		defaultTimeout = time.Hour
	}
	return &ApprovalService{
		store:          store,
		bus:            b,
		machine:        machine,
		signer:         signer,
		emitter:        emitter,
		metrics:        metrics,
		defaultTimeout: defaultTimeout,
	}
}

// Request creates a PENDING approval for a workflow and moves the
// workflow to WAITING_APPROVAL. The returned approval carries the
// callback token the adapter must deliver to the approver.
//
// A zero timeout selects the service default.
func (s *ApprovalService) Request(ctx context.Context, workflowID string, schema UISchema, timeout time.Duration) (*Approval, error) {
	var (
		ap      *Approval
		pending []bus.Event
	)
	err := s.store.WithTx(ctx, func(tx Tx) error {
		wf, err := tx.GetWorkflow(ctx, workflowID)
		if err != nil {
			return err
		}

		ap, pending, err = s.requestInTx(ctx, tx, wf, "", schema, timeout)
		if err != nil {
			return err
		}

		stateEvents, err := s.machine.transitionInTx(ctx, tx, wf, StateWaitingApproval, map[string]any{
			"approval_id": ap.ID,
		})
		if err != nil {
			return err
		}
		pending = append(pending, stateEvents...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.machine.publish(ctx, pending)
	return ap, nil
}

// requestInTx inserts a PENDING approval and its event-log row inside
// an open transaction, leaving the workflow transition to the caller.
// stepID binds the approval to a pipeline step; empty for single-step
// workflows.
func (s *ApprovalService) requestInTx(ctx context.Context, tx Tx, wf *Workflow, stepID string, schema UISchema, timeout time.Duration) (*Approval, []bus.Event, error) {
	if timeout <= 0 {
		timeout = s.defaultTimeout
	}
	if len(schema.Buttons) == 0 {
		schema.Buttons = DefaultButtons()
	}

	now := time.Now().UTC()
	ap := &Approval{
		ID:          uuid.NewString(),
		WorkflowID:  wf.ID,
		StepID:      stepID,
		UISchema:    schema,
		Status:      ApprovalPending,
		RequestedAt: now,
		ExpiresAt:   now.Add(timeout),
	}

	token, err := s.signer.Mint(ap.ID, ap.ExpiresAt)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to mint callback token: %w", err)
	}
	ap.CallbackToken = token

	if err := tx.InsertApproval(ctx, ap); err != nil {
		return nil, nil, err
	}

	ev := &WorkflowEvent{
		ID:         uuid.NewString(),
		WorkflowID: wf.ID,
		EventType:  EventApprovalRequested,
		Payload: map[string]any{
			"approval_id": ap.ID,
			"step_id":     stepID,
			"expires_at":  ap.ExpiresAt.Format(time.RFC3339Nano),
		},
		OccurredAt: now,
	}
	if err := tx.AppendEvent(ctx, ev); err != nil {
		return nil, nil, err
	}

	s.metrics.ApprovalRequested()
	s.emitter.Emit(emit.Event{
		WorkflowID: wf.ID,
		Seq:        ev.Sequence,
		Source:     "approval",
		Msg:        "approval_requested",
		Meta:       map[string]interface{}{"approval_id": ap.ID},
	})

	return ap, []bus.Event{{
		Type:       EventApprovalRequested,
		WorkflowID: wf.ID,
		Payload: map[string]any{
			"approval_id": ap.ID,
			"step_id":     stepID,
		},
	}}, nil
}

// Submit applies a human decision carried by a callback token.
//
// The check order is fixed: token signature, then row lock, then
// expiry (ErrApprovalExpired), then status (ErrAlreadyDecided), then
// decision and response validation (ErrInvalidDecision). Only then is
// the decision persisted and the workflow transitioned, all in one
// transaction.
func (s *ApprovalService) Submit(ctx context.Context, token, decision string, response map[string]any) (*Approval, error) {
	if decision != DecisionApprove && decision != DecisionReject {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDecision, decision)
	}

	approvalID, _, err := s.signer.Verify(token)
	if err != nil {
		return nil, err
	}

	var (
		ap      *Approval
		pending []bus.Event
	)
	err = s.store.WithTx(ctx, func(tx Tx) error {
		var err error
		ap, err = tx.LockApproval(ctx, approvalID)
		if err != nil {
			// A verified token naming a missing row is still a bad
			// credential from the caller's point of view.
			if errors.Is(err, ErrNotFound) {
				return ErrTokenInvalid
			}
			return err
		}
		// The row token is authoritative: a rollback re-mints it, which
		// revokes the previously issued token even though its signature
		// still verifies.
		if !hmac.Equal([]byte(ap.CallbackToken), []byte(token)) {
			return ErrTokenInvalid
		}

		now := time.Now().UTC()
		if ap.ExpiredAt(now) {
			return ErrApprovalExpired
		}
		if ap.Decided() {
			return ErrAlreadyDecided
		}
		if decision == DecisionApprove {
			if err := validateResponse(ap.UISchema, response); err != nil {
				return err
			}
		}

		ap.Decision = decision
		ap.ResponseData = response
		ap.RespondedAt = &now
		if decision == DecisionApprove {
			ap.Status = ApprovalApproved
		} else {
			ap.Status = ApprovalRejected
		}
		if err := tx.UpdateApproval(ctx, ap); err != nil {
			return err
		}

		ev := &WorkflowEvent{
			ID:         uuid.NewString(),
			WorkflowID: ap.WorkflowID,
			EventType:  EventApprovalReceived,
			Payload: map[string]any{
				"approval_id": ap.ID,
				"decision":    decision,
			},
			OccurredAt: now,
		}
		if err := tx.AppendEvent(ctx, ev); err != nil {
			return err
		}

		// Settle the bound pipeline step: approve completes it, reject
		// fails it. Earlier completed steps keep their status either way.
		if ap.StepID != "" {
			st, err := tx.GetStep(ctx, ap.StepID)
			if err != nil {
				return err
			}
			stepEvent := EventStepCompleted
			if decision == DecisionApprove {
				st.Status = StepCompleted
			} else {
				st.Status = StepFailed
				st.Error = "approval rejected"
				stepEvent = EventStepFailed
			}
			st.CompletedAt = &now
			if err := tx.UpdateStep(ctx, st); err != nil {
				return err
			}
			pending = append(pending, bus.Event{
				Type:       stepEvent,
				WorkflowID: ap.WorkflowID,
				Payload: map[string]any{
					"step_id":    st.ID,
					"step_index": st.StepIndex,
				},
			})
		}

		wf, err := tx.GetWorkflow(ctx, ap.WorkflowID)
		if err != nil {
			return err
		}

		// After an admin rollback the workflow sits in RUNNING with the
		// approval re-opened; record the re-entry into the waiting state
		// before the decision edge so the event log stays a walk of the
		// state machine.
		if wf.State == StateRunning {
			evs, err := s.machine.transitionInTx(ctx, tx, wf, StateWaitingApproval, map[string]any{
				"approval_id": ap.ID,
			})
			if err != nil {
				return err
			}
			pending = append(pending, evs...)
		}

		to := StateApproved
		if decision == DecisionReject {
			to = StateRejected
		}
		evs, err := s.machine.transitionInTx(ctx, tx, wf, to, map[string]any{
			"approval_id": ap.ID,
			"decision":    decision,
		})
		if err != nil {
			return err
		}
		pending = append(pending, evs...)

		pending = append(pending, bus.Event{
			Type:       EventApprovalReceived,
			WorkflowID: ap.WorkflowID,
			Payload: map[string]any{
				"approval_id": ap.ID,
				"step_id":     ap.StepID,
				"decision":    decision,
			},
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.ApprovalDecided(decision, ap.RespondedAt.Sub(ap.RequestedAt))
	s.emitter.Emit(emit.Event{
		WorkflowID: ap.WorkflowID,
		Source:     "approval",
		Msg:        "approval_received",
		Meta:       map[string]interface{}{"approval_id": ap.ID, "decision": decision},
	})

	s.machine.publish(ctx, pending)
	return ap, nil
}

// Rollback re-opens a decided approval for another decision round:
// the approval returns to PENDING with a fresh token and expiry
// (revoking the old token), its step returns to pending, and the
// workflow re-enters RUNNING. Admin-only.
//
// Re-minting the token means callback links delivered for the
// previous round stop working; adapters must render the prompt again
// with the new token.
//
// Fails with ErrAlreadyDecided if the approval is still PENDING,
// ErrRollbackNotAllowed if the workflow already COMPLETED, and an
// invalid transition for any other non-REJECTED workflow state.
func (s *ApprovalService) Rollback(ctx context.Context, approvalID, reason string) (*Workflow, error) {
	var (
		wf      *Workflow
		pending []bus.Event
	)
	err := s.store.WithTx(ctx, func(tx Tx) error {
		ap, err := tx.LockApproval(ctx, approvalID)
		if err != nil {
			return err
		}
		if !ap.Decided() {
			return fmt.Errorf("approval %s is still pending: %w", ap.ID, ErrRollbackNotAllowed)
		}

		wf, err = tx.GetWorkflow(ctx, ap.WorkflowID)
		if err != nil {
			return err
		}
		if wf.State == StateCompleted {
			return ErrRollbackNotAllowed
		}
		if wf.State != StateRejected {
			return &TransitionError{From: wf.State, To: StateRunning}
		}

		now := time.Now().UTC()
		ap.Status = ApprovalPending
		ap.Decision = ""
		ap.ResponseData = nil
		ap.RespondedAt = nil
		ap.RequestedAt = now
		ap.ExpiresAt = now.Add(s.defaultTimeout)
		token, err := s.signer.Mint(ap.ID, ap.ExpiresAt)
		if err != nil {
			return fmt.Errorf("failed to mint callback token: %w", err)
		}
		ap.CallbackToken = token
		if err := tx.UpdateApproval(ctx, ap); err != nil {
			return err
		}

		// Multi-step pipelines re-enter the executor at the approval
		// step, which finds the re-opened approval and waits on it.
		if ap.StepID != "" {
			st, err := tx.GetStep(ctx, ap.StepID)
			if err != nil {
				return err
			}
			st.Status = StepPending
			st.Error = ""
			st.CompletedAt = nil
			if err := tx.UpdateStep(ctx, st); err != nil {
				return err
			}
		}

		ev := &WorkflowEvent{
			ID:         uuid.NewString(),
			WorkflowID: wf.ID,
			EventType:  EventWorkflowRollbackRequested,
			Payload: map[string]any{
				"approval_id": ap.ID,
				"reason":      reason,
			},
			OccurredAt: now,
		}
		if err := tx.AppendEvent(ctx, ev); err != nil {
			return err
		}

		evs, err := s.machine.transitionInTx(ctx, tx, wf, StateRunning, map[string]any{
			"cause":  "rollback",
			"reason": reason,
		})
		if err != nil {
			return err
		}
		pending = append(pending, evs...)

		pending = append(pending, bus.Event{
			Type:       EventWorkflowRollbackRequested,
			WorkflowID: wf.ID,
			Payload: map[string]any{
				"approval_id": ap.ID,
				"reason":      reason,
			},
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.machine.publish(ctx, pending)
	return wf, nil
}

// validateResponse checks submitted form data against the approval's
// schema. Every required field must be present and non-empty. Select
// fields must carry one of their declared option values.
func validateResponse(schema UISchema, response map[string]any) error {
	for _, f := range schema.Fields {
		v, ok := response[f.Name]
		if !ok || v == nil || v == "" {
			if f.Required {
				return fmt.Errorf("%w: missing required field %q", ErrInvalidDecision, f.Name)
			}
			continue
		}
		if f.Type == "select" && len(f.Options) > 0 {
			sv, _ := v.(string)
			valid := false
			for _, opt := range f.Options {
				if opt.Value == sv {
					valid = true
					break
				}
			}
			if !valid {
				return fmt.Errorf("%w: field %q has no option %q", ErrInvalidDecision, f.Name, sv)
			}
		}
	}
	return nil
}
