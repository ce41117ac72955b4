package flow

import (
	"context"
	"errors"
	"time"

	"github.com/dshills/approvalflow-go/flow/bus"
	"github.com/dshills/approvalflow-go/flow/emit"
	"github.com/google/uuid"
)

// Machine applies validated, versioned state transitions to workflows.
//
// Every transition is one transaction: validate the edge, write the
// workflow row conditional on its version, append the event-log row.
// Domain events are published on the bus only after the transaction
// commits, so subscribers never observe rolled-back state.
type Machine struct {
	store   Store
	bus     *bus.Bus
	emitter emit.Emitter
	metrics *PrometheusMetrics
}

// NewMachine creates a state machine over the given store and bus.
func NewMachine(store Store, b *bus.Bus, emitter emit.Emitter, metrics *PrometheusMetrics) *Machine {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &Machine{store: store, bus: b, emitter: emitter, metrics: metrics}
}

// Transition moves a workflow to a new state.
//
// Returns ErrInvalidTransition (as a *TransitionError) for an edge
// outside the state machine, ErrVersionConflict when a concurrent
// writer got there first, and ErrNotFound for an unknown workflow.
func (m *Machine) Transition(ctx context.Context, workflowID string, to State, detail map[string]any) (*Workflow, error) {
	var (
		wf      *Workflow
		pending []bus.Event
	)
	err := m.store.WithTx(ctx, func(tx Tx) error {
		var err error
		wf, err = tx.GetWorkflow(ctx, workflowID)
		if err != nil {
			return err
		}
		pending, err = m.transitionInTx(ctx, tx, wf, to, detail)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrVersionConflict) {
			m.metrics.VersionConflict()
		}
		return nil, err
	}

	m.publish(ctx, pending)
	return wf, nil
}

// Retry re-enters RUNNING from TIMEOUT or FAILED, consuming one slot
// of the retry budget. Multi-step workflows have their failed steps
// reset to pending so the executor resumes from the failure point.
//
// Returns ErrRetriesExhausted when the budget is spent.
func (m *Machine) Retry(ctx context.Context, workflowID string) (*Workflow, error) {
	var (
		wf      *Workflow
		pending []bus.Event
	)
	err := m.store.WithTx(ctx, func(tx Tx) error {
		var err error
		wf, err = tx.GetWorkflow(ctx, workflowID)
		if err != nil {
			return err
		}
		if wf.State != StateTimeout && wf.State != StateFailed {
			return &TransitionError{From: wf.State, To: StateRunning}
		}
		if wf.RetryCount >= wf.MaxRetries {
			return ErrRetriesExhausted
		}

		now := time.Now().UTC()
		wf.RetryCount++
		wf.LastRetryAt = &now

		pending, err = m.transitionInTx(ctx, tx, wf, StateRunning, map[string]any{
			"cause":       "retry",
			"retry_count": wf.RetryCount,
			"max_retries": wf.MaxRetries,
		})
		if err != nil {
			return err
		}

		if wf.MultiStep {
			return resetFailedSteps(ctx, tx, wf.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.publish(ctx, pending)
	return wf, nil
}

// transitionInTx performs a transition on an already-loaded workflow
// inside an open transaction. The caller may have mutated wf's
// non-state fields (retry counters, context); they are written along
// with the new state under the version guard.
//
// Returns the bus events to publish after the transaction commits.
func (m *Machine) transitionInTx(ctx context.Context, tx Tx, wf *Workflow, to State, detail map[string]any) ([]bus.Event, error) {
	from := wf.State
	if !CanTransition(from, to) {
		return nil, &TransitionError{From: from, To: to}
	}

	wf.State = to
	if err := tx.UpdateWorkflow(ctx, wf, wf.Version); err != nil {
		wf.State = from
		return nil, err
	}

	payload := map[string]any{
		"from": string(from),
		"to":   string(to),
	}
	for k, v := range detail {
		payload[k] = v
	}

	ev := &WorkflowEvent{
		ID:         uuid.NewString(),
		WorkflowID: wf.ID,
		EventType:  EventWorkflowStateChanged,
		Payload:    payload,
		OccurredAt: time.Now().UTC(),
	}
	if err := tx.AppendEvent(ctx, ev); err != nil {
		return nil, err
	}

	// A workflow leaving the active states abandons any approval
	// still waiting on a human.
	if IsTerminal(to) {
		if err := cancelPendingApprovals(ctx, tx, wf.ID); err != nil {
			return nil, err
		}
	}

	// A failure that lands with the retry budget already spent is the
	// last word on this workflow: record it for operator triage. Doing
	// this at the transition keeps it exactly-once; the retry sweep
	// only sees workflows with budget remaining.
	if (to == StateFailed || to == StateTimeout) && wf.RetryCount >= wf.MaxRetries {
		lastErr, _ := payload["error"].(string)
		dl := &DeadLetter{
			ID:         uuid.NewString(),
			EventType:  EventWorkflowStateChanged,
			Payload:    payload,
			Error:      lastErr,
			RetryCount: wf.RetryCount,
			WorkflowID: wf.ID,
			CreatedAt:  time.Now().UTC(),
		}
		if err := tx.InsertDeadLetter(ctx, dl); err != nil {
			return nil, err
		}
	}

	m.metrics.StateTransition(from, to)
	m.emitter.Emit(emit.Event{
		WorkflowID: wf.ID,
		Seq:        ev.Sequence,
		Source:     "machine",
		Msg:        "state_changed",
		Meta:       map[string]interface{}{"from": string(from), "to": string(to)},
	})

	pending := []bus.Event{{
		Type:       EventWorkflowStateChanged,
		WorkflowID: wf.ID,
		Payload:    payload,
	}}
	switch to {
	case StateCompleted:
		pending = append(pending, bus.Event{
			Type:       EventWorkflowCompleted,
			WorkflowID: wf.ID,
			Payload:    map[string]any{"workflow_type": wf.WorkflowType},
		})
	case StateFailed:
		pending = append(pending, bus.Event{
			Type:       EventWorkflowFailed,
			WorkflowID: wf.ID,
			Payload:    payload,
		})
	}
	return pending, nil
}

// publish sends staged events after a successful commit.
func (m *Machine) publish(ctx context.Context, events []bus.Event) {
	if m.bus == nil {
		return
	}
	for _, ev := range events {
		// Publish failures mean the bus is shutting down; the durable
		// event log already has the record.
		_ = m.bus.Publish(ctx, ev)
	}
}

// cancelPendingApprovals marks every PENDING approval of a workflow
// CANCELLED. Decision writers flip the approval status before the
// workflow transition in the same transaction, so the approval being
// decided is never among them.
func cancelPendingApprovals(ctx context.Context, tx Tx, workflowID string) error {
	approvals, err := tx.ListPendingApprovals(ctx, workflowID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, ap := range approvals {
		ap.Status = ApprovalCancelled
		ap.RespondedAt = &now
		if err := tx.UpdateApproval(ctx, ap); err != nil {
			return err
		}
	}
	return nil
}

// resetFailedSteps returns failed or stale-running steps to pending so
// a retried pipeline resumes from its failure point. Completed steps
// keep their status and output.
func resetFailedSteps(ctx context.Context, tx Tx, workflowID string) error {
	steps, err := tx.ListSteps(ctx, workflowID)
	if err != nil {
		return err
	}
	for _, st := range steps {
		if st.Status != StepFailed && st.Status != StepRunning {
			continue
		}
		st.Status = StepPending
		st.Error = ""
		st.TaskOutput = nil
		st.ApprovalID = ""
		st.StartedAt = nil
		st.CompletedAt = nil
		if err := tx.UpdateStep(ctx, st); err != nil {
			return err
		}
	}
	return nil
}
