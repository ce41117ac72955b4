package flow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dshills/approvalflow-go/flow/bus"
	"github.com/dshills/approvalflow-go/flow/emit"
	"github.com/google/uuid"
)

// Executor drives workflows forward: it claims the next runnable step
// under the workflow version guard, invokes task handlers, opens
// approval gates, and completes or fails the workflow.
//
// Two executor instances may race on the same workflow (an approval
// decision arriving during a retry sweep, for example). The loser
// observes the winner's claim, either as a step already marked
// running or as ErrVersionConflict on its own write, and exits
// trusting the winner to continue. Advance therefore treats both as
// success.
type Executor struct {
	store     Store
	bus       *bus.Bus
	machine   *Machine
	approvals *ApprovalService
	registry  *Registry
	emitter   emit.Emitter
}

// NewExecutor creates an executor sharing the machine's store and bus.
func NewExecutor(store Store, b *bus.Bus, machine *Machine, approvals *ApprovalService, registry *Registry, emitter emit.Emitter) *Executor {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &Executor{
		store:     store,
		bus:       b,
		machine:   machine,
		approvals: approvals,
		registry:  registry,
		emitter:   emitter,
	}
}

// taskRun is a claimed task step whose handler runs outside the
// claiming transaction.
type taskRun struct {
	step    *Step
	handler TaskHandler
}

// Advance runs a workflow until it blocks on an approval, completes,
// fails, or another executor instance wins the claim.
//
// Task handlers execute between transactions: one transaction claims
// the step (marking it running), the handler runs with no locks held,
// and a second transaction persists the outcome. A handler whose
// outcome was not persisted before a crash re-executes on recovery,
// which is why handlers must be idempotent.
func (e *Executor) Advance(ctx context.Context, workflowID string) error {
	for {
		run, pending, err := e.claimNext(ctx, workflowID)
		e.machine.publish(ctx, pending)
		if err != nil {
			if errors.Is(err, ErrVersionConflict) {
				e.emitter.Emit(emit.Event{
					WorkflowID: workflowID,
					Source:     "executor",
					Msg:        "lost_advancement_race",
				})
				return nil
			}
			return err
		}
		if run == nil {
			return nil
		}

		output, taskErr := run.handler(ctx, run.step.TaskInput)

		pending, err = e.settleTask(ctx, workflowID, run.step.ID, output, taskErr)
		e.machine.publish(ctx, pending)
		if err != nil {
			if errors.Is(err, ErrVersionConflict) {
				return nil
			}
			return err
		}
		if taskErr != nil {
			return nil
		}
	}
}

// claimNext performs one advancement pass in a single transaction.
// It returns a claimed task step for the caller to run, or nil when
// the workflow settled (completed, failed, waiting, or nothing to do).
func (e *Executor) claimNext(ctx context.Context, workflowID string) (*taskRun, []bus.Event, error) {
	var (
		run     *taskRun
		pending []bus.Event
	)
	err := e.store.WithTx(ctx, func(tx Tx) error {
		wf, err := tx.GetWorkflow(ctx, workflowID)
		if err != nil {
			return err
		}
		if IsTerminal(wf.State) || wf.State == StateWaitingApproval {
			return nil
		}
		if !wf.MultiStep {
			return e.resumeSingleStep(ctx, tx, wf, &pending)
		}

		steps, err := tx.ListSteps(ctx, workflowID)
		if err != nil {
			return err
		}
		next := nextRunnable(steps)

		if next == nil {
			// Reaching COMPLETED from CREATED must still pass through
			// RUNNING.
			if wf.State == StateCreated || wf.State == StateApproved {
				evs, err := e.machine.transitionInTx(ctx, tx, wf, StateRunning, nil)
				if err != nil {
					return err
				}
				pending = append(pending, evs...)
			}
			evs, err := e.machine.transitionInTx(ctx, tx, wf, StateCompleted, nil)
			if err != nil {
				return err
			}
			pending = append(pending, evs...)
			return nil
		}

		if next.Status == StepRunning {
			// Claimed by another executor instance that has not settled
			// it yet. A running step orphaned by a crash between claim
			// and settle comes back through the retry path, which
			// resets it to pending.
			return nil
		}

		if next.Status == StepFailed {
			if wf.State != StateRunning {
				evs, err := e.machine.transitionInTx(ctx, tx, wf, StateRunning, nil)
				if err != nil {
					return err
				}
				pending = append(pending, evs...)
			}
			evs, err := e.machine.transitionInTx(ctx, tx, wf, StateFailed, map[string]any{
				"step_id": next.ID,
				"error":   next.Error,
			})
			if err != nil {
				return err
			}
			pending = append(pending, evs...)
			return nil
		}

		// Claim: the RUNNING (self-)edge bumps the version, so exactly
		// one racing executor instance gets past this line.
		evs, err := e.machine.transitionInTx(ctx, tx, wf, StateRunning, map[string]any{
			"step_index": next.StepIndex,
		})
		if err != nil {
			return err
		}
		pending = append(pending, evs...)

		now := time.Now().UTC()
		next.Status = StepRunning
		next.StartedAt = &now
		if err := tx.UpdateStep(ctx, next); err != nil {
			return err
		}
		evs2, err := e.stepEvent(ctx, tx, wf.ID, EventStepStarted, next)
		if err != nil {
			return err
		}
		pending = append(pending, evs2...)

		switch next.Type {
		case StepTypeApproval:
			return e.openApprovalGate(ctx, tx, wf, next, &pending)
		default:
			handler, err := e.registry.Task(next.TaskHandler)
			if err != nil {
				// Unregistered handler is a permanent failure.
				return e.failStepInTx(ctx, tx, wf, next, err, &pending)
			}
			run = &taskRun{step: next, handler: handler}
			return nil
		}
	})
	if err != nil {
		return nil, pending, err
	}
	return run, pending, nil
}

// settleTask persists a task handler's outcome in its own transaction.
func (e *Executor) settleTask(ctx context.Context, workflowID, stepID string, output []byte, taskErr error) ([]bus.Event, error) {
	var pending []bus.Event
	err := e.store.WithTx(ctx, func(tx Tx) error {
		wf, err := tx.GetWorkflow(ctx, workflowID)
		if err != nil {
			return err
		}
		st, err := tx.GetStep(ctx, stepID)
		if err != nil {
			return err
		}

		if taskErr != nil {
			return e.failStepInTx(ctx, tx, wf, st, taskErr, &pending)
		}

		now := time.Now().UTC()
		st.Status = StepCompleted
		st.TaskOutput = output
		st.CompletedAt = &now
		if err := tx.UpdateStep(ctx, st); err != nil {
			return err
		}
		evs, err := e.stepEvent(ctx, tx, workflowID, EventStepCompleted, st)
		if err != nil {
			return err
		}
		pending = append(pending, evs...)
		return nil
	})
	return pending, err
}

// openApprovalGate moves a claimed approval step into its waiting
// state, reusing a re-opened approval when an admin rollback left one
// PENDING on the step.
func (e *Executor) openApprovalGate(ctx context.Context, tx Tx, wf *Workflow, st *Step, pending *[]bus.Event) error {
	if st.ApprovalID != "" {
		ap, err := tx.GetApproval(ctx, st.ApprovalID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if err == nil && ap.Status == ApprovalPending {
			evs, err := e.machine.transitionInTx(ctx, tx, wf, StateWaitingApproval, map[string]any{
				"approval_id": ap.ID,
			})
			if err != nil {
				return err
			}
			*pending = append(*pending, evs...)
			return nil
		}
	}

	schema := UISchema{Title: fmt.Sprintf("Approve step %d", st.StepIndex)}
	if st.UISchema != nil {
		schema = *st.UISchema
	}
	ap, evs, err := e.approvals.requestInTx(ctx, tx, wf, st.ID, schema, 0)
	if err != nil {
		return err
	}
	*pending = append(*pending, evs...)

	st.ApprovalID = ap.ID
	if err := tx.UpdateStep(ctx, st); err != nil {
		return err
	}

	evs, err = e.machine.transitionInTx(ctx, tx, wf, StateWaitingApproval, map[string]any{
		"approval_id": ap.ID,
	})
	if err != nil {
		return err
	}
	*pending = append(*pending, evs...)
	return nil
}

// resumeSingleStep drives a single-approval workflow out of CREATED,
// APPROVED, or a retried RUNNING state.
func (e *Executor) resumeSingleStep(ctx context.Context, tx Tx, wf *Workflow, pending *[]bus.Event) error {
	switch wf.State {
	case StateCreated:
		evs, err := e.machine.transitionInTx(ctx, tx, wf, StateRunning, nil)
		if err != nil {
			return err
		}
		*pending = append(*pending, evs...)
	case StateApproved:
		// Approved single-step workflows have nothing left to run.
		evs, err := e.machine.transitionInTx(ctx, tx, wf, StateRunning, nil)
		if err != nil {
			return err
		}
		*pending = append(*pending, evs...)
		evs, err = e.machine.transitionInTx(ctx, tx, wf, StateCompleted, nil)
		if err != nil {
			return err
		}
		*pending = append(*pending, evs...)
		return nil
	}

	// A rollback leaves the prior approval PENDING; a timeout retry
	// needs a fresh one minted from the last requested schema.
	prior, err := tx.LatestApproval(ctx, wf.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil // created without an approval schema; nothing to wait on
		}
		return err
	}

	if prior.Status != ApprovalPending {
		_, evs, err := e.approvals.requestInTx(ctx, tx, wf, "", prior.UISchema, 0)
		if err != nil {
			return err
		}
		*pending = append(*pending, evs...)
	}

	evs, err := e.machine.transitionInTx(ctx, tx, wf, StateWaitingApproval, nil)
	if err != nil {
		return err
	}
	*pending = append(*pending, evs...)
	return nil
}

// failStepInTx marks a step failed and the workflow FAILED in the
// current transaction.
func (e *Executor) failStepInTx(ctx context.Context, tx Tx, wf *Workflow, st *Step, cause error, pending *[]bus.Event) error {
	now := time.Now().UTC()
	st.Status = StepFailed
	st.Error = cause.Error()
	st.CompletedAt = &now
	if err := tx.UpdateStep(ctx, st); err != nil {
		return err
	}
	evs, err := e.stepEvent(ctx, tx, wf.ID, EventStepFailed, st)
	if err != nil {
		return err
	}
	*pending = append(*pending, evs...)

	evs, err = e.machine.transitionInTx(ctx, tx, wf, StateFailed, map[string]any{
		"step_id": st.ID,
		"error":   cause.Error(),
	})
	if err != nil {
		return err
	}
	*pending = append(*pending, evs...)
	return nil
}

// stepEvent appends a step lifecycle event to the workflow log and
// stages the matching bus event.
func (e *Executor) stepEvent(ctx context.Context, tx Tx, workflowID, eventType string, st *Step) ([]bus.Event, error) {
	payload := map[string]any{
		"step_id":    st.ID,
		"step_index": st.StepIndex,
		"step_type":  string(st.Type),
	}
	if st.Error != "" {
		payload["error"] = st.Error
	}

	ev := &WorkflowEvent{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		EventType:  eventType,
		Payload:    payload,
		OccurredAt: time.Now().UTC(),
	}
	if err := tx.AppendEvent(ctx, ev); err != nil {
		return nil, err
	}

	e.emitter.Emit(emit.Event{
		WorkflowID: workflowID,
		Seq:        ev.Sequence,
		Source:     "executor",
		Msg:        eventType,
		Meta:       map[string]interface{}{"step_index": st.StepIndex},
	})

	return []bus.Event{{
		Type:       eventType,
		WorkflowID: workflowID,
		Payload:    payload,
	}}, nil
}

// Compensate runs rollback handlers for a workflow's completed task
// steps in reverse order. Called when an approval mid-pipeline is
// rejected. Step statuses are left untouched; compensation failures
// are reported through the emitter and do not stop the sweep.
func (e *Executor) Compensate(ctx context.Context, workflowID string) error {
	var steps []*Step
	err := e.store.WithTx(ctx, func(tx Tx) error {
		var err error
		steps, err = tx.ListSteps(ctx, workflowID)
		return err
	})
	if err != nil {
		return err
	}

	for i := len(steps) - 1; i >= 0; i-- {
		st := steps[i]
		if st.Type != StepTypeTask || st.Status != StepCompleted {
			continue
		}
		handler, ok := e.registry.Rollback(st.TaskHandler)
		if !ok {
			continue
		}
		if err := handler(ctx, st.TaskInput, st.TaskOutput); err != nil {
			e.emitter.Emit(emit.Event{
				WorkflowID: workflowID,
				Source:     "executor",
				Msg:        "compensation_failed",
				Meta:       map[string]interface{}{"step_index": st.StepIndex, "error": err.Error()},
			})
		}
	}
	return nil
}

// nextRunnable returns the first step that is not completed or
// skipped, or nil when every step is done.
func nextRunnable(steps []*Step) *Step {
	for _, st := range steps {
		if st.Status == StepCompleted || st.Status == StepSkipped {
			continue
		}
		return st
	}
	return nil
}
