package flow_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dshills/approvalflow-go/flow"
	"github.com/dshills/approvalflow-go/flow/store"
	"github.com/google/uuid"
)

// seedWorkflow inserts a workflow directly into the store in an
// arbitrary state, bypassing the creation path.
func seedWorkflow(t *testing.T, st flow.Store, wf *flow.Workflow) {
	t.Helper()
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	if wf.WorkflowType == "" {
		wf.WorkflowType = "test"
	}
	if wf.Version == 0 {
		wf.Version = 1
	}
	now := time.Now().UTC()
	wf.CreatedAt = now
	wf.UpdatedAt = now
	err := st.WithTx(context.Background(), func(tx flow.Tx) error {
		return tx.InsertWorkflow(context.Background(), wf)
	})
	if err != nil {
		t.Fatalf("failed to seed workflow: %v", err)
	}
}

func loadWorkflow(t *testing.T, st flow.Store, id string) *flow.Workflow {
	t.Helper()
	var wf *flow.Workflow
	err := st.WithTx(context.Background(), func(tx flow.Tx) error {
		var err error
		wf, err = tx.GetWorkflow(context.Background(), id)
		return err
	})
	if err != nil {
		t.Fatalf("failed to load workflow: %v", err)
	}
	return wf
}

func loadEvents(t *testing.T, st flow.Store, workflowID string) []*flow.WorkflowEvent {
	t.Helper()
	var evs []*flow.WorkflowEvent
	err := st.WithTx(context.Background(), func(tx flow.Tx) error {
		var err error
		evs, err = tx.ListEvents(context.Background(), workflowID)
		return err
	})
	if err != nil {
		t.Fatalf("failed to load events: %v", err)
	}
	return evs
}

// TestTransitionVersionIncrement verifies every transition bumps the
// version by exactly one and appends a state_changed event.
func TestTransitionVersionIncrement(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	m := flow.NewMachine(st, nil, nil, nil)

	wf := &flow.Workflow{State: flow.StateCreated, MaxRetries: 3}
	seedWorkflow(t, st, wf)

	updated, err := m.Transition(ctx, wf.ID, flow.StateRunning, nil)
	if err != nil {
		t.Fatalf("Transition failed: %v", err)
	}
	if updated.Version != 2 {
		t.Errorf("version = %d, want 2", updated.Version)
	}
	if updated.State != flow.StateRunning {
		t.Errorf("state = %s, want RUNNING", updated.State)
	}

	updated, err = m.Transition(ctx, wf.ID, flow.StateWaitingApproval, nil)
	if err != nil {
		t.Fatalf("Transition failed: %v", err)
	}
	if updated.Version != 3 {
		t.Errorf("version = %d, want 3", updated.Version)
	}

	events := loadEvents(t, st, wf.ID)
	if len(events) != 2 {
		t.Fatalf("event count = %d, want 2", len(events))
	}
	for i, ev := range events {
		if ev.EventType != flow.EventWorkflowStateChanged {
			t.Errorf("event %d type = %s", i, ev.EventType)
		}
		if ev.Sequence != i+1 {
			t.Errorf("event %d sequence = %d, want %d", i, ev.Sequence, i+1)
		}
	}
}

// TestTransitionEventChain verifies the to_state of each
// state_changed event equals the from_state of the next.
func TestTransitionEventChain(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	m := flow.NewMachine(st, nil, nil, nil)

	wf := &flow.Workflow{State: flow.StateCreated, MaxRetries: 3}
	seedWorkflow(t, st, wf)

	path := []flow.State{
		flow.StateRunning,
		flow.StateWaitingApproval,
		flow.StateApproved,
		flow.StateRunning,
		flow.StateCompleted,
	}
	for _, s := range path {
		if _, err := m.Transition(ctx, wf.ID, s, nil); err != nil {
			t.Fatalf("Transition to %s failed: %v", s, err)
		}
	}

	events := loadEvents(t, st, wf.ID)
	for i := 1; i < len(events); i++ {
		prevTo, _ := events[i-1].Payload["to"].(string)
		curFrom, _ := events[i].Payload["from"].(string)
		if prevTo != curFrom {
			t.Errorf("event %d: to=%s but event %d from=%s", i-1, prevTo, i, curFrom)
		}
	}
}

// TestTransitionInvalidEdge verifies disallowed edges fail without
// mutating the row.
func TestTransitionInvalidEdge(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	m := flow.NewMachine(st, nil, nil, nil)

	wf := &flow.Workflow{State: flow.StateCreated, MaxRetries: 3}
	seedWorkflow(t, st, wf)

	_, err := m.Transition(ctx, wf.ID, flow.StateCompleted, nil)
	if !errors.Is(err, flow.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
	var te *flow.TransitionError
	if !errors.As(err, &te) {
		t.Fatal("error is not a *TransitionError")
	}
	if te.From != flow.StateCreated || te.To != flow.StateCompleted {
		t.Errorf("edge = %s -> %s", te.From, te.To)
	}

	after := loadWorkflow(t, st, wf.ID)
	if after.Version != 1 || after.State != flow.StateCreated {
		t.Errorf("workflow mutated by failed transition: state=%s version=%d", after.State, after.Version)
	}
	if events := loadEvents(t, st, wf.ID); len(events) != 0 {
		t.Errorf("failed transition appended %d events", len(events))
	}
}

// TestTransitionNotFound verifies an unknown id reports ErrNotFound.
func TestTransitionNotFound(t *testing.T) {
	m := flow.NewMachine(store.NewMemStore(), nil, nil, nil)
	if _, err := m.Transition(context.Background(), "nope", flow.StateRunning, nil); !errors.Is(err, flow.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

// TestRetry verifies retry re-enters RUNNING, consumes budget, and
// stamps last_retry_at.
func TestRetry(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	m := flow.NewMachine(st, nil, nil, nil)

	wf := &flow.Workflow{State: flow.StateFailed, MaxRetries: 2}
	seedWorkflow(t, st, wf)

	updated, err := m.Retry(ctx, wf.ID)
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if updated.State != flow.StateRunning {
		t.Errorf("state = %s, want RUNNING", updated.State)
	}
	if updated.RetryCount != 1 {
		t.Errorf("retry_count = %d, want 1", updated.RetryCount)
	}
	if updated.LastRetryAt == nil {
		t.Error("last_retry_at not stamped")
	}
}

// TestRetryOnlyFromFailureStates verifies retry is rejected for
// workflows that aren't TIMEOUT or FAILED.
func TestRetryOnlyFromFailureStates(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	m := flow.NewMachine(st, nil, nil, nil)

	wf := &flow.Workflow{State: flow.StateRunning, MaxRetries: 2}
	seedWorkflow(t, st, wf)

	if _, err := m.Retry(ctx, wf.ID); !errors.Is(err, flow.ErrInvalidTransition) {
		t.Errorf("err = %v, want ErrInvalidTransition", err)
	}
}

// TestRetryExhausted verifies a spent budget reports
// ErrRetriesExhausted and leaves the workflow alone.
func TestRetryExhausted(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	m := flow.NewMachine(st, nil, nil, nil)

	wf := &flow.Workflow{State: flow.StateTimeout, RetryCount: 2, MaxRetries: 2}
	seedWorkflow(t, st, wf)

	if _, err := m.Retry(ctx, wf.ID); !errors.Is(err, flow.ErrRetriesExhausted) {
		t.Errorf("err = %v, want ErrRetriesExhausted", err)
	}
	if after := loadWorkflow(t, st, wf.ID); after.State != flow.StateTimeout {
		t.Errorf("state = %s, want TIMEOUT", after.State)
	}
}

// TestRetryResetsFailedSteps verifies multi-step retry returns failed
// steps to pending while completed steps keep their output.
func TestRetryResetsFailedSteps(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	m := flow.NewMachine(st, nil, nil, nil)

	wf := &flow.Workflow{State: flow.StateFailed, MaxRetries: 2, MultiStep: true}
	seedWorkflow(t, st, wf)

	done := &flow.Step{ID: uuid.NewString(), WorkflowID: wf.ID, StepIndex: 0, Type: flow.StepTypeTask, Status: flow.StepCompleted, TaskOutput: []byte(`{"ok":true}`)}
	failed := &flow.Step{ID: uuid.NewString(), WorkflowID: wf.ID, StepIndex: 1, Type: flow.StepTypeTask, Status: flow.StepFailed, Error: "boom"}
	err := st.WithTx(ctx, func(tx flow.Tx) error {
		if err := tx.InsertStep(ctx, done); err != nil {
			return err
		}
		return tx.InsertStep(ctx, failed)
	})
	if err != nil {
		t.Fatalf("failed to seed steps: %v", err)
	}

	if _, err := m.Retry(ctx, wf.ID); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}

	var steps []*flow.Step
	err = st.WithTx(ctx, func(tx flow.Tx) error {
		var err error
		steps, err = tx.ListSteps(ctx, wf.ID)
		return err
	})
	if err != nil {
		t.Fatalf("failed to load steps: %v", err)
	}
	if steps[0].Status != flow.StepCompleted || string(steps[0].TaskOutput) != `{"ok":true}` {
		t.Errorf("completed step disturbed: %s", steps[0].Status)
	}
	if steps[1].Status != flow.StepPending || steps[1].Error != "" {
		t.Errorf("failed step not reset: status=%s error=%q", steps[1].Status, steps[1].Error)
	}
}

// TestTerminalTransitionCancelsPendingApprovals verifies a workflow
// entering a terminal state abandons approvals still waiting.
func TestTerminalTransitionCancelsPendingApprovals(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	m := flow.NewMachine(st, nil, nil, nil)

	wf := &flow.Workflow{State: flow.StateRunning, MaxRetries: 3}
	seedWorkflow(t, st, wf)

	ap := &flow.Approval{
		ID:          uuid.NewString(),
		WorkflowID:  wf.ID,
		Status:      flow.ApprovalPending,
		RequestedAt: time.Now().UTC(),
		ExpiresAt:   time.Now().Add(time.Hour).UTC(),
	}
	err := st.WithTx(ctx, func(tx flow.Tx) error {
		return tx.InsertApproval(ctx, ap)
	})
	if err != nil {
		t.Fatalf("failed to seed approval: %v", err)
	}

	if _, err := m.Transition(ctx, wf.ID, flow.StateFailed, map[string]any{"error": "task exploded"}); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}

	var after *flow.Approval
	err = st.WithTx(ctx, func(tx flow.Tx) error {
		var err error
		after, err = tx.GetApproval(ctx, ap.ID)
		return err
	})
	if err != nil {
		t.Fatalf("failed to load approval: %v", err)
	}
	if after.Status != flow.ApprovalCancelled {
		t.Errorf("approval status = %s, want CANCELLED", after.Status)
	}
	if after.RespondedAt == nil {
		t.Error("responded_at not stamped on cancellation")
	}
}

// TestExhaustedFailureDeadLetters verifies a terminal failure with no
// retry budget left writes exactly one dead letter.
func TestExhaustedFailureDeadLetters(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	m := flow.NewMachine(st, nil, nil, nil)

	wf := &flow.Workflow{State: flow.StateRunning, RetryCount: 3, MaxRetries: 3}
	seedWorkflow(t, st, wf)

	if _, err := m.Transition(ctx, wf.ID, flow.StateFailed, map[string]any{"error": "final failure"}); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}

	var dls []*flow.DeadLetter
	err := st.WithTx(ctx, func(tx flow.Tx) error {
		var err error
		dls, err = tx.ListDeadLetters(ctx, 10)
		return err
	})
	if err != nil {
		t.Fatalf("failed to list dead letters: %v", err)
	}
	if len(dls) != 1 {
		t.Fatalf("dead letter count = %d, want 1", len(dls))
	}
	if dls[0].WorkflowID != wf.ID {
		t.Errorf("dead letter workflow = %s, want %s", dls[0].WorkflowID, wf.ID)
	}
	if dls[0].Error != "final failure" {
		t.Errorf("dead letter error = %q", dls[0].Error)
	}
}
