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

func newApprovalService(st flow.Store) (*flow.ApprovalService, *flow.TokenSigner) {
	signer := flow.NewTokenSigner("test-signing-key")
	machine := flow.NewMachine(st, nil, nil, nil)
	return flow.NewApprovalService(st, nil, machine, signer, nil, nil, time.Hour), signer
}

func loadApproval(t *testing.T, st flow.Store, id string) *flow.Approval {
	t.Helper()
	var ap *flow.Approval
	err := st.WithTx(context.Background(), func(tx flow.Tx) error {
		var err error
		ap, err = tx.GetApproval(context.Background(), id)
		return err
	})
	if err != nil {
		t.Fatalf("failed to load approval: %v", err)
	}
	return ap
}

// seedApproval inserts an approval row with a valid token for its id.
func seedApproval(t *testing.T, st flow.Store, signer *flow.TokenSigner, ap *flow.Approval) string {
	t.Helper()
	if ap.ID == "" {
		ap.ID = uuid.NewString()
	}
	if ap.RequestedAt.IsZero() {
		ap.RequestedAt = time.Now().UTC().Add(-time.Minute)
	}
	token, err := signer.Mint(ap.ID, ap.ExpiresAt)
	if err != nil {
		t.Fatalf("failed to mint token: %v", err)
	}
	ap.CallbackToken = token
	err = st.WithTx(context.Background(), func(tx flow.Tx) error {
		return tx.InsertApproval(context.Background(), ap)
	})
	if err != nil {
		t.Fatalf("failed to seed approval: %v", err)
	}
	return token
}

// TestRequestCreatesApproval verifies request mints a token, persists
// a PENDING approval, and moves the workflow to WAITING_APPROVAL.
func TestRequestCreatesApproval(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	svc, signer := newApprovalService(st)

	wf := &flow.Workflow{State: flow.StateRunning, MaxRetries: 3}
	seedWorkflow(t, st, wf)

	ap, err := svc.Request(ctx, wf.ID, flow.UISchema{Title: "Deploy?"}, 30*time.Minute)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if ap.Status != flow.ApprovalPending {
		t.Errorf("status = %s, want PENDING", ap.Status)
	}
	if ap.CallbackToken == "" {
		t.Fatal("no callback token minted")
	}
	id, _, err := signer.Verify(ap.CallbackToken)
	if err != nil || id != ap.ID {
		t.Errorf("token does not verify to the approval: id=%q err=%v", id, err)
	}
	if got := time.Until(ap.ExpiresAt); got < 29*time.Minute || got > 31*time.Minute {
		t.Errorf("expiry %v away, want ~30m", got)
	}
	if len(ap.UISchema.Buttons) == 0 {
		t.Error("default buttons not applied")
	}

	if after := loadWorkflow(t, st, wf.ID); after.State != flow.StateWaitingApproval {
		t.Errorf("workflow state = %s, want WAITING_APPROVAL", after.State)
	}

	events := loadEvents(t, st, wf.ID)
	var sawRequested bool
	for _, ev := range events {
		if ev.EventType == flow.EventApprovalRequested {
			sawRequested = true
		}
	}
	if !sawRequested {
		t.Error("no approval.requested event recorded")
	}
}

// TestRequestWithoutSigningKey verifies the fail-closed path: no key,
// no approvals.
func TestRequestWithoutSigningKey(t *testing.T) {
	st := store.NewMemStore()
	machine := flow.NewMachine(st, nil, nil, nil)
	svc := flow.NewApprovalService(st, nil, machine, flow.NewTokenSigner(""), nil, nil, time.Hour)

	wf := &flow.Workflow{State: flow.StateRunning, MaxRetries: 3}
	seedWorkflow(t, st, wf)

	if _, err := svc.Request(context.Background(), wf.ID, flow.UISchema{Title: "x"}, 0); err == nil {
		t.Fatal("Request without signing key succeeded")
	}
	// Fail closed means nothing persisted either.
	if after := loadWorkflow(t, st, wf.ID); after.State != flow.StateRunning {
		t.Errorf("workflow state = %s, want RUNNING", after.State)
	}
}

// TestSubmitApprove verifies the full approve path: approval decided,
// response recorded, workflow APPROVED.
func TestSubmitApprove(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	svc, _ := newApprovalService(st)

	wf := &flow.Workflow{State: flow.StateRunning, MaxRetries: 3}
	seedWorkflow(t, st, wf)
	ap, err := svc.Request(ctx, wf.ID, flow.UISchema{Title: "Deploy?"}, time.Hour)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}

	decided, err := svc.Submit(ctx, ap.CallbackToken, flow.DecisionApprove, map[string]any{"reviewer_name": "alice"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if decided.Status != flow.ApprovalApproved {
		t.Errorf("status = %s, want APPROVED", decided.Status)
	}
	if decided.ResponseData["reviewer_name"] != "alice" {
		t.Errorf("response data = %v", decided.ResponseData)
	}
	if decided.RespondedAt == nil || decided.RespondedAt.Before(decided.RequestedAt) {
		t.Error("responded_at missing or before requested_at")
	}

	if after := loadWorkflow(t, st, wf.ID); after.State != flow.StateApproved {
		t.Errorf("workflow state = %s, want APPROVED", after.State)
	}
}

// TestSubmitReject verifies rejection lands the workflow in REJECTED.
func TestSubmitReject(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	svc, _ := newApprovalService(st)

	wf := &flow.Workflow{State: flow.StateRunning, MaxRetries: 3}
	seedWorkflow(t, st, wf)
	ap, err := svc.Request(ctx, wf.ID, flow.UISchema{Title: "Deploy?"}, time.Hour)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}

	decided, err := svc.Submit(ctx, ap.CallbackToken, flow.DecisionReject, map[string]any{"rejection_reason": "blocked"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if decided.Status != flow.ApprovalRejected {
		t.Errorf("status = %s, want REJECTED", decided.Status)
	}
	if after := loadWorkflow(t, st, wf.ID); after.State != flow.StateRejected {
		t.Errorf("workflow state = %s, want REJECTED", after.State)
	}
}

// TestSubmitInvalidDecision verifies decisions outside the permitted
// set are rejected before any lookup.
func TestSubmitInvalidDecision(t *testing.T) {
	st := store.NewMemStore()
	svc, _ := newApprovalService(st)

	if _, err := svc.Submit(context.Background(), "whatever", "maybe", nil); !errors.Is(err, flow.ErrInvalidDecision) {
		t.Errorf("err = %v, want ErrInvalidDecision", err)
	}
}

// TestSubmitExpiredBeforeDecided verifies expiry is checked before
// status: an approval both expired and decided reports
// ErrApprovalExpired, never ErrAlreadyDecided.
func TestSubmitExpiredBeforeDecided(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	svc, signer := newApprovalService(st)

	wf := &flow.Workflow{State: flow.StateWaitingApproval, MaxRetries: 3}
	seedWorkflow(t, st, wf)

	responded := time.Now().UTC().Add(-time.Minute)
	token := seedApproval(t, st, signer, &flow.Approval{
		WorkflowID:  wf.ID,
		Status:      flow.ApprovalTimeout,
		ExpiresAt:   time.Now().UTC().Add(-2 * time.Minute),
		RespondedAt: &responded,
	})

	if _, err := svc.Submit(ctx, token, flow.DecisionApprove, nil); !errors.Is(err, flow.ErrApprovalExpired) {
		t.Errorf("err = %v, want ErrApprovalExpired", err)
	}
}

// TestSubmitExpiredWhileStillPending verifies a late submit on a
// still-PENDING approval fails ErrApprovalExpired.
func TestSubmitExpiredWhileStillPending(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	svc, signer := newApprovalService(st)

	wf := &flow.Workflow{State: flow.StateWaitingApproval, MaxRetries: 3}
	seedWorkflow(t, st, wf)

	token := seedApproval(t, st, signer, &flow.Approval{
		WorkflowID: wf.ID,
		Status:     flow.ApprovalPending,
		ExpiresAt:  time.Now().UTC().Add(-time.Second),
	})

	if _, err := svc.Submit(ctx, token, flow.DecisionApprove, nil); !errors.Is(err, flow.ErrApprovalExpired) {
		t.Errorf("err = %v, want ErrApprovalExpired", err)
	}
	// The approval stays PENDING for the timeout sweep to settle.
	// Rejecting the submit must not have decided it.
	var status flow.ApprovalStatus
	err := st.WithTx(ctx, func(tx flow.Tx) error {
		approvals, err := tx.ListPendingApprovals(ctx, wf.ID)
		if err != nil {
			return err
		}
		if len(approvals) == 1 {
			status = approvals[0].Status
		}
		return nil
	})
	if err != nil {
		t.Fatalf("failed to list approvals: %v", err)
	}
	if status != flow.ApprovalPending {
		t.Errorf("approval status = %s, want PENDING", status)
	}
}

// TestSubmitTwice verifies the second identical submit observes
// ErrAlreadyDecided.
func TestSubmitTwice(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	svc, _ := newApprovalService(st)

	wf := &flow.Workflow{State: flow.StateRunning, MaxRetries: 3}
	seedWorkflow(t, st, wf)
	ap, err := svc.Request(ctx, wf.ID, flow.UISchema{Title: "Deploy?"}, time.Hour)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}

	if _, err := svc.Submit(ctx, ap.CallbackToken, flow.DecisionApprove, nil); err != nil {
		t.Fatalf("first Submit failed: %v", err)
	}
	if _, err := svc.Submit(ctx, ap.CallbackToken, flow.DecisionApprove, nil); !errors.Is(err, flow.ErrAlreadyDecided) {
		t.Errorf("second Submit err = %v, want ErrAlreadyDecided", err)
	}
}

// TestSubmitUnknownApproval verifies a well-signed token for a missing
// row reads as a bad credential.
func TestSubmitUnknownApproval(t *testing.T) {
	st := store.NewMemStore()
	svc, signer := newApprovalService(st)

	token, err := signer.Mint("ghost-approval", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}
	if _, err := svc.Submit(context.Background(), token, flow.DecisionApprove, nil); !errors.Is(err, flow.ErrTokenInvalid) {
		t.Errorf("err = %v, want ErrTokenInvalid", err)
	}
}

// TestSubmitResponseValidation verifies required fields and select
// options are enforced on approve, and skipped on reject.
func TestSubmitResponseValidation(t *testing.T) {
	schema := flow.UISchema{
		Title: "Review",
		Fields: []flow.FormField{
			{Name: "reviewer_name", Type: "text", Label: "Reviewer", Required: true},
			{Name: "tier", Type: "select", Label: "Tier", Options: []flow.FieldOption{
				{Value: "gold", Label: "Gold"},
				{Value: "silver", Label: "Silver"},
			}},
		},
	}

	tests := []struct {
		name     string
		decision string
		response map[string]any
		wantErr  bool
	}{
		{"approve with all fields", flow.DecisionApprove, map[string]any{"reviewer_name": "alice", "tier": "gold"}, false},
		{"approve missing required", flow.DecisionApprove, map[string]any{"tier": "gold"}, true},
		{"approve bad select option", flow.DecisionApprove, map[string]any{"reviewer_name": "alice", "tier": "platinum"}, true},
		{"reject without fields", flow.DecisionReject, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			st := store.NewMemStore()
			svc, _ := newApprovalService(st)

			wf := &flow.Workflow{State: flow.StateRunning, MaxRetries: 3}
			seedWorkflow(t, st, wf)
			ap, err := svc.Request(ctx, wf.ID, schema, time.Hour)
			if err != nil {
				t.Fatalf("Request failed: %v", err)
			}

			_, err = svc.Submit(ctx, ap.CallbackToken, tt.decision, tt.response)
			if tt.wantErr {
				if !errors.Is(err, flow.ErrInvalidDecision) {
					t.Errorf("err = %v, want ErrInvalidDecision", err)
				}
			} else if err != nil {
				t.Errorf("Submit failed: %v", err)
			}
		})
	}
}

// TestRollbackReopensApproval verifies rollback: approval back to
// PENDING under a fresh token, workflow back to RUNNING, and the old
// token revoked.
func TestRollbackReopensApproval(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	svc, _ := newApprovalService(st)

	wf := &flow.Workflow{State: flow.StateRunning, MaxRetries: 3}
	seedWorkflow(t, st, wf)
	ap, err := svc.Request(ctx, wf.ID, flow.UISchema{Title: "Deploy?"}, time.Hour)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	oldToken := ap.CallbackToken

	if _, err := svc.Submit(ctx, oldToken, flow.DecisionReject, nil); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	rolled, err := svc.Rollback(ctx, ap.ID, "second look requested")
	if err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	if rolled.State != flow.StateRunning {
		t.Errorf("workflow state = %s, want RUNNING", rolled.State)
	}

	reopened := loadApproval(t, st, ap.ID)
	if reopened.Status != flow.ApprovalPending {
		t.Errorf("approval status = %s, want PENDING", reopened.Status)
	}
	if reopened.CallbackToken == oldToken {
		t.Error("rollback did not re-mint the callback token")
	}
	if reopened.RespondedAt != nil || reopened.Decision != "" {
		t.Error("decision fields not cleared")
	}

	// The superseded token no longer works.
	if _, err := svc.Submit(ctx, oldToken, flow.DecisionApprove, nil); !errors.Is(err, flow.ErrTokenInvalid) {
		t.Errorf("old token err = %v, want ErrTokenInvalid", err)
	}

	// The fresh token decides normally; the interim states are
	// recorded as valid edges.
	if _, err := svc.Submit(ctx, reopened.CallbackToken, flow.DecisionApprove, nil); err != nil {
		t.Fatalf("Submit after rollback failed: %v", err)
	}
	if after := loadWorkflow(t, st, wf.ID); after.State != flow.StateApproved {
		t.Errorf("workflow state = %s, want APPROVED", after.State)
	}
}

// TestRollbackGuards verifies rollback refuses pending approvals and
// completed workflows.
func TestRollbackGuards(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	svc, signer := newApprovalService(st)

	// Still pending.
	wf := &flow.Workflow{State: flow.StateWaitingApproval, MaxRetries: 3}
	seedWorkflow(t, st, wf)
	pendingAp := &flow.Approval{WorkflowID: wf.ID, Status: flow.ApprovalPending, ExpiresAt: time.Now().Add(time.Hour)}
	seedApproval(t, st, signer, pendingAp)
	if _, err := svc.Rollback(ctx, pendingAp.ID, ""); !errors.Is(err, flow.ErrRollbackNotAllowed) {
		t.Errorf("pending rollback err = %v, want ErrRollbackNotAllowed", err)
	}

	// Workflow already completed.
	done := &flow.Workflow{State: flow.StateCompleted, MaxRetries: 3}
	seedWorkflow(t, st, done)
	responded := time.Now().UTC()
	decidedAp := &flow.Approval{WorkflowID: done.ID, Status: flow.ApprovalApproved, Decision: flow.DecisionApprove, ExpiresAt: time.Now().Add(time.Hour), RespondedAt: &responded}
	seedApproval(t, st, signer, decidedAp)
	if _, err := svc.Rollback(ctx, decidedAp.ID, ""); !errors.Is(err, flow.ErrRollbackNotAllowed) {
		t.Errorf("completed rollback err = %v, want ErrRollbackNotAllowed", err)
	}
}
