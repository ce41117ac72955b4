package flow

import (
	"context"
	"time"
)

// Store is the persistence gateway for workflows, steps, approvals,
// event logs, and dead letters.
//
// Implementations can use:
//   - In-memory storage (for testing, see store/memory.go)
//   - SQLite (single-process deployments, see store/sqlite.go)
//   - MySQL (production deployments, see store/mysql.go)
//
// All mutations happen inside a transaction scope obtained from
// WithTx. Domain events are published only after the transaction
// commits, so subscribers never observe state that was rolled back.
type Store interface {
	// WithTx runs fn inside a single transaction. A non-nil error from
	// fn rolls the transaction back and is returned unchanged.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases the underlying connections. The store is unusable
	// afterwards.
	Close() error
}

// Tx is a transactional view of the store. All reads observe writes
// made earlier in the same transaction.
type Tx interface {
	// InsertWorkflow persists a new workflow at version 1.
	// Returns an error if the (workflow_type, idempotency_key) pair
	// already exists.
	InsertWorkflow(ctx context.Context, wf *Workflow) error

	// GetWorkflow loads a workflow by id.
	// Returns ErrNotFound if it does not exist.
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)

	// FindWorkflowByIdempotencyKey loads the workflow created with the
	// given (workflow_type, idempotency_key) pair, or ErrNotFound.
	FindWorkflowByIdempotencyKey(ctx context.Context, workflowType, key string) (*Workflow, error)

	// UpdateWorkflow writes wf conditional on the row still holding
	// expectedVersion, and bumps the version to expectedVersion+1.
	// Returns ErrVersionConflict if the condition fails and
	// ErrNotFound if the row is gone.
	UpdateWorkflow(ctx context.Context, wf *Workflow, expectedVersion int) error

	// ListWorkflowsByState returns up to limit workflows in any of the
	// given states, oldest first.
	ListWorkflowsByState(ctx context.Context, states []State, limit int) ([]*Workflow, error)

	// AppendEvent appends ev to the workflow's event log, assigning
	// the next sequence number. ev.Sequence is set on return.
	AppendEvent(ctx context.Context, ev *WorkflowEvent) error

	// ListEvents returns a workflow's event log in sequence order.
	ListEvents(ctx context.Context, workflowID string) ([]*WorkflowEvent, error)

	// InsertStep persists a new pipeline step.
	InsertStep(ctx context.Context, st *Step) error

	// ListSteps returns a workflow's steps in StepIndex order.
	ListSteps(ctx context.Context, workflowID string) ([]*Step, error)

	// GetStep loads a step by id. Returns ErrNotFound if absent.
	GetStep(ctx context.Context, id string) (*Step, error)

	// UpdateStep rewrites a step row.
	UpdateStep(ctx context.Context, st *Step) error

	// InsertApproval persists a new approval request.
	InsertApproval(ctx context.Context, ap *Approval) error

	// GetApproval loads an approval by id. Returns ErrNotFound if absent.
	GetApproval(ctx context.Context, id string) (*Approval, error)

	// LockApproval loads an approval by id with a pessimistic row lock
	// held until the transaction ends (SELECT ... FOR UPDATE on MySQL;
	// write-transaction serialization on SQLite). Decision writes go
	// through this to serialize racing submits and timeout sweeps.
	LockApproval(ctx context.Context, id string) (*Approval, error)

	// UpdateApproval rewrites an approval row.
	UpdateApproval(ctx context.Context, ap *Approval) error

	// ListPendingApprovals returns a workflow's PENDING approvals,
	// oldest first.
	ListPendingApprovals(ctx context.Context, workflowID string) ([]*Approval, error)

	// LatestApproval returns the most recently requested approval for
	// a workflow regardless of status, or ErrNotFound.
	LatestApproval(ctx context.Context, workflowID string) (*Approval, error)

	// ExpiredApprovals returns up to limit PENDING approvals whose
	// expires_at is at or before now, oldest deadline first.
	ExpiredApprovals(ctx context.Context, now time.Time, limit int) ([]*Approval, error)

	// InsertDeadLetter persists a dead letter entry.
	InsertDeadLetter(ctx context.Context, dl *DeadLetter) error

	// GetDeadLetter loads a dead letter by id. Returns ErrNotFound if
	// absent.
	GetDeadLetter(ctx context.Context, id string) (*DeadLetter, error)

	// ListDeadLetters returns up to limit dead letters, newest first.
	ListDeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error)

	// DeleteDeadLetter removes a dead letter after operator handling.
	// Returns ErrNotFound if absent.
	DeleteDeadLetter(ctx context.Context, id string) error
}
