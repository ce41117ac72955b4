package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dshills/approvalflow-go/flow/bus"
	"github.com/dshills/approvalflow-go/flow/emit"
	"github.com/google/uuid"
)

// Orchestrator wires the kernel together: store, event bus, state
// machine, approval service, step executor, and timeout manager. It is
// the single entry point applications use.
//
//	store, _ := store.NewSQLiteStore("./flow.db")
//	orch, _ := flow.New(store, flow.WithConfig(flow.FromEnv()))
//	orch.Start()
//	defer orch.Stop()
type Orchestrator struct {
	cfg      Config
	store    Store
	bus      *bus.Bus
	registry *Registry
	signer   *TokenSigner
	emitter  emit.Emitter
	metrics  *PrometheusMetrics

	machine   *Machine
	approvals *ApprovalService
	executor  *Executor
	timeouts  *TimeoutManager

	mu      sync.Mutex
	started bool
}

// New creates an Orchestrator over the given store. The bus, state
// machine, and services are constructed immediately; background work
// begins with Start.
func New(st Store, opts ...Option) (*Orchestrator, error) {
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}

	o := &Orchestrator{
		cfg:     DefaultConfig(),
		store:   st,
		emitter: emit.NewNullEmitter(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.cfg = o.cfg.withDefaults()
	if o.registry == nil {
		o.registry = NewRegistry()
	}
	if o.emitter == nil {
		o.emitter = emit.NewNullEmitter()
	}

	o.signer = NewTokenSigner(o.cfg.SigningKey)
	o.bus = bus.New(bus.Config{
		QueueSize:         o.cfg.EventBusQueueSize,
		MaxRetries:        o.cfg.EventBusMaxRetries,
		BackoffInitial:    o.cfg.EventBusBackoffInitial,
		BackoffMultiplier: o.cfg.EventBusBackoffMultiplier,
		DeadLetters:       &storeDLQSink{store: st},
		Metrics:           o.metrics,
	})

	o.machine = NewMachine(st, o.bus, o.emitter, o.metrics)
	o.approvals = NewApprovalService(st, o.bus, o.machine, o.signer, o.emitter, o.metrics, o.cfg.DefaultApprovalTimeout)
	o.executor = NewExecutor(st, o.bus, o.machine, o.approvals, o.registry, o.emitter)
	o.timeouts = NewTimeoutManager(st, o.bus, o.machine, o.emitter, o.metrics, o.cfg)

	return o, nil
}

// Start subscribes the executor to its driving events and launches the
// timeout manager. Safe to call once; later calls are no-ops.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return
	}
	o.started = true

	o.bus.Subscribe(EventWorkflowCreated, "executor", o.handleCreated)
	o.bus.Subscribe(EventApprovalReceived, "executor", o.handleApprovalReceived)
	o.bus.Subscribe(EventWorkflowStateChanged, "executor", o.handleStateChanged)

	o.timeouts.Start()
}

// Stop shuts the kernel down: the timeout manager finishes its
// in-flight tick, then the bus closes. The store is the caller's to
// close.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}
	o.started = false
	o.mu.Unlock()

	o.timeouts.Stop()
	o.bus.Close()
}

// Registry returns the task handler registry for startup registration.
func (o *Orchestrator) Registry() *Registry { return o.registry }

// Bus returns the event bus for application subscribers (adapters,
// notifiers). Subscribe before Start to avoid missing early events.
func (o *Orchestrator) Bus() *bus.Bus { return o.bus }

// StepSpec describes one step of a multi-step workflow at creation.
type StepSpec struct {
	Type     StepType
	Handler  string          // task steps: registered handler name
	Input    json.RawMessage // task steps: handler input
	UISchema *UISchema       // approval steps: prompt schema
}

// CreateWorkflowParams are the inputs to CreateWorkflow.
type CreateWorkflowParams struct {
	WorkflowType string
	Context      json.RawMessage

	// ApprovalSchema makes this a single-approval workflow: the
	// approval is requested immediately and the workflow waits on it.
	// Mutually exclusive with Steps.
	ApprovalSchema  *UISchema
	ApprovalTimeout time.Duration

	// Steps makes this a multi-step pipeline driven by the executor.
	Steps []StepSpec

	// IdempotencyKey deduplicates creation: a repeated call with the
	// same (WorkflowType, IdempotencyKey) returns the existing
	// workflow.
	IdempotencyKey string

	// MaxRetries overrides the configured default retry budget.
	MaxRetries int
}

// CreateWorkflow persists a new workflow and starts it.
//
// Single-approval workflows are taken to WAITING_APPROVAL in the
// creation transaction; multi-step pipelines are advanced by the
// executor on the workflow.created event.
func (o *Orchestrator) CreateWorkflow(ctx context.Context, p CreateWorkflowParams) (*Workflow, error) {
	if p.WorkflowType == "" {
		return nil, fmt.Errorf("workflow type is required")
	}
	if p.ApprovalSchema != nil && len(p.Steps) > 0 {
		return nil, fmt.Errorf("approval schema and steps are mutually exclusive")
	}

	maxRetries := p.MaxRetries
	if maxRetries <= 0 {
		maxRetries = o.cfg.DefaultMaxRetries
	}

	var (
		wf      *Workflow
		pending []bus.Event
		reused  bool
	)
	err := o.store.WithTx(ctx, func(tx Tx) error {
		if p.IdempotencyKey != "" {
			existing, err := tx.FindWorkflowByIdempotencyKey(ctx, p.WorkflowType, p.IdempotencyKey)
			if err == nil {
				wf, reused = existing, true
				return nil
			}
			if !errors.Is(err, ErrNotFound) {
				return err
			}
		}

		now := time.Now().UTC()
		wf = &Workflow{
			ID:             uuid.NewString(),
			WorkflowType:   p.WorkflowType,
			Context:        p.Context,
			State:          StateCreated,
			Version:        1,
			MaxRetries:     maxRetries,
			MultiStep:      len(p.Steps) > 0,
			IdempotencyKey: p.IdempotencyKey,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := tx.InsertWorkflow(ctx, wf); err != nil {
			return err
		}

		ev := &WorkflowEvent{
			ID:         uuid.NewString(),
			WorkflowID: wf.ID,
			EventType:  EventWorkflowCreated,
			Payload: map[string]any{
				"workflow_type": wf.WorkflowType,
				"multi_step":    wf.MultiStep,
			},
			OccurredAt: now,
		}
		if err := tx.AppendEvent(ctx, ev); err != nil {
			return err
		}
		pending = append(pending, bus.Event{
			Type:       EventWorkflowCreated,
			WorkflowID: wf.ID,
			Payload: map[string]any{
				"workflow_type": wf.WorkflowType,
				"multi_step":    wf.MultiStep,
			},
		})

		for i, spec := range p.Steps {
			st := &Step{
				ID:          uuid.NewString(),
				WorkflowID:  wf.ID,
				StepIndex:   i,
				Type:        spec.Type,
				Status:      StepPending,
				TaskHandler: spec.Handler,
				TaskInput:   spec.Input,
				UISchema:    spec.UISchema,
			}
			if err := tx.InsertStep(ctx, st); err != nil {
				return err
			}
		}

		if p.ApprovalSchema != nil {
			evs, err := o.machine.transitionInTx(ctx, tx, wf, StateRunning, nil)
			if err != nil {
				return err
			}
			pending = append(pending, evs...)

			_, evs, err = o.approvals.requestInTx(ctx, tx, wf, "", *p.ApprovalSchema, p.ApprovalTimeout)
			if err != nil {
				return err
			}
			pending = append(pending, evs...)

			evs, err = o.machine.transitionInTx(ctx, tx, wf, StateWaitingApproval, nil)
			if err != nil {
				return err
			}
			pending = append(pending, evs...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if reused {
		return wf, nil
	}

	o.metrics.WorkflowCreated(wf.WorkflowType)
	o.emitter.Emit(emit.Event{
		WorkflowID: wf.ID,
		Source:     "orchestrator",
		Msg:        "workflow_created",
		Meta:       map[string]interface{}{"workflow_type": wf.WorkflowType},
	})
	o.machine.publish(ctx, pending)
	return wf, nil
}

// RequestApproval asks for a human decision on a workflow, moving it
// to WAITING_APPROVAL. See ApprovalService.Request.
func (o *Orchestrator) RequestApproval(ctx context.Context, workflowID string, schema UISchema, timeout time.Duration) (*Approval, error) {
	return o.approvals.Request(ctx, workflowID, schema, timeout)
}

// SubmitApproval applies a decision carried by a callback token. See
// ApprovalService.Submit.
func (o *Orchestrator) SubmitApproval(ctx context.Context, token, decision string, response map[string]any) (*Approval, error) {
	return o.approvals.Submit(ctx, token, decision, response)
}

// RollbackApproval re-opens a decided approval. Admin-only. See
// ApprovalService.Rollback.
func (o *Orchestrator) RollbackApproval(ctx context.Context, approvalID, reason string) (*Workflow, error) {
	return o.approvals.Rollback(ctx, approvalID, reason)
}

// Transition applies a manual state transition. Most callers never
// need this; the executor and services drive workflows themselves.
func (o *Orchestrator) Transition(ctx context.Context, workflowID string, to State, detail map[string]any) (*Workflow, error) {
	return o.machine.Transition(ctx, workflowID, to, detail)
}

// RetryWorkflow consumes a retry slot on a TIMEOUT or FAILED workflow
// without waiting for the sweep's backoff.
func (o *Orchestrator) RetryWorkflow(ctx context.Context, workflowID string) (*Workflow, error) {
	return o.machine.Retry(ctx, workflowID)
}

// Workflow loads a workflow by id.
func (o *Orchestrator) Workflow(ctx context.Context, id string) (*Workflow, error) {
	var wf *Workflow
	err := o.store.WithTx(ctx, func(tx Tx) error {
		var err error
		wf, err = tx.GetWorkflow(ctx, id)
		return err
	})
	return wf, err
}

// Events returns a workflow's event log in sequence order.
func (o *Orchestrator) Events(ctx context.Context, workflowID string) ([]*WorkflowEvent, error) {
	var evs []*WorkflowEvent
	err := o.store.WithTx(ctx, func(tx Tx) error {
		var err error
		evs, err = tx.ListEvents(ctx, workflowID)
		return err
	})
	return evs, err
}

// Steps returns a workflow's pipeline steps in index order.
func (o *Orchestrator) Steps(ctx context.Context, workflowID string) ([]*Step, error) {
	var steps []*Step
	err := o.store.WithTx(ctx, func(tx Tx) error {
		var err error
		steps, err = tx.ListSteps(ctx, workflowID)
		return err
	})
	return steps, err
}

// Approval loads an approval by id. The callback token stays on the
// record; outward-facing surfaces must strip it before rendering.
func (o *Orchestrator) Approval(ctx context.Context, id string) (*Approval, error) {
	var ap *Approval
	err := o.store.WithTx(ctx, func(tx Tx) error {
		var err error
		ap, err = tx.GetApproval(ctx, id)
		return err
	})
	return ap, err
}

// DeadLetters returns up to limit dead letters, newest first.
func (o *Orchestrator) DeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error) {
	var dls []*DeadLetter
	err := o.store.WithTx(ctx, func(tx Tx) error {
		var err error
		dls, err = tx.ListDeadLetters(ctx, limit)
		return err
	})
	return dls, err
}

// RedriveDeadLetter removes a dead letter and republishes its event on
// the bus for another delivery round.
func (o *Orchestrator) RedriveDeadLetter(ctx context.Context, id string) error {
	var dl *DeadLetter
	err := o.store.WithTx(ctx, func(tx Tx) error {
		var err error
		dl, err = tx.GetDeadLetter(ctx, id)
		if err != nil {
			return err
		}
		return tx.DeleteDeadLetter(ctx, id)
	})
	if err != nil {
		return err
	}

	return o.bus.Publish(ctx, bus.Event{
		Type:       dl.EventType,
		WorkflowID: dl.WorkflowID,
		Payload:    dl.Payload,
	})
}

// handleCreated advances freshly created multi-step pipelines.
func (o *Orchestrator) handleCreated(ctx context.Context, ev bus.Event) error {
	if multi, _ := ev.Payload["multi_step"].(bool); !multi {
		return nil
	}
	return o.executor.Advance(ctx, ev.WorkflowID)
}

// handleApprovalReceived resumes the pipeline on approve and runs
// compensation on reject.
func (o *Orchestrator) handleApprovalReceived(ctx context.Context, ev bus.Event) error {
	decision, _ := ev.Payload["decision"].(string)
	if decision == DecisionReject {
		return o.executor.Compensate(ctx, ev.WorkflowID)
	}
	return o.executor.Advance(ctx, ev.WorkflowID)
}

// handleStateChanged resumes workflows re-entering RUNNING through
// retry or rollback.
func (o *Orchestrator) handleStateChanged(ctx context.Context, ev bus.Event) error {
	to, _ := ev.Payload["to"].(string)
	cause, _ := ev.Payload["cause"].(string)
	if State(to) != StateRunning {
		return nil
	}
	if cause != "retry" && cause != "rollback" {
		return nil
	}
	return o.executor.Advance(ctx, ev.WorkflowID)
}

// storeDLQSink persists events the bus gave up on.
type storeDLQSink struct {
	store Store
}

func (s *storeDLQSink) DeadLetter(ctx context.Context, ev bus.Event, subscriber string, attempts int, lastErr error) error {
	msg := ""
	if lastErr != nil {
		msg = lastErr.Error()
	}
	return s.store.WithTx(ctx, func(tx Tx) error {
		return tx.InsertDeadLetter(ctx, &DeadLetter{
			ID:         uuid.NewString(),
			EventType:  ev.Type,
			Payload:    ev.Payload,
			Error:      fmt.Sprintf("subscriber %s failed after %d attempts: %s", subscriber, attempts, msg),
			RetryCount: attempts,
			WorkflowID: ev.WorkflowID,
			CreatedAt:  time.Now().UTC(),
		})
	})
}
