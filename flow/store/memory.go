// Package store provides persistence gateway implementations for the
// orchestration kernel: in-memory (testing), SQLite (single-process
// deployments), and MySQL (production).
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dshills/approvalflow-go/flow"
)

// MemStore is an in-memory implementation of flow.Store.
//
// Designed for:
//   - Testing and development
//   - Short-lived workflows where persistence isn't required
//
// MemStore is thread-safe. Transactions hold an exclusive lock for
// their whole scope, so every transaction observes and produces a
// consistent snapshot; a transaction whose function returns an error
// leaves no trace.
//
// Limitations:
//   - Data is lost when the process terminates
//   - Memory usage grows with workflow history
type MemStore struct {
	mu sync.Mutex

	workflows   map[string]*flow.Workflow
	events      map[string][]*flow.WorkflowEvent // workflowID -> events
	steps       map[string]*flow.Step
	approvals   map[string]*flow.Approval
	deadLetters map[string]*flow.DeadLetter

	closed bool
}

// NewMemStore creates a new in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		workflows:   make(map[string]*flow.Workflow),
		events:      make(map[string][]*flow.WorkflowEvent),
		steps:       make(map[string]*flow.Step),
		approvals:   make(map[string]*flow.Approval),
		deadLetters: make(map[string]*flow.DeadLetter),
	}
}

// WithTx runs fn under the store lock. On error the pre-transaction
// snapshot is restored, giving rollback semantics.
func (m *MemStore) WithTx(ctx context.Context, fn func(tx flow.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errClosed
	}

	snap := m.snapshot()
	if err := fn(&memTx{store: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

// Ping reports whether the store is usable.
func (m *MemStore) Ping(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errClosed
	}
	return nil
}

// Close marks the store closed. Double-close is a no-op.
func (m *MemStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

type memSnapshot struct {
	workflows   map[string]*flow.Workflow
	events      map[string][]*flow.WorkflowEvent
	steps       map[string]*flow.Step
	approvals   map[string]*flow.Approval
	deadLetters map[string]*flow.DeadLetter
}

func (m *MemStore) snapshot() memSnapshot {
	s := memSnapshot{
		workflows:   make(map[string]*flow.Workflow, len(m.workflows)),
		events:      make(map[string][]*flow.WorkflowEvent, len(m.events)),
		steps:       make(map[string]*flow.Step, len(m.steps)),
		approvals:   make(map[string]*flow.Approval, len(m.approvals)),
		deadLetters: make(map[string]*flow.DeadLetter, len(m.deadLetters)),
	}
	for k, v := range m.workflows {
		cp := *v
		s.workflows[k] = &cp
	}
	for k, v := range m.events {
		evs := make([]*flow.WorkflowEvent, len(v))
		copy(evs, v)
		s.events[k] = evs
	}
	for k, v := range m.steps {
		cp := *v
		s.steps[k] = &cp
	}
	for k, v := range m.approvals {
		cp := *v
		s.approvals[k] = &cp
	}
	for k, v := range m.deadLetters {
		cp := *v
		s.deadLetters[k] = &cp
	}
	return s
}

func (m *MemStore) restore(s memSnapshot) {
	m.workflows = s.workflows
	m.events = s.events
	m.steps = s.steps
	m.approvals = s.approvals
	m.deadLetters = s.deadLetters
}

// memTx is the transactional view over a locked MemStore.
type memTx struct {
	store *MemStore
}

func (t *memTx) InsertWorkflow(_ context.Context, wf *flow.Workflow) error {
	if wf.IdempotencyKey != "" {
		for _, existing := range t.store.workflows {
			if existing.WorkflowType == wf.WorkflowType && existing.IdempotencyKey == wf.IdempotencyKey {
				return errDuplicateKey
			}
		}
	}
	cp := *wf
	t.store.workflows[wf.ID] = &cp
	return nil
}

func (t *memTx) GetWorkflow(_ context.Context, id string) (*flow.Workflow, error) {
	wf, ok := t.store.workflows[id]
	if !ok {
		return nil, flow.ErrNotFound
	}
	cp := *wf
	return &cp, nil
}

func (t *memTx) FindWorkflowByIdempotencyKey(_ context.Context, workflowType, key string) (*flow.Workflow, error) {
	for _, wf := range t.store.workflows {
		if wf.WorkflowType == workflowType && wf.IdempotencyKey == key {
			cp := *wf
			return &cp, nil
		}
	}
	return nil, flow.ErrNotFound
}

func (t *memTx) UpdateWorkflow(_ context.Context, wf *flow.Workflow, expectedVersion int) error {
	current, ok := t.store.workflows[wf.ID]
	if !ok {
		return flow.ErrNotFound
	}
	if current.Version != expectedVersion {
		return flow.ErrVersionConflict
	}
	cp := *wf
	cp.Version = expectedVersion + 1
	cp.UpdatedAt = time.Now().UTC()
	t.store.workflows[wf.ID] = &cp
	wf.Version = cp.Version
	wf.UpdatedAt = cp.UpdatedAt
	return nil
}

func (t *memTx) ListWorkflowsByState(_ context.Context, states []flow.State, limit int) ([]*flow.Workflow, error) {
	wanted := make(map[flow.State]bool, len(states))
	for _, s := range states {
		wanted[s] = true
	}

	var result []*flow.Workflow
	for _, wf := range t.store.workflows {
		if wanted[wf.State] {
			cp := *wf
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (t *memTx) AppendEvent(_ context.Context, ev *flow.WorkflowEvent) error {
	ev.Sequence = len(t.store.events[ev.WorkflowID]) + 1
	cp := *ev
	t.store.events[ev.WorkflowID] = append(t.store.events[ev.WorkflowID], &cp)
	return nil
}

func (t *memTx) ListEvents(_ context.Context, workflowID string) ([]*flow.WorkflowEvent, error) {
	events := t.store.events[workflowID]
	result := make([]*flow.WorkflowEvent, len(events))
	for i, ev := range events {
		cp := *ev
		result[i] = &cp
	}
	return result, nil
}

func (t *memTx) InsertStep(_ context.Context, st *flow.Step) error {
	cp := *st
	t.store.steps[st.ID] = &cp
	return nil
}

func (t *memTx) ListSteps(_ context.Context, workflowID string) ([]*flow.Step, error) {
	var result []*flow.Step
	for _, st := range t.store.steps {
		if st.WorkflowID == workflowID {
			cp := *st
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].StepIndex < result[j].StepIndex
	})
	return result, nil
}

func (t *memTx) GetStep(_ context.Context, id string) (*flow.Step, error) {
	st, ok := t.store.steps[id]
	if !ok {
		return nil, flow.ErrNotFound
	}
	cp := *st
	return &cp, nil
}

func (t *memTx) UpdateStep(_ context.Context, st *flow.Step) error {
	if _, ok := t.store.steps[st.ID]; !ok {
		return flow.ErrNotFound
	}
	cp := *st
	t.store.steps[st.ID] = &cp
	return nil
}

func (t *memTx) InsertApproval(_ context.Context, ap *flow.Approval) error {
	cp := *ap
	t.store.approvals[ap.ID] = &cp
	return nil
}

func (t *memTx) GetApproval(_ context.Context, id string) (*flow.Approval, error) {
	ap, ok := t.store.approvals[id]
	if !ok {
		return nil, flow.ErrNotFound
	}
	cp := *ap
	return &cp, nil
}

// LockApproval is a plain read here: the store lock held for the whole
// transaction already serializes writers.
func (t *memTx) LockApproval(ctx context.Context, id string) (*flow.Approval, error) {
	return t.GetApproval(ctx, id)
}

func (t *memTx) UpdateApproval(_ context.Context, ap *flow.Approval) error {
	if _, ok := t.store.approvals[ap.ID]; !ok {
		return flow.ErrNotFound
	}
	cp := *ap
	t.store.approvals[ap.ID] = &cp
	return nil
}

func (t *memTx) ListPendingApprovals(_ context.Context, workflowID string) ([]*flow.Approval, error) {
	var result []*flow.Approval
	for _, ap := range t.store.approvals {
		if ap.WorkflowID == workflowID && ap.Status == flow.ApprovalPending {
			cp := *ap
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].RequestedAt.Before(result[j].RequestedAt)
	})
	return result, nil
}

func (t *memTx) LatestApproval(_ context.Context, workflowID string) (*flow.Approval, error) {
	var latest *flow.Approval
	for _, ap := range t.store.approvals {
		if ap.WorkflowID != workflowID {
			continue
		}
		if latest == nil || ap.RequestedAt.After(latest.RequestedAt) {
			latest = ap
		}
	}
	if latest == nil {
		return nil, flow.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (t *memTx) ExpiredApprovals(_ context.Context, now time.Time, limit int) ([]*flow.Approval, error) {
	var result []*flow.Approval
	for _, ap := range t.store.approvals {
		if ap.Status == flow.ApprovalPending && !ap.ExpiresAt.After(now) {
			cp := *ap
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ExpiresAt.Before(result[j].ExpiresAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (t *memTx) InsertDeadLetter(_ context.Context, dl *flow.DeadLetter) error {
	cp := *dl
	t.store.deadLetters[dl.ID] = &cp
	return nil
}

func (t *memTx) GetDeadLetter(_ context.Context, id string) (*flow.DeadLetter, error) {
	dl, ok := t.store.deadLetters[id]
	if !ok {
		return nil, flow.ErrNotFound
	}
	cp := *dl
	return &cp, nil
}

func (t *memTx) ListDeadLetters(_ context.Context, limit int) ([]*flow.DeadLetter, error) {
	var result []*flow.DeadLetter
	for _, dl := range t.store.deadLetters {
		cp := *dl
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (t *memTx) DeleteDeadLetter(_ context.Context, id string) error {
	if _, ok := t.store.deadLetters[id]; !ok {
		return flow.ErrNotFound
	}
	delete(t.store.deadLetters, id)
	return nil
}
