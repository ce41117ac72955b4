package flow

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/dshills/approvalflow-go/flow/bus"
	"github.com/dshills/approvalflow-go/flow/emit"
	"github.com/google/uuid"
)

// sweepBatchSize bounds how many rows one tick will touch.
const sweepBatchSize = 100

// TimeoutManager is the background sweeper: it expires PENDING
// approvals past their deadline and schedules retries for workflows
// stranded in TIMEOUT or FAILED.
//
// One manager per process. Each expiry runs in its own transaction
// under the approval row lock, re-checking status after acquiring it;
// a submit that wins the race leaves nothing for the sweep to do.
type TimeoutManager struct {
	store   Store
	bus     *bus.Bus
	machine *Machine
	emitter emit.Emitter
	metrics *PrometheusMetrics

	interval        time.Duration
	retryInitial    time.Duration
	retryMultiplier float64
	retryMax        time.Duration
	retryFailed     bool

	rng  *rand.Rand
	rngM sync.Mutex

	mu      sync.Mutex
	done    chan struct{}
	wg      sync.WaitGroup
	started bool
}

// NewTimeoutManager creates a timeout manager from the kernel config.
func NewTimeoutManager(store Store, b *bus.Bus, machine *Machine, emitter emit.Emitter, metrics *PrometheusMetrics, cfg Config) *TimeoutManager {
	cfg = cfg.withDefaults()
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &TimeoutManager{
		store:           store,
		bus:             b,
		machine:         machine,
		emitter:         emitter,
		metrics:         metrics,
		interval:        cfg.TimeoutScanInterval,
		retryInitial:    cfg.RetryInitialWait,
		retryMultiplier: cfg.RetryBackoffMultiplier,
		retryMax:        cfg.RetryMaxWait,
		retryFailed:     !cfg.TaskFailuresAreFinal,
		rng:             rand.New(rand.NewSource(time.Now().UnixNano())), // #nosec G404 -- jitter for retry timing, not security
	}
}

// Start launches the sweep loop. Safe to call once; subsequent calls
// are no-ops until Stop.
func (m *TimeoutManager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	m.done = make(chan struct{})

	m.wg.Add(1)
	go m.loop(m.done)
}

// Stop signals the loop to exit and waits for the in-flight tick to
// finish. Safe to call without Start.
func (m *TimeoutManager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	close(m.done)
	m.mu.Unlock()

	m.wg.Wait()
}

func (m *TimeoutManager) loop(done chan struct{}) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Tick(context.Background())
		case <-done:
			return
		}
	}
}

// Tick runs one sweep pass: expire overdue approvals, then retry
// eligible workflows. Exported so tests and operators can force a
// sweep without waiting for the interval.
func (m *TimeoutManager) Tick(ctx context.Context) {
	m.sweepExpired(ctx)
	m.sweepRetries(ctx)
}

// sweepExpired times out PENDING approvals whose deadline has passed.
func (m *TimeoutManager) sweepExpired(ctx context.Context) {
	var candidates []string
	err := m.store.WithTx(ctx, func(tx Tx) error {
		approvals, err := tx.ExpiredApprovals(ctx, time.Now().UTC(), sweepBatchSize)
		if err != nil {
			return err
		}
		for _, ap := range approvals {
			candidates = append(candidates, ap.ID)
		}
		return nil
	})
	if err != nil {
		m.emitter.Emit(emit.Event{Source: "timeout", Msg: "expired_scan_failed", Meta: map[string]interface{}{"error": err.Error()}})
		return
	}

	for _, id := range candidates {
		if err := m.expireOne(ctx, id); err != nil {
			// A lost race is expected; anything else is worth a line.
			if !errors.Is(err, ErrVersionConflict) && !errors.Is(err, ErrAlreadyDecided) {
				m.emitter.Emit(emit.Event{Source: "timeout", Msg: "expire_failed", Meta: map[string]interface{}{"approval_id": id, "error": err.Error()}})
			}
		}
	}
}

// expireOne times out a single approval in its own transaction.
func (m *TimeoutManager) expireOne(ctx context.Context, approvalID string) error {
	var (
		pending []bus.Event
		expired bool
	)
	err := m.store.WithTx(ctx, func(tx Tx) error {
		ap, err := tx.LockApproval(ctx, approvalID)
		if err != nil {
			return err
		}
		// Re-check under the lock: a submit may have won.
		if ap.Decided() {
			return ErrAlreadyDecided
		}
		now := time.Now().UTC()
		if !ap.ExpiredAt(now) {
			return nil
		}
		expired = true

		ap.Status = ApprovalTimeout
		ap.RespondedAt = &now
		if err := tx.UpdateApproval(ctx, ap); err != nil {
			return err
		}

		ev := &WorkflowEvent{
			ID:         uuid.NewString(),
			WorkflowID: ap.WorkflowID,
			EventType:  EventApprovalTimeout,
			Payload: map[string]any{
				"approval_id": ap.ID,
				"expired_at":  ap.ExpiresAt.Format(time.RFC3339Nano),
			},
			OccurredAt: now,
		}
		if err := tx.AppendEvent(ctx, ev); err != nil {
			return err
		}

		wf, err := tx.GetWorkflow(ctx, ap.WorkflowID)
		if err != nil {
			return err
		}
		if wf.State == StateWaitingApproval {
			evs, err := m.machine.transitionInTx(ctx, tx, wf, StateTimeout, map[string]any{
				"approval_id": ap.ID,
				"cause":       "approval_timeout",
			})
			if err != nil {
				return err
			}
			pending = append(pending, evs...)
		}

		pending = append(pending, bus.Event{
			Type:       EventApprovalTimeout,
			WorkflowID: ap.WorkflowID,
			Payload: map[string]any{
				"approval_id": ap.ID,
				"step_id":     ap.StepID,
			},
		})
		return nil
	})
	if err != nil {
		return err
	}

	if expired {
		m.metrics.ApprovalExpired()
	}
	m.machine.publish(ctx, pending)
	return nil
}

// sweepRetries re-runs workflows stranded in TIMEOUT (and FAILED,
// unless task failures are configured final) once their backoff has
// elapsed. Workflows with an exhausted budget were dead-lettered at
// their final transition and are skipped here.
func (m *TimeoutManager) sweepRetries(ctx context.Context) {
	states := []State{StateTimeout}
	if m.retryFailed {
		states = append(states, StateFailed)
	}

	var candidates []*Workflow
	err := m.store.WithTx(ctx, func(tx Tx) error {
		var err error
		candidates, err = tx.ListWorkflowsByState(ctx, states, sweepBatchSize)
		return err
	})
	if err != nil {
		m.emitter.Emit(emit.Event{Source: "timeout", Msg: "retry_scan_failed", Meta: map[string]interface{}{"error": err.Error()}})
		return
	}

	now := time.Now().UTC()
	for _, wf := range candidates {
		if wf.RetryCount >= wf.MaxRetries {
			continue
		}
		if now.Sub(wf.UpdatedAt) < m.retryBackoff(wf.RetryCount) {
			continue
		}
		if _, err := m.machine.Retry(ctx, wf.ID); err != nil {
			if errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrRetriesExhausted) {
				continue
			}
			m.emitter.Emit(emit.Event{WorkflowID: wf.ID, Source: "timeout", Msg: "retry_failed", Meta: map[string]interface{}{"error": err.Error()}})
		}
	}
}

// retryBackoff computes the wait before retry attempt n (zero-based)
// as min(initial * multiplier^n, max) plus jitter in [0, initial).
func (m *TimeoutManager) retryBackoff(attempt int) time.Duration {
	d := float64(m.retryInitial)
	for i := 0; i < attempt; i++ {
		d *= m.retryMultiplier
	}
	delay := time.Duration(d)
	if delay > m.retryMax || delay <= 0 {
		delay = m.retryMax
	}

	m.rngM.Lock()
	jitter := time.Duration(m.rng.Int63n(int64(m.retryInitial)))
	m.rngM.Unlock()

	return delay + jitter
}
