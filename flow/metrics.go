package flow

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics provides Prometheus-compatible metrics collection
// for kernel monitoring in production environments.
//
// Metrics exposed (all namespaced with "approvalflow_"):
//
//  1. workflows_created_total (counter): Workflows created, by workflow_type.
//  2. state_transitions_total (counter): Successful transitions, by from/to edge.
//  3. version_conflicts_total (counter): Conditional updates that lost the race.
//  4. approvals_requested_total (counter): Approval requests issued.
//  5. approval_decisions_total (counter): Decisions recorded, by decision.
//  6. approvals_expired_total (counter): Approvals expired by the timeout manager.
//  7. decision_latency_seconds (histogram): Request-to-decision latency.
//  8. bus_retries_total (counter): Event bus redelivery attempts.
//  9. bus_dead_letters_total (counter): Events dead-lettered by the bus.
//  10. bus_queue_depth (gauge): Per-subscriber queue depth.
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := flow.NewPrometheusMetrics(registry)
//	orch, _ := flow.New(store, flow.WithMetrics(metrics))
//
//	// Expose via HTTP for Prometheus scraping:
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
//
// Thread-safe: Prometheus collectors handle concurrent updates.
type PrometheusMetrics struct {
	workflowsCreated   *prometheus.CounterVec
	stateTransitions   *prometheus.CounterVec
	versionConflicts   prometheus.Counter
	approvalsRequested prometheus.Counter
	approvalDecisions  *prometheus.CounterVec
	approvalsExpired   prometheus.Counter
	decisionLatency    prometheus.Histogram
	busRetries         prometheus.Counter
	busDeadLetters     prometheus.Counter
	busQueueDepth      *prometheus.GaugeVec

	registry prometheus.Registerer

	mu      sync.RWMutex
	enabled bool
}

// NewPrometheusMetrics creates and registers all kernel metrics with
// the provided Prometheus registry. Pass nil to use the default
// global registry; a dedicated registry is recommended for isolation.
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	pm := &PrometheusMetrics{
		registry: registry,
		enabled:  true,
	}

	pm.workflowsCreated = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "approvalflow",
		Name:      "workflows_created_total",
		Help:      "Workflows created, by workflow type",
	}, []string{"workflow_type"})

	pm.stateTransitions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "approvalflow",
		Name:      "state_transitions_total",
		Help:      "Successful workflow state transitions, by edge",
	}, []string{"from", "to"})

	pm.versionConflicts = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "approvalflow",
		Name:      "version_conflicts_total",
		Help:      "Conditional workflow updates rejected by the version guard",
	})

	pm.approvalsRequested = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "approvalflow",
		Name:      "approvals_requested_total",
		Help:      "Approval requests issued",
	})

	pm.approvalDecisions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "approvalflow",
		Name:      "approval_decisions_total",
		Help:      "Approval decisions recorded, by decision",
	}, []string{"decision"})

	pm.approvalsExpired = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "approvalflow",
		Name:      "approvals_expired_total",
		Help:      "Pending approvals expired by the timeout manager",
	})

	pm.decisionLatency = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: "approvalflow",
		Name:      "decision_latency_seconds",
		Help:      "Latency from approval request to human decision",
		Buckets:   []float64{1, 10, 60, 300, 900, 3600, 14400, 86400}, // 1s to 1d
	})

	pm.busRetries = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "approvalflow",
		Name:      "bus_retries_total",
		Help:      "Event bus redelivery attempts",
	})

	pm.busDeadLetters = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "approvalflow",
		Name:      "bus_dead_letters_total",
		Help:      "Events dead-lettered after exhausting redelivery",
	})

	pm.busQueueDepth = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "approvalflow",
		Name:      "bus_queue_depth",
		Help:      "Queued events per bus subscriber",
	}, []string{"subscriber"})

	return pm
}

// WorkflowCreated increments workflows_created_total.
func (pm *PrometheusMetrics) WorkflowCreated(workflowType string) {
	if pm == nil || !pm.isEnabled() {
		return
	}
	pm.workflowsCreated.WithLabelValues(workflowType).Inc()
}

// StateTransition increments state_transitions_total for an edge.
func (pm *PrometheusMetrics) StateTransition(from, to State) {
	if pm == nil || !pm.isEnabled() {
		return
	}
	pm.stateTransitions.WithLabelValues(string(from), string(to)).Inc()
}

// VersionConflict increments version_conflicts_total.
func (pm *PrometheusMetrics) VersionConflict() {
	if pm == nil || !pm.isEnabled() {
		return
	}
	pm.versionConflicts.Inc()
}

// ApprovalRequested increments approvals_requested_total.
func (pm *PrometheusMetrics) ApprovalRequested() {
	if pm == nil || !pm.isEnabled() {
		return
	}
	pm.approvalsRequested.Inc()
}

// ApprovalDecided increments approval_decisions_total and observes the
// request-to-decision latency.
func (pm *PrometheusMetrics) ApprovalDecided(decision string, latency time.Duration) {
	if pm == nil || !pm.isEnabled() {
		return
	}
	pm.approvalDecisions.WithLabelValues(decision).Inc()
	pm.decisionLatency.Observe(latency.Seconds())
}

// ApprovalExpired increments approvals_expired_total.
func (pm *PrometheusMetrics) ApprovalExpired() {
	if pm == nil || !pm.isEnabled() {
		return
	}
	pm.approvalsExpired.Inc()
}

// BusRetried implements bus.Metrics.
func (pm *PrometheusMetrics) BusRetried() {
	if pm == nil || !pm.isEnabled() {
		return
	}
	pm.busRetries.Inc()
}

// BusDeadLettered implements bus.Metrics.
func (pm *PrometheusMetrics) BusDeadLettered() {
	if pm == nil || !pm.isEnabled() {
		return
	}
	pm.busDeadLetters.Inc()
}

// BusQueueDepth implements bus.Metrics.
func (pm *PrometheusMetrics) BusQueueDepth(subscriber string, depth int) {
	if pm == nil || !pm.isEnabled() {
		return
	}
	pm.busQueueDepth.WithLabelValues(subscriber).Set(float64(depth))
}

// Disable temporarily disables metric recording (useful for testing).
func (pm *PrometheusMetrics) Disable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = false
}

// Enable re-enables metric recording after Disable().
func (pm *PrometheusMetrics) Enable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = true
}

func (pm *PrometheusMetrics) isEnabled() bool {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.enabled
}
