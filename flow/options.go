package flow

import (
	"github.com/dshills/approvalflow-go/flow/emit"
)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithConfig replaces the default configuration. Zero-valued fields
// fall back to their defaults.
func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) {
		o.cfg = cfg
	}
}

// WithEmitter sets the observability emitter used by every kernel
// component. Defaults to the null emitter.
func WithEmitter(e emit.Emitter) Option {
	return func(o *Orchestrator) {
		o.emitter = e
	}
}

// WithMetrics sets the Prometheus metrics collector. Defaults to nil
// (no instrumentation).
func WithMetrics(m *PrometheusMetrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithRegistry sets the task handler registry. Defaults to an empty
// registry; handlers may also be registered later through Registry().
func WithRegistry(r *Registry) Option {
	return func(o *Orchestrator) {
		o.registry = r
	}
}
