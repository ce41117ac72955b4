package emit

// NullEmitter implements Emitter by discarding all events.
//
// Use when observability output is not wanted, e.g. benchmarks or
// embedding the kernel in a host that does its own instrumentation.
type NullEmitter struct{}

// NewNullEmitter creates a new NullEmitter.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit discards the event.
func (n *NullEmitter) Emit(_ Event) {}
