package emit

// Emitter receives and processes observability events from the
// orchestration kernel.
//
// Emitters enable pluggable observability backends:
//   - Logging: stdout, files, syslog
//   - Distributed tracing: OpenTelemetry, Jaeger, Zipkin
//   - Test capture: in-memory buffers
//
// Implementations should be:
//   - Non-blocking: Avoid slowing down orchestration
//   - Thread-safe: May be called concurrently from multiple services
//   - Resilient: Handle failures gracefully (don't crash the kernel)
type Emitter interface {
	// Emit sends an observability event to the configured backend.
	//
	// Implementations should not block orchestration. If the backend
	// is unavailable or slow, events should be buffered, dropped with
	// internal logging, or sent asynchronously.
	//
	// Emit should not panic. Errors should be handled internally.
	Emit(event Event)
}
