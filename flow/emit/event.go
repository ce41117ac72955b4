package emit

// Event represents an observability event emitted during workflow
// orchestration.
//
// Events provide detailed insight into kernel behavior:
//   - Workflow creation and state transitions
//   - Approval requests, decisions, and expiries
//   - Step execution start/complete
//   - Retry attempts and dead-lettering
//
// Events are emitted to an Emitter which can:
//   - Log to stdout/stderr
//   - Send to OpenTelemetry
//   - Store in memory for test assertions
type Event struct {
	// WorkflowID identifies the workflow this event belongs to.
	// Empty for kernel-level events (startup, shutdown, scan errors).
	WorkflowID string

	// Seq is the workflow's event sequence number when known.
	// Zero for events outside the persisted event log.
	Seq int

	// Source identifies the component that emitted this event
	// (e.g., "machine", "approvals", "executor", "timeouts", "bus").
	Source string

	// Msg is a short machine-friendly description of the event
	// (e.g., "state_changed", "approval_requested").
	Msg string

	// Meta contains additional structured data specific to this event.
	// Common keys:
	//   - "from", "to": transition edge
	//   - "approval_id", "step_id": related records
	//   - "error": failure details
	//   - "attempt": retry attempt number
	Meta map[string]interface{}
}
