package flow

// Canonical event types published on the bus and recorded in workflow
// event logs. Subscribers match on these names (or "*" for all).
const (
	EventWorkflowCreated           = "workflow.created"
	EventWorkflowStateChanged      = "workflow.state_changed"
	EventWorkflowCompleted         = "workflow.completed"
	EventWorkflowFailed            = "workflow.failed"
	EventWorkflowRollbackRequested = "workflow.rollback_requested"

	EventApprovalRequested = "approval.requested"
	EventApprovalReceived  = "approval.received"
	EventApprovalTimeout   = "approval.timeout"

	EventStepStarted   = "step.started"
	EventStepCompleted = "step.completed"
	EventStepFailed    = "step.failed"
)
