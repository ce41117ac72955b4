// Package flow implements a human-in-the-loop workflow orchestration
// kernel: a persisted workflow state machine, a step executor for
// task/approval pipelines, an approval service with signed callback
// tokens, and a timeout manager that expires and retries stalled work.
package flow

import (
	"encoding/json"
	"time"
)

// State is the lifecycle state of a workflow.
//
// The state machine:
//
//	CREATED → RUNNING → WAITING_APPROVAL → APPROVED → COMPLETED
//
// with REJECTED, TIMEOUT, and FAILED as recoverable terminals
// (rollback or retry re-enter RUNNING) and COMPLETED absorbing.
type State string

const (
	StateCreated         State = "CREATED"
	StateRunning         State = "RUNNING"
	StateWaitingApproval State = "WAITING_APPROVAL"
	StateApproved        State = "APPROVED"
	StateRejected        State = "REJECTED"
	StateCompleted       State = "COMPLETED"
	StateTimeout         State = "TIMEOUT"
	StateFailed          State = "FAILED"
)

// validTransitions is the complete edge set of the workflow state
// machine. REJECTED → RUNNING is reachable only through admin
// rollback; TIMEOUT/FAILED → RUNNING only through retry. COMPLETED
// has no outgoing edges.
var validTransitions = map[State][]State{
	StateCreated:         {StateRunning, StateFailed},
	StateRunning:         {StateRunning, StateWaitingApproval, StateCompleted, StateFailed},
	StateWaitingApproval: {StateApproved, StateRejected, StateTimeout},
	StateApproved:        {StateRunning, StateCompleted},
	StateRejected:        {StateRunning},
	StateTimeout:         {StateRunning},
	StateFailed:          {StateRunning},
	StateCompleted:       {},
}

// CanTransition reports whether from → to is a valid edge.
func CanTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the state accepts no further work from
// the executor. REJECTED, TIMEOUT, and FAILED are terminal but
// recoverable; COMPLETED is absorbing.
func IsTerminal(s State) bool {
	switch s {
	case StateCompleted, StateRejected, StateTimeout, StateFailed:
		return true
	}
	return false
}

// Workflow is the unit of orchestration: a typed, versioned record
// carrying arbitrary JSON context through the state machine.
//
// Version increments by exactly one on every successful mutation and
// backs the optimistic concurrency guard: updates are conditional on
// the version the writer last read.
type Workflow struct {
	ID             string
	WorkflowType   string
	Context        json.RawMessage
	State          State
	Version        int
	RetryCount     int
	MaxRetries     int
	MultiStep      bool
	IdempotencyKey string
	LastRetryAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// StepStatus is the lifecycle status of a single pipeline step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepType distinguishes automated task steps from human approval gates.
type StepType string

const (
	StepTypeTask     StepType = "task"
	StepTypeApproval StepType = "approval"
)

// Step is one entry in a multi-step workflow pipeline, executed in
// StepIndex order. Task steps name a registered handler; approval
// steps carry a UI schema and block on a human decision.
type Step struct {
	ID          string
	WorkflowID  string
	StepIndex   int
	Type        StepType
	Status      StepStatus
	TaskHandler string
	TaskInput   json.RawMessage
	TaskOutput  json.RawMessage
	UISchema    *UISchema
	ApprovalID  string
	Error       string
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// ApprovalStatus is the lifecycle status of an approval request.
type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "PENDING"
	ApprovalApproved  ApprovalStatus = "APPROVED"
	ApprovalRejected  ApprovalStatus = "REJECTED"
	ApprovalTimeout   ApprovalStatus = "TIMEOUT"
	ApprovalCancelled ApprovalStatus = "CANCELLED"
)

// Decision values accepted by Submit.
const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
)

// Approval is a pending human decision bound to a workflow (and, for
// multi-step pipelines, to a specific approval step). The callback
// token is the only credential needed to decide it, so it is treated
// as a secret and never rendered back through read APIs.
type Approval struct {
	ID            string
	WorkflowID    string
	StepID        string
	UISchema      UISchema
	Status        ApprovalStatus
	Decision      string
	ResponseData  map[string]any
	CallbackToken string
	RequestedAt   time.Time
	ExpiresAt     time.Time
	RespondedAt   *time.Time
}

// Decided reports whether the approval has reached a final status.
func (a *Approval) Decided() bool {
	return a.Status != ApprovalPending
}

// ExpiredAt reports whether the approval deadline has passed at now.
// The boundary is inclusive: a decision landing exactly at expires_at
// is late, matching the expiry sweep's expires_at <= now scan.
func (a *Approval) ExpiredAt(now time.Time) bool {
	return !now.Before(a.ExpiresAt)
}

// UISchema is the portable, channel-agnostic description of an
// approval prompt. Adapters render it into channel-native widgets
// (chat blocks, web forms); the kernel itself only validates
// submitted responses against it.
type UISchema struct {
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Fields      []FormField    `json:"fields,omitempty"`
	Buttons     []ActionButton `json:"buttons,omitempty"`
}

// FormField describes one input in an approval form.
type FormField struct {
	Name        string        `json:"name"`
	Type        string        `json:"type"` // text, select, checkbox, textarea
	Label       string        `json:"label"`
	Required    bool          `json:"required,omitempty"`
	Placeholder string        `json:"placeholder,omitempty"`
	HelpText    string        `json:"help_text,omitempty"`
	Options     []FieldOption `json:"options,omitempty"`
}

// FieldOption is one selectable value of a select field.
type FieldOption struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// ActionButton describes a decision button on an approval prompt.
// Action must be one of the accepted decisions.
type ActionButton struct {
	Action string `json:"action"` // approve or reject
	Label  string `json:"label"`
	Style  string `json:"style,omitempty"` // primary, danger
}

// DefaultButtons is the button set used when an approval schema
// declares none.
func DefaultButtons() []ActionButton {
	return []ActionButton{
		{Action: DecisionApprove, Label: "Approve", Style: "primary"},
		{Action: DecisionReject, Label: "Reject", Style: "danger"},
	}
}

// WorkflowEvent is one row of a workflow's append-only event log.
// Sequence increases by one per event within a workflow, giving each
// history a gapless total order.
type WorkflowEvent struct {
	ID         string
	WorkflowID string
	EventType  string
	Payload    map[string]any
	Sequence   int
	OccurredAt time.Time
}

// DeadLetter is an event or workflow that exhausted its retry budget.
// Entries are kept for operator inspection and manual replay.
type DeadLetter struct {
	ID         string
	EventType  string
	Payload    map[string]any
	Error      string
	RetryCount int
	WorkflowID string
	CreatedAt  time.Time
}
