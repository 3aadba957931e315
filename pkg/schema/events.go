package schema

// Event type constants for the append-only audit log.
const (
	EventWorkflowCreated      = "workflow_created"
	EventWorkflowStarted      = "workflow_started"
	EventWorkflowCompleted    = "workflow_completed"
	EventWorkflowFailed       = "workflow_failed"
	EventWorkflowCancelled    = "workflow_cancelled"
	EventWorkflowPaused       = "workflow_paused"
	EventWorkflowResumed      = "workflow_resumed"
	EventWorkflowCompensating = "workflow_compensating"

	EventStepDispatched = "step_dispatched"
	EventStepExecuting  = "step_executing"
	EventStepCompleted  = "step_completed"
	EventStepFailed     = "step_failed"
	EventStepSkipped    = "step_skipped"
	EventStepRetry      = "step_retry"

	EventPlanGenerated       = "plan_generated"
	EventPlanFallback        = "plan_fallback"
	EventPreconditionsFailed = "preconditions_failed"
	EventStepEnqueued        = "step_enqueued"

	EventCompensationStarted   = "compensation_started"
	EventCompensationCompleted = "compensation_completed"
	EventCompensationFailed    = "compensation_failed"

	EventCircuitBreakerOpen = "circuit_breaker_open"
	EventHeartbeatStale     = "heartbeat_stale"
)

// WorkflowStatus represents the lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowStatusPending      WorkflowStatus = "pending"
	WorkflowStatusRunning      WorkflowStatus = "running"
	WorkflowStatusCompleted    WorkflowStatus = "completed"
	WorkflowStatusFailed       WorkflowStatus = "failed"
	WorkflowStatusCompensating WorkflowStatus = "compensating"
	WorkflowStatusCancelled    WorkflowStatus = "cancelled"
	WorkflowStatusPaused       WorkflowStatus = "paused"
)

// StepStatus represents the lifecycle state of a step.
type StepStatus string

const (
	StepStatusPending    StepStatus = "pending"
	StepStatusDispatched StepStatus = "dispatched"
	StepStatusExecuting  StepStatus = "executing"
	StepStatusCompleted  StepStatus = "completed"
	StepStatusFailed     StepStatus = "failed"
	StepStatusSkipped    StepStatus = "skipped"
)

// CompensationStatus represents the lifecycle state of a compensation action.
type CompensationStatus string

const (
	CompensationStatusPending   CompensationStatus = "pending"
	CompensationStatusExecuting CompensationStatus = "executing"
	CompensationStatusCompleted CompensationStatus = "completed"
	CompensationStatusFailed    CompensationStatus = "failed"
)
