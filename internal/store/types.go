package store

import (
	"time"

	"github.com/larenas/sagaflow/pkg/schema"
)

// WorkflowState is the persisted representation of a workflow execution.
// It is the single source of truth for resumption: after a restart the
// executor reconstructs everything it needs from this record.
type WorkflowState struct {
	WorkflowID  string                `json:"workflow_id"`
	SessionID   string                `json:"session_id"`
	Instruction string                `json:"instruction"`
	TaskType    schema.TaskType       `json:"task_type,omitempty"`
	PlanSource  schema.PlanSource     `json:"plan_source,omitempty"`
	Status      schema.WorkflowStatus `json:"status"`
	Steps       []schema.SagaStep     `json:"steps"`

	// CurrentStep is the 1-based id of the next step to execute; it equals
	// len(Steps)+1 once every step has been handled.
	CurrentStep    int   `json:"current_step"`
	CompletedSteps []int `json:"completed_steps,omitempty"`
	FailedSteps    []int `json:"failed_steps,omitempty"`
	SkippedSteps   []int `json:"skipped_steps,omitempty"`

	// Results accumulates per-step handler output, keyed by decimal step id.
	Results map[string]any `json:"results,omitempty"`

	PendingCompensations []CompensationAction `json:"pending_compensations,omitempty"`
	CompensationHistory  []CompensationAction `json:"compensation_history,omitempty"`

	Error         string     `json:"error,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// StepByID returns the step with the given 1-based id, or nil.
func (w *WorkflowState) StepByID(stepID int) *schema.SagaStep {
	for i := range w.Steps {
		if w.Steps[i].StepID == stepID {
			return &w.Steps[i]
		}
	}
	return nil
}

// CompensationAction records one undo action derived from a completed step.
type CompensationAction struct {
	ActionID         string                    `json:"action_id"`
	StepID           int                       `json:"step_id"`
	ActionType       schema.ActionType         `json:"action_type"`
	CompensationType schema.CompensationType   `json:"compensation_type"`
	Params           map[string]any            `json:"params,omitempty"`
	Status           schema.CompensationStatus `json:"status"`
	Error            string                    `json:"error,omitempty"`
	ExecutedAt       *time.Time                `json:"executed_at,omitempty"`
}

// Event is an immutable entry in the append-only audit log.
type Event struct {
	ID         int64          `json:"id"`
	WorkflowID string         `json:"workflow_id"`
	SessionID  string         `json:"session_id,omitempty"`
	StepID     int            `json:"step_id,omitempty"`
	Type       string         `json:"event_type"`
	FromStatus string         `json:"from_status,omitempty"`
	ToStatus   string         `json:"to_status,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	Actor      string         `json:"actor,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Sequence   int64          `json:"sequence"`
}

// WorkflowFilter specifies criteria for listing workflows.
type WorkflowFilter struct {
	SessionID string                 `json:"session_id,omitempty"`
	Status    *schema.WorkflowStatus `json:"status,omitempty"`
	Since     *time.Time             `json:"since,omitempty"`
	Limit     int                    `json:"limit,omitempty"`
	Offset    int                    `json:"offset,omitempty"`
}

// EventFilter specifies criteria for listing events.
type EventFilter struct {
	WorkflowID string     `json:"workflow_id,omitempty"`
	SessionID  string     `json:"session_id,omitempty"`
	StepID     int        `json:"step_id,omitempty"`
	Since      *time.Time `json:"since,omitempty"`
	Limit      int        `json:"limit,omitempty"`
}
