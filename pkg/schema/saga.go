package schema

// ActionType is the closed enum of capabilities a step may be dispatched to.
type ActionType string

const (
	ActionKnowledgeRetrieval ActionType = "knowledge_retrieval"
	ActionDataQuery          ActionType = "data_query"
	ActionDataMutation       ActionType = "data_mutation"
	ActionComputation        ActionType = "computation"
	ActionResponseGeneration ActionType = "response_generation"
	ActionUserConfirmation   ActionType = "user_confirmation"
)

// KnownActionTypes lists every supported capability, in planning order.
var KnownActionTypes = []ActionType{
	ActionKnowledgeRetrieval,
	ActionDataQuery,
	ActionDataMutation,
	ActionComputation,
	ActionResponseGeneration,
	ActionUserConfirmation,
}

// Valid reports whether t is a member of the capability enum.
func (t ActionType) Valid() bool {
	for _, k := range KnownActionTypes {
		if t == k {
			return true
		}
	}
	return false
}

// CompensationType describes how a completed step's side effects are undone.
//
// CompensationNone means the step is known to have no side effects (nothing to
// undo); CompensationUnmodeled means a compensation has not been modeled for
// the action type yet and executes as a logged no-op. The two are deliberately
// distinct values rather than an overloaded empty string.
type CompensationType string

const (
	CompensationNone            CompensationType = "none"
	CompensationUnmodeled       CompensationType = "unmodeled"
	CompensationInvalidateCache CompensationType = "invalidate_cache"
	CompensationDropTempTable   CompensationType = "drop_temp_table"
	CompensationRevertMutation  CompensationType = "revert_mutation"
	CompensationDiscardResult   CompensationType = "discard_result"
)

// SagaStep is one planned unit of work. Steps are owned exclusively by their
// parent workflow and are never shared across workflows.
type SagaStep struct {
	StepID             int              `json:"step_id"` // 1-based, sequence-stable
	ActionType         ActionType       `json:"action_type"`
	Description        string           `json:"description,omitempty"`
	Instruction        string           `json:"instruction"`
	Parameters         map[string]any   `json:"parameters,omitempty"`
	CompensationType   CompensationType `json:"compensation_type,omitempty"`
	CompensationParams map[string]any   `json:"compensation_params,omitempty"`
	Preconditions      []Precondition   `json:"preconditions,omitempty"`
	SkipIf             string           `json:"skip_if,omitempty"`     // expr guard; true skips the step
	ResultPath         string           `json:"result_path,omitempty"` // jq expression applied to handler output
	Status             StepStatus       `json:"status"`
	RetryCount         int              `json:"retry_count"`
	MaxRetries         int              `json:"max_retries"`
}

// PreconditionKind enumerates the checks that may gate a step's dispatch.
type PreconditionKind string

const (
	PreconditionCapabilityAvailable PreconditionKind = "capability_available"
	PreconditionDependencyCompleted PreconditionKind = "dependency_completed"
	PreconditionDataReady           PreconditionKind = "data_ready"
	PreconditionResourceReady       PreconditionKind = "resource_ready"
)

// PreconditionStatus is the outcome of a single check.
type PreconditionStatus string

const (
	PreconditionPending   PreconditionStatus = "pending"
	PreconditionSatisfied PreconditionStatus = "satisfied"
	PreconditionFailed    PreconditionStatus = "failed"
)

// Precondition is a condition that must hold before a step may be dispatched.
type Precondition struct {
	Kind       PreconditionKind   `json:"kind"`
	Target     string             `json:"target,omitempty"`     // capability or resource name
	DependsOn  int                `json:"depends_on,omitempty"` // step id for dependency_completed
	Expression string             `json:"expression,omitempty"` // CEL, for data_ready
	Status     PreconditionStatus `json:"status,omitempty"`
	Message    string             `json:"message,omitempty"`
}

// TaskType is the coarse classification the planner assigns to an instruction.
type TaskType string

const (
	TaskDataAnalysis TaskType = "data_analysis"
	TaskGuidance     TaskType = "guidance"
	TaskSingleQuery  TaskType = "single_query"
	TaskDefault      TaskType = "default"
)

// Plan is the validated, normalized output of the plan generator.
type Plan struct {
	TaskType TaskType   `json:"task_type"`
	Steps    []SagaStep `json:"steps"`
	Source   PlanSource `json:"source"`
}

// PlanSource records which path produced the plan.
type PlanSource string

const (
	PlanSourceOracle   PlanSource = "oracle"
	PlanSourceFallback PlanSource = "fallback"
)

// RetryConfig configures the retry policy for external calls.
type RetryConfig struct {
	MaxAttempts   int     `json:"max_attempts"`
	InitialDelay  string  `json:"initial_delay,omitempty"`  // e.g. "1s", "500ms"
	BackoffFactor float64 `json:"backoff_factor,omitempty"` // multiplier per attempt
	MaxDelay      string  `json:"max_delay,omitempty"`
	JitterFactor  float64 `json:"jitter_factor,omitempty"` // ± fraction of the delay
}
