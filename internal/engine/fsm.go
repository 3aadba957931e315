package engine

import (
	"context"
	"sync"

	"github.com/larenas/sagaflow/internal/store"
	"github.com/larenas/sagaflow/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(from, to string) error

// EventAppender is satisfied by the Store and EventLog; used by FSMs to emit
// events on transitions.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// --- Workflow FSM ---

type workflowHookKey struct {
	from, to schema.WorkflowStatus
}

// WorkflowFSM manages workflow lifecycle state transitions.
type WorkflowFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[workflowHookKey][]TransitionHook
	after    map[workflowHookKey][]TransitionHook
}

// NewWorkflowFSM creates a new WorkflowFSM that emits events via the given appender.
func NewWorkflowFSM(appender EventAppender) *WorkflowFSM {
	return &WorkflowFSM{
		appender: appender,
		before:   make(map[workflowHookKey][]TransitionHook),
		after:    make(map[workflowHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a workflow transition.
func (f *WorkflowFSM) OnBefore(from, to schema.WorkflowStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := workflowHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a workflow transition.
func (f *WorkflowFSM) OnAfter(from, to schema.WorkflowStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := workflowHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// CanTransition reports whether the workflow transition is legal.
func (f *WorkflowFSM) CanTransition(from, to schema.WorkflowStatus) bool {
	return isValidWorkflowTransition(from, to)
}

// Transition validates and executes a workflow state transition.
// It emits the corresponding event via the appender.
// The caller (Executor) is responsible for persisting the new state to the store.
func (f *WorkflowFSM) Transition(ctx context.Context, workflowID string, from, to schema.WorkflowStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidWorkflowTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid workflow transition: %s -> %s", from, to).
			WithDetails(map[string]any{"workflow_id": workflowID, "from": string(from), "to": string(to)})
	}

	key := workflowHookKey{from, to}

	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	if eventType := workflowEventType(from, to); eventType != "" {
		event := &store.Event{
			WorkflowID: workflowID,
			Type:       eventType,
			FromStatus: string(from),
			ToStatus:   string(to),
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit workflow event: %s", err.Error()).WithCause(err)
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	return nil
}

func isValidWorkflowTransition(from, to schema.WorkflowStatus) bool {
	allowed, ok := ValidWorkflowTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func workflowEventType(from, to schema.WorkflowStatus) string {
	switch to {
	case schema.WorkflowStatusRunning:
		if from == schema.WorkflowStatusPaused {
			return schema.EventWorkflowResumed
		}
		return schema.EventWorkflowStarted
	case schema.WorkflowStatusCompleted:
		return schema.EventWorkflowCompleted
	case schema.WorkflowStatusFailed:
		return schema.EventWorkflowFailed
	case schema.WorkflowStatusCancelled:
		return schema.EventWorkflowCancelled
	case schema.WorkflowStatusPaused:
		return schema.EventWorkflowPaused
	case schema.WorkflowStatusCompensating:
		return schema.EventWorkflowCompensating
	default:
		return ""
	}
}

// --- Step FSM ---

type stepHookKey struct {
	from, to schema.StepStatus
}

// StepFSM manages step lifecycle state transitions.
type StepFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[stepHookKey][]TransitionHook
	after    map[stepHookKey][]TransitionHook
}

// NewStepFSM creates a new StepFSM that emits events via the given appender.
func NewStepFSM(appender EventAppender) *StepFSM {
	return &StepFSM{
		appender: appender,
		before:   make(map[stepHookKey][]TransitionHook),
		after:    make(map[stepHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a step transition.
func (f *StepFSM) OnBefore(from, to schema.StepStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := stepHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a step transition.
func (f *StepFSM) OnAfter(from, to schema.StepStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := stepHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// CanTransition reports whether the step transition is legal.
func (f *StepFSM) CanTransition(from, to schema.StepStatus) bool {
	return isValidStepTransition(from, to)
}

// Transition validates and executes a step state transition.
// It emits the corresponding event via the appender. A rejected transition
// returns an error and emits nothing.
func (f *StepFSM) Transition(ctx context.Context, workflowID string, stepID int, from, to schema.StepStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidStepTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid step transition: %s -> %s", from, to).
			WithStep(stepID).
			WithDetails(map[string]any{"workflow_id": workflowID, "from": string(from), "to": string(to)})
	}

	key := stepHookKey{from, to}

	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	if eventType := stepEventType(from, to); eventType != "" {
		event := &store.Event{
			WorkflowID: workflowID,
			StepID:     stepID,
			Type:       eventType,
			FromStatus: string(from),
			ToStatus:   string(to),
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit step event: %s", err.Error()).
				WithStep(stepID).WithCause(err)
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	return nil
}

func isValidStepTransition(from, to schema.StepStatus) bool {
	allowed, ok := ValidStepTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func stepEventType(from, to schema.StepStatus) string {
	switch to {
	case schema.StepStatusDispatched:
		if from == schema.StepStatusFailed {
			return schema.EventStepRetry
		}
		return schema.EventStepDispatched
	case schema.StepStatusExecuting:
		return schema.EventStepExecuting
	case schema.StepStatusCompleted:
		return schema.EventStepCompleted
	case schema.StepStatusFailed:
		return schema.EventStepFailed
	case schema.StepStatusSkipped:
		return schema.EventStepSkipped
	default:
		return ""
	}
}

// --- Cancel Cascade ---

// CancelWorkflow transitions a workflow to cancelled and skips all non-terminal
// steps that can still be skipped. stepStatuses maps step id to current status.
func CancelWorkflow(ctx context.Context, wfFSM *WorkflowFSM, stepFSM *StepFSM, workflowID string, currentStatus schema.WorkflowStatus, stepStatuses map[int]schema.StepStatus) error {
	if err := wfFSM.Transition(ctx, workflowID, currentStatus, schema.WorkflowStatusCancelled); err != nil {
		return err
	}

	for stepID, status := range stepStatuses {
		if isTerminalStep(status) {
			continue
		}
		if isValidStepTransition(status, schema.StepStatusSkipped) {
			if err := stepFSM.Transition(ctx, workflowID, stepID, status, schema.StepStatusSkipped); err != nil {
				return err
			}
		}
	}
	return nil
}

func isTerminalStep(s schema.StepStatus) bool {
	return s == schema.StepStatusCompleted || s == schema.StepStatusFailed || s == schema.StepStatusSkipped
}

// --- Transition tables ---

// ValidWorkflowTransitions defines the allowed state transitions for workflows.
var ValidWorkflowTransitions = map[schema.WorkflowStatus][]schema.WorkflowStatus{
	schema.WorkflowStatusPending:      {schema.WorkflowStatusRunning, schema.WorkflowStatusCancelled},
	schema.WorkflowStatusRunning:      {schema.WorkflowStatusCompleted, schema.WorkflowStatusCompensating, schema.WorkflowStatusFailed, schema.WorkflowStatusPaused, schema.WorkflowStatusCancelled},
	schema.WorkflowStatusCompensating: {schema.WorkflowStatusFailed, schema.WorkflowStatusCancelled},
	schema.WorkflowStatusPaused:       {schema.WorkflowStatusRunning, schema.WorkflowStatusCancelled},
	schema.WorkflowStatusCompleted:    {},
	schema.WorkflowStatusFailed:       {},
	schema.WorkflowStatusCancelled:    {},
}

// ValidStepTransitions defines the allowed state transitions for steps.
// A failed step may re-dispatch (retry) or be marked completed by a manual
// override; completed, failed-out and skipped steps are otherwise terminal.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending:    {schema.StepStatusDispatched, schema.StepStatusSkipped},
	schema.StepStatusDispatched: {schema.StepStatusExecuting, schema.StepStatusFailed, schema.StepStatusSkipped},
	schema.StepStatusExecuting:  {schema.StepStatusCompleted, schema.StepStatusFailed},
	schema.StepStatusFailed:     {schema.StepStatusDispatched, schema.StepStatusCompleted},
	schema.StepStatusCompleted:  {},
	schema.StepStatusSkipped:    {},
}
