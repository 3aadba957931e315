package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/larenas/sagaflow/internal/expressions"
	"github.com/larenas/sagaflow/internal/handlers"
	"github.com/larenas/sagaflow/internal/logging"
	"github.com/larenas/sagaflow/internal/queue"
	"github.com/larenas/sagaflow/internal/store"
	"github.com/larenas/sagaflow/pkg/schema"
)

// ExecutorConfig wires the executor's collaborators. Queue is optional: when
// nil every step runs synchronously inside Run; when set, Run enqueues the
// first step and the queue worker drives the rest through ExecuteStep.
type ExecutorConfig struct {
	Store      store.Store
	Registry   *handlers.Registry
	Preconds   *PreconditionChecker
	Comp       *CompensationManager
	Retry      *RetryPolicy
	Breakers   *CircuitBreakerRegistry
	Heartbeats *HeartbeatPublisher
	SkipEval   *expressions.ExprEngine
	ResultEval *expressions.GoJQEngine
	Queue      queue.Queue
	Logger     *slog.Logger
}

// Executor drives workflows through their saga steps one at a time, persisting
// the full state after every step so a crash never loses more than the step in
// flight.
type Executor struct {
	store      store.Store
	wfFSM      *WorkflowFSM
	stepFSM    *StepFSM
	registry   *handlers.Registry
	preconds   *PreconditionChecker
	comp       *CompensationManager
	retry      *RetryPolicy
	breakers   *CircuitBreakerRegistry
	heartbeats *HeartbeatPublisher
	skipEval   *expressions.ExprEngine
	resultEval *expressions.GoJQEngine
	queue      queue.Queue
	logger     *slog.Logger
}

// NewExecutor creates an Executor from its wired collaborators.
func NewExecutor(cfg ExecutorConfig) *Executor {
	retry := cfg.Retry
	if retry == nil {
		retry = DefaultRetryPolicy()
	}
	return &Executor{
		store:      cfg.Store,
		wfFSM:      NewWorkflowFSM(cfg.Store),
		stepFSM:    NewStepFSM(cfg.Store),
		registry:   cfg.Registry,
		preconds:   cfg.Preconds,
		comp:       cfg.Comp,
		retry:      retry,
		breakers:   cfg.Breakers,
		heartbeats: cfg.Heartbeats,
		skipEval:   cfg.SkipEval,
		resultEval: cfg.ResultEval,
		queue:      cfg.Queue,
		logger:     cfg.Logger,
	}
}

type stepOutcome int

const (
	outcomeCompleted stepOutcome = iota
	outcomeSkipped
	outcomePaused
	outcomeFailed
)

// Run starts a pending workflow. With a queue configured it enqueues the first
// step and returns immediately; otherwise it executes steps in order until the
// workflow reaches a terminal or paused state.
func (e *Executor) Run(ctx context.Context, workflowID string) error {
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	ctx = logging.WithIDs(ctx, wf.WorkflowID, wf.SessionID)

	if err := e.wfFSM.Transition(ctx, wf.WorkflowID, wf.Status, schema.WorkflowStatusRunning); err != nil {
		return err
	}
	wf.Status = schema.WorkflowStatusRunning
	if err := e.store.UpdateWorkflow(ctx, wf); err != nil {
		return err
	}

	if e.queue != nil {
		return e.enqueueStep(ctx, wf, wf.CurrentStep)
	}
	return e.runLoop(ctx, wf)
}

// runLoop executes steps sequentially from wf.CurrentStep. It returns when the
// workflow terminates, pauses, or a storage error makes progress unsafe.
func (e *Executor) runLoop(ctx context.Context, wf *store.WorkflowState) error {
	for wf.CurrentStep <= len(wf.Steps) {
		if err := ctx.Err(); err != nil {
			return err
		}

		outcome, err := e.runStep(ctx, wf, wf.CurrentStep)
		if err != nil {
			return err
		}
		switch outcome {
		case outcomePaused:
			return nil
		case outcomeFailed:
			// The workflow is already compensated and failed; nothing left to run.
			return nil
		}
	}
	return e.finalize(ctx, wf)
}

// ExecuteStep is the queue worker's entry point: it executes exactly one step
// of a workflow and enqueues the next. Replayed jobs are detected through the
// workflow state and acknowledged without re-executing the step.
//
// A handled step failure (retries exhausted, compensation swept) returns nil:
// the saga outcome is recorded and redelivery would not help. Errors are
// reserved for infrastructure faults where redelivery is the right response.
func (e *Executor) ExecuteStep(ctx context.Context, workflowID string, stepID int, idempotencyKey string) error {
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	ctx = logging.WithIDs(ctx, wf.WorkflowID, wf.SessionID)

	if wf.Status != schema.WorkflowStatusRunning {
		e.logger.InfoContext(ctx, "dropping step job for non-running workflow",
			slog.String("status", string(wf.Status)), slog.Int("step_id", stepID))
		return nil
	}
	if stepID < wf.CurrentStep {
		// Duplicate delivery of an already-handled step.
		e.logger.InfoContext(ctx, "step already handled, acknowledging duplicate",
			slog.Int("step_id", stepID), slog.String("idempotency_key", idempotencyKey))
		return nil
	}
	if stepID > wf.CurrentStep {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"step %d delivered while workflow is at step %d", stepID, wf.CurrentStep).WithStep(stepID)
	}

	outcome, err := e.runStep(ctx, wf, stepID)
	if err != nil {
		return err
	}
	switch outcome {
	case outcomePaused, outcomeFailed:
		return nil
	}

	if wf.CurrentStep > len(wf.Steps) {
		return e.finalize(ctx, wf)
	}
	return e.enqueueStep(ctx, wf, wf.CurrentStep)
}

// runStep executes a single step end to end: skip guard, preconditions,
// retried dispatch, result capture and state persistence. On success or skip
// the workflow's cursor advances and the new state is persisted before the
// outcome is returned.
func (e *Executor) runStep(ctx context.Context, wf *store.WorkflowState, stepID int) (stepOutcome, error) {
	step := wf.StepByID(stepID)
	if step == nil {
		return outcomeFailed, schema.NewErrorf(schema.ErrCodeNotFound,
			"workflow %q has no step %d", wf.WorkflowID, stepID).WithStep(stepID)
	}
	ctx = logging.WithStepID(ctx, stepID)

	skip, err := e.shouldSkip(ctx, wf, step)
	if err != nil {
		return e.failStep(ctx, wf, step, err)
	}
	if skip {
		if err := e.skipStep(ctx, wf, step); err != nil {
			return outcomeFailed, err
		}
		return outcomeSkipped, nil
	}

	if err := e.preconds.CheckAll(ctx, wf, step); err != nil {
		e.appendEvent(ctx, wf, step.StepID, schema.EventPreconditionsFailed, map[string]any{
			"error": err.Error(),
		})
		return e.failStep(ctx, wf, step, err)
	}

	if step.ActionType == schema.ActionUserConfirmation {
		return e.pauseForConfirmation(ctx, wf, step)
	}

	output, res := e.dispatch(ctx, wf, step)
	step.RetryCount = res.Attempts - 1
	if step.RetryCount < 0 {
		step.RetryCount = 0
	}
	if !res.Success {
		if IsCircuitOpenError(res.LastErr) {
			e.appendEvent(ctx, wf, step.StepID, schema.EventCircuitBreakerOpen, map[string]any{
				"action_type": string(step.ActionType),
			})
		}
		return e.failStep(ctx, wf, step, res.LastErr)
	}

	if err := e.completeStep(ctx, wf, step, output); err != nil {
		return outcomeFailed, err
	}
	return outcomeCompleted, nil
}

// dispatch runs the step's handler under the retry policy and circuit breaker.
// Step state transitions track each attempt: dispatched before the call,
// executing during it, failed after an unsuccessful one, and back to
// dispatched (a retry event) before the next attempt.
func (e *Executor) dispatch(ctx context.Context, wf *store.WorkflowState, step *schema.SagaStep) (map[string]any, RetryResult) {
	handler, err := e.registry.Get(step.ActionType)
	if err != nil {
		return nil, RetryResult{LastErr: err}
	}

	policy := e.retry
	if step.MaxRetries > 0 {
		p := *policy
		p.MaxAttempts = step.MaxRetries + 1
		policy = &p
	}

	var output map[string]any
	attempt := 0
	res := RetryWithCircuitBreaker(ctx, policy, e.breakers, step.ActionType, func(ctx context.Context) error {
		if step.Status == schema.StepStatusExecuting {
			// A step found executing was interrupted by a crash; its outcome is
			// unknown, so record a failure and let this attempt be its retry.
			if err := e.stepFSM.Transition(ctx, wf.WorkflowID, step.StepID, step.Status, schema.StepStatusFailed); err != nil {
				return err
			}
			step.Status = schema.StepStatusFailed
		}
		if step.Status != schema.StepStatusDispatched {
			if err := e.stepFSM.Transition(ctx, wf.WorkflowID, step.StepID, step.Status, schema.StepStatusDispatched); err != nil {
				return err
			}
			step.Status = schema.StepStatusDispatched
		}
		if err := e.stepFSM.Transition(ctx, wf.WorkflowID, step.StepID, step.Status, schema.StepStatusExecuting); err != nil {
			return err
		}
		step.Status = schema.StepStatusExecuting

		key := idempotencyKey(wf.WorkflowID, step.StepID, attempt)
		attempt++

		hb := e.heartbeats.Start(ctx, wf, step.StepID, step.Description)
		out, handleErr := handler.Handle(ctx, step, handlers.HandlerInput{
			WorkflowID:     wf.WorkflowID,
			SessionID:      wf.SessionID,
			IdempotencyKey: key,
			Results:        wf.Results,
		})
		if handleErr != nil {
			hb.Fail(ctx, handleErr.Error())
			if err := e.stepFSM.Transition(ctx, wf.WorkflowID, step.StepID, step.Status, schema.StepStatusFailed); err != nil {
				e.logger.WarnContext(ctx, "step failure transition rejected", slog.String("error", err.Error()))
			}
			step.Status = schema.StepStatusFailed
			return handleErr
		}

		hb.Complete(ctx, "")
		output = out
		return nil
	})

	return output, res
}

// shouldSkip evaluates the step's skip guard against accumulated results.
func (e *Executor) shouldSkip(ctx context.Context, wf *store.WorkflowState, step *schema.SagaStep) (bool, error) {
	if step.SkipIf == "" {
		return false, nil
	}
	return e.skipEval.EvaluateBool(ctx, step.SkipIf, map[string]any{
		"results": wf.Results,
		"params":  step.Parameters,
		"workflow": map[string]any{
			"workflow_id": wf.WorkflowID,
			"status":      string(wf.Status),
		},
	})
}

func (e *Executor) skipStep(ctx context.Context, wf *store.WorkflowState, step *schema.SagaStep) error {
	if err := e.stepFSM.Transition(ctx, wf.WorkflowID, step.StepID, step.Status, schema.StepStatusSkipped); err != nil {
		return err
	}
	step.Status = schema.StepStatusSkipped
	wf.SkippedSteps = append(wf.SkippedSteps, step.StepID)
	wf.CurrentStep = step.StepID + 1
	e.logger.InfoContext(ctx, "step skipped", slog.String("skip_if", step.SkipIf))
	return e.store.UpdateWorkflow(ctx, wf)
}

// completeStep records a successful step: result captured (optionally through
// its result_path jq projection), compensation registered, cursor advanced,
// state persisted.
func (e *Executor) completeStep(ctx context.Context, wf *store.WorkflowState, step *schema.SagaStep, output map[string]any) error {
	result, err := e.projectResult(ctx, step, output)
	if err != nil {
		// A bad projection must not lose the step's work; keep the raw output.
		e.logger.WarnContext(ctx, "result_path projection failed, storing raw output",
			slog.String("result_path", step.ResultPath), slog.String("error", err.Error()))
		result = output
	}

	if err := e.stepFSM.Transition(ctx, wf.WorkflowID, step.StepID, step.Status, schema.StepStatusCompleted); err != nil {
		return err
	}
	step.Status = schema.StepStatusCompleted

	if wf.Results == nil {
		wf.Results = make(map[string]any)
	}
	wf.Results[strconv.Itoa(step.StepID)] = result
	wf.CompletedSteps = append(wf.CompletedSteps, step.StepID)

	if action := e.comp.CreateCompensation(step); action != nil {
		wf.PendingCompensations = append(wf.PendingCompensations, *action)
	}

	wf.CurrentStep = step.StepID + 1
	return e.store.UpdateWorkflow(ctx, wf)
}

func (e *Executor) projectResult(ctx context.Context, step *schema.SagaStep, output map[string]any) (any, error) {
	if step.ResultPath == "" {
		return output, nil
	}
	if output == nil {
		output = map[string]any{}
	}
	return e.resultEval.Evaluate(ctx, step.ResultPath, output)
}

// failStep is the terminal failure path for a step: mark it failed, move the
// workflow into compensation, sweep all pending compensations in reverse
// order, and fail the workflow.
func (e *Executor) failStep(ctx context.Context, wf *store.WorkflowState, step *schema.SagaStep, cause error) (stepOutcome, error) {
	if step.Status != schema.StepStatusFailed {
		// Preconditions and skip guards fail before any dispatch; walk the step
		// through dispatched so the failure is a legal transition.
		if step.Status == schema.StepStatusPending {
			if err := e.stepFSM.Transition(ctx, wf.WorkflowID, step.StepID, step.Status, schema.StepStatusDispatched); err != nil {
				return outcomeFailed, err
			}
			step.Status = schema.StepStatusDispatched
		}
		if e.stepFSM.CanTransition(step.Status, schema.StepStatusFailed) {
			if err := e.stepFSM.Transition(ctx, wf.WorkflowID, step.StepID, step.Status, schema.StepStatusFailed); err != nil {
				return outcomeFailed, err
			}
			step.Status = schema.StepStatusFailed
		}
	}
	wf.FailedSteps = append(wf.FailedSteps, step.StepID)
	if cause != nil {
		wf.Error = cause.Error()
	}

	e.logger.ErrorContext(ctx, "step failed, compensating workflow",
		slog.Int("retry_count", step.RetryCount),
		slog.String("error", wf.Error))

	if err := e.wfFSM.Transition(ctx, wf.WorkflowID, wf.Status, schema.WorkflowStatusCompensating); err != nil {
		return outcomeFailed, err
	}
	wf.Status = schema.WorkflowStatusCompensating
	if err := e.store.UpdateWorkflow(ctx, wf); err != nil {
		return outcomeFailed, err
	}

	e.comp.CompensateAll(ctx, wf)

	if err := e.wfFSM.Transition(ctx, wf.WorkflowID, wf.Status, schema.WorkflowStatusFailed); err != nil {
		return outcomeFailed, err
	}
	wf.Status = schema.WorkflowStatusFailed
	now := time.Now().UTC()
	wf.CompletedAt = &now
	if err := e.store.UpdateWorkflow(ctx, wf); err != nil {
		return outcomeFailed, err
	}
	return outcomeFailed, nil
}

// pauseForConfirmation parks the workflow until Resume supplies the user's
// answer. The step stays dispatched so the resume path can complete it.
func (e *Executor) pauseForConfirmation(ctx context.Context, wf *store.WorkflowState, step *schema.SagaStep) (stepOutcome, error) {
	if step.Status != schema.StepStatusDispatched {
		if err := e.stepFSM.Transition(ctx, wf.WorkflowID, step.StepID, step.Status, schema.StepStatusDispatched); err != nil {
			return outcomeFailed, err
		}
		step.Status = schema.StepStatusDispatched
	}

	if err := e.wfFSM.Transition(ctx, wf.WorkflowID, wf.Status, schema.WorkflowStatusPaused); err != nil {
		return outcomeFailed, err
	}
	wf.Status = schema.WorkflowStatusPaused
	if err := e.store.UpdateWorkflow(ctx, wf); err != nil {
		return outcomeFailed, err
	}

	e.logger.InfoContext(ctx, "workflow paused awaiting user confirmation",
		slog.Int("step_id", step.StepID))
	return outcomePaused, nil
}

// Resume answers a paused workflow's pending user_confirmation step and
// continues execution. Resuming an already-completed workflow is a no-op so
// duplicate resume calls are safe.
func (e *Executor) Resume(ctx context.Context, workflowID string, userResponse string) error {
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	ctx = logging.WithIDs(ctx, wf.WorkflowID, wf.SessionID)

	if wf.Status == schema.WorkflowStatusCompleted {
		return nil
	}
	if wf.Status != schema.WorkflowStatusPaused {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"workflow %q is %s, only paused workflows can be resumed", workflowID, wf.Status)
	}

	step := wf.StepByID(wf.CurrentStep)
	if step != nil && step.ActionType == schema.ActionUserConfirmation && step.Status == schema.StepStatusDispatched {
		if err := e.stepFSM.Transition(ctx, wf.WorkflowID, step.StepID, step.Status, schema.StepStatusExecuting); err != nil {
			return err
		}
		step.Status = schema.StepStatusExecuting
		if err := e.stepFSM.Transition(ctx, wf.WorkflowID, step.StepID, step.Status, schema.StepStatusCompleted); err != nil {
			return err
		}
		step.Status = schema.StepStatusCompleted

		if wf.Results == nil {
			wf.Results = make(map[string]any)
		}
		wf.Results[strconv.Itoa(step.StepID)] = map[string]any{"response": userResponse}
		wf.CompletedSteps = append(wf.CompletedSteps, step.StepID)
		wf.CurrentStep = step.StepID + 1
	}

	if err := e.wfFSM.Transition(ctx, wf.WorkflowID, wf.Status, schema.WorkflowStatusRunning); err != nil {
		return err
	}
	wf.Status = schema.WorkflowStatusRunning
	if err := e.store.UpdateWorkflow(ctx, wf); err != nil {
		return err
	}

	if wf.CurrentStep > len(wf.Steps) {
		return e.finalize(ctx, wf)
	}
	if e.queue != nil {
		return e.enqueueStep(ctx, wf, wf.CurrentStep)
	}
	return e.runLoop(ctx, wf)
}

// Cancel stops a workflow. With force set, pending compensations run to
// completion before the cancellation lands; otherwise the workflow is
// cancelled directly, leaving completed side effects intact with their
// compensation records unexecuted.
func (e *Executor) Cancel(ctx context.Context, workflowID string, force bool) error {
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	ctx = logging.WithIDs(ctx, wf.WorkflowID, wf.SessionID)

	if !e.wfFSM.CanTransition(wf.Status, schema.WorkflowStatusCancelled) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"workflow %q is %s and cannot be cancelled", workflowID, wf.Status)
	}

	if force {
		e.comp.CompensateAll(ctx, wf)
	}

	stepStatuses := make(map[int]schema.StepStatus, len(wf.Steps))
	for i := range wf.Steps {
		stepStatuses[wf.Steps[i].StepID] = wf.Steps[i].Status
	}
	if err := CancelWorkflow(ctx, e.wfFSM, e.stepFSM, wf.WorkflowID, wf.Status, stepStatuses); err != nil {
		return err
	}
	wf.Status = schema.WorkflowStatusCancelled
	for i := range wf.Steps {
		s := &wf.Steps[i]
		if !isTerminalStep(s.Status) {
			s.Status = schema.StepStatusSkipped
			wf.SkippedSteps = append(wf.SkippedSteps, s.StepID)
		}
	}
	now := time.Now().UTC()
	wf.CompletedAt = &now
	return e.store.UpdateWorkflow(ctx, wf)
}

// finalize marks a workflow whose cursor has passed the last step as completed.
func (e *Executor) finalize(ctx context.Context, wf *store.WorkflowState) error {
	if err := e.wfFSM.Transition(ctx, wf.WorkflowID, wf.Status, schema.WorkflowStatusCompleted); err != nil {
		return err
	}
	wf.Status = schema.WorkflowStatusCompleted
	now := time.Now().UTC()
	wf.CompletedAt = &now
	if err := e.store.UpdateWorkflow(ctx, wf); err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "workflow completed",
		slog.Int("steps_completed", len(wf.CompletedSteps)),
		slog.Int("steps_skipped", len(wf.SkippedSteps)))
	return nil
}

// enqueueStep hands the next step to the queue, keyed for replay safety.
func (e *Executor) enqueueStep(ctx context.Context, wf *store.WorkflowState, stepID int) error {
	step := wf.StepByID(stepID)
	if step == nil {
		return schema.NewErrorf(schema.ErrCodeNotFound,
			"workflow %q has no step %d", wf.WorkflowID, stepID).WithStep(stepID)
	}
	key := idempotencyKey(wf.WorkflowID, stepID, step.RetryCount)
	jobID, err := e.queue.Enqueue(ctx, &queue.JobSpec{
		WorkflowID:     wf.WorkflowID,
		StepID:         stepID,
		IdempotencyKey: key,
	})
	if err != nil {
		return err
	}
	e.appendEvent(ctx, wf, stepID, schema.EventStepEnqueued, map[string]any{
		"job_id":          jobID,
		"idempotency_key": key,
	})
	return nil
}

// WorkflowStatusReport is a read-only view of a workflow's progress.
type WorkflowStatusReport struct {
	WorkflowID     string                `json:"workflow_id"`
	SessionID      string                `json:"session_id"`
	Status         schema.WorkflowStatus `json:"status"`
	CurrentStep    int                   `json:"current_step"`
	TotalSteps     int                   `json:"total_steps"`
	CompletedSteps []int                 `json:"completed_steps,omitempty"`
	FailedSteps    []int                 `json:"failed_steps,omitempty"`
	SkippedSteps   []int                 `json:"skipped_steps,omitempty"`
	Progress       float64               `json:"progress"`
	Error          string                `json:"error,omitempty"`
	Results        map[string]any        `json:"results,omitempty"`
}

// Status reports a workflow's current progress.
func (e *Executor) Status(ctx context.Context, workflowID string) (*WorkflowStatusReport, error) {
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	progress := 0.0
	if len(wf.Steps) > 0 {
		handled := len(wf.CompletedSteps) + len(wf.FailedSteps) + len(wf.SkippedSteps)
		progress = float64(handled) / float64(len(wf.Steps))
	}
	return &WorkflowStatusReport{
		WorkflowID:     wf.WorkflowID,
		SessionID:      wf.SessionID,
		Status:         wf.Status,
		CurrentStep:    wf.CurrentStep,
		TotalSteps:     len(wf.Steps),
		CompletedSteps: wf.CompletedSteps,
		FailedSteps:    wf.FailedSteps,
		SkippedSteps:   wf.SkippedSteps,
		Progress:       progress,
		Error:          wf.Error,
		Results:        wf.Results,
	}, nil
}

func (e *Executor) appendEvent(ctx context.Context, wf *store.WorkflowState, stepID int, eventType string, details map[string]any) {
	err := e.store.AppendEvent(ctx, &store.Event{
		WorkflowID: wf.WorkflowID,
		SessionID:  wf.SessionID,
		StepID:     stepID,
		Type:       eventType,
		Details:    details,
	})
	if err != nil {
		e.logger.WarnContext(ctx, "append event failed",
			slog.String("event_type", eventType), slog.String("error", err.Error()))
	}
}

func idempotencyKey(workflowID string, stepID, retryCount int) string {
	return fmt.Sprintf("%s:%d:%d", workflowID, stepID, retryCount)
}
