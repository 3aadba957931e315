package engine

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/larenas/sagaflow/internal/handlers"
	"github.com/larenas/sagaflow/internal/store"
	"github.com/larenas/sagaflow/pkg/schema"
)

// defaultCompensations maps each capability to how its side effects are
// undone when the plan does not say otherwise. Read-only capabilities carry
// CompensationNone; capabilities whose undo has not been modeled yet carry
// CompensationUnmodeled and execute as a logged no-op.
var defaultCompensations = map[schema.ActionType]schema.CompensationType{
	schema.ActionKnowledgeRetrieval: schema.CompensationInvalidateCache,
	schema.ActionDataQuery:          schema.CompensationDropTempTable,
	schema.ActionDataMutation:       schema.CompensationRevertMutation,
	schema.ActionComputation:        schema.CompensationDiscardResult,
	schema.ActionResponseGeneration: schema.CompensationNone,
	schema.ActionUserConfirmation:   schema.CompensationNone,
}

// CompensationManager derives and executes undo actions for completed steps.
type CompensationManager struct {
	registry *handlers.Registry
	appender EventAppender
	logger   *slog.Logger
}

// NewCompensationManager creates a CompensationManager.
func NewCompensationManager(registry *handlers.Registry, appender EventAppender, logger *slog.Logger) *CompensationManager {
	return &CompensationManager{registry: registry, appender: appender, logger: logger}
}

// DeriveCompensationType resolves the compensation type for a step: an
// explicit plan-time type wins, then the per-capability default, then
// CompensationUnmodeled.
func DeriveCompensationType(step *schema.SagaStep) schema.CompensationType {
	if step.CompensationType != "" {
		return step.CompensationType
	}
	if ct, ok := defaultCompensations[step.ActionType]; ok {
		return ct
	}
	return schema.CompensationUnmodeled
}

// CreateCompensation builds the pending compensation record for a completed step.
// Steps with CompensationNone have nothing to undo and produce no record.
func (m *CompensationManager) CreateCompensation(step *schema.SagaStep) *store.CompensationAction {
	ct := DeriveCompensationType(step)
	if ct == schema.CompensationNone {
		return nil
	}
	return &store.CompensationAction{
		ActionID:         uuid.New().String(),
		StepID:           step.StepID,
		ActionType:       step.ActionType,
		CompensationType: ct,
		Params:           step.CompensationParams,
		Status:           schema.CompensationStatusPending,
	}
}

// CompensateAll executes every pending compensation in reverse step order.
// The sweep is best-effort: a failing action is recorded and the sweep moves
// on to the next one, never aborting mid-way. The sweep runs on a context
// detached from workflow cancellation so a cancel cannot strand half-undone
// side effects.
//
// Executed actions are moved from wf.PendingCompensations to
// wf.CompensationHistory; the caller persists wf afterwards.
func (m *CompensationManager) CompensateAll(ctx context.Context, wf *store.WorkflowState) []store.CompensationAction {
	return m.compensate(ctx, wf, 0)
}

// CompensateFrom executes pending compensations for steps with id >= fromStepID,
// in reverse step order.
func (m *CompensationManager) CompensateFrom(ctx context.Context, wf *store.WorkflowState, fromStepID int) []store.CompensationAction {
	return m.compensate(ctx, wf, fromStepID)
}

func (m *CompensationManager) compensate(ctx context.Context, wf *store.WorkflowState, fromStepID int) []store.CompensationAction {
	ctx = context.WithoutCancel(ctx)

	var pending, kept []store.CompensationAction
	for _, a := range wf.PendingCompensations {
		if a.StepID >= fromStepID {
			pending = append(pending, a)
		} else {
			kept = append(kept, a)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].StepID > pending[j].StepID })

	m.appendEvent(ctx, wf, 0, schema.EventCompensationStarted, map[string]any{
		"pending": len(pending),
	})

	executed := make([]store.CompensationAction, 0, len(pending))
	for i := range pending {
		action := pending[i]
		m.executeAction(ctx, wf, &action)
		executed = append(executed, action)
	}

	wf.PendingCompensations = kept
	wf.CompensationHistory = append(wf.CompensationHistory, executed...)
	return executed
}

func (m *CompensationManager) executeAction(ctx context.Context, wf *store.WorkflowState, action *store.CompensationAction) {
	now := time.Now().UTC()
	action.Status = schema.CompensationStatusExecuting
	action.ExecutedAt = &now

	logger := m.logger.With(
		slog.String("workflow_id", wf.WorkflowID),
		slog.Int("step_id", action.StepID),
		slog.String("compensation_type", string(action.CompensationType)),
	)

	handler, ok := m.registry.GetCompensation(action.CompensationType)
	if !ok {
		// No handler modeled yet: record the intent and move on.
		logger.InfoContext(ctx, "compensation has no handler, recording no-op")
		action.Status = schema.CompensationStatusCompleted
		m.appendEvent(ctx, wf, action.StepID, schema.EventCompensationCompleted, map[string]any{
			"action_id": action.ActionID,
			"noop":      true,
		})
		return
	}

	if err := handler.Compensate(ctx, action.Params); err != nil {
		logger.ErrorContext(ctx, "compensation failed", slog.String("error", err.Error()))
		action.Status = schema.CompensationStatusFailed
		action.Error = err.Error()
		m.appendEvent(ctx, wf, action.StepID, schema.EventCompensationFailed, map[string]any{
			"action_id": action.ActionID,
			"error":     err.Error(),
		})
		return
	}

	logger.InfoContext(ctx, "compensation completed")
	action.Status = schema.CompensationStatusCompleted
	m.appendEvent(ctx, wf, action.StepID, schema.EventCompensationCompleted, map[string]any{
		"action_id": action.ActionID,
	})
}

func (m *CompensationManager) appendEvent(ctx context.Context, wf *store.WorkflowState, stepID int, eventType string, details map[string]any) {
	err := m.appender.AppendEvent(ctx, &store.Event{
		WorkflowID: wf.WorkflowID,
		SessionID:  wf.SessionID,
		StepID:     stepID,
		Type:       eventType,
		Details:    details,
	})
	if err != nil {
		m.logger.WarnContext(ctx, "append compensation event failed", slog.String("error", err.Error()))
	}
}
