package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/larenas/sagaflow/pkg/schema"
)

func TestWorkflowFSM_ValidTransitions(t *testing.T) {
	cases := []struct {
		from, to schema.WorkflowStatus
		event    string
	}{
		{schema.WorkflowStatusPending, schema.WorkflowStatusRunning, schema.EventWorkflowStarted},
		{schema.WorkflowStatusPending, schema.WorkflowStatusCancelled, schema.EventWorkflowCancelled},
		{schema.WorkflowStatusRunning, schema.WorkflowStatusCompleted, schema.EventWorkflowCompleted},
		{schema.WorkflowStatusRunning, schema.WorkflowStatusCompensating, schema.EventWorkflowCompensating},
		{schema.WorkflowStatusRunning, schema.WorkflowStatusPaused, schema.EventWorkflowPaused},
		{schema.WorkflowStatusRunning, schema.WorkflowStatusCancelled, schema.EventWorkflowCancelled},
		{schema.WorkflowStatusCompensating, schema.WorkflowStatusFailed, schema.EventWorkflowFailed},
		{schema.WorkflowStatusPaused, schema.WorkflowStatusRunning, schema.EventWorkflowResumed},
		{schema.WorkflowStatusPaused, schema.WorkflowStatusCancelled, schema.EventWorkflowCancelled},
	}

	for _, tc := range cases {
		t.Run(string(tc.from)+"_to_"+string(tc.to), func(t *testing.T) {
			appender := &captureAppender{}
			fsm := NewWorkflowFSM(appender)

			require.NoError(t, fsm.Transition(context.Background(), "wf-1", tc.from, tc.to))
			require.Len(t, appender.events, 1)
			assert.Equal(t, tc.event, appender.events[0].Type)
			assert.Equal(t, string(tc.from), appender.events[0].FromStatus)
			assert.Equal(t, string(tc.to), appender.events[0].ToStatus)
		})
	}
}

func TestWorkflowFSM_RejectedTransitionEmitsNothing(t *testing.T) {
	cases := []struct {
		from, to schema.WorkflowStatus
	}{
		{schema.WorkflowStatusCompleted, schema.WorkflowStatusRunning},
		{schema.WorkflowStatusFailed, schema.WorkflowStatusRunning},
		{schema.WorkflowStatusCancelled, schema.WorkflowStatusRunning},
		{schema.WorkflowStatusPending, schema.WorkflowStatusCompleted},
		{schema.WorkflowStatusPending, schema.WorkflowStatusPaused},
		{schema.WorkflowStatusCompensating, schema.WorkflowStatusRunning},
		{schema.WorkflowStatusCompensating, schema.WorkflowStatusCompleted},
	}

	for _, tc := range cases {
		t.Run(string(tc.from)+"_to_"+string(tc.to), func(t *testing.T) {
			appender := &captureAppender{}
			fsm := NewWorkflowFSM(appender)

			err := fsm.Transition(context.Background(), "wf-1", tc.from, tc.to)
			require.Error(t, err)

			var sagaErr *schema.SagaError
			require.ErrorAs(t, err, &sagaErr)
			assert.Equal(t, schema.ErrCodeInvalidTransition, sagaErr.Code)
			assert.Empty(t, appender.events)
		})
	}
}

func TestStepFSM_ValidTransitions(t *testing.T) {
	cases := []struct {
		from, to schema.StepStatus
		event    string
	}{
		{schema.StepStatusPending, schema.StepStatusDispatched, schema.EventStepDispatched},
		{schema.StepStatusPending, schema.StepStatusSkipped, schema.EventStepSkipped},
		{schema.StepStatusDispatched, schema.StepStatusExecuting, schema.EventStepExecuting},
		{schema.StepStatusDispatched, schema.StepStatusFailed, schema.EventStepFailed},
		{schema.StepStatusExecuting, schema.StepStatusCompleted, schema.EventStepCompleted},
		{schema.StepStatusExecuting, schema.StepStatusFailed, schema.EventStepFailed},
		{schema.StepStatusFailed, schema.StepStatusDispatched, schema.EventStepRetry},
		{schema.StepStatusFailed, schema.StepStatusCompleted, schema.EventStepCompleted},
	}

	for _, tc := range cases {
		t.Run(string(tc.from)+"_to_"+string(tc.to), func(t *testing.T) {
			appender := &captureAppender{}
			fsm := NewStepFSM(appender)

			require.NoError(t, fsm.Transition(context.Background(), "wf-1", 3, tc.from, tc.to))
			require.Len(t, appender.events, 1)
			assert.Equal(t, tc.event, appender.events[0].Type)
			assert.Equal(t, 3, appender.events[0].StepID)
		})
	}
}

func TestStepFSM_TerminalStatesAreFinal(t *testing.T) {
	appender := &captureAppender{}
	fsm := NewStepFSM(appender)

	for _, from := range []schema.StepStatus{schema.StepStatusCompleted, schema.StepStatusSkipped} {
		for _, to := range []schema.StepStatus{
			schema.StepStatusPending, schema.StepStatusDispatched,
			schema.StepStatusExecuting, schema.StepStatusFailed,
		} {
			err := fsm.Transition(context.Background(), "wf-1", 1, from, to)
			assert.Error(t, err, "%s -> %s should be rejected", from, to)
		}
	}
	assert.Empty(t, appender.events)
}

func TestStepFSM_BeforeHookFailureBlocksTransition(t *testing.T) {
	appender := &captureAppender{}
	fsm := NewStepFSM(appender)

	hookErr := errors.New("hook rejected")
	fsm.OnBefore(schema.StepStatusPending, schema.StepStatusDispatched, func(from, to string) error {
		return hookErr
	})

	err := fsm.Transition(context.Background(), "wf-1", 1, schema.StepStatusPending, schema.StepStatusDispatched)
	assert.ErrorIs(t, err, hookErr)
	assert.Empty(t, appender.events)
}

func TestCancelWorkflow_SkipsNonTerminalSteps(t *testing.T) {
	appender := &captureAppender{}
	wfFSM := NewWorkflowFSM(appender)
	stepFSM := NewStepFSM(appender)

	stepStatuses := map[int]schema.StepStatus{
		1: schema.StepStatusCompleted,
		2: schema.StepStatusPending,
		3: schema.StepStatusDispatched,
		4: schema.StepStatusFailed,
	}
	require.NoError(t, CancelWorkflow(context.Background(), wfFSM, stepFSM, "wf-1", schema.WorkflowStatusRunning, stepStatuses))

	assert.Len(t, appender.byType(schema.EventWorkflowCancelled), 1)
	// Steps 2 and 3 can be skipped; 1 is terminal, 4 has no skip edge.
	skipped := appender.byType(schema.EventStepSkipped)
	require.Len(t, skipped, 2)
	ids := []int{skipped[0].StepID, skipped[1].StepID}
	assert.ElementsMatch(t, []int{2, 3}, ids)
}
