package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/larenas/sagaflow/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedWorkflow(t *testing.T, s *LibSQLStore, sessionID string) *WorkflowState {
	t.Helper()
	wf := &WorkflowState{
		WorkflowID:  uuid.New().String(),
		SessionID:   sessionID,
		Instruction: "query inventory and summarize",
		TaskType:    schema.TaskDataAnalysis,
		Status:      schema.WorkflowStatusPending,
		CurrentStep: 1,
		Steps: []schema.SagaStep{
			{StepID: 1, ActionType: schema.ActionDataQuery, Instruction: "query inventory", Status: schema.StepStatusPending, MaxRetries: 3},
			{StepID: 2, ActionType: schema.ActionResponseGeneration, Instruction: "summarize", Status: schema.StepStatusPending, MaxRetries: 3},
		},
	}
	require.NoError(t, s.CreateWorkflow(context.Background(), wf))
	return wf
}

func TestCreateAndGetWorkflow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wf := seedWorkflow(t, s, "session-1")

	got, err := s.GetWorkflow(ctx, wf.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, wf.WorkflowID, got.WorkflowID)
	assert.Equal(t, "session-1", got.SessionID)
	assert.Equal(t, schema.WorkflowStatusPending, got.Status)
	assert.Equal(t, schema.TaskDataAnalysis, got.TaskType)
	require.Len(t, got.Steps, 2)
	assert.Equal(t, schema.ActionDataQuery, got.Steps[0].ActionType)
	assert.Equal(t, 1, got.CurrentStep)
}

func TestGetWorkflow_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetWorkflow(context.Background(), "nonexistent")
	require.Error(t, err)
	sagaErr, ok := err.(*schema.SagaError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeNotFound, sagaErr.Code)
}

func TestCreateWorkflow_Duplicate(t *testing.T) {
	s := newTestStore(t)
	wf := seedWorkflow(t, s, "session-1")

	err := s.CreateWorkflow(context.Background(), wf)
	require.Error(t, err)
	sagaErr, ok := err.(*schema.SagaError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeConflict, sagaErr.Code)
}

func TestUpdateWorkflow_FullState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s, "session-1")

	now := time.Now().UTC()
	wf.Status = schema.WorkflowStatusRunning
	wf.CurrentStep = 2
	wf.CompletedSteps = []int{1}
	wf.Results = map[string]any{"1": map[string]any{"rows": float64(42)}}
	wf.Steps[0].Status = schema.StepStatusCompleted
	wf.LastHeartbeat = &now
	wf.PendingCompensations = []CompensationAction{{
		ActionID:         uuid.New().String(),
		StepID:           1,
		ActionType:       schema.ActionDataQuery,
		CompensationType: schema.CompensationDropTempTable,
		Status:           schema.CompensationStatusPending,
	}}
	require.NoError(t, s.UpdateWorkflow(ctx, wf))

	got, err := s.GetWorkflow(ctx, wf.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusRunning, got.Status)
	assert.Equal(t, 2, got.CurrentStep)
	assert.Equal(t, []int{1}, got.CompletedSteps)
	assert.Equal(t, schema.StepStatusCompleted, got.Steps[0].Status)
	require.NotNil(t, got.LastHeartbeat)
	require.Len(t, got.PendingCompensations, 1)
	assert.Equal(t, schema.CompensationDropTempTable, got.PendingCompensations[0].CompensationType)
	assert.Equal(t, map[string]any{"rows": float64(42)}, got.Results["1"])
}

func TestUpdateWorkflow_NotFound(t *testing.T) {
	s := newTestStore(t)
	wf := &WorkflowState{WorkflowID: "missing", Status: schema.WorkflowStatusRunning}
	err := s.UpdateWorkflow(context.Background(), wf)
	require.Error(t, err)
	sagaErr, ok := err.(*schema.SagaError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeNotFound, sagaErr.Code)
}

func TestListBySession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedWorkflow(t, s, "session-a")
	seedWorkflow(t, s, "session-a")
	seedWorkflow(t, s, "session-b")

	got, err := s.ListBySession(ctx, "session-a")
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = s.ListBySession(ctx, "session-c")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestListByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wf1 := seedWorkflow(t, s, "session-a")
	seedWorkflow(t, s, "session-a")

	wf1.Status = schema.WorkflowStatusRunning
	require.NoError(t, s.UpdateWorkflow(ctx, wf1))

	running := schema.WorkflowStatusRunning
	got, err := s.ListByStatus(ctx, WorkflowFilter{Status: &running})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, wf1.WorkflowID, got[0].WorkflowID)

	got, err = s.ListByStatus(ctx, WorkflowFilter{Status: &running, SessionID: "session-b"})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestAppendAndGetEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s, "session-1")

	events := []*Event{
		{WorkflowID: wf.WorkflowID, SessionID: wf.SessionID, Type: schema.EventWorkflowCreated},
		{WorkflowID: wf.WorkflowID, SessionID: wf.SessionID, StepID: 1, Type: schema.EventStepDispatched, FromStatus: "pending", ToStatus: "dispatched"},
		{WorkflowID: wf.WorkflowID, SessionID: wf.SessionID, StepID: 1, Type: schema.EventStepCompleted, Details: map[string]any{"rows": float64(3)}},
	}
	for _, e := range events {
		require.NoError(t, s.AppendEvent(ctx, e))
	}

	got, err := s.GetEvents(ctx, wf.WorkflowID, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, e := range got {
		assert.Equal(t, int64(i+1), e.Sequence)
	}
	assert.Equal(t, "dispatched", got[1].ToStatus)
	assert.Equal(t, map[string]any{"rows": float64(3)}, got[2].Details)

	// since filter skips already-seen events
	got, err = s.GetEvents(ctx, wf.WorkflowID, 2)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, schema.EventStepCompleted, got[0].Type)
}

func TestGetEventsByType(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s, "session-1")

	require.NoError(t, s.AppendEvent(ctx, &Event{WorkflowID: wf.WorkflowID, Type: schema.EventWorkflowCreated}))
	require.NoError(t, s.AppendEvent(ctx, &Event{WorkflowID: wf.WorkflowID, StepID: 1, Type: schema.EventStepFailed}))
	require.NoError(t, s.AppendEvent(ctx, &Event{WorkflowID: wf.WorkflowID, StepID: 2, Type: schema.EventStepFailed}))

	got, err := s.GetEventsByType(ctx, schema.EventStepFailed, EventFilter{WorkflowID: wf.WorkflowID})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = s.GetEventsByType(ctx, schema.EventStepFailed, EventFilter{WorkflowID: wf.WorkflowID, StepID: 2})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].StepID)
}

func TestEventSequence_PerWorkflow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf1 := seedWorkflow(t, s, "session-1")
	wf2 := seedWorkflow(t, s, "session-1")

	require.NoError(t, s.AppendEvent(ctx, &Event{WorkflowID: wf1.WorkflowID, Type: schema.EventWorkflowCreated}))
	require.NoError(t, s.AppendEvent(ctx, &Event{WorkflowID: wf2.WorkflowID, Type: schema.EventWorkflowCreated}))
	require.NoError(t, s.AppendEvent(ctx, &Event{WorkflowID: wf1.WorkflowID, Type: schema.EventWorkflowStarted}))

	got1, err := s.GetEvents(ctx, wf1.WorkflowID, 0)
	require.NoError(t, err)
	require.Len(t, got1, 2)
	assert.Equal(t, int64(2), got1[1].Sequence)

	got2, err := s.GetEvents(ctx, wf2.WorkflowID, 0)
	require.NoError(t, err)
	require.Len(t, got2, 1)
	assert.Equal(t, int64(1), got2[0].Sequence)
}
