package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/larenas/sagaflow/internal/store"
	"github.com/larenas/sagaflow/pkg/schema"
)

func newTestRecovery(t *testing.T, env *testEnv, staleness time.Duration) *RecoveryManager {
	t.Helper()
	m, err := NewRecoveryManager(env.store, env.exec, staleness, "", testLogger())
	require.NoError(t, err)
	return m
}

func staleRunningWorkflow(id string, heartbeatAge time.Duration) *store.WorkflowState {
	wf := newWorkflow(id,
		schema.SagaStep{ActionType: schema.ActionDataQuery, Status: schema.StepStatusCompleted},
		schema.SagaStep{ActionType: schema.ActionResponseGeneration},
	)
	wf.Status = schema.WorkflowStatusRunning
	wf.CurrentStep = 2
	wf.CompletedSteps = []int{1}
	hb := time.Now().Add(-heartbeatAge).UTC()
	wf.LastHeartbeat = &hb
	return wf
}

func TestRecovery_RejectsInvalidSweepSpec(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := NewRecoveryManager(env.store, env.exec, time.Minute, "not a cron spec", testLogger())
	require.Error(t, err)

	var sagaErr *schema.SagaError
	require.ErrorAs(t, err, &sagaErr)
	assert.Equal(t, schema.ErrCodeValidation, sagaErr.Code)
}

func TestRecovery_SweepParksStaleWorkflows(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := newTestRecovery(t, env, 5*time.Minute)
	ctx := context.Background()

	stale := staleRunningWorkflow("wf-stale", 10*time.Minute)
	live := staleRunningWorkflow("wf-live", time.Second)
	createWorkflow(t, env, stale)
	createWorkflow(t, env, live)

	require.NoError(t, rec.Sweep(ctx))

	gotStale, err := env.store.GetWorkflow(ctx, "wf-stale")
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusPaused, gotStale.Status)

	gotLive, err := env.store.GetWorkflow(ctx, "wf-live")
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusRunning, gotLive.Status)

	events, err := env.store.GetEventsByType(ctx, schema.EventHeartbeatStale, store.EventFilter{WorkflowID: "wf-stale"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Contains(t, events[0].Details, "last_heartbeat")
}

func TestRecovery_SweepUsesUpdatedAtWhenNoHeartbeat(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := newTestRecovery(t, env, 5*time.Minute)
	ctx := context.Background()

	wf := staleRunningWorkflow("wf-nohb", 0)
	wf.LastHeartbeat = nil
	wf.UpdatedAt = time.Now().Add(-time.Hour).UTC()
	createWorkflow(t, env, wf)

	require.NoError(t, rec.Sweep(ctx))

	got, err := env.store.GetWorkflow(ctx, "wf-nohb")
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusPaused, got.Status)
}

func TestRecovery_GetRecoverable(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := newTestRecovery(t, env, 5*time.Minute)
	ctx := context.Background()

	paused := newWorkflow("wf-paused", schema.SagaStep{ActionType: schema.ActionDataQuery})
	paused.Status = schema.WorkflowStatusPaused
	createWorkflow(t, env, paused)

	createWorkflow(t, env, staleRunningWorkflow("wf-stale2", time.Hour))
	createWorkflow(t, env, staleRunningWorkflow("wf-live2", time.Second))

	done := newWorkflow("wf-complete", schema.SagaStep{ActionType: schema.ActionDataQuery})
	done.Status = schema.WorkflowStatusCompleted
	createWorkflow(t, env, done)

	recoverable, err := rec.GetRecoverable(ctx, "sess-1")
	require.NoError(t, err)

	ids := make([]string, len(recoverable))
	for i, wf := range recoverable {
		ids[i] = wf.WorkflowID
	}
	assert.ElementsMatch(t, []string{"wf-paused", "wf-stale2"}, ids)
}

func TestRecovery_ResumeContinuesFromPersistedCursor(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := newTestRecovery(t, env, 5*time.Minute)
	ctx := context.Background()

	respond := &stubHandler{actionType: schema.ActionResponseGeneration}
	require.NoError(t, env.registry.Register(respond))

	wf := staleRunningWorkflow("wf-resume", time.Hour)
	createWorkflow(t, env, wf)

	require.NoError(t, rec.Resume(ctx, "wf-resume"))

	got, err := env.store.GetWorkflow(ctx, "wf-resume")
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusCompleted, got.Status)
	// Step 1 was not re-executed; only the remaining step ran.
	assert.Equal(t, 1, respond.callCount())
	assert.ElementsMatch(t, []int{1, 2}, got.CompletedSteps)
}

func TestRecovery_ResumeRefusesLiveWorkflow(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := newTestRecovery(t, env, 5*time.Minute)
	ctx := context.Background()

	createWorkflow(t, env, staleRunningWorkflow("wf-busy", time.Second))

	err := rec.Resume(ctx, "wf-busy")
	require.Error(t, err)

	var sagaErr *schema.SagaError
	require.ErrorAs(t, err, &sagaErr)
	assert.Equal(t, schema.ErrCodeConflict, sagaErr.Code)
}

func TestRecovery_CancelCompensates(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := newTestRecovery(t, env, 5*time.Minute)
	ctx := context.Background()

	undo := &stubCompensation{compType: schema.CompensationDropTempTable}
	require.NoError(t, env.registry.RegisterCompensation(undo))

	wf := staleRunningWorkflow("wf-abandon", time.Hour)
	wf.PendingCompensations = []store.CompensationAction{{
		ActionID:         "undo-1",
		StepID:           1,
		CompensationType: schema.CompensationDropTempTable,
		Status:           schema.CompensationStatusPending,
	}}
	createWorkflow(t, env, wf)

	require.NoError(t, rec.Cancel(ctx, "wf-abandon"))

	got, err := env.store.GetWorkflow(ctx, "wf-abandon")
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusCancelled, got.Status)
	assert.Equal(t, 1, undo.callCount())
}

func TestRecovery_StartStop(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := newTestRecovery(t, env, 5*time.Minute)

	rec.Start(context.Background())
	rec.Start(context.Background()) // second call is a no-op
	rec.Stop()
	rec.Stop() // idempotent
}
