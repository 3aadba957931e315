package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/larenas/sagaflow/internal/store"
	"github.com/larenas/sagaflow/pkg/schema"
)

const (
	// defaultStaleness is how long a running workflow may go without a
	// heartbeat before the sweep considers its executor dead.
	defaultStaleness = 5 * time.Minute

	// defaultSweepSpec runs the stale-workflow sweep every minute.
	defaultSweepSpec = "* * * * *"
)

// RecoveryManager finds workflows whose executor died mid-flight and parks
// them as paused so a session can pick them back up. A periodic sweep marks
// running workflows with stale heartbeats; interactive recovery goes through
// GetRecoverable, Resume and Cancel.
type RecoveryManager struct {
	store     store.Store
	executor  *Executor
	wfFSM     *WorkflowFSM
	staleness time.Duration
	schedule  cron.Schedule
	logger    *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewRecoveryManager creates a manager sweeping on the given cron spec
// (standard five-field syntax). Empty spec and non-positive staleness fall
// back to the defaults.
func NewRecoveryManager(s store.Store, executor *Executor, staleness time.Duration, sweepSpec string, logger *slog.Logger) (*RecoveryManager, error) {
	if staleness <= 0 {
		staleness = defaultStaleness
	}
	if sweepSpec == "" {
		sweepSpec = defaultSweepSpec
	}
	schedule, err := cron.ParseStandard(sweepSpec)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid sweep schedule %q: %s", sweepSpec, err.Error()).WithCause(err)
	}
	return &RecoveryManager{
		store:     s,
		executor:  executor,
		wfFSM:     NewWorkflowFSM(s),
		staleness: staleness,
		schedule:  schedule,
		logger:    logger,
	}, nil
}

// Start launches the periodic sweep. Safe to call once; subsequent calls are
// no-ops until Stop.
func (m *RecoveryManager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	sweepCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.running = true
	m.mu.Unlock()

	go m.loop(sweepCtx, m.done)
	m.logger.Info("recovery sweep started",
		slog.Duration("staleness", m.staleness))
}

func (m *RecoveryManager) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		next := m.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if err := m.Sweep(ctx); err != nil {
				m.logger.Error("recovery sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Stop halts the sweep and waits for an in-flight pass to finish.
func (m *RecoveryManager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	done := m.done
	m.running = false
	m.cancel = nil
	m.done = nil
	m.mu.Unlock()

	cancel()
	<-done
	m.logger.Info("recovery sweep stopped")
}

// Sweep pauses every running workflow whose heartbeat has gone stale. Each
// pause is recorded with a heartbeat_stale event carrying the last-seen time.
func (m *RecoveryManager) Sweep(ctx context.Context) error {
	running := schema.WorkflowStatusRunning
	workflows, err := m.store.ListByStatus(ctx, store.WorkflowFilter{Status: &running})
	if err != nil {
		return err
	}

	cutoff := time.Now().Add(-m.staleness)
	for _, wf := range workflows {
		if !m.isStale(wf, cutoff) {
			continue
		}
		if err := m.parkStale(ctx, wf); err != nil {
			m.logger.Error("failed to park stale workflow",
				slog.String("workflow_id", wf.WorkflowID), slog.String("error", err.Error()))
		}
	}
	return nil
}

// isStale reports whether the workflow's liveness signal predates the cutoff.
// Workflows that never heartbeated are judged by their last update instead.
func (m *RecoveryManager) isStale(wf *store.WorkflowState, cutoff time.Time) bool {
	if wf.LastHeartbeat != nil {
		return wf.LastHeartbeat.Before(cutoff)
	}
	return wf.UpdatedAt.Before(cutoff)
}

func (m *RecoveryManager) parkStale(ctx context.Context, wf *store.WorkflowState) error {
	if err := m.wfFSM.Transition(ctx, wf.WorkflowID, wf.Status, schema.WorkflowStatusPaused); err != nil {
		return err
	}
	wf.Status = schema.WorkflowStatusPaused
	if err := m.store.UpdateWorkflow(ctx, wf); err != nil {
		return err
	}

	details := map[string]any{"staleness": m.staleness.String()}
	if wf.LastHeartbeat != nil {
		details["last_heartbeat"] = wf.LastHeartbeat.UTC().Format(time.RFC3339)
	}
	err := m.store.AppendEvent(ctx, &store.Event{
		WorkflowID: wf.WorkflowID,
		SessionID:  wf.SessionID,
		StepID:     wf.CurrentStep,
		Type:       schema.EventHeartbeatStale,
		Details:    details,
	})
	if err != nil {
		m.logger.WarnContext(ctx, "append heartbeat_stale event failed", slog.String("error", err.Error()))
	}

	m.logger.WarnContext(ctx, "stale workflow parked for recovery",
		slog.String("workflow_id", wf.WorkflowID),
		slog.Int("current_step", wf.CurrentStep))
	return nil
}

// GetRecoverable lists a session's workflows eligible for interactive
// recovery: everything paused plus any running workflow the sweep has not
// caught up with yet.
func (m *RecoveryManager) GetRecoverable(ctx context.Context, sessionID string) ([]*store.WorkflowState, error) {
	workflows, err := m.store.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-m.staleness)
	var recoverable []*store.WorkflowState
	for _, wf := range workflows {
		switch wf.Status {
		case schema.WorkflowStatusPaused:
			recoverable = append(recoverable, wf)
		case schema.WorkflowStatusRunning:
			if m.isStale(wf, cutoff) {
				recoverable = append(recoverable, wf)
			}
		}
	}
	return recoverable, nil
}

// Resume continues a recoverable workflow from its persisted cursor. A stale
// running workflow is parked first so the resume goes through the one legal
// paused-to-running edge.
func (m *RecoveryManager) Resume(ctx context.Context, workflowID string) error {
	wf, err := m.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if wf.Status == schema.WorkflowStatusRunning {
		if !m.isStale(wf, time.Now().Add(-m.staleness)) {
			return schema.NewErrorf(schema.ErrCodeConflict,
				"workflow %q is live, refusing to double-resume", workflowID)
		}
		if err := m.parkStale(ctx, wf); err != nil {
			return err
		}
	}
	return m.executor.Resume(ctx, workflowID, "")
}

// Cancel abandons a recoverable workflow, compensating whatever completed.
func (m *RecoveryManager) Cancel(ctx context.Context, workflowID string) error {
	return m.executor.Cancel(ctx, workflowID, true)
}
