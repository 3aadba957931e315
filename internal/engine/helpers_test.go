package engine

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/larenas/sagaflow/internal/expressions"
	"github.com/larenas/sagaflow/internal/handlers"
	"github.com/larenas/sagaflow/internal/queue"
	"github.com/larenas/sagaflow/internal/store"
	"github.com/larenas/sagaflow/internal/streaming"
	"github.com/larenas/sagaflow/pkg/schema"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *store.LibSQLStore {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// captureAppender records emitted events in memory for assertions.
type captureAppender struct {
	mu     sync.Mutex
	events []*store.Event
}

func (a *captureAppender) AppendEvent(ctx context.Context, event *store.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *captureAppender) byType(eventType string) []*store.Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*store.Event
	for _, e := range a.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// stubHandler is a configurable test handler.
type stubHandler struct {
	actionType schema.ActionType
	handle     func(ctx context.Context, step *schema.SagaStep, input handlers.HandlerInput) (map[string]any, error)
	pingErr    error
	probeable  bool

	mu    sync.Mutex
	calls int
	keys  []string
}

func (h *stubHandler) ActionType() schema.ActionType { return h.actionType }

func (h *stubHandler) Handle(ctx context.Context, step *schema.SagaStep, input handlers.HandlerInput) (map[string]any, error) {
	h.mu.Lock()
	h.calls++
	h.keys = append(h.keys, input.IdempotencyKey)
	h.mu.Unlock()
	if h.handle != nil {
		return h.handle(ctx, step, input)
	}
	return map[string]any{"ok": true}, nil
}

func (h *stubHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

// probingHandler adds Ping on top of stubHandler.
type probingHandler struct {
	stubHandler
	mu    sync.Mutex
	pings int
}

func (h *probingHandler) Ping(ctx context.Context) error {
	h.mu.Lock()
	h.pings++
	h.mu.Unlock()
	return h.pingErr
}

func (h *probingHandler) pingCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pings
}

// stubCompensation records compensation executions.
type stubCompensation struct {
	compType schema.CompensationType
	err      error

	mu    sync.Mutex
	calls []map[string]any
}

func (c *stubCompensation) CompensationType() schema.CompensationType { return c.compType }

func (c *stubCompensation) Compensate(ctx context.Context, params map[string]any) error {
	c.mu.Lock()
	c.calls = append(c.calls, params)
	c.mu.Unlock()
	return c.err
}

func (c *stubCompensation) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

// testEnv bundles a fully wired executor over a real store.
type testEnv struct {
	store    *store.LibSQLStore
	registry *handlers.Registry
	hub      *streaming.MemoryHub
	exec     *Executor
	comp     *CompensationManager
	breakers *CircuitBreakerRegistry
}

func newTestEnv(t *testing.T, retry *RetryPolicy) *testEnv {
	return newQueuedTestEnv(t, retry, nil)
}

func newQueuedTestEnv(t *testing.T, retry *RetryPolicy, q queue.Queue) *testEnv {
	t.Helper()
	s := newTestStore(t)
	logger := testLogger()
	registry := handlers.NewRegistry()
	hub := streaming.NewMemoryHub()
	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)
	comp := NewCompensationManager(registry, s, logger)
	breakers := NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig())
	if retry == nil {
		retry = &RetryPolicy{MaxAttempts: 2, InitialDelay: time.Millisecond, BackoffFactor: 2, MaxDelay: 10 * time.Millisecond}
	}

	exec := NewExecutor(ExecutorConfig{
		Store:      s,
		Registry:   registry,
		Preconds:   NewPreconditionChecker(registry, cel, time.Minute, logger),
		Comp:       comp,
		Retry:      retry,
		Breakers:   breakers,
		Heartbeats: NewHeartbeatPublisher(hub, s, time.Minute, logger),
		SkipEval:   expressions.NewExprEngine(),
		ResultEval: expressions.NewGoJQEngine(),
		Queue:      q,
		Logger:     logger,
	})

	return &testEnv{store: s, registry: registry, hub: hub, exec: exec, comp: comp, breakers: breakers}
}

func newWorkflow(id string, steps ...schema.SagaStep) *store.WorkflowState {
	for i := range steps {
		if steps[i].StepID == 0 {
			steps[i].StepID = i + 1
		}
		if steps[i].Status == "" {
			steps[i].Status = schema.StepStatusPending
		}
	}
	return &store.WorkflowState{
		WorkflowID:  id,
		SessionID:   "sess-1",
		Instruction: "test instruction",
		Status:      schema.WorkflowStatusPending,
		Steps:       steps,
		CurrentStep: 1,
	}
}

func createWorkflow(t *testing.T, env *testEnv, wf *store.WorkflowState) {
	t.Helper()
	require.NoError(t, env.store.CreateWorkflow(context.Background(), wf))
}
