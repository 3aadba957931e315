package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/larenas/sagaflow/internal/expressions"
	"github.com/larenas/sagaflow/internal/handlers"
	"github.com/larenas/sagaflow/internal/store"
	"github.com/larenas/sagaflow/pkg/schema"
)

// ResourceProbe checks that a named external resource is ready.
type ResourceProbe func(ctx context.Context) error

// PreconditionChecker evaluates step preconditions before dispatch.
//
// capability_available probes are cached per capability for CacheTTL to avoid
// hammering slow health endpoints; Clear drops the cache when topology changes.
type PreconditionChecker struct {
	registry *handlers.Registry
	cel      *expressions.CELEngine
	logger   *slog.Logger

	cacheTTL time.Duration
	mu       sync.Mutex
	cache    map[schema.ActionType]probeResult

	resourceMu sync.RWMutex
	resources  map[string]ResourceProbe
}

type probeResult struct {
	checkedAt time.Time
	err       error
}

// NewPreconditionChecker creates a checker with the given probe cache TTL.
func NewPreconditionChecker(registry *handlers.Registry, cel *expressions.CELEngine, cacheTTL time.Duration, logger *slog.Logger) *PreconditionChecker {
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}
	return &PreconditionChecker{
		registry:  registry,
		cel:       cel,
		logger:    logger,
		cacheTTL:  cacheTTL,
		cache:     make(map[schema.ActionType]probeResult),
		resources: make(map[string]ResourceProbe),
	}
}

// RegisterResource registers a probe for resource_ready checks against the
// given resource name.
func (c *PreconditionChecker) RegisterResource(name string, probe ResourceProbe) {
	c.resourceMu.Lock()
	defer c.resourceMu.Unlock()
	c.resources[name] = probe
}

// Clear drops all cached capability probe results.
func (c *PreconditionChecker) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[schema.ActionType]probeResult)
}

// CheckAll evaluates every precondition of the step. All checks run even after
// the first failure so the error reports the complete set of unmet conditions.
// The returned error carries code PRECONDITIONS_FAILED; the caller routes it
// into the step-failure path instead of dispatching.
func (c *PreconditionChecker) CheckAll(ctx context.Context, wf *store.WorkflowState, step *schema.SagaStep) error {
	var failures []string
	for i := range step.Preconditions {
		pre := &step.Preconditions[i]
		if err := c.Check(ctx, wf, step, pre); err != nil {
			pre.Status = schema.PreconditionFailed
			pre.Message = err.Error()
			failures = append(failures, fmt.Sprintf("%s: %s", pre.Kind, err.Error()))
			continue
		}
		pre.Status = schema.PreconditionSatisfied
		pre.Message = ""
	}

	if len(failures) == 0 {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodePreconditionFailed,
		"%d of %d preconditions failed", len(failures), len(step.Preconditions)).
		WithStep(step.StepID).
		WithDetails(map[string]any{"failures": failures})
}

// Check evaluates a single precondition.
func (c *PreconditionChecker) Check(ctx context.Context, wf *store.WorkflowState, step *schema.SagaStep, pre *schema.Precondition) error {
	switch pre.Kind {
	case schema.PreconditionCapabilityAvailable:
		target := schema.ActionType(pre.Target)
		if pre.Target == "" {
			target = step.ActionType
		}
		return c.checkCapability(ctx, target)

	case schema.PreconditionDependencyCompleted:
		return c.checkDependency(wf, pre.DependsOn)

	case schema.PreconditionDataReady:
		return c.checkDataReady(ctx, wf, pre.Expression)

	case schema.PreconditionResourceReady:
		return c.checkResource(ctx, pre.Target)

	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown precondition kind %q", pre.Kind)
	}
}

func (c *PreconditionChecker) checkCapability(ctx context.Context, at schema.ActionType) error {
	h, err := c.registry.Get(at)
	if err != nil {
		return err
	}

	prober, ok := h.(handlers.Prober)
	if !ok {
		// Registration alone is availability for handlers without a probe.
		return nil
	}

	c.mu.Lock()
	if cached, ok := c.cache[at]; ok && time.Since(cached.checkedAt) < c.cacheTTL {
		c.mu.Unlock()
		return cached.err
	}
	c.mu.Unlock()

	probeErr := prober.Ping(ctx)
	if probeErr != nil {
		probeErr = schema.NewErrorf(schema.ErrCodePreconditionFailed,
			"capability %q unavailable: %s", at, probeErr.Error()).WithCause(probeErr)
	}

	c.mu.Lock()
	c.cache[at] = probeResult{checkedAt: time.Now(), err: probeErr}
	c.mu.Unlock()

	return probeErr
}

func (c *PreconditionChecker) checkDependency(wf *store.WorkflowState, dependsOn int) error {
	if wf.StepByID(dependsOn) == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "dependency step %d does not exist", dependsOn)
	}
	for _, id := range wf.CompletedSteps {
		if id == dependsOn {
			return nil
		}
	}
	// A skipped dependency means its work was judged unnecessary, not missing.
	for _, id := range wf.SkippedSteps {
		if id == dependsOn {
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodePreconditionFailed, "dependency step %d has not completed", dependsOn)
}

func (c *PreconditionChecker) checkDataReady(ctx context.Context, wf *store.WorkflowState, expression string) error {
	data := map[string]any{
		"results": wf.Results,
		"workflow": map[string]any{
			"workflow_id": wf.WorkflowID,
			"status":      string(wf.Status),
		},
		"session": map[string]any{"session_id": wf.SessionID},
	}
	ok, err := c.cel.EvaluateBool(ctx, expression, data)
	if err != nil {
		return err
	}
	if !ok {
		return schema.NewErrorf(schema.ErrCodePreconditionFailed, "data_ready expression %q is false", expression)
	}
	return nil
}

func (c *PreconditionChecker) checkResource(ctx context.Context, name string) error {
	c.resourceMu.RLock()
	probe, ok := c.resources[name]
	c.resourceMu.RUnlock()
	if !ok {
		return schema.NewErrorf(schema.ErrCodePreconditionFailed, "no probe registered for resource %q", name)
	}
	if err := probe(ctx); err != nil {
		return schema.NewErrorf(schema.ErrCodePreconditionFailed,
			"resource %q not ready: %s", name, err.Error()).WithCause(err)
	}
	return nil
}
