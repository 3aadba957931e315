package handlers

import (
	"context"

	"github.com/larenas/sagaflow/pkg/schema"
)

// Handler executes steps of a single action type.
type Handler interface {
	ActionType() schema.ActionType
	// Handle executes the step against the capability it fronts. input carries
	// the step parameters plus accumulated prior results; the returned map is
	// merged into the workflow's results under the step id.
	Handle(ctx context.Context, step *schema.SagaStep, input HandlerInput) (map[string]any, error)
}

// Prober is implemented by handlers whose backing capability can be health
// checked. The precondition checker uses it for capability_available checks.
type Prober interface {
	Ping(ctx context.Context) error
}

// CompensationHandler undoes the side effects of a previously completed step.
type CompensationHandler interface {
	CompensationType() schema.CompensationType
	Compensate(ctx context.Context, params map[string]any) error
}

// HandlerInput is the data provided to a handler at execution time.
type HandlerInput struct {
	WorkflowID     string         `json:"workflow_id"`
	SessionID      string         `json:"session_id,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	Results        map[string]any `json:"results,omitempty"`
}

// HandlerInfo is a summary of a registered handler for listing.
type HandlerInfo struct {
	ActionType schema.ActionType `json:"action_type"`
	Probeable  bool              `json:"probeable"`
}
