package planner

import (
	"context"
	"log/slog"
	"strings"

	"github.com/larenas/sagaflow/internal/engine"
	"github.com/larenas/sagaflow/internal/store"
	"github.com/larenas/sagaflow/pkg/schema"
)

// Oracle produces a plan for an instruction. Implementations front a language
// model or any other planning service; the generator only requires that the
// response contain a JSON array of steps somewhere in the text.
type Oracle interface {
	GeneratePlan(ctx context.Context, instruction, systemPrompt string) (string, error)
}

// systemPrompt instructs the oracle on the exact plan shape expected back.
const systemPrompt = `You are a workflow planner. Decompose the user's instruction into an ordered
JSON array of saga steps. Respond with the JSON array only.

Each step object supports:
  action_type   (required) one of: knowledge_retrieval, data_query,
                data_mutation, computation, response_generation,
                user_confirmation
  instruction   (required) what the step should do
  description   short human-readable label
  parameters    object of handler parameters
  compensation_type  one of: none, unmodeled, invalidate_cache,
                drop_temp_table, revert_mutation, discard_result
  preconditions array of {kind, target, depends_on, expression}
  skip_if       boolean expression over prior results
  result_path   jq expression projecting the handler output
  max_retries   integer 0-10

Steps run in order. Use data_mutation only when the instruction asks for a
change, and put a user_confirmation step before any destructive mutation.`

// Generator turns instructions into validated, normalized plans. The oracle
// path is best-effort: any oracle, parse, or validation failure falls back to
// the deterministic keyword plan so planning never fails outright.
type Generator struct {
	oracle    Oracle
	validator *PlanValidator
	appender  engine.EventAppender
	logger    *slog.Logger
}

// NewGenerator creates a Generator. oracle may be nil, in which case every
// plan comes from the fallback classifier.
func NewGenerator(oracle Oracle, validator *PlanValidator, appender engine.EventAppender, logger *slog.Logger) *Generator {
	return &Generator{
		oracle:    oracle,
		validator: validator,
		appender:  appender,
		logger:    logger,
	}
}

// Generate produces a plan for the instruction. The task type classification
// is always deterministic; only the step decomposition consults the oracle.
func (g *Generator) Generate(ctx context.Context, workflowID, sessionID, instruction string) (*schema.Plan, error) {
	taskType := ClassifyTask(instruction)

	// An empty instruction still gets a plan: the default classification
	// covers it, so planning never strands a request without steps.
	if strings.TrimSpace(instruction) == "" {
		plan := FallbackPlan(schema.TaskDefault, instruction)
		g.emit(ctx, workflowID, sessionID, schema.EventPlanGenerated, map[string]any{
			"task_type": string(schema.TaskDefault),
			"steps":     len(plan.Steps),
			"source":    string(schema.PlanSourceFallback),
		})
		return plan, nil
	}

	if g.oracle != nil {
		plan, err := g.generateWithOracle(ctx, taskType, instruction)
		if err == nil {
			g.emit(ctx, workflowID, sessionID, schema.EventPlanGenerated, map[string]any{
				"task_type": string(taskType),
				"steps":     len(plan.Steps),
				"source":    string(schema.PlanSourceOracle),
			})
			return plan, nil
		}
		g.logger.WarnContext(ctx, "oracle plan rejected, using fallback",
			slog.String("workflow_id", workflowID),
			slog.String("error", err.Error()))
		g.emit(ctx, workflowID, sessionID, schema.EventPlanFallback, map[string]any{
			"task_type": string(taskType),
			"reason":    err.Error(),
		})
	}

	plan := FallbackPlan(taskType, instruction)
	if g.oracle == nil {
		g.emit(ctx, workflowID, sessionID, schema.EventPlanGenerated, map[string]any{
			"task_type": string(taskType),
			"steps":     len(plan.Steps),
			"source":    string(schema.PlanSourceFallback),
		})
	}
	return plan, nil
}

func (g *Generator) generateWithOracle(ctx context.Context, taskType schema.TaskType, instruction string) (*schema.Plan, error) {
	raw, err := g.oracle.GeneratePlan(ctx, instruction, systemPrompt)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeOracleUnavailable, "oracle planning failed").WithCause(err)
	}

	planJSON, err := ExtractJSONArray(raw)
	if err != nil {
		return nil, err
	}

	steps, err := g.validator.ParseSteps([]byte(planJSON))
	if err != nil {
		return nil, err
	}

	return &schema.Plan{
		TaskType: taskType,
		Steps:    normalizeSteps(steps),
		Source:   schema.PlanSourceOracle,
	}, nil
}

// normalizeSteps assigns sequence-stable 1-based ids, pending status, and the
// derived compensation type to every step.
func normalizeSteps(steps []schema.SagaStep) []schema.SagaStep {
	for i := range steps {
		steps[i].StepID = i + 1
		steps[i].Status = schema.StepStatusPending
		steps[i].RetryCount = 0
		steps[i].CompensationType = engine.DeriveCompensationType(&steps[i])
	}
	return steps
}

// ExtractJSONArray pulls the first balanced top-level JSON array out of free
// text. Oracles tend to wrap their answer in prose or markdown fences; the
// scanner skips to the first '[' and tracks bracket depth, honoring strings
// and escapes, until the array closes.
func ExtractJSONArray(text string) (string, error) {
	start := strings.IndexByte(text, '[')
	if start < 0 {
		return "", schema.NewError(schema.ErrCodeValidation, "oracle response contains no JSON array")
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
			// Brackets inside strings do not affect depth.
		case c == '[':
			depth++
		case c == ']':
			depth--
			if depth == 0 {
				return text[start : i+1], nil
			}
		}
	}
	return "", schema.NewError(schema.ErrCodeValidation, "oracle response has an unterminated JSON array")
}

// emit records a planning event; failures are logged, never fatal.
func (g *Generator) emit(ctx context.Context, workflowID, sessionID, eventType string, details map[string]any) {
	if g.appender == nil {
		return
	}
	err := g.appender.AppendEvent(ctx, &store.Event{
		WorkflowID: workflowID,
		SessionID:  sessionID,
		Type:       eventType,
		Details:    details,
	})
	if err != nil {
		g.logger.WarnContext(ctx, "append planning event failed",
			slog.String("event_type", eventType),
			slog.String("error", err.Error()))
	}
}
