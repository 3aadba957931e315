package planner

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/larenas/sagaflow/pkg/schema"
)

// planSchemaJSON is the JSON Schema a generated plan must satisfy before it is
// accepted. Embedded as a constant to avoid filesystem dependencies.
const planSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://sagaflow.dev/schemas/plan.json",
  "type": "array",
  "minItems": 1,
  "items": { "$ref": "#/$defs/step" },
  "$defs": {
    "step": {
      "type": "object",
      "required": ["action_type", "instruction"],
      "properties": {
        "action_type": {
          "type": "string",
          "enum": [
            "knowledge_retrieval",
            "data_query",
            "data_mutation",
            "computation",
            "response_generation",
            "user_confirmation"
          ]
        },
        "description": { "type": "string" },
        "instruction": {
          "type": "string",
          "minLength": 1
        },
        "parameters": { "type": "object" },
        "compensation_type": {
          "type": "string",
          "enum": [
            "none",
            "unmodeled",
            "invalidate_cache",
            "drop_temp_table",
            "revert_mutation",
            "discard_result"
          ]
        },
        "compensation_params": { "type": "object" },
        "preconditions": {
          "type": "array",
          "items": { "$ref": "#/$defs/precondition" }
        },
        "skip_if": { "type": "string" },
        "result_path": { "type": "string" },
        "max_retries": {
          "type": "integer",
          "minimum": 0,
          "maximum": 10
        }
      },
      "additionalProperties": false
    },
    "precondition": {
      "type": "object",
      "required": ["kind"],
      "properties": {
        "kind": {
          "type": "string",
          "enum": [
            "capability_available",
            "dependency_completed",
            "data_ready",
            "resource_ready"
          ]
        },
        "target": { "type": "string" },
        "depends_on": {
          "type": "integer",
          "minimum": 1
        },
        "expression": { "type": "string" }
      },
      "additionalProperties": false
    }
  }
}`

// PlanValidator checks raw plan JSON against the plan schema.
// It is safe for concurrent use.
type PlanValidator struct {
	planSchema *jsonschema.Schema
}

// NewPlanValidator compiles the embedded plan schema.
func NewPlanValidator() (*PlanValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(planSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal plan schema: %w", err)
	}
	if err := c.AddResource("https://sagaflow.dev/schemas/plan.json", doc); err != nil {
		return nil, fmt.Errorf("add plan schema resource: %w", err)
	}

	compiled, err := c.Compile("https://sagaflow.dev/schemas/plan.json")
	if err != nil {
		return nil, fmt.Errorf("compile plan schema: %w", err)
	}
	return &PlanValidator{planSchema: compiled}, nil
}

// Validate checks raw plan JSON (an array of step objects) against the schema.
func (v *PlanValidator) Validate(planJSON []byte) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(planJSON)))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "plan is not valid JSON").WithCause(err)
	}
	if err := v.planSchema.Validate(doc); err != nil {
		return toPlanError(err)
	}
	return nil
}

// ParseSteps validates and decodes raw plan JSON into steps.
func (v *PlanValidator) ParseSteps(planJSON []byte) ([]schema.SagaStep, error) {
	if err := v.Validate(planJSON); err != nil {
		return nil, err
	}
	var steps []schema.SagaStep
	if err := json.Unmarshal(planJSON, &steps); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "decode plan steps").WithCause(err)
	}
	return steps, nil
}

// toPlanError converts a jsonschema.ValidationError into a SagaError with
// clear, actionable violation messages.
func toPlanError(err error) *schema.SagaError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "plan validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
