package planner

import (
	"strings"

	"github.com/larenas/sagaflow/pkg/schema"
)

// Keyword tables for the deterministic task classifier. First match wins in
// the order data_analysis, guidance, single_query; anything else is default.
var (
	analysisKeywords = []string{
		"analyze", "analyse", "analysis", "trend", "compare", "comparison",
		"report", "statistics", "metrics", "breakdown", "correlate", "aggregate",
	}
	guidanceKeywords = []string{
		"how do i", "how to", "how can i", "guide", "help me", "explain",
		"recommend", "advice", "what should", "best way",
	}
	queryKeywords = []string{
		"query", "fetch", "get", "list", "show", "find", "lookup", "count",
		"retrieve", "select",
	}
)

// ClassifyTask buckets an instruction into a coarse task type using keyword
// matching. Deterministic on purpose: the same instruction always classifies
// the same way, with or without an oracle.
func ClassifyTask(instruction string) schema.TaskType {
	lower := strings.ToLower(instruction)

	for _, kw := range analysisKeywords {
		if strings.Contains(lower, kw) {
			return schema.TaskDataAnalysis
		}
	}
	for _, kw := range guidanceKeywords {
		if strings.Contains(lower, kw) {
			return schema.TaskGuidance
		}
	}
	for _, kw := range queryKeywords {
		if strings.Contains(lower, kw) {
			return schema.TaskSingleQuery
		}
	}
	return schema.TaskDefault
}

// FallbackPlan builds the canonical plan for a task type. It always produces
// at least one step, so planning can never strand an instruction without a
// workflow.
func FallbackPlan(taskType schema.TaskType, instruction string) *schema.Plan {
	var steps []schema.SagaStep

	switch taskType {
	case schema.TaskDataAnalysis:
		steps = []schema.SagaStep{
			{
				ActionType:  schema.ActionKnowledgeRetrieval,
				Description: "Gather context for the analysis",
				Instruction: "Retrieve domain knowledge relevant to: " + instruction,
			},
			{
				ActionType:  schema.ActionDataQuery,
				Description: "Query the data under analysis",
				Instruction: "Query the datasets needed for: " + instruction,
				Preconditions: []schema.Precondition{
					{Kind: schema.PreconditionDependencyCompleted, DependsOn: 1},
				},
			},
			{
				ActionType:  schema.ActionComputation,
				Description: "Compute the analysis",
				Instruction: "Analyze the queried data for: " + instruction,
				Preconditions: []schema.Precondition{
					{Kind: schema.PreconditionDependencyCompleted, DependsOn: 2},
					{Kind: schema.PreconditionDataReady, Expression: `"2" in results`},
				},
			},
			{
				ActionType:  schema.ActionResponseGeneration,
				Description: "Present the findings",
				Instruction: "Summarize the analysis results for: " + instruction,
				Preconditions: []schema.Precondition{
					{Kind: schema.PreconditionDependencyCompleted, DependsOn: 3},
				},
			},
		}

	case schema.TaskGuidance:
		steps = []schema.SagaStep{
			{
				ActionType:  schema.ActionKnowledgeRetrieval,
				Description: "Look up relevant guidance material",
				Instruction: "Retrieve documentation and guidance for: " + instruction,
			},
			{
				ActionType:  schema.ActionResponseGeneration,
				Description: "Compose the guidance",
				Instruction: "Answer with step-by-step guidance for: " + instruction,
				Preconditions: []schema.Precondition{
					{Kind: schema.PreconditionDependencyCompleted, DependsOn: 1},
				},
			},
		}

	case schema.TaskSingleQuery:
		steps = []schema.SagaStep{
			{
				ActionType:  schema.ActionDataQuery,
				Description: "Run the requested query",
				Instruction: instruction,
			},
			{
				ActionType:  schema.ActionResponseGeneration,
				Description: "Present the query result",
				Instruction: "Summarize the query result for: " + instruction,
				Preconditions: []schema.Precondition{
					{Kind: schema.PreconditionDependencyCompleted, DependsOn: 1},
				},
			},
		}

	default:
		steps = []schema.SagaStep{
			{
				ActionType:  schema.ActionResponseGeneration,
				Description: "Respond to the instruction",
				Instruction: instruction,
			},
		}
	}

	return &schema.Plan{
		TaskType: taskType,
		Steps:    normalizeSteps(steps),
		Source:   schema.PlanSourceFallback,
	}
}
