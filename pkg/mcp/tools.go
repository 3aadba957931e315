package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/larenas/sagaflow/internal/store"
	"github.com/larenas/sagaflow/pkg/schema"
)

// handleRun plans and executes a workflow for an instruction.
func (s *SagaServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	instruction, err := req.RequireString("instruction")
	if err != nil {
		return mcp.NewToolResultError("instruction is required"), nil
	}
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("session_id is required"), nil
	}
	workflowID := req.GetString("workflow_id", "")
	if workflowID == "" {
		workflowID = uuid.New().String()
	}

	// Capture session mapping for notifications.
	s.captureSession(ctx, sessionID)

	plan, planErr := s.planner.Generate(ctx, workflowID, sessionID, instruction)
	if planErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("planning failed: %v", planErr)), nil
	}

	wf := &store.WorkflowState{
		WorkflowID:  workflowID,
		SessionID:   sessionID,
		Instruction: instruction,
		TaskType:    plan.TaskType,
		PlanSource:  plan.Source,
		Status:      schema.WorkflowStatusPending,
		Steps:       plan.Steps,
		CurrentStep: 1,
	}
	if createErr := s.store.CreateWorkflow(ctx, wf); createErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to create workflow: %v", createErr)), nil
	}

	if runErr := s.executor.Run(ctx, workflowID); runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("workflow execution failed: %v", runErr)), nil
	}

	return s.statusResult(ctx, workflowID)
}

// handleStatus returns the current state of a workflow.
func (s *SagaServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	return s.statusResult(ctx, workflowID)
}

// handleResume resumes a paused workflow. A running workflow is routed through
// the recovery manager, which only resumes it when its heartbeat is stale.
func (s *SagaServer) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	response := req.GetString("response", "")

	if sessionID := req.GetString("session_id", ""); sessionID != "" {
		s.captureSession(ctx, sessionID)
	}

	wf, getErr := s.store.GetWorkflow(ctx, workflowID)
	if getErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("workflow lookup failed: %v", getErr)), nil
	}

	if wf.Status == schema.WorkflowStatusRunning && s.recovery != nil {
		if resErr := s.recovery.Resume(ctx, workflowID); resErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("resume failed: %v", resErr)), nil
		}
	} else if resErr := s.executor.Resume(ctx, workflowID, response); resErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("resume failed: %v", resErr)), nil
	}

	return s.statusResult(ctx, workflowID)
}

// handleCancel cancels a workflow, compensating completed steps when forced.
func (s *SagaServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	force := req.GetString("force", "false") == "true"

	if cancelErr := s.executor.Cancel(ctx, workflowID, force); cancelErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", cancelErr)), nil
	}

	return s.statusResult(ctx, workflowID)
}

// handleQuery lists workflows, events, or recoverable workflows based on filters.
func (s *SagaServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "workflows":
		return s.queryWorkflows(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	case "recoverable":
		return s.queryRecoverable(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// --- Query helpers ---

func (s *SagaServer) queryWorkflows(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	wf := store.WorkflowFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		ws := schema.WorkflowStatus(status)
		wf.Status = &ws
	}
	if sessionID, ok := filter["session_id"].(string); ok {
		wf.SessionID = sessionID
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			wf.Since = &t
		}
	}

	workflows, err := s.store.ListByStatus(ctx, wf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"workflows": workflows})
}

func (s *SagaServer) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	ef := store.EventFilter{
		Limit: extractInt(filter, "limit", 100),
	}
	if wfID, ok := filter["workflow_id"].(string); ok {
		ef.WorkflowID = wfID
	}
	if sessionID, ok := filter["session_id"].(string); ok {
		ef.SessionID = sessionID
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			ef.Since = &t
		}
	}

	if eventType, ok := filter["event_type"].(string); ok && eventType != "" {
		events, err := s.store.GetEventsByType(ctx, eventType, ef)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
		}
		return marshalResult(map[string]any{"events": events})
	}

	// No event type filter: replay the workflow's log from a sequence number.
	if ef.WorkflowID == "" {
		return mcp.NewToolResultError("event query requires either 'event_type' or 'workflow_id' in filter"), nil
	}
	afterSequence := int64(extractInt(filter, "after_sequence", 0))
	events, err := s.store.GetEvents(ctx, ef.WorkflowID, afterSequence)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"events": events})
}

func (s *SagaServer) queryRecoverable(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	if s.recovery == nil {
		return mcp.NewToolResultError("recovery is not enabled"), nil
	}
	sessionID, _ := filter["session_id"].(string)
	if sessionID == "" {
		return mcp.NewToolResultError("recoverable query requires 'session_id' in filter"), nil
	}

	workflows, err := s.recovery.GetRecoverable(ctx, sessionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"workflows": workflows})
}

// --- Internal helpers ---

// statusResult fetches and marshals the workflow's status report.
func (s *SagaServer) statusResult(ctx context.Context, workflowID string) (*mcp.CallToolResult, error) {
	status, err := s.executor.Status(ctx, workflowID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", err)), nil
	}
	return marshalResult(status)
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// captureSession maps the saga session ID to the current MCP session for notifications.
func (s *SagaServer) captureSession(ctx context.Context, sessionID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(sessionID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
