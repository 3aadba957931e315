package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSagaServer(t *testing.T) {
	s := NewSagaServer(SagaServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.Sessions())
}

func TestToolRegistration(t *testing.T) {
	s := NewSagaServer(SagaServerDeps{})

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, 5)

	expectedTools := []string{
		"saga.run",
		"saga.status",
		"saga.resume",
		"saga.cancel",
		"saga.query",
	}
	for _, name := range expectedTools {
		tool := s.mcpServer.GetTool(name)
		assert.NotNil(t, tool, "tool %s should be registered", name)
	}
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		name        string
		toolName    string
		description string
	}{
		{"run", "saga.run", "Plan and execute a saga workflow from an instruction"},
		{"status", "saga.status", "Get workflow execution status"},
		{"resume", "saga.resume", "Resume a paused workflow, optionally answering a pending confirmation"},
		{"cancel", "saga.cancel", "Cancel a workflow, running pending compensations first"},
		{"query", "saga.query", "Query workflows, events, or recoverable workflows"},
	}

	s := NewSagaServer(SagaServerDeps{})

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
		})
	}
}
