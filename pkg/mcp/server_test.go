package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServer(t *testing.T) {
	s := NewServer(ServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.HTTPHandler())
	s.Close()
}

func TestToolRegistration(t *testing.T) {
	s := NewServer(ServerDeps{})
	defer s.Close()

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, 4)

	expectedTools := []string{
		"agentflow.define",
		"agentflow.run",
		"agentflow.status",
		"agentflow.history",
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
		required    []string
	}{
		{"define", "agentflow.define", "Store a workflow definition", []string{"name", "steps"}},
		{"run", "agentflow.run", "Start a run of a stored workflow", []string{"workflow_id"}},
		{"status", "agentflow.status", "Get a run with its step results", []string{"run_id"}},
		{"history", "agentflow.history", "List recent runs, most recent first", nil},
	}

	s := NewServer(ServerDeps{})
	defer s.Close()

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
			assert.ElementsMatch(t, tc.required, tool.Tool.InputSchema.Required)
		})
	}
}
