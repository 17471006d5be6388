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
}

func TestToolRegistration(t *testing.T) {
	s := NewServer(ServerDeps{})

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, 5)

	expectedTools := []string{
		"flowtalk.run",
		"flowtalk.status",
		"flowtalk.list",
		"flowtalk.describe",
		"flowtalk.validate",
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
		{"run", "flowtalk.run", "Execute a workflow now with a manual trigger payload"},
		{"status", "flowtalk.status", "Get a run's status and its recorded steps"},
		{"list", "flowtalk.list", "List runs, newest first"},
		{"describe", "flowtalk.describe", "Describe a workflow: node and edge summary plus a mermaid flowchart. With run_id, overlays that run's step states"},
		{"validate", "flowtalk.validate", "Validate a workflow definition without saving it"},
	}

	s := NewServer(ServerDeps{})

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
		})
	}
}
