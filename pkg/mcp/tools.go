package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/flowtalk-io/flowtalk/internal/diagram"
	"github.com/flowtalk-io/flowtalk/internal/store"
	"github.com/flowtalk-io/flowtalk/pkg/schema"
)

// handleRun executes a workflow immediately with a manual trigger payload.
func (s *Server) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}

	trigger := schema.TriggerPayload(mcp.ParseStringMap(req, "trigger", nil))
	if trigger == nil {
		trigger = schema.TriggerPayload{}
	}
	if trigger.TriggerType() == "" {
		trigger.Set(schema.KeyTriggerType, schema.TriggerTypeManual)
	}

	run, runErr := s.runner.Execute(ctx, workflowID, trigger)
	if runErr != nil {
		if run == nil {
			return mcp.NewToolResultError(fmt.Sprintf("run failed: %v", runErr)), nil
		}
		// The run record exists; return it alongside the failure so the
		// caller can inspect steps with flowtalk.status.
		return marshalResult(map[string]any{
			"run":   run,
			"error": runErr.Error(),
		})
	}
	return marshalResult(map[string]any{"run": run})
}

// handleStatus returns a run with its recorded steps.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	run, getErr := s.store.GetRun(ctx, runID)
	if getErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run lookup failed: %v", getErr)), nil
	}
	steps, stepsErr := s.store.ListSteps(ctx, runID)
	if stepsErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("step listing failed: %v", stepsErr)), nil
	}

	return marshalResult(map[string]any{
		"run":   run,
		"steps": steps,
	})
}

// handleList lists runs by workflow, tenant, status, or start time.
func (s *Server) handleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.RunFilter{
		WorkflowID: req.GetString("workflow_id", ""),
		TenantID:   req.GetString("tenant_id", ""),
		Limit:      req.GetInt("limit", 50),
	}
	if status := req.GetString("status", ""); status != "" {
		rs := schema.RunStatus(status)
		filter.Status = &rs
	}
	if since := req.GetString("since", ""); since != "" {
		t, parseErr := time.Parse(time.RFC3339, since)
		if parseErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid since timestamp: %v", parseErr)), nil
		}
		filter.Since = &t
	}

	runs, err := s.store.ListRuns(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run listing failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"runs": runs})
}

// handleDescribe summarizes a workflow and renders its mermaid diagram,
// optionally overlaying one run's step states.
func (s *Server) handleDescribe(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}

	wf, wfErr := s.store.GetWorkflow(ctx, workflowID)
	if wfErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("workflow lookup failed: %v", wfErr)), nil
	}

	var steps []*store.Step
	if runID := req.GetString("run_id", ""); runID != "" {
		run, runErr := s.store.GetRun(ctx, runID)
		if runErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("run lookup failed: %v", runErr)), nil
		}
		if run.WorkflowID != workflowID {
			return mcp.NewToolResultError(fmt.Sprintf("run %s belongs to workflow %s", runID, run.WorkflowID)), nil
		}
		steps, runErr = s.store.ListSteps(ctx, runID)
		if runErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("step listing failed: %v", runErr)), nil
		}
	}

	nodes := make([]map[string]any, 0, len(wf.Nodes))
	for _, n := range wf.Nodes {
		nodes = append(nodes, map[string]any{
			"id":   n.ID,
			"type": n.Type,
		})
	}

	mermaid := diagram.RenderMermaid(diagram.Build(wf, steps))
	return marshalResult(map[string]any{
		"id":        wf.ID,
		"tenant_id": wf.TenantID,
		"name":      wf.Name,
		"active":    wf.Active,
		"nodes":     nodes,
		"edges":     len(wf.Edges),
		"mermaid":   mermaid,
	})
}

// handleValidate runs the validation pipeline over an unsaved definition.
func (s *Server) handleValidate(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw := mcp.ParseStringMap(req, "workflow", nil)
	if raw == nil {
		return mcp.NewToolResultError("workflow is required"), nil
	}

	// Round-trip through JSON so the map becomes a typed Workflow.
	data, marshalErr := json.Marshal(raw)
	if marshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid workflow: %v", marshalErr)), nil
	}
	var wf schema.Workflow
	if unmarshalErr := json.Unmarshal(data, &wf); unmarshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid workflow: %v", unmarshalErr)), nil
	}

	result := s.validator.Validate(&wf)
	return marshalResult(map[string]any{
		"valid":    result.Valid(),
		"errors":   result.Errors,
		"warnings": result.Warnings,
	})
}

// marshalResult converts a value to a JSON tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
