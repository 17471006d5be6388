package validation

import (
	"encoding/json"
	"fmt"

	"github.com/flowtalk-io/flowtalk/pkg/schema"
)

// validateSemantic checks everything the JSON Schema cannot express:
// reference integrity, branch-handle placement, trigger cardinality, and
// per-type config requirements.
func validateSemantic(wf *schema.Workflow) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	nodes := make(map[string]schema.Node, len(wf.Nodes))
	triggers := 0
	for i, node := range wf.Nodes {
		path := fmt.Sprintf("/nodes/%d", i)
		if _, dup := nodes[node.ID]; dup {
			result.AddError(path, "duplicate_node_id",
				fmt.Sprintf("duplicate node id %q", node.ID))
			continue
		}
		nodes[node.ID] = node
		if node.Type.IsTrigger() {
			triggers++
		}
		validateNodeConfig(result, path, node)
	}

	switch {
	case triggers == 0:
		result.AddWarning("/nodes", "no_trigger",
			"workflow has no trigger node; it can only be run manually")
	case triggers > 1:
		result.AddWarning("/nodes", "multiple_triggers",
			fmt.Sprintf("workflow has %d trigger nodes; only the start node fires per run", triggers))
	}

	for i, edge := range wf.Edges {
		path := fmt.Sprintf("/edges/%d", i)
		src, ok := nodes[edge.Source]
		if !ok {
			result.AddError(path, "unknown_source",
				fmt.Sprintf("edge references unknown source node %q", edge.Source))
			continue
		}
		if _, ok := nodes[edge.Target]; !ok {
			result.AddError(path, "unknown_target",
				fmt.Sprintf("edge references unknown target node %q", edge.Target))
			continue
		}
		if edge.SourceHandle == "" {
			continue
		}
		if !src.Type.ProducesBranch() {
			result.AddError(path, "handle_without_branch",
				fmt.Sprintf("edge handle %q on node %q, but %s nodes never branch",
					edge.SourceHandle, edge.Source, src.Type))
			continue
		}
		if !knownHandle(src.Type, edge.SourceHandle) {
			result.AddWarning(path, "unreachable_handle",
				fmt.Sprintf("node %q (%s) never computes branch %q; this edge cannot fire",
					edge.Source, src.Type, edge.SourceHandle))
		}
	}

	return result
}

// knownHandle reports whether a branch-capable node type can ever compute
// the given handle value.
func knownHandle(t schema.NodeType, handle string) bool {
	switch t {
	case schema.NodeComplianceGuard:
		return handle == schema.BranchPass || handle == schema.BranchFail
	case schema.NodeCondition, schema.NodeAIAnalysis:
		return handle == schema.BranchTrue || handle == schema.BranchFalse
	}
	return false
}

// validateNodeConfig decodes a node's config block and applies the
// per-type requirements.
func validateNodeConfig(result *schema.ValidationResult, path string, node schema.Node) {
	decode := func(out any) bool {
		if len(node.Config) == 0 {
			return true
		}
		if err := json.Unmarshal(node.Config, out); err != nil {
			result.AddError(path+"/config", "malformed_config",
				fmt.Sprintf("node %q config: %v", node.ID, err))
			return false
		}
		return true
	}

	switch node.Type {
	case schema.NodeAIAnalysis:
		var cfg schema.AINodeConfig
		if !decode(&cfg) {
			return
		}
		if cfg.Instruction == "" {
			result.AddError(path+"/config", "missing_instruction",
				fmt.Sprintf("ai_analysis node %q has no instruction", node.ID))
		}
		if cfg.Handoff != nil && (cfg.Handoff.Threshold < 0 || cfg.Handoff.Threshold > 1) {
			result.AddWarning(path+"/config", "handoff_threshold",
				fmt.Sprintf("handoff threshold %v is outside [0,1]", cfg.Handoff.Threshold))
		}
	case schema.NodeHTTPCall:
		var cfg schema.HTTPCallNodeConfig
		if !decode(&cfg) {
			return
		}
		if cfg.URL == "" {
			result.AddError(path+"/config", "missing_url",
				fmt.Sprintf("http_call node %q has no url", node.ID))
		}
		switch cfg.Method {
		case "", "GET", "POST", "PUT", "PATCH", "DELETE", "HEAD":
		default:
			result.AddWarning(path+"/config", "unusual_method",
				fmt.Sprintf("http_call node %q uses method %q", node.ID, cfg.Method))
		}
	case schema.NodeSendMessage:
		var cfg schema.SendNodeConfig
		if !decode(&cfg) {
			return
		}
		switch cfg.Mode {
		case "", "smart", "forced":
		default:
			result.AddError(path+"/config", "unknown_send_mode",
				fmt.Sprintf("send_message node %q has unknown mode %q", node.ID, cfg.Mode))
		}
		if cfg.Mode == "forced" && cfg.Channel == "" {
			result.AddError(path+"/config", "missing_channel",
				fmt.Sprintf("send_message node %q is forced but names no channel", node.ID))
		}
	case schema.NodeDBTrigger:
		var cfg schema.DBTriggerNodeConfig
		if !decode(&cfg) {
			return
		}
		switch cfg.Condition {
		case "", "equals", "not_equals", "contains", "starts_with", "ends_with",
			"is_empty", "is_not_empty", "changed":
		default:
			result.AddError(path+"/config", "unknown_condition",
				fmt.Sprintf("db_trigger node %q has unknown condition %q", node.ID, cfg.Condition))
		}
	case schema.NodeCondition:
		var cfg schema.ConditionNodeConfig
		if !decode(&cfg) {
			return
		}
		if len(cfg.Clauses) == 0 && len(cfg.Expression) == 0 {
			result.AddWarning(path+"/config", "empty_condition",
				fmt.Sprintf("condition node %q has no clauses or expression and always branches false", node.ID))
		}
	case schema.NodeDelay:
		var cfg schema.DelayNodeConfig
		if !decode(&cfg) {
			return
		}
		switch cfg.Mode {
		case "", "none", "auto_window", "relative":
		default:
			result.AddError(path+"/config", "unknown_delay_mode",
				fmt.Sprintf("delay node %q has unknown mode %q", node.ID, cfg.Mode))
		}
		if cfg.Mode == "relative" && cfg.Offset == "" {
			result.AddError(path+"/config", "missing_offset",
				fmt.Sprintf("delay node %q is relative but has no offset", node.ID))
		}
	}
}
