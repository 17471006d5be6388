package processors

import (
	"context"

	"github.com/flowtalk-io/flowtalk/internal/ai"
	"github.com/flowtalk-io/flowtalk/internal/expressions"
	"github.com/flowtalk-io/flowtalk/internal/store"
	"github.com/flowtalk-io/flowtalk/pkg/schema"
)

// defaultHandoffThreshold applies when handoff is enabled without an
// explicit confidence threshold.
const defaultHandoffThreshold = 0.7

// defaultUserTemplate is the user prompt when a node configures none.
const defaultUserTemplate = "{{trigger.message}}"

// AIAnalysis drives the completion service through an analysis of the
// current conversation. The model's output is normalized into the
// analyze/reply/meta triple no matter how broken it comes back; the node
// never fails on model output, only on configuration.
type AIAnalysis struct {
	deps Deps
}

// NewAIAnalysis creates an AIAnalysis processor.
func NewAIAnalysis(deps Deps) *AIAnalysis {
	return &AIAnalysis{deps: deps}
}

func (p *AIAnalysis) Type() schema.NodeType {
	return schema.NodeAIAnalysis
}

func (p *AIAnalysis) Process(ctx context.Context, in Input) (*Result, error) {
	var cfg schema.AINodeConfig
	if err := decodeConfig(in.Node, &cfg); err != nil {
		return nil, err
	}
	if cfg.Instruction == "" {
		return nil, schema.NewError(schema.ErrCodeConfig,
			"ai_analysis node has no instruction").WithNode(in.Node.ID)
	}

	system := ai.BuildSystemPrompt(cfg)
	user := p.buildUserPrompt(cfg, in)
	params := ai.Params{Model: cfg.Model, Temperature: cfg.Temperature, MaxTokens: cfg.MaxTokens}

	outcome := p.analyze(ctx, system, user, params)

	handoffEnabled := cfg.Handoff != nil && cfg.Handoff.Enabled
	threshold := defaultHandoffThreshold
	if handoffEnabled && cfg.Handoff.Threshold > 0 {
		threshold = cfg.Handoff.Threshold
	}

	branch := schema.BranchTrue
	handoff := false
	if handoffEnabled {
		triggered, _, _ := outcome.Handoff()
		handoff = triggered || outcome.Confidence() < threshold
		if handoff {
			branch = schema.BranchFalse
			p.deps.publish(ctx, in, schema.EventHandoffTriggered, map[string]any{
				"confidence": outcome.Confidence(),
				"threshold":  threshold,
			})
		}
	}

	meta := outcome.Meta
	if meta == nil {
		meta = map[string]any{}
	}
	meta["used_profile"] = outcome.UsedProfile
	if _, ok := meta["handoff"]; !ok {
		meta["handoff"] = map[string]any{
			"triggered": handoff, "confidence": outcome.Confidence(), "reason": "",
		}
	}

	in.Context.SetAIResult(expressions.AIResult{
		Analyze: outcome.Analyze,
		Reply:   outcome.Reply,
		Meta:    meta,
	})
	p.audit(ctx, in, system, user, outcome, handoff)

	return &Result{
		Output: map[string]any{
			"analyze": outcome.Analyze,
			"reply":   outcome.Reply,
			"meta":    meta,
		},
		Branch: branch,
	}, nil
}

// analyze runs the completion and the parse/repair chain. A transport
// failure is absorbed into the safe default, same as unparsable output.
func (p *AIAnalysis) analyze(ctx context.Context, system, user string, params ai.Params) *ai.Outcome {
	raw, err := p.deps.Completer.Complete(ctx, system, user, params)
	if err != nil {
		p.deps.Logger.WarnContext(ctx, "ai completion failed, using fallback", "error", err)
		return ai.SafeDefault("completion call failed: " + err.Error())
	}
	return ai.ParseOrRepair(ctx, p.deps.Completer, raw, params)
}

// buildUserPrompt resolves the template and injects recent history in
// chronological order when the node enables it.
func (p *AIAnalysis) buildUserPrompt(cfg schema.AINodeConfig, in Input) string {
	template := cfg.UserTemplate
	if template == "" {
		template = defaultUserTemplate
	}
	resolved := p.deps.Resolver.ResolveText(template, in.Context)

	if cfg.History == nil || !cfg.History.Enabled {
		return ai.BuildUserPrompt(resolved, nil)
	}

	recent := in.Context.Chat().History
	if limit := cfg.History.Limit; limit > 0 && len(recent) > limit {
		recent = recent[:limit]
	}
	// The chat scope stores newest first; prompts read oldest to newest.
	entries := make([]ai.HistoryEntry, 0, len(recent))
	for i := len(recent) - 1; i >= 0; i-- {
		direction, _ := recent[i]["direction"].(string)
		body, _ := recent[i]["body"].(string)
		entries = append(entries, ai.HistoryEntry{Direction: direction, Body: body})
	}
	return ai.BuildUserPrompt(resolved, entries)
}

// audit persists the analysis record. Audit failures are logged, never
// surfaced: losing an audit row must not fail the run.
func (p *AIAnalysis) audit(ctx context.Context, in Input, system, user string, outcome *ai.Outcome, handoff bool) {
	audit := &store.AIAudit{
		TenantID:     in.Run.TenantID,
		RunID:        in.Run.ID,
		NodeID:       in.Node.ID,
		SystemPrompt: system,
		UserPrompt:   user,
		RawOutput:    outcome.Raw,
		UsedProfile:  outcome.UsedProfile,
		Confidence:   outcome.Confidence(),
		Handoff:      handoff,
	}
	if ct := in.Context.Contact(); ct != nil {
		audit.ContactID = ct.ID
	}
	if err := p.deps.Store.AppendAIAudit(ctx, audit); err != nil {
		p.deps.Logger.WarnContext(ctx, "ai audit write failed", "error", err)
	}
}
