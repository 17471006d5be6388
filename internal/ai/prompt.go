package ai

import (
	"fmt"
	"strings"

	"github.com/flowtalk-io/flowtalk/pkg/schema"
)

// outputContract is appended to the system prompt when handoff is enabled.
// The model must answer with this exact three-part JSON object.
const outputContract = `Respond with a single JSON object and nothing else, in exactly this shape:
{
  "analyze": {"updates": {<field>: <value>, ...}, "confidence": <0.0-1.0>, "reason": "<short explanation>"},
  "reply": {"reply_text": "<message to send back to the customer>"},
  "meta": {"handoff": {"triggered": <true|false>, "reason": "<why>", "confidence": <0.0-1.0>}}
}
Set meta.handoff.triggered to true only when the conversation needs a human agent.`

// jsonOnlyContract is the lighter instruction used when handoff is disabled.
const jsonOnlyContract = `Respond with a single JSON object and nothing else. Include a "reply" object with "reply_text" when a customer-facing answer is expected, and an "analyze" object with "updates" and "confidence" when you extract data.`

// HistoryEntry is one recent chat message injected into the user prompt.
type HistoryEntry struct {
	Direction string // "in" (customer) or "out" (assistant)
	Body      string
}

// BuildSystemPrompt composes the system prompt for an ai_analysis node.
func BuildSystemPrompt(cfg schema.AINodeConfig) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(cfg.Instruction))

	if len(cfg.ExtractFields) > 0 {
		b.WriteString("\n\nExtract the following fields from the conversation when present: ")
		b.WriteString(strings.Join(cfg.ExtractFields, ", "))
		b.WriteString(". Report them under analyze.updates using exactly these field names.")
	}

	if cfg.ReplyStyle != "" {
		b.WriteString("\n\nReply style: ")
		b.WriteString(strings.TrimSpace(cfg.ReplyStyle))
	}

	b.WriteString("\n\n")
	if cfg.Handoff != nil && cfg.Handoff.Enabled {
		b.WriteString(outputContract)
	} else {
		b.WriteString(jsonOnlyContract)
	}
	return b.String()
}

// BuildUserPrompt composes the user prompt from the resolved template and
// optional recent history. The template is already placeholder-resolved by
// the caller.
func BuildUserPrompt(resolved string, history []HistoryEntry) string {
	if len(history) == 0 {
		return resolved
	}
	var b strings.Builder
	b.WriteString("Recent conversation:\n")
	for _, h := range history {
		role := "Customer"
		if h.Direction == "out" {
			role = "Assistant"
		}
		fmt.Fprintf(&b, "%s: %s\n", role, h.Body)
	}
	b.WriteString("\n")
	b.WriteString(resolved)
	return b.String()
}
