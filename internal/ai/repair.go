package ai

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
)

// Outcome is the normalized three-part result of an analysis call.
// One of the Profile* constants records which parse path produced it.
type Outcome struct {
	Analyze     map[string]any `json:"analyze"`
	Reply       map[string]any `json:"reply"`
	Meta        map[string]any `json:"meta"`
	UsedProfile string         `json:"-"`
	Raw         string         `json:"-"`
}

// Confidence returns analyze.confidence, or 0 when absent.
func (o *Outcome) Confidence() float64 {
	if o == nil || o.Analyze == nil {
		return 0
	}
	if f, ok := toFloat(o.Analyze["confidence"]); ok {
		return f
	}
	return 0
}

// Updates returns analyze.updates as a map, or nil.
func (o *Outcome) Updates() map[string]any {
	if o == nil || o.Analyze == nil {
		return nil
	}
	m, _ := o.Analyze["updates"].(map[string]any)
	return m
}

// ReplyText returns reply.reply_text, or "".
func (o *Outcome) ReplyText() string {
	if o == nil || o.Reply == nil {
		return ""
	}
	s, _ := o.Reply["reply_text"].(string)
	return s
}

// Handoff returns meta.handoff.triggered plus its confidence and reason.
func (o *Outcome) Handoff() (triggered bool, confidence float64, reason string) {
	if o == nil || o.Meta == nil {
		return false, 0, ""
	}
	h, _ := o.Meta["handoff"].(map[string]any)
	if h == nil {
		return false, 0, ""
	}
	triggered, _ = h["triggered"].(bool)
	confidence, _ = toFloat(h["confidence"])
	reason, _ = h["reason"].(string)
	return triggered, confidence, reason
}

const reformatSystem = `The following text was supposed to be a single JSON object but is not valid JSON. Reformat it into valid JSON, preserving all information. Respond with the JSON object only.`

// defaultReply is the customer-facing text used when every parse path fails.
const defaultReply = "Thanks for your message, we will get back to you shortly."

// ParseOrRepair turns raw model output into an Outcome. It tries, in order:
// direct parse, mechanical repair (fence stripping, outermost-object trim,
// trailing-comma cleanup), one reformat round trip through the completer,
// and finally a safe default. It never returns an error.
func ParseOrRepair(ctx context.Context, c Completer, raw string, params Params) *Outcome {
	if out, ok := tryParse(raw); ok {
		out.UsedProfile = ProfileDirect
		out.Raw = raw
		return out
	}

	if out, ok := tryParse(repairJSON(raw)); ok {
		out.UsedProfile = ProfileRepaired
		out.Raw = raw
		return out
	}

	if c != nil {
		reformatted, err := c.Complete(ctx, reformatSystem, raw, params)
		if err == nil {
			if out, ok := tryParse(reformatted); ok {
				out.UsedProfile = ProfileReformatted
				out.Raw = raw
				return out
			}
			if out, ok := tryParse(repairJSON(reformatted)); ok {
				out.UsedProfile = ProfileReformatted
				out.Raw = raw
				return out
			}
		}
	}

	out := SafeDefault("model output could not be parsed as JSON")
	out.Raw = raw
	return out
}

// SafeDefault builds the zero-confidence fallback outcome.
func SafeDefault(reason string) *Outcome {
	return &Outcome{
		Analyze: map[string]any{
			"updates":    map[string]any{},
			"confidence": 0.0,
			"reason":     reason,
		},
		Reply: map[string]any{"reply_text": defaultReply},
		Meta: map[string]any{
			"handoff": map[string]any{"triggered": false, "confidence": 0.0, "reason": ""},
		},
		UsedProfile: ProfileFallback,
	}
}

func tryParse(s string) (*Outcome, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, false
	}
	return normalize(m), true
}

// normalize maps a parsed object onto the three-part shape. Objects already
// carrying analyze/reply/meta keys pass through; flat objects get their
// known keys hoisted and everything else treated as an extracted update.
func normalize(m map[string]any) *Outcome {
	analyze, _ := m["analyze"].(map[string]any)
	reply, _ := m["reply"].(map[string]any)
	meta, _ := m["meta"].(map[string]any)
	if analyze != nil || reply != nil || meta != nil {
		return &Outcome{Analyze: analyze, Reply: reply, Meta: meta}
	}

	updates := make(map[string]any)
	analyze = make(map[string]any)
	for k, v := range m {
		switch k {
		case "reply_text":
			if s, ok := v.(string); ok {
				reply = map[string]any{"reply_text": s}
			}
		case "confidence":
			if f, ok := toFloat(v); ok {
				analyze["confidence"] = f
			}
		case "reason":
			analyze["reason"] = v
		case "updates":
			if u, ok := v.(map[string]any); ok {
				for uk, uv := range u {
					updates[uk] = uv
				}
			}
		default:
			updates[k] = v
		}
	}
	analyze["updates"] = updates
	return &Outcome{Analyze: analyze, Reply: reply, Meta: meta}
}

var (
	fenceRe         = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")
	trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)
)

// repairJSON applies mechanical fixes to almost-JSON model output.
func repairJSON(s string) string {
	s = strings.TrimSpace(s)

	// Prefer the content of a fenced code block when present.
	if m := fenceRe.FindStringSubmatch(s); m != nil {
		s = m[1]
	}

	// Trim prose around the outermost object.
	if start := strings.Index(s, "{"); start >= 0 {
		if end := strings.LastIndex(s, "}"); end > start {
			s = s[start : end+1]
		}
	}

	// Drop trailing commas before a closing brace or bracket.
	s = trailingCommaRe.ReplaceAllString(s, "$1")

	return s
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}
