package ai

import "context"

// Params are per-call overrides for a completion request. Zero values
// fall back to the client's configured defaults.
type Params struct {
	Model       string
	Temperature *float64
	MaxTokens   int
}

// Completer produces a chat completion from a system and user prompt.
type Completer interface {
	Complete(ctx context.Context, system, user string, params Params) (string, error)
}

// Profile names recorded in meta.used_profile and the AI audit trail.
const (
	ProfileDirect      = "direct"
	ProfileRepaired    = "repaired"
	ProfileReformatted = "reformatted"
	ProfileFallback    = "fallback"
)
