package schema

import (
	"encoding/json"
	"time"
)

// Workflow is the stored graph definition plus activation metadata.
// Immutable while a run is in flight; edited only through the CRUD layer.
type Workflow struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Name      string    `json:"name"`
	Nodes     []Node    `json:"nodes"`
	Edges     []Edge    `json:"edges"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Node is a typed unit of work in a workflow graph. Config stays opaque
// until the processor for Type decodes it at run time.
type Node struct {
	ID            string          `json:"id"`
	Type          NodeType        `json:"type"`
	Config        json.RawMessage `json:"config,omitempty"`
	ErrorStrategy ErrorStrategy   `json:"error_strategy,omitempty"` // default: abort_on_error
}

// Edge is a directed connection between two nodes. SourceHandle restricts
// the edge to firing only when the source node computed a matching branch
// value; absence means an unconditional edge.
type Edge struct {
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"source_handle,omitempty"`
}

// NodeType selects the step processor for a node.
type NodeType string

const (
	NodeMessageTrigger  NodeType = "message_trigger"
	NodeDBTrigger       NodeType = "db_trigger"
	NodeAIAnalysis      NodeType = "ai_analysis"
	NodeCondition       NodeType = "condition"
	NodeContactUpdate   NodeType = "contact_update"
	NodeDelay           NodeType = "delay"
	NodeSendMessage     NodeType = "send_message"
	NodeTemplate        NodeType = "template"
	NodeComplianceGuard NodeType = "compliance_guard"
	NodeHTTPCall        NodeType = "http_call"
)

// IsTrigger reports whether the type is a run entry point.
func (t NodeType) IsTrigger() bool {
	return t == NodeMessageTrigger || t == NodeDBTrigger
}

// ProducesBranch reports whether the type may emit a branch value that
// routes over handle-tagged edges.
func (t NodeType) ProducesBranch() bool {
	switch t {
	case NodeCondition, NodeAIAnalysis, NodeComplianceGuard:
		return true
	}
	return false
}

// ErrorStrategy governs what a node failure does to the run.
type ErrorStrategy string

const (
	StrategyAbort    ErrorStrategy = "abort_on_error"
	StrategyRollback ErrorStrategy = "rollback_on_error"
	StrategyContinue ErrorStrategy = "log_and_continue"
)

// Branch handle values.
const (
	BranchTrue  = "true"
	BranchFalse = "false"
	BranchPass  = "pass"
	BranchFail  = "fail"
)

// Channel identifiers for message routing.
const (
	ChannelWhatsApp = "whatsapp"
	ChannelTelegram = "telegram"
	ChannelAny      = "any"
	PlatformAuto    = "auto"
)

// RetryPolicy configures retry behavior for outbound effects.
type RetryPolicy struct {
	Max     int    `json:"max"`               // max attempts after the first
	Backoff string `json:"backoff,omitempty"` // none | constant | linear | exponential
	Delay   string `json:"delay,omitempty"`   // initial delay (e.g. "1s", "500ms")
}

// TriggerNodeConfig is the config block for message_trigger nodes.
type TriggerNodeConfig struct {
	Channel      string `json:"channel,omitempty"` // whatsapp | telegram | any
	HistoryLimit int    `json:"history_limit,omitempty"`
}

// DBTriggerNodeConfig is the config block for db_trigger nodes.
type DBTriggerNodeConfig struct {
	Table         string `json:"table"`
	Field         string `json:"field"`
	Condition     string `json:"condition"` // equals | not_equals | contains | starts_with | ends_with | is_empty | is_not_empty | changed
	Value         string `json:"value,omitempty"`
	Platform      string `json:"platform,omitempty"`      // auto | whatsapp | telegram
	ScanSchedule  string `json:"scan_schedule,omitempty"` // cron spec consumed by the scheduler
	DebounceHours int    `json:"debounce_hours,omitempty"`
}

// AINodeConfig is the config block for ai_analysis nodes.
type AINodeConfig struct {
	Instruction   string         `json:"instruction"`
	ExtractFields []string       `json:"extract_fields,omitempty"`
	ReplyStyle    string         `json:"reply_style,omitempty"`
	UserTemplate  string         `json:"user_template,omitempty"`
	History       *HistoryConfig `json:"history,omitempty"`
	Handoff       *HandoffConfig `json:"handoff,omitempty"`
	Model         string         `json:"model,omitempty"`
	Temperature   *float64       `json:"temperature,omitempty"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
}

// HistoryConfig controls recent-chat-history injection into AI prompts.
type HistoryConfig struct {
	Enabled bool `json:"enabled"`
	Limit   int  `json:"limit,omitempty"`
}

// HandoffConfig controls confidence-based human hand-off.
type HandoffConfig struct {
	Enabled   bool    `json:"enabled"`
	Threshold float64 `json:"threshold,omitempty"`
}

// ConditionClause is one {field, operator, value} comparison.
type ConditionClause struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    string `json:"value,omitempty"`
}

// ConditionNodeConfig is the config block for condition nodes. Either
// Clauses or Expression is set; Expression is a boolean-logic tree.
type ConditionNodeConfig struct {
	Clauses       []ConditionClause `json:"clauses,omitempty"`
	Combine       string            `json:"combine,omitempty"` // and | or (default: and)
	Expression    json.RawMessage   `json:"expression,omitempty"`
	DefaultBranch string            `json:"default_branch,omitempty"` // branch on evaluation error
}

// UpdateAssignment is one static field assignment for contact_update nodes.
type UpdateAssignment struct {
	Field string `json:"field"`
	Value string `json:"value"`
	Type  string `json:"type,omitempty"` // text | number | boolean | date | now
}

// UpdateNodeConfig is the config block for contact_update nodes.
type UpdateNodeConfig struct {
	Smart       bool               `json:"smart,omitempty"`
	Static      []UpdateAssignment `json:"static,omitempty"`
	SkipIfEqual *bool              `json:"skip_if_equal,omitempty"` // default: true
}

// DelayNodeConfig is the config block for delay nodes.
type DelayNodeConfig struct {
	Mode             string `json:"mode,omitempty"` // auto_window | relative | none
	Timezone         string `json:"timezone,omitempty"`
	WindowStart      string `json:"window_start,omitempty"` // "09:00"
	WindowEnd        string `json:"window_end,omitempty"`   // "18:00"
	Offset           string `json:"offset,omitempty"`       // relative mode, e.g. "2h"
	JitterMaxSeconds int    `json:"jitter_max_seconds,omitempty"`
}

// SendNodeConfig is the config block for send_message nodes.
type SendNodeConfig struct {
	Mode               string       `json:"mode,omitempty"`    // smart | forced
	Channel            string       `json:"channel,omitempty"` // forced mode
	ToOverride         string       `json:"to_override,omitempty"`
	Body               string       `json:"body,omitempty"`  // used when no template output pending
	Order              string       `json:"order,omitempty"` // media_first | caption | paired
	MaxDelaySeconds    int          `json:"max_delay_seconds,omitempty"`
	DedupWindowSeconds int          `json:"dedup_window_seconds,omitempty"`
	Retry              *RetryPolicy `json:"retry,omitempty"`
}

// MediaRef points at a stored media asset to attach to outbound messages.
type MediaRef struct {
	ID      string `json:"id,omitempty"`
	Folder  string `json:"folder,omitempty"`
	Caption string `json:"caption,omitempty"`
}

// TemplateNodeConfig is the config block for template nodes.
type TemplateNodeConfig struct {
	Templates      []string   `json:"templates,omitempty"`
	Media          []MediaRef `json:"media,omitempty"`
	DefaultMessage string     `json:"default_message,omitempty"`
}

// GuardNodeConfig is the config block for compliance_guard nodes.
type GuardNodeConfig struct {
	Blocklist      []string `json:"blocklist,omitempty"`
	AllowedDomains []string `json:"allowed_domains,omitempty"`
}

// SmartVariable applies a named transform to a resolved value before it
// is substituted into an http_call request.
type SmartVariable struct {
	Path      string `json:"path"`
	Transform string `json:"transform,omitempty"`
}

// AuthConfig is the authentication block for http_call nodes.
type AuthConfig struct {
	Type     string `json:"type"` // bearer | api_key | basic
	Token    string `json:"token,omitempty"`
	Key      string `json:"key,omitempty"`
	Value    string `json:"value,omitempty"`
	In       string `json:"in,omitempty"` // header | query (api_key)
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// HTTPCallNodeConfig is the config block for http_call nodes.
type HTTPCallNodeConfig struct {
	Method         string                   `json:"method"`
	URL            string                   `json:"url"`
	Headers        map[string]string        `json:"headers,omitempty"`
	Body           string                   `json:"body,omitempty"` // JSON template
	Auth           *AuthConfig              `json:"auth,omitempty"`
	TimeoutSeconds int                      `json:"timeout_seconds,omitempty"`
	MaxRetries     int                      `json:"max_retries,omitempty"`
	ResponsePath   string                   `json:"response_path,omitempty"` // jq-style sub-field path
	SmartVariables map[string]SmartVariable `json:"smart_variables,omitempty"`
}
