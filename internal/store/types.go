package store

import (
	"encoding/json"
	"time"

	"github.com/flowtalk-io/flowtalk/pkg/schema"
)

// Run is the persisted record of one workflow execution.
type Run struct {
	ID          string                `json:"id"`
	WorkflowID  string                `json:"workflow_id"`
	TenantID    string                `json:"tenant_id"`
	Status      schema.RunStatus      `json:"status"`
	Trigger     schema.TriggerPayload `json:"trigger_payload,omitempty"`
	Error       string                `json:"error,omitempty"`
	Diagnostic  json.RawMessage       `json:"diagnostic,omitempty"`
	StartedAt   time.Time             `json:"started_at"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
	DurationMs  int64                 `json:"duration_ms,omitempty"`
}

// Step is the persisted record of one node execution within a run. Seq is a
// monotonically increasing per-run counter assigned at insert, which makes
// the walk order reproducible in queries.
type Step struct {
	ID          string            `json:"id"`
	RunID       string            `json:"run_id"`
	NodeID      string            `json:"node_id"`
	NodeType    schema.NodeType   `json:"node_type"`
	Status      schema.StepStatus `json:"status"`
	Seq         int64             `json:"seq"`
	Input       json.RawMessage   `json:"input,omitempty"`
	Output      json.RawMessage   `json:"output,omitempty"`
	BranchTaken string            `json:"branch_taken,omitempty"`
	Error       string            `json:"error,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	DurationMs  int64             `json:"duration_ms,omitempty"`
}

// Contact is a customer record. Typed columns cover the identity fields the
// engine itself needs; everything a workflow designer invents lives in the
// free-form Custom map. Version increments on every engine-driven update and
// backs optimistic conflict detection.
type Contact struct {
	ID        string         `json:"id"`
	TenantID  string         `json:"tenant_id"`
	Name      string         `json:"name,omitempty"`
	Phone     string         `json:"phone,omitempty"`
	ChatID    string         `json:"chat_id,omitempty"`
	Status    string         `json:"status,omitempty"`
	Custom    map[string]any `json:"custom,omitempty"`
	Version   int64          `json:"version"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Message is one inbound or outbound message in a contact's conversation.
// BodyHash indexes the dedup window lookup for outbound sends.
type Message struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	ContactID  string    `json:"contact_id"`
	RunID      string    `json:"run_id,omitempty"`
	Direction  string    `json:"direction"` // in, out
	Channel    string    `json:"channel,omitempty"`
	Body       string    `json:"body,omitempty"`
	BodyHash   string    `json:"body_hash,omitempty"`
	MediaID    string    `json:"media_id,omitempty"`
	Status     string    `json:"status,omitempty"` // sent, failed, deduplicated
	ProviderID string    `json:"provider_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// FieldAudit records one contact field change applied by a contact_update node.
type FieldAudit struct {
	ID        int64           `json:"id"`
	TenantID  string          `json:"tenant_id"`
	ContactID string          `json:"contact_id"`
	RunID     string          `json:"run_id,omitempty"`
	NodeID    string          `json:"node_id,omitempty"`
	Field     string          `json:"field"`
	OldValue  json.RawMessage `json:"old_value,omitempty"`
	NewValue  json.RawMessage `json:"new_value,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// AIAudit records one ai_analysis invocation for later inspection.
type AIAudit struct {
	ID           int64     `json:"id"`
	TenantID     string    `json:"tenant_id"`
	ContactID    string    `json:"contact_id,omitempty"`
	RunID        string    `json:"run_id,omitempty"`
	NodeID       string    `json:"node_id,omitempty"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	UserPrompt   string    `json:"user_prompt,omitempty"`
	RawOutput    string    `json:"raw_output,omitempty"`
	UsedProfile  string    `json:"used_profile,omitempty"` // direct, repaired, reformatted, fallback
	Confidence   float64   `json:"confidence,omitempty"`
	Handoff      bool      `json:"handoff,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// TriggerFire marks one scheduled db_trigger firing for a contact. The unique
// key (workflow, node, contact, fire hash) plus ExpiresAt implements the
// debounce window: a second firing inside the window is suppressed.
type TriggerFire struct {
	WorkflowID string    `json:"workflow_id"`
	NodeID     string    `json:"node_id"`
	ContactID  string    `json:"contact_id"`
	FireHash   string    `json:"fire_hash"`
	FiredAt    time.Time `json:"fired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Secret is an encrypted key-value entry.
type Secret struct {
	Key       string    `json:"key"`
	Value     []byte    `json:"-"` // encrypted, never serialized
	CreatedAt time.Time `json:"created_at"`
}

// --- Filter and update types ---

// WorkflowFilter specifies criteria for listing workflows.
type WorkflowFilter struct {
	TenantID   string `json:"tenant_id,omitempty"`
	ActiveOnly bool   `json:"active_only,omitempty"`
	Limit      int    `json:"limit,omitempty"`
	Offset     int    `json:"offset,omitempty"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	WorkflowID string            `json:"workflow_id,omitempty"`
	TenantID   string            `json:"tenant_id,omitempty"`
	Status     *schema.RunStatus `json:"status,omitempty"`
	Since      *time.Time        `json:"since,omitempty"`
	Limit      int               `json:"limit,omitempty"`
	Offset     int               `json:"offset,omitempty"`
}

// RunUpdate specifies mutable fields of a run.
type RunUpdate struct {
	Status      *schema.RunStatus `json:"status,omitempty"`
	Error       *string           `json:"error,omitempty"`
	Diagnostic  json.RawMessage   `json:"diagnostic,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	DurationMs  *int64            `json:"duration_ms,omitempty"`
}

// StepUpdate specifies mutable fields of a step.
type StepUpdate struct {
	Status      *schema.StepStatus `json:"status,omitempty"`
	Output      json.RawMessage    `json:"output,omitempty"`
	BranchTaken *string            `json:"branch_taken,omitempty"`
	Error       *string            `json:"error,omitempty"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
	DurationMs  *int64             `json:"duration_ms,omitempty"`
}

// ContactQuery selects contacts by one field condition. Field names matching
// typed columns query those columns; anything else queries the custom map.
type ContactQuery struct {
	TenantID string `json:"tenant_id"`
	Field    string `json:"field"`
	Op       string `json:"op"` // equals, not_equals, contains, starts_with, ends_with, is_empty, is_not_empty
	Value    string `json:"value,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// MessageFilter specifies criteria for listing messages.
type MessageFilter struct {
	TenantID  string `json:"tenant_id,omitempty"`
	ContactID string `json:"contact_id,omitempty"`
	RunID     string `json:"run_id,omitempty"`
	Direction string `json:"direction,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}
