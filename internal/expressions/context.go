package expressions

import (
	"sync"
	"time"

	"github.com/flowtalk-io/flowtalk/internal/store"
	"github.com/flowtalk-io/flowtalk/pkg/schema"
)

// Context is the per-run mutable bag of named scopes threaded through node
// execution. One instance exists per run; forked sub-walks share it. It is
// never reused across runs.
type Context struct {
	mu sync.RWMutex

	trigger map[string]any
	actor   map[string]any
	chat    ChatScope
	contact *store.Contact
	ai      AIResult
	api     map[string]any
	vars    map[string]any
	outputs map[string]map[string]any // node ID -> output map

	scheduledAt   time.Time
	pendingBodies []string
	pendingMedia  []schema.MediaRef
}

// ChatScope holds the recent conversation state loaded by trigger nodes.
type ChatScope struct {
	LastMessage string
	History     []map[string]any // newest first: {direction, body, created_at}
}

// AIResult is the three-part output of an ai_analysis node.
type AIResult struct {
	Analyze map[string]any
	Reply   map[string]any
	Meta    map[string]any
}

// Empty reports whether no analysis has been recorded yet.
func (r AIResult) Empty() bool {
	return r.Analyze == nil && r.Reply == nil && r.Meta == nil
}

// NewContext creates a Context seeded with the trigger payload.
func NewContext(trigger schema.TriggerPayload) *Context {
	t := make(map[string]any, len(trigger))
	for k, v := range trigger {
		t[k] = v
	}
	return &Context{
		trigger: t,
		vars:    make(map[string]any),
		outputs: make(map[string]map[string]any),
	}
}

// Trigger returns the trigger payload map.
func (c *Context) Trigger() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.trigger
}

// TriggerValue returns a single trigger key rendered as in schema.TriggerPayload.
func (c *Context) TriggerValue(key string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return schema.TriggerPayload(c.trigger).String(key)
}

// AugmentTrigger adds or overwrites a key in the trigger payload. Used by
// db_trigger nodes to inject the selected contact identifier.
func (c *Context) AugmentTrigger(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trigger[key] = value
}

// SetActor records the sender identity scope.
func (c *Context) SetActor(actor map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.actor = actor
}

// SetChat records the conversation scope.
func (c *Context) SetChat(chat ChatScope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chat = chat
}

// Chat returns the conversation scope.
func (c *Context) Chat() ChatScope {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.chat
}

// SetContact records the customer record scope.
func (c *Context) SetContact(contact *store.Contact) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.contact = contact
}

// Contact returns the customer record, or nil when no trigger node ran.
func (c *Context) Contact() *store.Contact {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.contact
}

// SetAIResult records the latest ai_analysis output.
func (c *Context) SetAIResult(r AIResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ai = r
}

// AIResult returns the latest ai_analysis output.
func (c *Context) AIResult() AIResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ai
}

// SetAPIResponse records the last http_call response scope.
func (c *Context) SetAPIResponse(resp map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.api = resp
}

// SetVar stores a free variable.
func (c *Context) SetVar(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vars[key] = value
}

// Var returns a free variable.
func (c *Context) Var(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.vars[key]
	return v, ok
}

// MergeOutput registers a node's output map under its node ID and merges the
// top-level keys into the free variable scope, last write wins.
func (c *Context) MergeOutput(nodeID string, output map[string]any) {
	if output == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outputs[nodeID] = output
	for k, v := range output {
		c.vars[k] = v
	}
}

// NodeOutput returns a copy of a node's registered output map. Forked
// sub-walks share the Context, so the internal map is never handed out.
func (c *Context) NodeOutput(nodeID string) (map[string]any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out, ok := c.outputs[nodeID]
	if !ok {
		return nil, false
	}
	cp := make(map[string]any, len(out))
	for k, v := range out {
		cp[k] = v
	}
	return cp, true
}

// SetScheduledAt records the pacing timestamp computed by a delay node.
func (c *Context) SetScheduledAt(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scheduledAt = t
}

// ScheduledAt returns the pacing timestamp, zero when no delay node ran.
func (c *Context) ScheduledAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.scheduledAt
}

// SetPendingMessages stores rendered bodies and media for the next send node.
func (c *Context) SetPendingMessages(bodies []string, media []schema.MediaRef) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingBodies = bodies
	c.pendingMedia = media
}

// PendingBodies returns the rendered bodies without consuming them. The
// compliance guard scans these.
func (c *Context) PendingBodies() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pendingBodies
}

// TakePendingMessages consumes the rendered bodies and media.
func (c *Context) TakePendingMessages() ([]string, []schema.MediaRef) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bodies, media := c.pendingBodies, c.pendingMedia
	c.pendingBodies, c.pendingMedia = nil, nil
	return bodies, media
}

// ScopeData returns the scope maps keyed by namespace, for expression
// engines that evaluate against the whole context (condition trees).
func (c *Context) ScopeData() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data := map[string]any{
		"trigger": orEmpty(c.trigger),
		"actor":   orEmpty(c.actor),
		"ai":      c.aiMapLocked(),
		"api":     orEmpty(c.api),
		"vars":    orEmpty(c.vars),
	}
	if c.contact != nil {
		data["customer"] = contactMap(c.contact)
	} else {
		data["customer"] = map[string]any{}
	}
	return data
}

// aiMapLocked renders the AI result as a nested map. Callers hold c.mu.
func (c *Context) aiMapLocked() map[string]any {
	return map[string]any{
		"analyze": orEmpty(c.ai.Analyze),
		"reply":   orEmpty(c.ai.Reply),
		"meta":    orEmpty(c.ai.Meta),
	}
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// contactMap renders a contact as a resolution scope. Typed columns appear
// under their own keys, the free-form map under "custom", and timestamps as
// RFC 3339 strings.
func contactMap(ct *store.Contact) map[string]any {
	m := map[string]any{
		"id":        ct.ID,
		"tenant_id": ct.TenantID,
		"name":      ct.Name,
		"phone":     ct.Phone,
		"chat_id":   ct.ChatID,
		"status":    ct.Status,
		"version":   ct.Version,
		"custom":    orEmpty(ct.Custom),
	}
	if !ct.CreatedAt.IsZero() {
		m["created_at"] = ct.CreatedAt.Format(time.RFC3339)
	}
	if !ct.UpdatedAt.IsZero() {
		m["updated_at"] = ct.UpdatedAt.Format(time.RFC3339)
	}
	return m
}
