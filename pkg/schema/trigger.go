package schema

import "fmt"

// Trigger type values carried in the payload's trigger_type key.
const (
	TriggerTypeMessage = "message"
	TriggerTypeDB      = "db_change"
	TriggerTypeManual  = "manual"
)

// Recognized trigger payload keys.
const (
	KeyTriggerType = "trigger_type"
	KeyChannel     = "channel"
	KeyPhone       = "phone"
	KeyChatID      = "chat_id"
	KeyMessage     = "message"
	KeyName        = "name"
	KeyTimestamp   = "timestamp"
	KeyUserID      = "user_id"
	KeyContactID   = "contact_id"
	KeyTable       = "table"
	KeyField       = "field"
	KeyCondition   = "condition"
	KeyOldValue    = "old_value"
	KeyNewValue    = "new_value"
)

// TriggerPayload is the flat map handed to Execute by the inbound message
// dispatcher, the scheduler, or a manual run-now action.
type TriggerPayload map[string]any

// Get returns the raw value for a key.
func (p TriggerPayload) Get(key string) (any, bool) {
	v, ok := p[key]
	return v, ok
}

// String returns the value for key rendered as a string, or "" when the
// key is absent.
func (p TriggerPayload) String(key string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func (p TriggerPayload) TriggerType() string { return p.String(KeyTriggerType) }
func (p TriggerPayload) Channel() string     { return p.String(KeyChannel) }
func (p TriggerPayload) Phone() string       { return p.String(KeyPhone) }
func (p TriggerPayload) ChatID() string      { return p.String(KeyChatID) }
func (p TriggerPayload) Message() string     { return p.String(KeyMessage) }
func (p TriggerPayload) Name() string        { return p.String(KeyName) }
func (p TriggerPayload) UserID() string      { return p.String(KeyUserID) }
func (p TriggerPayload) ContactID() string   { return p.String(KeyContactID) }
func (p TriggerPayload) Table() string       { return p.String(KeyTable) }
func (p TriggerPayload) Field() string       { return p.String(KeyField) }
func (p TriggerPayload) Condition() string   { return p.String(KeyCondition) }
func (p TriggerPayload) OldValue() string    { return p.String(KeyOldValue) }
func (p TriggerPayload) NewValue() string    { return p.String(KeyNewValue) }

// Set stores a value, allocating the map if needed, and returns the payload.
func (p TriggerPayload) Set(key string, value any) TriggerPayload {
	if p == nil {
		p = TriggerPayload{}
	}
	p[key] = value
	return p
}

// Clone returns a shallow copy. Forked sub-walks share the execution
// context but scheduler fan-out needs independent payloads per entity.
func (p TriggerPayload) Clone() TriggerPayload {
	out := make(TriggerPayload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
