package processors

import (
	"context"
	"encoding/json"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/flowtalk-io/flowtalk/internal/store"
	"github.com/flowtalk-io/flowtalk/pkg/schema"
)

// ContactUpdate applies AI-extracted updates and/or static assignments to
// the contact record. Writes go through the store's versioned update so
// concurrent runs conflict softly instead of clobbering each other, and
// every changed field leaves an audit row.
type ContactUpdate struct {
	deps Deps
}

// NewContactUpdate creates a ContactUpdate processor.
func NewContactUpdate(deps Deps) *ContactUpdate {
	return &ContactUpdate{deps: deps}
}

func (p *ContactUpdate) Type() schema.NodeType {
	return schema.NodeContactUpdate
}

// typedContactFields are the contact columns addressable by assignments;
// anything else lands in the free-form custom map.
var typedContactFields = map[string]bool{
	"name": true, "phone": true, "chat_id": true, "status": true,
}

func (p *ContactUpdate) Process(ctx context.Context, in Input) (*Result, error) {
	var cfg schema.UpdateNodeConfig
	if err := decodeConfig(in.Node, &cfg); err != nil {
		return nil, err
	}
	if !cfg.Smart && len(cfg.Static) == 0 {
		return nil, schema.NewError(schema.ErrCodeConfig,
			"contact_update node enables neither smart nor static updates").WithNode(in.Node.ID)
	}

	contact := in.Context.Contact()
	if contact == nil {
		return nil, schema.NewError(schema.ErrCodeExecution,
			"no contact in context; a trigger node must run first").WithNode(in.Node.ID)
	}

	updates, err := p.collectUpdates(cfg, in)
	if err != nil {
		return nil, err
	}

	skipIfEqual := cfg.SkipIfEqual == nil || *cfg.SkipIfEqual
	changed := applyUpdates(contact, updates, skipIfEqual)
	if len(changed) == 0 {
		return &Result{Output: map[string]any{"updated": false, "skipped": true}}, nil
	}

	if err := p.deps.Store.UpdateContactVersioned(ctx, contact); err != nil {
		return nil, schema.NewErrorf(schema.ErrorCode(err), "update contact: %v", err).
			WithNode(in.Node.ID).WithCause(err)
	}
	in.Context.SetContact(contact)

	audits := make([]*store.FieldAudit, 0, len(changed))
	fields := make([]string, 0, len(changed))
	for _, ch := range changed {
		fields = append(fields, ch.field)
		audits = append(audits, &store.FieldAudit{
			TenantID:  in.Run.TenantID,
			ContactID: contact.ID,
			RunID:     in.Run.ID,
			NodeID:    in.Node.ID,
			Field:     ch.field,
			OldValue:  mustRaw(ch.oldValue),
			NewValue:  mustRaw(ch.newValue),
		})
	}
	if err := p.deps.Store.AppendFieldAudits(ctx, audits); err != nil {
		p.deps.Logger.WarnContext(ctx, "field audit write failed", "error", err)
	}
	p.deps.publish(ctx, in, schema.EventContactUpdated, map[string]any{
		"contact_id": contact.ID, "fields": fields,
	})

	return &Result{Output: map[string]any{
		"updated": true,
		"fields":  fields,
		"version": contact.Version,
	}}, nil
}

// collectUpdates merges smart (AI) and static assignments, static winning
// on overlap since the operator wrote them down explicitly.
func (p *ContactUpdate) collectUpdates(cfg schema.UpdateNodeConfig, in Input) (map[string]any, error) {
	updates := make(map[string]any)

	if cfg.Smart {
		ai := in.Context.AIResult()
		if ai.Analyze != nil {
			if m, ok := ai.Analyze["updates"].(map[string]any); ok {
				for k, v := range m {
					updates[k] = v
				}
			}
		}
	}

	for _, a := range cfg.Static {
		if a.Field == "" {
			return nil, schema.NewError(schema.ErrCodeConfig,
				"static assignment with empty field name").WithNode(in.Node.ID)
		}
		resolved := p.deps.Resolver.ResolveText(a.Value, in.Context)
		coerced, err := coerceValue(resolved, a.Type)
		if err != nil {
			return nil, err.WithNode(in.Node.ID)
		}
		updates[a.Field] = coerced
	}
	return updates, nil
}

type fieldChange struct {
	field    string
	oldValue any
	newValue any
}

// applyUpdates writes updates onto the contact in place and reports which
// fields actually changed. With skipIfEqual every equal value is dropped,
// so a fully redundant update produces zero changes and no store write.
func applyUpdates(ct *store.Contact, updates map[string]any, skipIfEqual bool) []fieldChange {
	var changed []fieldChange
	for field, value := range updates {
		var old any
		if typedContactFields[field] {
			old = typedFieldValue(ct, field)
			newStr := asString(value)
			if skipIfEqual && old == newStr {
				continue
			}
			setTypedField(ct, field, newStr)
			value = newStr
		} else {
			if ct.Custom != nil {
				old = ct.Custom[field]
			}
			if skipIfEqual && valuesEqual(old, value) {
				continue
			}
			if ct.Custom == nil {
				ct.Custom = make(map[string]any)
			}
			ct.Custom[field] = value
		}
		changed = append(changed, fieldChange{field: field, oldValue: old, newValue: value})
	}
	return changed
}

func typedFieldValue(ct *store.Contact, field string) string {
	switch field {
	case "name":
		return ct.Name
	case "phone":
		return ct.Phone
	case "chat_id":
		return ct.ChatID
	default:
		return ct.Status
	}
}

func setTypedField(ct *store.Contact, field, value string) {
	switch field {
	case "name":
		ct.Name = value
	case "phone":
		ct.Phone = value
	case "chat_id":
		ct.ChatID = value
	default:
		ct.Status = value
	}
}

// coerceValue converts a resolved string per the assignment's declared type.
func coerceValue(resolved, typ string) (any, *schema.FlowError) {
	switch typ {
	case "", "text":
		return resolved, nil
	case "number":
		f, err := strconv.ParseFloat(strings.TrimSpace(resolved), 64)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeConfig,
				"value %q is not a number", resolved)
		}
		return f, nil
	case "boolean":
		b, err := strconv.ParseBool(strings.TrimSpace(resolved))
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeConfig,
				"value %q is not a boolean", resolved)
		}
		return b, nil
	case "date":
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, strings.TrimSpace(resolved)); err == nil {
				return t.UTC().Format(time.RFC3339), nil
			}
		}
		return nil, schema.NewErrorf(schema.ErrCodeConfig,
			"value %q is not a recognized date", resolved)
	case "now":
		return time.Now().UTC().Format(time.RFC3339), nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeConfig,
			"unknown assignment type %q", typ)
	}
}

func valuesEqual(a, b any) bool {
	if a == nil && b == nil {
		return true
	}
	// Normalize through string rendering first so 25 matches "25" and
	// float64(1) matches int(1) the way designers expect.
	if asString(a) == asString(b) {
		return true
	}
	return reflect.DeepEqual(a, b)
}

func mustRaw(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		b, _ = json.Marshal(asString(v))
	}
	return b
}
