package processors

import (
	"context"
	"strings"

	"github.com/flowtalk-io/flowtalk/internal/store"
	"github.com/flowtalk-io/flowtalk/pkg/schema"
)

// DBTrigger is the entry processor for database-change triggers, fed by the
// scheduler's scan loop or by a change event from the CRUD layer. It checks
// that the payload matches the node's table/field/condition, hydrates the
// full contact record, and augments the trigger with a deliverable channel
// identifier for downstream send nodes.
type DBTrigger struct {
	deps Deps
}

// NewDBTrigger creates a DBTrigger processor.
func NewDBTrigger(deps Deps) *DBTrigger {
	return &DBTrigger{deps: deps}
}

func (p *DBTrigger) Type() schema.NodeType {
	return schema.NodeDBTrigger
}

func (p *DBTrigger) Process(ctx context.Context, in Input) (*Result, error) {
	var cfg schema.DBTriggerNodeConfig
	if err := decodeConfig(in.Node, &cfg); err != nil {
		return nil, err
	}

	table := in.Context.TriggerValue(schema.KeyTable)
	field := in.Context.TriggerValue(schema.KeyField)
	if cfg.Table != "" && cfg.Table != table {
		return nil, schema.NewErrorf(schema.ErrCodeNotApplicable,
			"trigger watches table %q, payload is for %q", cfg.Table, table).
			WithNode(in.Node.ID)
	}
	if cfg.Field != "" && cfg.Field != field {
		return nil, schema.NewErrorf(schema.ErrCodeNotApplicable,
			"trigger watches field %q, payload is for %q", cfg.Field, field).
			WithNode(in.Node.ID)
	}

	oldValue := in.Context.TriggerValue(schema.KeyOldValue)
	newValue := in.Context.TriggerValue(schema.KeyNewValue)
	if !conditionMatches(cfg.Condition, cfg.Value, oldValue, newValue) {
		return nil, schema.NewErrorf(schema.ErrCodeNotApplicable,
			"field %q value %q does not satisfy condition %q", field, newValue, cfg.Condition).
			WithNode(in.Node.ID)
	}

	contact, err := p.hydrateContact(ctx, in)
	if err != nil {
		return nil, err
	}
	in.Context.SetContact(contact)
	in.Context.SetActor(map[string]any{
		"name":    contact.Name,
		"phone":   contact.Phone,
		"chat_id": contact.ChatID,
	})

	channel, identifier, ferr := selectDelivery(cfg.Platform, contact)
	if ferr != nil {
		return nil, ferr.WithNode(in.Node.ID)
	}
	in.Context.AugmentTrigger(schema.KeyChannel, channel)
	if channel == schema.ChannelWhatsApp {
		in.Context.AugmentTrigger(schema.KeyPhone, identifier)
	} else {
		in.Context.AugmentTrigger(schema.KeyChatID, identifier)
	}

	return &Result{Output: map[string]any{
		"contact_id": contact.ID,
		"channel":    channel,
		"field":      field,
		"new_value":  newValue,
	}}, nil
}

// conditionMatches evaluates a db_trigger condition against the changed
// field. An empty condition behaves like "changed".
func conditionMatches(condition, want, oldValue, newValue string) bool {
	switch condition {
	case "equals":
		return newValue == want
	case "not_equals":
		return newValue != want
	case "contains":
		return strings.Contains(newValue, want)
	case "starts_with":
		return strings.HasPrefix(newValue, want)
	case "ends_with":
		return strings.HasSuffix(newValue, want)
	case "is_empty":
		return newValue == ""
	case "is_not_empty":
		return newValue != ""
	case "changed", "":
		return oldValue != newValue
	default:
		return false
	}
}

// hydrateContact loads the full contact record, preferring the payload's
// contact_id over phone/chat lookups.
func (p *DBTrigger) hydrateContact(ctx context.Context, in Input) (*store.Contact, error) {
	if id := in.Context.TriggerValue(schema.KeyContactID); id != "" {
		ct, err := p.deps.Store.GetContact(ctx, id)
		if err != nil {
			return nil, storeErr(in.Node.ID, "load contact", err)
		}
		return ct, nil
	}
	if phone := in.Context.TriggerValue(schema.KeyPhone); phone != "" {
		ct, err := p.deps.Store.FindContactByPhone(ctx, in.Run.TenantID, phone)
		if err != nil {
			return nil, storeErr(in.Node.ID, "find contact by phone", err)
		}
		return ct, nil
	}
	if chatID := in.Context.TriggerValue(schema.KeyChatID); chatID != "" {
		ct, err := p.deps.Store.FindContactByChatID(ctx, in.Run.TenantID, chatID)
		if err != nil {
			return nil, storeErr(in.Node.ID, "find contact by chat id", err)
		}
		return ct, nil
	}
	return nil, schema.NewError(schema.ErrCodeNotApplicable,
		"db trigger payload identifies no contact").WithNode(in.Node.ID)
}

// selectDelivery picks the outbound channel and identifier for a contact.
// "auto" (or empty) prefers the phone channel and falls back to chat.
func selectDelivery(platform string, ct *store.Contact) (channel, identifier string, _ *schema.FlowError) {
	switch platform {
	case schema.ChannelWhatsApp:
		if ct.Phone == "" {
			return "", "", schema.NewErrorf(schema.ErrCodeNotApplicable,
				"contact %s has no phone for %s delivery", ct.ID, platform)
		}
		return schema.ChannelWhatsApp, ct.Phone, nil
	case schema.ChannelTelegram:
		if ct.ChatID == "" {
			return "", "", schema.NewErrorf(schema.ErrCodeNotApplicable,
				"contact %s has no chat_id for %s delivery", ct.ID, platform)
		}
		return schema.ChannelTelegram, ct.ChatID, nil
	case schema.PlatformAuto, "":
		if ct.Phone != "" {
			return schema.ChannelWhatsApp, ct.Phone, nil
		}
		if ct.ChatID != "" {
			return schema.ChannelTelegram, ct.ChatID, nil
		}
		return "", "", schema.NewErrorf(schema.ErrCodeNotApplicable,
			"contact %s has no deliverable channel", ct.ID)
	default:
		return "", "", schema.NewErrorf(schema.ErrCodeConfig,
			"unknown delivery platform %q", platform)
	}
}
