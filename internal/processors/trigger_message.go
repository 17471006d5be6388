package processors

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/flowtalk-io/flowtalk/internal/expressions"
	"github.com/flowtalk-io/flowtalk/internal/store"
	"github.com/flowtalk-io/flowtalk/pkg/schema"
)

// defaultHistoryLimit bounds the recent-message window loaded into the chat
// scope when a trigger node does not configure one.
const defaultHistoryLimit = 10

// MessageTrigger is the entry processor for inbound chat messages. It checks
// the configured channel against the payload, resolves or creates the contact
// for the sender, and seeds the chat, actor and customer scopes.
type MessageTrigger struct {
	deps Deps
}

// NewMessageTrigger creates a MessageTrigger processor.
func NewMessageTrigger(deps Deps) *MessageTrigger {
	return &MessageTrigger{deps: deps}
}

func (p *MessageTrigger) Type() schema.NodeType {
	return schema.NodeMessageTrigger
}

func (p *MessageTrigger) Process(ctx context.Context, in Input) (*Result, error) {
	var cfg schema.TriggerNodeConfig
	if err := decodeConfig(in.Node, &cfg); err != nil {
		return nil, err
	}

	channel := in.Context.TriggerValue(schema.KeyChannel)
	if cfg.Channel != "" && cfg.Channel != schema.ChannelAny && cfg.Channel != channel {
		return nil, schema.NewErrorf(schema.ErrCodeNotApplicable,
			"trigger expects channel %q, payload carries %q", cfg.Channel, channel).
			WithNode(in.Node.ID)
	}

	contact, created, err := p.resolveContact(ctx, in)
	if err != nil {
		return nil, err
	}
	in.Context.SetContact(contact)

	limit := cfg.HistoryLimit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	msgs, err := p.deps.Store.ListMessages(ctx, store.MessageFilter{
		TenantID:  in.Run.TenantID,
		ContactID: contact.ID,
		Limit:     limit,
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "load chat history: %v", err).
			WithNode(in.Node.ID).WithCause(err)
	}

	history := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		history = append(history, map[string]any{
			"direction":  m.Direction,
			"body":       m.Body,
			"created_at": m.CreatedAt.Format(time.RFC3339),
		})
	}
	in.Context.SetChat(expressions.ChatScope{
		LastMessage: in.Context.TriggerValue(schema.KeyMessage),
		History:     history,
	})
	in.Context.SetActor(map[string]any{
		"name":    in.Context.TriggerValue(schema.KeyName),
		"phone":   in.Context.TriggerValue(schema.KeyPhone),
		"chat_id": in.Context.TriggerValue(schema.KeyChatID),
		"user_id": in.Context.TriggerValue(schema.KeyUserID),
		"channel": channel,
	})

	return &Result{Output: map[string]any{
		"contact_id":      contact.ID,
		"contact_created": created,
		"channel":         channel,
	}}, nil
}

// resolveContact finds the sender's contact record by phone first, then chat
// ID, creating it on the owning tenant when nothing matches.
func (p *MessageTrigger) resolveContact(ctx context.Context, in Input) (*store.Contact, bool, error) {
	phone := in.Context.TriggerValue(schema.KeyPhone)
	chatID := in.Context.TriggerValue(schema.KeyChatID)
	if phone == "" && chatID == "" {
		return nil, false, schema.NewError(schema.ErrCodeNotApplicable,
			"trigger payload carries neither phone nor chat_id").WithNode(in.Node.ID)
	}

	if phone != "" {
		ct, err := p.deps.Store.FindContactByPhone(ctx, in.Run.TenantID, phone)
		if err == nil {
			return ct, false, nil
		}
		if !isNotFound(err) {
			return nil, false, storeErr(in.Node.ID, "find contact by phone", err)
		}
	}
	if chatID != "" {
		ct, err := p.deps.Store.FindContactByChatID(ctx, in.Run.TenantID, chatID)
		if err == nil {
			return ct, false, nil
		}
		if !isNotFound(err) {
			return nil, false, storeErr(in.Node.ID, "find contact by chat id", err)
		}
	}

	ct := &store.Contact{
		ID:       uuid.NewString(),
		TenantID: in.Run.TenantID,
		Name:     in.Context.TriggerValue(schema.KeyName),
		Phone:    phone,
		ChatID:   chatID,
		Version:  1,
	}
	if err := p.deps.Store.CreateContact(ctx, ct); err != nil {
		return nil, false, storeErr(in.Node.ID, "create contact", err)
	}
	return ct, true, nil
}

func isNotFound(err error) bool {
	var fe *schema.FlowError
	return errors.As(err, &fe) && fe.Code == schema.ErrCodeNotFound
}

func storeErr(nodeID, op string, err error) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %v", op, err).
		WithNode(nodeID).WithCause(err)
}
