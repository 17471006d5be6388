package processors

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"

	"github.com/flowtalk-io/flowtalk/internal/gateway"
	"github.com/flowtalk-io/flowtalk/internal/store"
	"github.com/flowtalk-io/flowtalk/pkg/schema"
)

const (
	// defaultDedupWindow suppresses an identical body to the same recipient
	// inside this span when the node configures no window.
	defaultDedupWindow = 60 * time.Second

	// defaultMaxSendDelay caps the pacing pause before each send.
	defaultMaxSendDelay = 5 * time.Second

	// typingDelayPerRune approximates human typing speed for the
	// length-proportional pacing delay.
	typingDelayPerRune = 50 * time.Millisecond
)

// SendMessage delivers the pending rendered bodies (or the node's own body)
// over a channel gateway, with pacing, dedup, media resolution and bounded
// retry. One stored Message row per delivered unit.
type SendMessage struct {
	deps Deps

	// sleep is swapped out by tests to observe pacing and backoff without
	// real waiting.
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// NewSendMessage creates a SendMessage processor.
func NewSendMessage(deps Deps) *SendMessage {
	return &SendMessage{deps: deps, sleep: sleepCtx, now: time.Now}
}

func (p *SendMessage) Type() schema.NodeType {
	return schema.NodeSendMessage
}

// sendUnit is one discrete gateway delivery.
type sendUnit struct {
	msg     gateway.OutboundMessage
	mediaID string
}

func (p *SendMessage) Process(ctx context.Context, in Input) (*Result, error) {
	var cfg schema.SendNodeConfig
	if err := decodeConfig(in.Node, &cfg); err != nil {
		return nil, err
	}

	channel, dest, err := p.resolveDestination(cfg, in)
	if err != nil {
		return nil, err
	}

	units, err := p.buildUnits(ctx, cfg, channel, in)
	if err != nil {
		return nil, err
	}
	if len(units) == 0 {
		return nil, schema.NewError(schema.ErrCodeConfig,
			"send_message node has no body and no pending template output").WithNode(in.Node.ID)
	}

	contactKey := destinationKey(dest)
	if ct := in.Context.Contact(); ct != nil {
		contactKey = ct.ID
	}

	dedupWindow := defaultDedupWindow
	if cfg.DedupWindowSeconds > 0 {
		dedupWindow = time.Duration(cfg.DedupWindowSeconds) * time.Second
	}
	maxDelay := defaultMaxSendDelay
	if cfg.MaxDelaySeconds > 0 {
		maxDelay = time.Duration(cfg.MaxDelaySeconds) * time.Second
	}
	policy := cfg.Retry
	if policy == nil {
		policy = schema.DefaultRetryPolicy()
	}

	var sent, deduplicated int
	var providerIDs []string

	for _, unit := range units {
		text := unit.msg.Body
		if text == "" {
			text = unit.msg.Caption
		}

		if text != "" {
			hash := bodyHash(text)
			dup, err := p.deps.Store.HasRecentOutbound(ctx, in.Run.TenantID, contactKey, hash, p.now().Add(-dedupWindow))
			if err != nil {
				return nil, storeErr(in.Node.ID, "dedup lookup", err)
			}
			if dup {
				deduplicated++
				p.deps.publish(ctx, in, schema.EventMessageDeduplicated, map[string]any{
					"channel": channel, "body_hash": hash,
				})
				continue
			}
		}

		if err := p.pace(ctx, in, text, maxDelay); err != nil {
			return nil, err
		}

		receipt, err := p.sendWithRetry(ctx, in, policy, channel, dest, unit.msg)
		if err != nil {
			p.recordMessage(ctx, in, channel, contactKey, text, unit.mediaID, "failed", "")
			return nil, err
		}

		sent++
		providerID := ""
		if receipt != nil {
			providerID = receipt.ProviderID
		}
		if providerID != "" {
			providerIDs = append(providerIDs, providerID)
		}
		p.recordMessage(ctx, in, channel, contactKey, text, unit.mediaID, "sent", providerID)
		p.deps.publish(ctx, in, schema.EventMessageSent, map[string]any{
			"channel": channel, "provider_id": providerID,
		})
	}

	return &Result{Output: map[string]any{
		"sent":         sent,
		"deduplicated": deduplicated,
		"channel":      channel,
		"provider_ids": providerIDs,
	}}, nil
}

// resolveDestination applies the send mode: smart mirrors the trigger's
// channel and identifier, forced uses the node's channel with either the
// trigger identifier or an operator override.
func (p *SendMessage) resolveDestination(cfg schema.SendNodeConfig, in Input) (string, gateway.Destination, error) {
	mode := cfg.Mode
	if mode == "" {
		mode = "smart"
	}

	var channel string
	switch mode {
	case "smart":
		channel = in.Context.TriggerValue(schema.KeyChannel)
		if channel == "" {
			return "", gateway.Destination{}, schema.NewError(schema.ErrCodeNotApplicable,
				"smart send has no channel in the trigger payload").WithNode(in.Node.ID)
		}
	case "forced":
		channel = cfg.Channel
		if channel == "" {
			return "", gateway.Destination{}, schema.NewError(schema.ErrCodeConfig,
				"forced send mode needs a channel").WithNode(in.Node.ID)
		}
	default:
		return "", gateway.Destination{}, schema.NewErrorf(schema.ErrCodeConfig,
			"unknown send mode %q", mode).WithNode(in.Node.ID)
	}

	dest := gateway.Destination{
		Phone:  in.Context.TriggerValue(schema.KeyPhone),
		ChatID: in.Context.TriggerValue(schema.KeyChatID),
	}
	if cfg.ToOverride != "" {
		override := p.deps.Resolver.ResolveText(cfg.ToOverride, in.Context)
		if channel == schema.ChannelWhatsApp {
			dest = gateway.Destination{Phone: override}
		} else {
			dest = gateway.Destination{ChatID: override}
		}
	}
	if dest.Phone == "" && dest.ChatID == "" {
		return "", gateway.Destination{}, schema.NewError(schema.ErrCodeNotApplicable,
			"no recipient identifier for outbound send").WithNode(in.Node.ID)
	}
	return channel, dest, nil
}

// buildUnits turns pending bodies and media into discrete deliveries per
// the configured send order.
func (p *SendMessage) buildUnits(ctx context.Context, cfg schema.SendNodeConfig, channel string, in Input) ([]sendUnit, error) {
	bodies, mediaRefs := in.Context.TakePendingMessages()
	if len(bodies) == 0 && cfg.Body != "" {
		bodies = []string{p.deps.Resolver.ResolveText(cfg.Body, in.Context)}
	}

	type resolvedMedia struct {
		url     string
		caption string
		id      string
	}
	media := make([]resolvedMedia, 0, len(mediaRefs))
	for _, ref := range mediaRefs {
		storedID := ref.ID
		if storedID == "" {
			storedID = ref.Folder
		}
		if storedID == "" {
			continue
		}
		url, _, err := p.deps.Gateways.ResolveMediaURL(ctx, channel, storedID)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeGateway,
				"resolve media %q: %v", storedID, err).WithNode(in.Node.ID).WithCause(err)
		}
		media = append(media, resolvedMedia{url: url, caption: ref.Caption, id: storedID})
	}

	var units []sendUnit
	switch cfg.Order {
	case "paired":
		n := len(media)
		if len(bodies) > n {
			n = len(bodies)
		}
		for i := 0; i < n; i++ {
			var u sendUnit
			if i < len(media) {
				u.msg.MediaURL = media[i].url
				u.mediaID = media[i].id
				u.msg.Caption = media[i].caption
				if i < len(bodies) {
					u.msg.Caption = bodies[i]
				}
			} else {
				u.msg.Body = bodies[i]
			}
			units = append(units, u)
		}
	case "caption":
		for i, m := range media {
			u := sendUnit{mediaID: m.id}
			u.msg.MediaURL = m.url
			u.msg.Caption = m.caption
			if i == 0 && len(bodies) > 0 {
				u.msg.Caption = bodies[0]
			}
			units = append(units, u)
		}
		rest := bodies
		if len(media) > 0 && len(bodies) > 0 {
			rest = bodies[1:]
		}
		for _, b := range rest {
			units = append(units, sendUnit{msg: gateway.OutboundMessage{Body: b}})
		}
	default: // media_first
		for _, m := range media {
			units = append(units, sendUnit{
				msg:     gateway.OutboundMessage{MediaURL: m.url, Caption: m.caption},
				mediaID: m.id,
			})
		}
		for _, b := range bodies {
			units = append(units, sendUnit{msg: gateway.OutboundMessage{Body: b}})
		}
	}
	return units, nil
}

// pace sleeps proportionally to the body length and honors a pending
// delay-node timestamp, both capped by maxDelay. The engine never parks a
// run for hours; horizons past the cap are best-effort.
func (p *SendMessage) pace(ctx context.Context, in Input, body string, maxDelay time.Duration) error {
	delay := time.Duration(len([]rune(body))) * typingDelayPerRune
	if sched := in.Context.ScheduledAt(); !sched.IsZero() {
		if until := sched.Sub(p.now()); until > delay {
			delay = until
		}
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	if delay <= 0 {
		return nil
	}
	return p.sleep(ctx, delay)
}

// sendWithRetry drives the gateway call through the node's retry policy,
// backing off between attempts and stopping early on permanent errors.
func (p *SendMessage) sendWithRetry(ctx context.Context, in Input, policy *schema.RetryPolicy, channel string, dest gateway.Destination, msg gateway.OutboundMessage) (*gateway.Receipt, error) {
	attempts := policy.Max + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			p.deps.publish(ctx, in, schema.EventSendRetryAttempt, map[string]any{
				"attempt": attempt, "channel": channel,
			})
			if err := p.sleep(ctx, policy.BackoffFor(attempt-1)); err != nil {
				return nil, err
			}
		}

		receipt, err := p.deps.Gateways.Send(ctx, channel, dest, msg)
		if err == nil {
			return receipt, nil
		}
		lastErr = err
		if !schema.IsRetryable(err) {
			break
		}
	}

	return nil, schema.NewErrorf(schema.ErrCodeRetryExhausted,
		"send on %s failed after retries: %v", channel, lastErr).
		WithNode(in.Node.ID).WithCause(lastErr)
}

// recordMessage persists the outbound row. A failed audit write is logged
// rather than surfaced so delivery state is not lost over bookkeeping.
func (p *SendMessage) recordMessage(ctx context.Context, in Input, channel, contactKey, body, mediaID, status, providerID string) {
	m := &store.Message{
		ID:         uuid.NewString(),
		TenantID:   in.Run.TenantID,
		ContactID:  contactKey,
		RunID:      in.Run.ID,
		Direction:  "out",
		Channel:    channel,
		Body:       body,
		MediaID:    mediaID,
		Status:     status,
		ProviderID: providerID,
	}
	if body != "" {
		m.BodyHash = bodyHash(body)
	}
	if err := p.deps.Store.CreateMessage(ctx, m); err != nil {
		p.deps.Logger.WarnContext(ctx, "outbound message write failed", "error", err)
	}
}

func bodyHash(body string) string {
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])
}

func destinationKey(dest gateway.Destination) string {
	if dest.Phone != "" {
		return dest.Phone
	}
	return dest.ChatID
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
