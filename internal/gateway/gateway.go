// Package gateway owns outbound delivery to messaging platforms. A Registry
// holds one Gateway per channel, pings providers on a fixed cadence, and
// consults a per-channel circuit breaker before every send.
package gateway

import (
	"context"
	"time"
)

// Destination identifies the recipient of an outbound message. WhatsApp-style
// providers address by phone, Telegram-style providers by chat ID; a gateway
// uses whichever identifier its platform needs.
type Destination struct {
	Phone  string `json:"phone,omitempty"`
	ChatID string `json:"chat_id,omitempty"`
}

// OutboundMessage is the provider-agnostic payload handed to a gateway.
// MediaURL, when set, must already be a resolvable download URL.
type OutboundMessage struct {
	Body     string `json:"body,omitempty"`
	MediaURL string `json:"media_url,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

// Receipt acknowledges one delivered message.
type Receipt struct {
	ProviderID string    `json:"provider_id,omitempty"`
	Channel    string    `json:"channel"`
	SentAt     time.Time `json:"sent_at"`
}

// Gateway delivers messages on a single messaging platform.
type Gateway interface {
	// Channel reports the platform this gateway serves, for example "whatsapp".
	Channel() string

	// Send delivers one message and returns the provider acknowledgment.
	Send(ctx context.Context, dest Destination, msg OutboundMessage) (*Receipt, error)

	// ResolveMediaURL exchanges a stored media ID for a short-lived download
	// URL and the duration it remains valid.
	ResolveMediaURL(ctx context.Context, storedID string) (string, time.Duration, error)
}

// HealthChecker is implemented by gateways that can probe provider
// reachability. The registry pings these on its health interval; gateways
// without it are assumed reachable.
type HealthChecker interface {
	Ping(ctx context.Context) error
}
