package gateway

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/flowtalk-io/flowtalk/pkg/schema"
)

const (
	defaultHealthInterval = 30 * time.Second
	defaultUnhealthyAfter = 3
	pingTimeout           = 10 * time.Second
)

// Gateway statuses reported by Registry.Status.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusStopped   = "stopped"
)

// RegistryConfig configures the gateway registry lifecycle.
type RegistryConfig struct {
	// HealthInterval is the cadence of provider reachability pings.
	// Zero means 30s.
	HealthInterval time.Duration
	// UnhealthyAfter is the number of consecutive failed pings before a
	// gateway is marked unhealthy. Zero means 3.
	UnhealthyAfter int
}

// Registry manages the lifecycle of channel gateways: registration, health
// checking, and breaker-guarded sends. All sends go through Registry.Send so
// the circuit breaker sees every outcome.
type Registry struct {
	mu       sync.RWMutex
	gateways map[string]*managedGateway
	breakers *CircuitBreakerRegistry
	logger   *slog.Logger

	healthInterval time.Duration
	unhealthyAfter int

	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

type managedGateway struct {
	gw       Gateway
	status   string
	errCount int
	lastErr  string
}

// NewRegistry creates a gateway registry. The breaker registry is consulted
// on every Send.
func NewRegistry(cfg RegistryConfig, breakers *CircuitBreakerRegistry, logger *slog.Logger) *Registry {
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = defaultHealthInterval
	}
	if cfg.UnhealthyAfter <= 0 {
		cfg.UnhealthyAfter = defaultUnhealthyAfter
	}
	return &Registry{
		gateways:       make(map[string]*managedGateway),
		breakers:       breakers,
		logger:         logger,
		healthInterval: cfg.HealthInterval,
		unhealthyAfter: cfg.UnhealthyAfter,
	}
}

// Register adds a gateway keyed by its channel.
func (r *Registry) Register(gw Gateway) error {
	channel := gw.Channel()
	if channel == "" {
		return schema.NewError(schema.ErrCodeConfig, "gateway reports an empty channel")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.gateways[channel]; exists {
		return schema.NewErrorf(schema.ErrCodeConfig, "gateway for channel %q already registered", channel)
	}
	r.gateways[channel] = &managedGateway{gw: gw, status: StatusHealthy}

	r.logger.Info("gateway registered", slog.String("channel", channel))
	return nil
}

// Get returns the gateway for a channel.
func (r *Registry) Get(channel string) (Gateway, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mg, ok := r.gateways[channel]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no gateway registered for channel %q", channel)
	}
	return mg.gw, nil
}

// Channels returns the registered channel names, sorted.
func (r *Registry) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	channels := make([]string, 0, len(r.gateways))
	for ch := range r.gateways {
		channels = append(channels, ch)
	}
	sort.Strings(channels)
	return channels
}

// Breakers exposes the circuit breaker registry for status surfaces.
func (r *Registry) Breakers() *CircuitBreakerRegistry {
	return r.breakers
}

// Send delivers a message through the channel's gateway with the circuit
// breaker consulted first and told the outcome after. A rejected send returns
// a CIRCUIT_OPEN error without touching the provider.
func (r *Registry) Send(ctx context.Context, channel string, dest Destination, msg OutboundMessage) (*Receipt, error) {
	gw, err := r.Get(channel)
	if err != nil {
		return nil, err
	}
	if err := r.breakers.AllowRequest(channel); err != nil {
		return nil, err
	}

	receipt, err := gw.Send(ctx, dest, msg)
	if err != nil {
		state := r.breakers.RecordFailure(channel)
		r.logger.Warn("gateway send failed",
			slog.String("channel", channel),
			slog.String("circuit_state", state.String()),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	r.breakers.RecordSuccess(channel)
	if receipt == nil {
		receipt = &Receipt{}
	}
	if receipt.Channel == "" {
		receipt.Channel = channel
	}
	if receipt.SentAt.IsZero() {
		receipt.SentAt = time.Now().UTC()
	}
	return receipt, nil
}

// ResolveMediaURL resolves a stored media ID through the channel's gateway.
func (r *Registry) ResolveMediaURL(ctx context.Context, channel, storedID string) (string, time.Duration, error) {
	gw, err := r.Get(channel)
	if err != nil {
		return "", 0, err
	}
	return gw.ResolveMediaURL(ctx, storedID)
}

// Start launches the health check loop. Safe to call on a registry with no
// pingable gateways; the loop then only watches for new registrations.
func (r *Registry) Start(ctx context.Context) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	done := make(chan struct{})
	r.done = done
	r.started = true
	r.mu.Unlock()

	// Close the channel captured here, not r.done: Stop nils the field and
	// may run before this goroutine is scheduled.
	go func() {
		defer close(done)
		r.healthLoop(loopCtx)
	}()
}

// Stop halts health checking and closes gateways that hold connections.
// Returns the last close error, if any.
func (r *Registry) Stop(ctx context.Context) error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.started = false
	r.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	var lastErr error
	for channel, mg := range r.gateways {
		if closer, ok := mg.gw.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				lastErr = err
				r.logger.Error("failed to close gateway",
					slog.String("channel", channel),
					slog.String("error", err.Error()),
				)
			}
		}
		mg.status = StatusStopped
		r.logger.Info("gateway stopped", slog.String("channel", channel))
	}
	return lastErr
}

// Status returns the current status of all registered gateways.
func (r *Registry) Status() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]string, len(r.gateways))
	for channel, mg := range r.gateways {
		result[channel] = mg.status
	}
	return result
}

// healthLoop periodically pings gateways and manages status.
func (r *Registry) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(r.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.checkAll(ctx)
		}
	}
}

func (r *Registry) checkAll(ctx context.Context) {
	type probe struct {
		channel string
		hc      HealthChecker
	}

	r.mu.RLock()
	probes := make([]probe, 0, len(r.gateways))
	for channel, mg := range r.gateways {
		if hc, ok := mg.gw.(HealthChecker); ok {
			probes = append(probes, probe{channel: channel, hc: hc})
		}
	}
	r.mu.RUnlock()

	for _, p := range probes {
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		err := p.hc.Ping(pingCtx)
		cancel()
		r.recordPing(p.channel, err)

		if ctx.Err() != nil {
			return
		}
	}
}

func (r *Registry) recordPing(channel string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	mg, ok := r.gateways[channel]
	if !ok || mg.status == StatusStopped {
		return
	}

	if err != nil {
		mg.errCount++
		mg.lastErr = err.Error()
		if mg.errCount >= r.unhealthyAfter && mg.status != StatusUnhealthy {
			mg.status = StatusUnhealthy
			r.logger.Warn("gateway unhealthy",
				slog.String("channel", channel),
				slog.Int("consecutive_errors", mg.errCount),
				slog.String("error", mg.lastErr),
			)
		}
		return
	}

	if mg.status == StatusUnhealthy {
		r.logger.Info("gateway recovered", slog.String("channel", channel))
	}
	mg.errCount = 0
	mg.lastErr = ""
	mg.status = StatusHealthy
}
