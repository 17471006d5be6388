package gateway

import (
	"sync"
	"time"

	"github.com/flowtalk-io/flowtalk/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, rejecting sends
	CircuitHalfOpen                     // Testing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures the circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening the circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before transitioning to half-open.
	Cooldown time.Duration
	// HalfOpenMax is the number of test sends allowed in half-open state.
	HalfOpenMax int
}

// DefaultCircuitBreakerConfig returns a sensible default configuration.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

// circuitBreaker tracks failure state for a single channel.
type circuitBreaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenAttempts    int
	config              CircuitBreakerConfig
}

// CircuitBreakerRegistry manages per-channel circuit breakers.
type CircuitBreakerRegistry struct {
	mu            sync.Mutex
	breakers      map[string]*circuitBreaker
	config        CircuitBreakerConfig
	onStateChange func(channel string, from, to CircuitState)
}

// NewCircuitBreakerRegistry creates a new registry with the given config.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig) *CircuitBreakerRegistry {
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*circuitBreaker),
		config:   config,
	}
}

// OnStateChange registers a callback invoked after every state transition,
// outside the breaker lock. Set it before the registry takes traffic; the
// callback must not block.
func (r *CircuitBreakerRegistry) OnStateChange(fn func(channel string, from, to CircuitState)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onStateChange = fn
}

// AllowRequest checks whether a send on the given channel is allowed.
// Returns nil if allowed, or a FlowError if the circuit is open.
func (r *CircuitBreakerRegistry) AllowRequest(channel string) error {
	cb := r.getOrCreate(channel)
	cb.mu.Lock()

	switch cb.state {
	case CircuitClosed:
		cb.mu.Unlock()
		return nil

	case CircuitOpen:
		// Check if cooldown has elapsed.
		if time.Since(cb.lastFailureTime) >= cb.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.halfOpenAttempts = 1 // this send counts as the first test send
			cb.mu.Unlock()
			r.notify(channel, CircuitOpen, CircuitHalfOpen)
			return nil
		}
		err := schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit breaker open for channel %q: %d consecutive failures, cooldown remaining",
			channel, cb.consecutiveFailures).
			WithDetails(map[string]any{
				"channel":              channel,
				"consecutive_failures": cb.consecutiveFailures,
				"state":                cb.state.String(),
				"cooldown_remaining":   (cb.config.Cooldown - time.Since(cb.lastFailureTime)).String(),
			})
		cb.mu.Unlock()
		return err

	case CircuitHalfOpen:
		if cb.halfOpenAttempts >= cb.config.HalfOpenMax {
			cb.mu.Unlock()
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit breaker half-open for channel %q: max test sends reached", channel)
		}
		cb.halfOpenAttempts++
		cb.mu.Unlock()
		return nil
	}

	cb.mu.Unlock()
	return nil
}

// RecordSuccess records a successful send on the channel.
func (r *CircuitBreakerRegistry) RecordSuccess(channel string) {
	cb := r.getOrCreate(channel)
	cb.mu.Lock()
	from := cb.state
	cb.consecutiveFailures = 0
	cb.halfOpenAttempts = 0
	cb.state = CircuitClosed
	cb.mu.Unlock()
	r.notify(channel, from, CircuitClosed)
}

// RecordFailure records a failed send on the channel.
// Returns the new circuit state.
func (r *CircuitBreakerRegistry) RecordFailure(channel string) CircuitState {
	cb := r.getOrCreate(channel)
	cb.mu.Lock()
	from := cb.state

	cb.consecutiveFailures++
	cb.lastFailureTime = time.Now()

	if cb.state == CircuitHalfOpen {
		// Any failure in half-open reopens the circuit.
		cb.state = CircuitOpen
	} else if cb.consecutiveFailures >= cb.config.FailureThreshold {
		cb.state = CircuitOpen
	}

	to := cb.state
	cb.mu.Unlock()
	r.notify(channel, from, to)
	return to
}

// GetState returns the current state of the circuit for a channel.
func (r *CircuitBreakerRegistry) GetState(channel string) CircuitState {
	cb := r.getOrCreate(channel)
	cb.mu.Lock()

	// Check for automatic transition from open to half-open.
	if cb.state == CircuitOpen && time.Since(cb.lastFailureTime) >= cb.config.Cooldown {
		cb.state = CircuitHalfOpen
		cb.halfOpenAttempts = 0
		cb.mu.Unlock()
		r.notify(channel, CircuitOpen, CircuitHalfOpen)
		return CircuitHalfOpen
	}

	state := cb.state
	cb.mu.Unlock()
	return state
}

// GetStats returns diagnostic information about a channel's circuit breaker.
func (r *CircuitBreakerRegistry) GetStats(channel string) map[string]any {
	cb := r.getOrCreate(channel)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return map[string]any{
		"channel":              channel,
		"state":                cb.state.String(),
		"consecutive_failures": cb.consecutiveFailures,
		"failure_threshold":    cb.config.FailureThreshold,
		"cooldown":             cb.config.Cooldown.String(),
	}
}

func (r *CircuitBreakerRegistry) notify(channel string, from, to CircuitState) {
	if from == to {
		return
	}
	r.mu.Lock()
	fn := r.onStateChange
	r.mu.Unlock()
	if fn != nil {
		fn(channel, from, to)
	}
}

func (r *CircuitBreakerRegistry) getOrCreate(channel string) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[channel]
	if !ok {
		cb = &circuitBreaker{
			state:  CircuitClosed,
			config: r.config,
		}
		r.breakers[channel] = cb
	}
	return cb
}
