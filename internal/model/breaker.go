package model

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rendis/agentflow/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, rejecting calls
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

// BreakerConfig configures per-model circuit breaking.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening the circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before transitioning to half-open.
	Cooldown time.Duration
	// HalfOpenMax is the number of trial invocations allowed in half-open state.
	HalfOpenMax int
}

// DefaultBreakerConfig returns the default breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type circuit struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailure         time.Time
	halfOpenAttempts    int
}

// Breaker wraps an Invoker with one circuit per model id. While a model's
// circuit is open, invocations fail fast with CIRCUIT_OPEN.
type Breaker struct {
	next   Invoker
	config BreakerConfig
	now    func() time.Time

	mu       sync.Mutex
	circuits map[string]*circuit
}

// NewBreaker wraps next.
func NewBreaker(next Invoker, config BreakerConfig) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = 1
	}
	return &Breaker{next: next, config: config, now: time.Now, circuits: make(map[string]*circuit)}
}

// Invoke calls the wrapped invoker unless model's circuit is open.
func (b *Breaker) Invoke(ctx context.Context, model, prompt string) (string, error) {
	if err := b.allow(model); err != nil {
		return "", err
	}
	text, err := b.next.Invoke(ctx, model, prompt)
	switch {
	case err == nil:
		b.recordSuccess(model)
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		// The caller gave up; says nothing about the model.
		b.releaseTrial(model)
	default:
		b.recordFailure(model)
	}
	return text, err
}

// State returns model's circuit state.
func (b *Breaker) State(model string) CircuitState {
	c := b.circuit(model)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == CircuitOpen && b.now().Sub(c.lastFailure) >= b.config.Cooldown {
		c.state = CircuitHalfOpen
		c.halfOpenAttempts = 0
	}
	return c.state
}

func (b *Breaker) allow(model string) error {
	c := b.circuit(model)
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case CircuitOpen:
		elapsed := b.now().Sub(c.lastFailure)
		if elapsed >= b.config.Cooldown {
			c.state = CircuitHalfOpen
			c.halfOpenAttempts = 1
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit open for model %q after %d consecutive failures", model, c.consecutiveFailures).
			WithDetails(map[string]any{
				"model":              model,
				"state":              c.state.String(),
				"cooldown_remaining": (b.config.Cooldown - elapsed).String(),
			})
	case CircuitHalfOpen:
		if c.halfOpenAttempts >= b.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit half-open for model %q: trial invocation in flight", model)
		}
		c.halfOpenAttempts++
	}
	return nil
}

func (b *Breaker) recordSuccess(model string) {
	c := b.circuit(model)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consecutiveFailures = 0
	c.halfOpenAttempts = 0
	c.state = CircuitClosed
}

// releaseTrial frees a half-open trial slot whose call ended without a
// verdict, so the next caller can probe the model.
func (b *Breaker) releaseTrial(model string) {
	c := b.circuit(model)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == CircuitHalfOpen && c.halfOpenAttempts > 0 {
		c.halfOpenAttempts--
	}
}

func (b *Breaker) recordFailure(model string) {
	c := b.circuit(model)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consecutiveFailures++
	c.lastFailure = b.now()
	if c.state == CircuitHalfOpen || c.consecutiveFailures >= b.config.FailureThreshold {
		c.state = CircuitOpen
	}
}

func (b *Breaker) circuit(model string) *circuit {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.circuits[model]
	if !ok {
		c = &circuit{}
		b.circuits[model] = c
	}
	return c
}

var _ Invoker = (*Breaker)(nil)
