package syncbus

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("syncbus: circuit breaker is open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

// CircuitBreakerBus decorates a Bus so that a failing transport is skipped
// for a cool-down period. While open, Publish and Subscribe fail fast with
// ErrCircuitOpen and lock waiters fall back to plain polling.
type CircuitBreakerBus struct {
	bus       Bus
	mu        sync.Mutex
	state     state
	failures  int
	threshold int
	timeout   time.Duration
	lastFail  time.Time
	now       func() time.Time
}

// NewCircuitBreaker opens after threshold consecutive failures and probes
// again once timeout has elapsed.
func NewCircuitBreaker(bus Bus, threshold int, timeout time.Duration) *CircuitBreakerBus {
	if threshold <= 0 {
		threshold = 1
	}
	return &CircuitBreakerBus{
		bus:       bus,
		threshold: threshold,
		timeout:   timeout,
		state:     stateClosed,
		now:       time.Now,
	}
}

// IsHealthy reports whether calls are currently let through.
func (cb *CircuitBreakerBus) IsHealthy() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == stateOpen {
		return cb.now().Sub(cb.lastFail) > cb.timeout
	}
	return true
}

// allow moves an expired open circuit to half-open and lets exactly one
// probe through.
func (cb *CircuitBreakerBus) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case stateClosed:
		return true
	case stateOpen:
		if cb.now().Sub(cb.lastFail) > cb.timeout {
			cb.state = stateHalfOpen
			return true
		}
	}
	return false
}

func (cb *CircuitBreakerBus) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err == nil {
		cb.state = stateClosed
		cb.failures = 0
		return
	}
	cb.lastFail = cb.now()
	cb.failures++
	if cb.state == stateHalfOpen || cb.failures >= cb.threshold {
		cb.state = stateOpen
	}
}

// Publish implements Bus.Publish.
func (cb *CircuitBreakerBus) Publish(ctx context.Context, topic string) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}
	err := cb.bus.Publish(ctx, topic)
	cb.record(err)
	return err
}

// Subscribe implements Bus.Subscribe.
func (cb *CircuitBreakerBus) Subscribe(ctx context.Context, topic string) (<-chan struct{}, error) {
	if !cb.allow() {
		return nil, ErrCircuitOpen
	}
	ch, err := cb.bus.Subscribe(ctx, topic)
	cb.record(err)
	return ch, err
}

// Unsubscribe implements Bus.Unsubscribe.
func (cb *CircuitBreakerBus) Unsubscribe(ctx context.Context, topic string, ch <-chan struct{}) error {
	return cb.bus.Unsubscribe(ctx, topic, ch)
}
