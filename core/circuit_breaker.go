// Package core provides the circuit breaker used to guard Redis
// operations on the hot path (queue submit, event publish).
//
// The breaker follows the standard three-state pattern:
//  1. Closed: normal operation, requests pass through
//  2. Open: threshold exceeded, requests fail immediately
//  3. Half-Open: testing recovery, limited requests allowed
package core

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitBreakerOpen is returned when the circuit is open and the
// operation was rejected without being attempted
var ErrCircuitBreakerOpen = errors.New("circuit breaker open")

// CircuitBreaker provides circuit breaker functionality for fault tolerance.
type CircuitBreaker interface {
	// Execute runs the provided function with circuit breaker protection.
	// If the circuit is open, it returns ErrCircuitBreakerOpen immediately.
	Execute(ctx context.Context, fn func() error) error

	// ExecuteWithTimeout runs the function with both circuit breaker
	// protection and a timeout.
	ExecuteWithTimeout(ctx context.Context, timeout time.Duration, fn func() error) error

	// GetState returns the current state: "closed", "open", "half-open".
	GetState() string

	// Reset manually resets the circuit breaker to closed state.
	Reset()

	// CanExecute returns true if the breaker would allow execution.
	CanExecute() bool
}

// CircuitBreakerConfig configures failure detection
type CircuitBreakerConfig struct {
	// Threshold is the consecutive failure count that opens the circuit
	Threshold int `yaml:"threshold" json:"threshold"`

	// Timeout is how long the circuit stays open before probing
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	// HalfOpenRequests is how many probes are allowed while half-open
	HalfOpenRequests int `yaml:"half_open_requests" json:"half_open_requests"`
}

// DefaultCircuitBreakerConfig returns sensible defaults
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Threshold:        5,
		Timeout:          30 * time.Second,
		HalfOpenRequests: 3,
	}
}

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// SimpleCircuitBreaker is a mutex-based CircuitBreaker implementation.
// It counts consecutive failures; a success in any state closes the
// circuit and resets the count.
type SimpleCircuitBreaker struct {
	name   string
	config CircuitBreakerConfig
	logger Logger

	mu           sync.Mutex
	state        breakerState
	failureCount int
	openedAt     time.Time
	halfOpenUsed int
}

// NewCircuitBreaker creates a breaker with the given name for logging.
// Zero-value config fields are backfilled from defaults.
func NewCircuitBreaker(name string, config CircuitBreakerConfig, logger Logger) *SimpleCircuitBreaker {
	def := DefaultCircuitBreakerConfig()
	if config.Threshold <= 0 {
		config.Threshold = def.Threshold
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.HalfOpenRequests <= 0 {
		config.HalfOpenRequests = def.HalfOpenRequests
	}
	return &SimpleCircuitBreaker{
		name:   name,
		config: config,
		logger: logger,
	}
}

var _ CircuitBreaker = (*SimpleCircuitBreaker)(nil)

// Execute runs fn with circuit breaker protection
func (cb *SimpleCircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if !cb.allow() {
		return ErrCircuitBreakerOpen
	}

	err := fn()
	cb.record(err)
	return err
}

// ExecuteWithTimeout runs fn with protection and a deadline. The function
// runs in a goroutine so a hung operation cannot block the caller past
// the timeout; the goroutine itself is abandoned.
func (cb *SimpleCircuitBreaker) ExecuteWithTimeout(ctx context.Context, timeout time.Duration, fn func() error) error {
	if !cb.allow() {
		return ErrCircuitBreakerOpen
	}

	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		cb.record(err)
		return err
	case <-time.After(timeout):
		cb.record(ErrTimeout)
		return ErrTimeout
	case <-ctx.Done():
		cb.record(ctx.Err())
		return ctx.Err()
	}
}

// GetState returns the current circuit breaker state as a string
func (cb *SimpleCircuitBreaker) GetState() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.currentState() {
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Reset manually closes the circuit and clears failure counts
func (cb *SimpleCircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = stateClosed
	cb.failureCount = 0
	cb.halfOpenUsed = 0
}

// CanExecute reports whether the breaker would allow a request
func (cb *SimpleCircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.currentState() {
	case stateOpen:
		return false
	case stateHalfOpen:
		return cb.halfOpenUsed < cb.config.HalfOpenRequests
	default:
		return true
	}
}

// currentState applies the open-to-half-open transition based on elapsed
// time. Callers must hold the mutex.
func (cb *SimpleCircuitBreaker) currentState() breakerState {
	if cb.state == stateOpen && time.Since(cb.openedAt) >= cb.config.Timeout {
		cb.state = stateHalfOpen
		cb.halfOpenUsed = 0
	}
	return cb.state
}

func (cb *SimpleCircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.currentState() {
	case stateOpen:
		return false
	case stateHalfOpen:
		if cb.halfOpenUsed >= cb.config.HalfOpenRequests {
			return false
		}
		cb.halfOpenUsed++
		return true
	default:
		return true
	}
}

func (cb *SimpleCircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		if cb.state != stateClosed && cb.logger != nil {
			cb.logger.Info("Circuit breaker closed", map[string]interface{}{
				"breaker": cb.name,
			})
		}
		cb.state = stateClosed
		cb.failureCount = 0
		return
	}

	cb.failureCount++
	if cb.state == stateHalfOpen || cb.failureCount >= cb.config.Threshold {
		if cb.state != stateOpen && cb.logger != nil {
			cb.logger.Warn("Circuit breaker opened", map[string]interface{}{
				"breaker":       cb.name,
				"failure_count": cb.failureCount,
				"retry_after":   cb.config.Timeout.String(),
			})
		}
		cb.state = stateOpen
		cb.openedAt = time.Now()
	}
}
