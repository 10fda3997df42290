package resilience

import (
	"fmt"
	"sync"
	"time"
)

// BreakerState is the circuit breaker's current operating state.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // normal operation
	BreakerOpen                         // calls rejected immediately
	BreakerHalfOpen                     // one probe window allowed
)

// ErrCircuitOpen is returned by CircuitBreaker.Allow callers when a call is
// rejected without being attempted.
type ErrCircuitOpen struct{ Service string }

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("resilience: circuit open for %s", e.Service)
}

// CircuitBreaker is a thread-safe per-dependency circuit breaker.
type CircuitBreaker struct {
	mu           sync.Mutex
	state        BreakerState
	failures     int
	successes    int
	threshold    int
	resetTimeout time.Duration
	halfOpenMax  int
	lastFailure  time.Time
	now          func() time.Time
}

// BreakerOption configures a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithThreshold sets the consecutive-failure count that trips the breaker.
func WithThreshold(n int) BreakerOption { return func(cb *CircuitBreaker) { cb.threshold = n } }

// WithResetTimeout sets how long the breaker stays open before probing.
func WithResetTimeout(d time.Duration) BreakerOption {
	return func(cb *CircuitBreaker) { cb.resetTimeout = d }
}

// WithHalfOpenMax sets consecutive successes needed to close from half-open.
func WithHalfOpenMax(n int) BreakerOption { return func(cb *CircuitBreaker) { cb.halfOpenMax = n } }

// WithClock injects a clock, for deterministic tests.
func WithClock(fn func() time.Time) BreakerOption { return func(cb *CircuitBreaker) { cb.now = fn } }

// NewCircuitBreaker builds a breaker with sensible defaults: 5 failures to
// open, 30s reset timeout, 2 successes to close.
func NewCircuitBreaker(opts ...BreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		state:        BreakerClosed,
		threshold:    5,
		resetTimeout: 30 * time.Second,
		halfOpenMax:  2,
		now:          time.Now,
	}
	for _, o := range opts {
		o(cb)
	}
	return cb
}

// State returns the current state, applying any pending open->half-open
// transition first.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeTransition()
	return cb.state
}

// Allow reports whether a call should proceed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeTransition()
	return cb.state != BreakerOpen
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case BreakerHalfOpen:
		cb.successes++
		if cb.successes >= cb.halfOpenMax {
			cb.state = BreakerClosed
			cb.failures = 0
			cb.successes = 0
		}
	case BreakerClosed:
		cb.failures = 0
	}
}

// RecordFailure records a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.lastFailure = cb.now()
	switch cb.state {
	case BreakerClosed:
		cb.failures++
		if cb.failures >= cb.threshold {
			cb.state = BreakerOpen
		}
	case BreakerHalfOpen:
		cb.state = BreakerOpen
		cb.successes = 0
	}
}

func (cb *CircuitBreaker) maybeTransition() {
	if cb.state == BreakerOpen && cb.now().Sub(cb.lastFailure) >= cb.resetTimeout {
		cb.state = BreakerHalfOpen
		cb.successes = 0
	}
}
