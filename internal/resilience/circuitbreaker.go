// Package resilience guards the remote speech providers with circuit breakers
// and fails over to secondary providers when a session handshake fails.
//
// [CircuitBreaker] is a three-state breaker (closed → open → half-open) that
// stops callers from waiting on a provider that keeps failing. [FallbackGroup]
// gives every member its own breaker and tries them in order, and
// [S2SFallback] applies that to [s2s.Provider].
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// rejects calls.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// Breaker defaults applied by [NewCircuitBreaker].
const (
	DefaultMaxFailures  = 3
	DefaultResetTimeout = 30 * time.Second
)

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// has passed since the breaker opened.
	StateOpen

	// StateHalfOpen lets a single trial call through. Its outcome closes or
	// re-opens the breaker.
	StateHalfOpen
)

// String returns the lower-case name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds the tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels the breaker in log messages, usually the provider name.
	Name string

	// MaxFailures is the number of consecutive failures that open the
	// breaker. Default: [DefaultMaxFailures].
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before it lets a trial call
	// through. Default: [DefaultResetTimeout].
	ResetTimeout time.Duration

	// IsFailure reports whether an error returned by the guarded call counts
	// against the breaker. Nil counts every non-nil error.
	IsFailure func(error) bool
}

// CircuitBreaker implements the circuit breaker pattern around a single
// dependency.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	isFailure    func(error) bool
	now          func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// NewCircuitBreaker creates a closed [CircuitBreaker]. Zero-value config
// fields are replaced with the package defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultResetTimeout
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool { return err != nil }
	}
	return &CircuitBreaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		isFailure:    cfg.IsFailure,
		now:          time.Now,
	}
}

// Execute calls fn unless the breaker is open. While half-open only one call
// at a time is let through; concurrent callers get [ErrCircuitOpen].
func (cb *CircuitBreaker) Execute(fn func() error) error {
	trial, err := cb.admit()
	if err != nil {
		return err
	}

	err = fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if trial {
		cb.probing = false
	}
	switch {
	case err != nil && cb.isFailure(err):
		cb.recordFailure(trial)
	case err == nil:
		cb.recordSuccess(trial)
	}
	return err
}

// admit decides whether a call may proceed and whether it is the half-open
// trial call.
func (cb *CircuitBreaker) admit() (trial bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.resetTimeout {
			return false, ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		slog.Info("circuit breaker half-open, probing", "name", cb.name)
		fallthrough
	case StateHalfOpen:
		if cb.probing {
			return false, ErrCircuitOpen
		}
		cb.probing = true
		return true, nil
	}
	return false, nil
}

// recordFailure must be called with cb.mu held.
func (cb *CircuitBreaker) recordFailure(trial bool) {
	if trial {
		cb.state = StateOpen
		cb.openedAt = cb.now()
		slog.Warn("circuit breaker re-opened, trial call failed", "name", cb.name)
		return
	}
	cb.failures++
	if cb.state == StateClosed && cb.failures >= cb.maxFailures {
		cb.state = StateOpen
		cb.openedAt = cb.now()
		slog.Warn("circuit breaker opened",
			"name", cb.name,
			"consecutive_failures", cb.failures,
			"retry_in", cb.resetTimeout)
	}
}

// recordSuccess must be called with cb.mu held.
func (cb *CircuitBreaker) recordSuccess(trial bool) {
	if trial {
		slog.Info("circuit breaker closed, trial call succeeded", "name", cb.name)
	}
	cb.state = StateClosed
	cb.failures = 0
}

// State returns the breaker's current state. An open breaker whose reset
// timeout has passed reports [StateHalfOpen]; the transition itself happens
// on the next call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset closes the breaker and clears its failure count.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
	cb.probing = false
}
