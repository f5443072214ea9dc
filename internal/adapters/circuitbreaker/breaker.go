package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// CircuitBreaker trips open after maxFailures consecutive failures and
// probes again after the cooldown. A half-open breaker closes once
// halfOpenSuccesses consecutive probes succeed.
type CircuitBreaker struct {
	mu                sync.Mutex
	state             State
	failures          int
	probes            int
	lastFailure       time.Time
	maxFailures       int
	cooldown          time.Duration
	halfOpenSuccesses int
}

func New(maxFailures int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		state:             StateClosed,
		maxFailures:       maxFailures,
		cooldown:          cooldown,
		halfOpenSuccesses: 3,
	}
}

// Execute runs fn unless the circuit is open. The fn error passes through
// unchanged so callers can classify it.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	if cb.state == StateOpen {
		if time.Since(cb.lastFailure) <= cb.cooldown {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.probes = 0
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.failures++
		cb.lastFailure = time.Now()
		if cb.state == StateHalfOpen || cb.failures >= cb.maxFailures {
			cb.state = StateOpen
		}
		return err
	}

	switch cb.state {
	case StateHalfOpen:
		cb.probes++
		if cb.probes >= cb.halfOpenSuccesses {
			cb.state = StateClosed
			cb.failures = 0
		}
	default:
		cb.failures = 0
	}
	return nil
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
