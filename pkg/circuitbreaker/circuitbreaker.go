package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrOpen is returned without calling the protected function while the
// breaker rejects requests.
var ErrOpen = errors.New("circuit breaker open")

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // requests pass through
	StateOpen                  // requests fail immediately
	StateHalfOpen              // a limited number of probes pass through
)

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

// Config holds circuit breaker configuration
type Config struct {
	FailureThreshold    int           `yaml:"failure_threshold"` // consecutive failures before opening
	SuccessThreshold    int           `yaml:"success_threshold"` // half-open successes before closing
	Timeout             time.Duration `yaml:"timeout"`           // open duration before probing
	MaxRequestsHalfOpen int           `yaml:"max_requests_half_open"`
}

// DefaultConfig returns a default circuit breaker configuration
func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		SuccessThreshold:    2,
		Timeout:             30 * time.Second,
		MaxRequestsHalfOpen: 3,
	}
}

// CircuitBreaker guards an unreliable dependency such as the signaling
// transport.
type CircuitBreaker struct {
	config Config
	now    func() time.Time

	mu               sync.Mutex
	state            State
	failureCount     int
	successCount     int
	halfOpenRequests int
	stateChangeTime  time.Time

	onStateChange func(from, to State)
}

type Option func(*CircuitBreaker)

// WithClock replaces the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(cb *CircuitBreaker) { cb.now = now }
}

// WithStateChange registers a callback invoked synchronously after each
// transition, outside the breaker lock.
func WithStateChange(fn func(from, to State)) Option {
	return func(cb *CircuitBreaker) { cb.onStateChange = fn }
}

func New(config Config, opts ...Option) *CircuitBreaker {
	cb := &CircuitBreaker{
		config: config,
		now:    time.Now,
		state:  StateClosed,
	}
	for _, opt := range opts {
		opt(cb)
	}
	cb.stateChangeTime = cb.now()
	return cb
}

// Execute runs fn unless the breaker is open. The error from fn is returned
// unchanged so callers can still classify it.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	state, ok := cb.allow()
	if !ok {
		return fmt.Errorf("%w (%s)", ErrOpen, state)
	}

	err := fn()
	cb.record(err == nil)
	return err
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentLocked()
}

// Stats holds circuit breaker statistics
type Stats struct {
	State            State
	FailureCount     int
	SuccessCount     int
	HalfOpenRequests int
	StateChangeTime  time.Time
}

func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return Stats{
		State:            cb.currentLocked(),
		FailureCount:     cb.failureCount,
		SuccessCount:     cb.successCount,
		HalfOpenRequests: cb.halfOpenRequests,
		StateChangeTime:  cb.stateChangeTime,
	}
}

// Reset closes the breaker and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from, changed := cb.transitionLocked(StateClosed)
	cb.failureCount = 0
	cb.mu.Unlock()

	cb.notify(from, StateClosed, changed)
}

// currentLocked reports open breakers whose timeout elapsed as half-open
// without mutating state.
func (cb *CircuitBreaker) currentLocked() State {
	if cb.state == StateOpen && cb.now().Sub(cb.stateChangeTime) >= cb.config.Timeout {
		return StateHalfOpen
	}
	return cb.state
}

func (cb *CircuitBreaker) allow() (State, bool) {
	cb.mu.Lock()

	var (
		from    State
		changed bool
	)
	if cb.state == StateOpen {
		if cb.now().Sub(cb.stateChangeTime) < cb.config.Timeout {
			cb.mu.Unlock()
			return StateOpen, false
		}
		from, changed = cb.transitionLocked(StateHalfOpen)
	}

	allowed := true
	if cb.state == StateHalfOpen {
		if cb.halfOpenRequests >= cb.config.MaxRequestsHalfOpen {
			allowed = false
		} else {
			cb.halfOpenRequests++
		}
	}
	state := cb.state
	cb.mu.Unlock()

	cb.notify(from, StateHalfOpen, changed)
	return state, allowed
}

func (cb *CircuitBreaker) record(success bool) {
	cb.mu.Lock()

	var (
		from    State
		to      State
		changed bool
	)
	if success {
		cb.failureCount = 0
		cb.successCount++
		if cb.state == StateHalfOpen && cb.successCount >= cb.config.SuccessThreshold {
			to = StateClosed
			from, changed = cb.transitionLocked(to)
		}
	} else {
		cb.successCount = 0
		cb.failureCount++
		if cb.state == StateHalfOpen || (cb.state == StateClosed && cb.failureCount >= cb.config.FailureThreshold) {
			to = StateOpen
			from, changed = cb.transitionLocked(to)
		}
	}
	cb.mu.Unlock()

	cb.notify(from, to, changed)
}

func (cb *CircuitBreaker) transitionLocked(to State) (State, bool) {
	from := cb.state
	if from == to {
		return from, false
	}

	cb.state = to
	cb.stateChangeTime = cb.now()
	cb.successCount = 0
	cb.halfOpenRequests = 0
	if to != StateOpen {
		cb.failureCount = 0
	}
	return from, true
}

func (cb *CircuitBreaker) notify(from, to State, changed bool) {
	if changed && cb.onStateChange != nil {
		cb.onStateChange(from, to)
	}
}
