package resilience

import (
	"sync"
	"time"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// CircuitBreaker tracks consecutive failures of one downstream dependency.
// Closed lets everything through, Open rejects until the cooldown has elapsed
// since the last failure, HalfOpen lets a single probe through whose outcome
// closes or re-opens the circuit.
type CircuitBreaker struct {
	mu           sync.Mutex
	name         string
	threshold    int
	resetTimeout time.Duration
	failureCount int
	lastFailure  time.Time
	state        State
	probing      bool

	now          func() time.Time
	onTransition func(name string, from, to State)
}

type BreakerOption func(*CircuitBreaker)

// WithClock replaces time.Now, used by tests to step through the cooldown.
func WithClock(now func() time.Time) BreakerOption {
	return func(cb *CircuitBreaker) { cb.now = now }
}

// WithTransitionHook is called, outside the breaker lock, on every state change.
func WithTransitionHook(fn func(name string, from, to State)) BreakerOption {
	return func(cb *CircuitBreaker) { cb.onTransition = fn }
}

func NewCircuitBreaker(name string, threshold int, resetTimeout time.Duration, opts ...BreakerOption) *CircuitBreaker {
	if threshold < 1 {
		threshold = 1
	}
	cb := &CircuitBreaker{
		name:         name,
		threshold:    threshold,
		resetTimeout: resetTimeout,
		state:        StateClosed,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

func (cb *CircuitBreaker) Name() string { return cb.name }

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failureCount
}

// Allow reports whether a call may be attempted now.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	from := cb.state
	allowed := true

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.lastFailure) >= cb.resetTimeout {
			cb.state = StateHalfOpen
			cb.probing = true
		} else {
			allowed = false
		}
	case StateHalfOpen:
		// one probe at a time
		if cb.probing {
			allowed = false
		} else {
			cb.probing = true
		}
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
	return allowed
}

func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.failureCount = 0
	cb.probing = false
	cb.mu.Unlock()

	cb.notify(from, StateClosed)
}

func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	from := cb.state
	cb.failureCount++
	cb.lastFailure = cb.now()
	cb.probing = false
	if cb.state == StateHalfOpen || cb.failureCount >= cb.threshold {
		cb.state = StateOpen
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
}

func (cb *CircuitBreaker) notify(from, to State) {
	if from != to && cb.onTransition != nil {
		cb.onTransition(cb.name, from, to)
	}
}
