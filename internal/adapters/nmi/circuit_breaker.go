package nmi

import (
	"errors"
	"sync"
	"time"

	"github.com/kevin07696/funnel-service/pkg/timeutil"
)

// CircuitState is the gateway breaker position
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

var (
	// ErrCircuitOpen means the gateway has been failing and calls are short-circuited
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrTooManyRequests means a half-open probe is already in flight
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// CircuitBreakerConfig tunes when the gateway breaker trips and recovers
type CircuitBreakerConfig struct {
	MaxFailures         uint32
	OpenTimeout         time.Duration
	MaxRequestsHalfOpen uint32

	// IsFailure reports whether err counts against the gateway. Nil counts every error.
	IsFailure func(error) bool
	// OnStateChange runs under the breaker lock and must not call back into it
	OnStateChange func(from, to CircuitState)

	Clock timeutil.Clock
}

// DefaultCircuitBreakerConfig trips after 5 straight failures and probes after 30s
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxFailures:         5,
		OpenTimeout:         30 * time.Second,
		MaxRequestsHalfOpen: 1,
	}
}

// CircuitBreaker stops sending charges to a gateway that keeps failing.
// Each state change starts a new generation; results reported against an
// older generation are ignored so a slow call cannot flip a newer state.
type CircuitBreaker struct {
	cfg   CircuitBreakerConfig
	clock timeutil.Clock

	mu         sync.Mutex
	state      CircuitState
	generation uint64
	failures   uint32
	probes     uint32
	openedAt   time.Time
}

// NewCircuitBreaker returns a closed breaker
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.SystemClock{}
	}
	return &CircuitBreaker{cfg: cfg, clock: clock}
}

// Call runs fn unless the breaker is rejecting traffic, then records the result
func (cb *CircuitBreaker) Call(fn func() error) error {
	gen, err := cb.admit()
	if err != nil {
		return err
	}

	err = fn()
	cb.report(gen, err != nil && (cb.cfg.IsFailure == nil || cb.cfg.IsFailure(err)))
	return err
}

func (cb *CircuitBreaker) admit() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.clock.Now().Sub(cb.openedAt) <= cb.cfg.OpenTimeout {
			return 0, ErrCircuitOpen
		}
		cb.transition(StateHalfOpen)
	}

	if cb.state == StateHalfOpen {
		if cb.probes >= cb.cfg.MaxRequestsHalfOpen {
			return 0, ErrTooManyRequests
		}
		cb.probes++
	}
	return cb.generation, nil
}

func (cb *CircuitBreaker) report(gen uint64, failed bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if gen != cb.generation {
		return
	}

	switch {
	case failed && cb.state == StateHalfOpen:
		cb.transition(StateOpen)
	case failed:
		cb.failures++
		if cb.failures >= cb.cfg.MaxFailures {
			cb.transition(StateOpen)
		}
	case cb.state == StateHalfOpen:
		cb.transition(StateClosed)
	default:
		cb.failures = 0
	}
}

// transition must be called with mu held
func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}

	cb.state = to
	cb.generation++
	cb.failures = 0
	cb.probes = 0
	if to == StateOpen {
		cb.openedAt = cb.clock.Now()
	}

	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(from, to)
	}
}

// State reports the breaker position. An open breaker whose timeout has
// elapsed still reads as open until the next call probes the gateway.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures is the consecutive failure count in the closed state
func (cb *CircuitBreaker) Failures() uint32 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}
