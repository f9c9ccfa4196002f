// Package resilience holds the pipeline's error taxonomy together with retry
// policies, the circuit breaker and dead-letter entries.
package resilience

import (
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// CircuitState is the dispatch state of a destination's breaker.
type CircuitState int

const (
	// CircuitClosed dispatches every chain.
	CircuitClosed CircuitState = iota
	// CircuitOpen sheds chains until the cool-down elapses.
	CircuitOpen
	// CircuitHalfOpen admits one trial chain.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned by Allow when a chain may not be dispatched.
var ErrCircuitOpen = eris.New("resilience: circuit open")

// CircuitBreakerConfig controls a breaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive tripping failures that
	// open the circuit. Default: 5.
	FailureThreshold int

	// ResetTimeout is the cool-down before an open circuit admits a trial.
	// Default: 30s.
	ResetTimeout time.Duration

	// ShouldTrip decides which failures count. Nil counts every error.
	ShouldTrip func(err error) bool

	// OnStateChange is called with the breaker lock held; it must not call
	// back into the breaker.
	OnStateChange func(from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns the defaults applied to zero fields.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
	}
}

// Permit is handed out by Allow and returned to Record with the outcome.
type Permit struct {
	trial bool
}

// CircuitBreaker gates chain dispatch for one destination. Chains ask Allow
// before starting and report through Record when done.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu       sync.Mutex
	state    CircuitState
	failures int
	openedAt time.Time
	trialing bool

	nowFunc func() time.Time
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	def := DefaultCircuitBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	return &CircuitBreaker{cfg: cfg, nowFunc: time.Now}
}

// State returns the current state. An open circuit past its cool-down
// reports half-open.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.stateLocked()
}

// Ready reports whether Allow would admit a chain right now.
func (cb *CircuitBreaker) Ready() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.stateLocked() {
	case CircuitOpen:
		return false
	case CircuitHalfOpen:
		return !cb.trialing
	default:
		return true
	}
}

// Allow admits a chain or returns ErrCircuitOpen. Past the cool-down exactly
// one chain is admitted as the trial; others are refused until it reports.
func (cb *CircuitBreaker) Allow() (Permit, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.stateLocked() {
	case CircuitClosed:
		return Permit{}, nil
	case CircuitHalfOpen:
		if cb.trialing {
			return Permit{}, ErrCircuitOpen
		}
		if cb.state != CircuitHalfOpen {
			cb.transition(CircuitHalfOpen)
		}
		cb.trialing = true
		return Permit{trial: true}, nil
	default:
		return Permit{}, ErrCircuitOpen
	}
}

// Record reports the outcome of an admitted chain. While closed, tripping
// failures build a streak that only a success resets. In half-open only the
// trial decides: success closes, a tripping failure re-opens, and any other
// failure frees the trial slot for the next chain.
func (cb *CircuitBreaker) Record(p Permit, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	trips := err != nil && cb.trips(err)

	if cb.state == CircuitHalfOpen {
		if !p.trial {
			return
		}
		cb.trialing = false
		switch {
		case err == nil:
			cb.failures = 0
			cb.transition(CircuitClosed)
		case trips:
			cb.open()
		}
		return
	}

	switch {
	case trips:
		cb.failures++
		if cb.state == CircuitClosed && cb.failures >= cb.cfg.FailureThreshold {
			cb.open()
		}
	case err == nil && cb.state == CircuitClosed:
		cb.failures = 0
	}
}

func (cb *CircuitBreaker) trips(err error) bool {
	if cb.cfg.ShouldTrip == nil {
		return true
	}
	return cb.cfg.ShouldTrip(err)
}

func (cb *CircuitBreaker) stateLocked() CircuitState {
	if cb.state == CircuitOpen && cb.nowFunc().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return CircuitHalfOpen
	}
	return cb.state
}

func (cb *CircuitBreaker) open() {
	cb.openedAt = cb.nowFunc()
	cb.transition(CircuitOpen)
}

func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	cb.state = to
	if from != to && cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(from, to)
	}
}

// ServiceBreakers holds one breaker per destination.
type ServiceBreakers struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	cfg      CircuitBreakerConfig
}

// NewServiceBreakers creates an empty registry sharing cfg.
func NewServiceBreakers(cfg CircuitBreakerConfig) *ServiceBreakers {
	return &ServiceBreakers{
		breakers: make(map[string]*CircuitBreaker),
		cfg:      cfg,
	}
}

// Get returns the breaker for destination, creating it on first use.
func (sb *ServiceBreakers) Get(destination string) *CircuitBreaker {
	sb.mu.RLock()
	cb, ok := sb.breakers[destination]
	sb.mu.RUnlock()
	if ok {
		return cb
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()
	if cb, ok = sb.breakers[destination]; ok {
		return cb
	}
	cb = NewCircuitBreaker(sb.cfg)
	sb.breakers[destination] = cb
	return cb
}

// States snapshots every breaker's state.
func (sb *ServiceBreakers) States() map[string]CircuitState {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	states := make(map[string]CircuitState, len(sb.breakers))
	for name, cb := range sb.breakers {
		states[name] = cb.State()
	}
	return states
}
