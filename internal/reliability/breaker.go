package reliability

import (
	"context"
	"sync"
	"time"

	"github.com/tidemarklabs/recalld/internal/errs"
)

// State represents the circuit breaker state.
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
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds circuit breaker configuration.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold int
	// OpenTimeout is how long the circuit stays open before probing.
	OpenTimeout time.Duration
	// SuccessThreshold is the number of consecutive half-open successes
	// required to close.
	SuccessThreshold int
	// OnStateChange is called on every transition. Optional.
	OnStateChange func(name string, from, to State)
}

func (c *BreakerConfig) applyDefaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
}

// Breaker implements the CLOSED -> OPEN -> HALF_OPEN -> CLOSED state machine.
type Breaker struct {
	name string
	cfg  BreakerConfig

	mu                   sync.Mutex
	state                State
	consecutiveFailures  int
	consecutiveSuccesses int
	openedAt             time.Time

	// now is swappable for tests.
	now func() time.Time
}

// NewBreaker creates a breaker for the named dependency.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	cfg.applyDefaults()
	return &Breaker{
		name:  name,
		cfg:   cfg,
		state: StateClosed,
		now:   time.Now,
	}
}

// Name returns the dependency name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state, transitioning OPEN to HALF_OPEN when the
// open timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

func (b *Breaker) stateLocked() State {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.OpenTimeout {
		b.transitionLocked(StateHalfOpen)
	}
	return b.state
}

// Do executes op under the breaker. When the circuit is open, op is not
// invoked and a CIRCUIT_OPEN error is returned immediately.
func (b *Breaker) Do(ctx context.Context, op func(ctx context.Context) error) error {
	b.mu.Lock()
	if b.stateLocked() == StateOpen {
		b.mu.Unlock()
		return errs.CircuitOpen(b.name)
	}
	b.mu.Unlock()

	err := op(ctx)
	b.record(err)
	return err
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.consecutiveSuccesses = 0
		b.consecutiveFailures++

		switch b.state {
		case StateClosed:
			if b.consecutiveFailures >= b.cfg.FailureThreshold {
				b.transitionLocked(StateOpen)
			}
		case StateHalfOpen:
			// Any failure while probing reopens the circuit.
			b.transitionLocked(StateOpen)
		case StateOpen:
		}
		return
	}

	b.consecutiveFailures = 0
	if b.state == StateHalfOpen {
		b.consecutiveSuccesses++
		if b.consecutiveSuccesses >= b.cfg.SuccessThreshold {
			b.transitionLocked(StateClosed)
		}
	}
}

func (b *Breaker) transitionLocked(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	switch to {
	case StateOpen:
		b.openedAt = b.now()
	case StateClosed, StateHalfOpen:
		b.consecutiveFailures = 0
		b.consecutiveSuccesses = 0
	}
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.name, from, to)
	}
}
