package reliability

import (
	"context"
	"sync"
	"time"
)

// State names a CircuitBreaker's position in the CLOSED/OPEN/HALF_OPEN
// state machine (spec.md §4.8).
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}

// FailurePredicate decides whether an error returned by a guarded call
// counts toward the breaker's failure threshold. A nil predicate counts
// every non-nil error.
type FailurePredicate func(err error) bool

// CircuitBreakerConfig controls one breaker instance.
type CircuitBreakerConfig struct {
	Threshold    int
	RetryTimeout time.Duration
	IsFailure    FailurePredicate
}

func (c *CircuitBreakerConfig) setDefaults() {
	if c.Threshold <= 0 {
		c.Threshold = 5
	}
	if c.RetryTimeout <= 0 {
		c.RetryTimeout = 30 * time.Second
	}
	if c.IsFailure == nil {
		c.IsFailure = func(err error) bool { return err != nil }
	}
}

// CircuitBreaker isolates a flaky outbound call so repeated failures fail
// fast instead of piling up blocked goroutines. Modeled on the explicit
// struct-plus-mutex state machine in the teacher's
// gossip/pkg/statemachine.go rather than channel choreography: state
// transitions are simple compare-and-branch under a lock, not goroutine
// coordination.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu          sync.Mutex
	state       State
	failures    int
	openedAt    time.Time
	halfOpenTry bool
}

// NewCircuitBreaker creates a breaker starting CLOSED.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	cfg.setDefaults()
	return &CircuitBreaker{cfg: cfg, state: Closed}
}

// State returns the breaker's current state, re-evaluating the OPEN ->
// HALF_OPEN transition if the retry timeout has elapsed.
func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

func (b *CircuitBreaker) stateLocked() State {
	if b.state == Open && time.Since(b.openedAt) >= b.cfg.RetryTimeout {
		return HalfOpen
	}
	return b.state
}

// Execute runs op if the breaker allows it, recording the outcome. It
// returns ErrCircuitOpen without calling op while OPEN.
func (b *CircuitBreaker) Execute(ctx context.Context, op Op) error {
	if !b.allow() {
		return ErrCircuitOpen
	}
	err := op(ctx)
	b.record(err)
	return err
}

// ExecuteWithFallback runs op through the breaker and, on any failure
// (including ErrCircuitOpen), runs fb instead of returning the error.
func (b *CircuitBreaker) ExecuteWithFallback(ctx context.Context, op Op, fb Op) error {
	if err := b.Execute(ctx, op); err != nil {
		return fb(ctx)
	}
	return nil
}

// allow reports whether a call may proceed right now, claiming the single
// HALF_OPEN probe slot if the breaker just transitioned.
func (b *CircuitBreaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.stateLocked() {
	case Closed:
		return true
	case HalfOpen:
		if b.state == Open {
			// First observer past the retry timeout flips the public state
			// and claims the probe; later concurrent callers are refused
			// until the probe resolves.
			b.state = HalfOpen
			b.halfOpenTry = true
			return true
		}
		if !b.halfOpenTry {
			b.halfOpenTry = true
			return true
		}
		return false
	default: // Open, retry timeout not yet elapsed
		return false
	}
}

// record applies the outcome of a permitted call to the state machine.
func (b *CircuitBreaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	isFailure := b.cfg.IsFailure(err)

	switch b.state {
	case HalfOpen:
		b.halfOpenTry = false
		if isFailure {
			b.toOpenLocked()
		} else {
			b.toClosedLocked()
		}
	default: // Closed (or Open, reached via a stale allow race)
		if !isFailure {
			if b.state == Closed {
				b.failures = 0
			}
			return
		}
		b.failures++
		if b.failures >= b.cfg.Threshold {
			b.toOpenLocked()
		}
	}
}

func (b *CircuitBreaker) toOpenLocked() {
	b.state = Open
	b.openedAt = time.Now()
	b.failures = 0
	b.halfOpenTry = false
}

func (b *CircuitBreaker) toClosedLocked() {
	b.state = Closed
	b.failures = 0
	b.halfOpenTry = false
}
