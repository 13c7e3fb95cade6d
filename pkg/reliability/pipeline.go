package reliability

import (
	"context"
	"fmt"
	"sync"
)

// Fallback produces a substitute outcome when an operation exhausts retries
// or trips its circuit breaker. It receives the triggering error so it can
// vary its behavior by taxonomy Code.
type Fallback func(ctx context.Context, err error) error

// Pipeline composes, per named operation, the chain spec.md §4.9 describes:
// circuit-breaker -> retry -> operation -> fallback. A missing fallback
// re-raises the error unchanged.
type Pipeline struct {
	mu  sync.Mutex
	ops map[string]*namedOp
}

type namedOp struct {
	breaker  *CircuitBreaker
	retry    RetryConfig
	fallback Fallback
}

// NewPipeline creates an empty orchestrator; operations are registered with
// Register before they can be invoked by name.
func NewPipeline() *Pipeline {
	return &Pipeline{ops: map[string]*namedOp{}}
}

// Register wires the circuit breaker, retry policy, and fallback for a
// named operation. breaker may be nil to skip circuit-breaking for that
// operation; fallback may be nil to re-raise on exhaustion.
func (p *Pipeline) Register(name string, breaker *CircuitBreaker, retry RetryConfig, fallback Fallback) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ops[name] = &namedOp{breaker: breaker, retry: retry, fallback: fallback}
}

// Execute runs the named operation's registered chain. It panics-free
// reports an Internal error for a name that was never registered, since
// that is a wiring bug rather than a runtime condition to retry.
func (p *Pipeline) Execute(ctx context.Context, name string, op Op) error {
	p.mu.Lock()
	nop, ok := p.ops[name]
	p.mu.Unlock()
	if !ok {
		return NewErr(Internal, false, fmt.Errorf("reliability: operation %q not registered", name))
	}

	guarded := op
	if nop.breaker != nil {
		breaker := nop.breaker
		inner := op
		guarded = func(ctx context.Context) error {
			return breaker.Execute(ctx, inner)
		}
	}

	err := Retry(ctx, nop.retry, guarded)
	if err == nil {
		return nil
	}
	if nop.fallback == nil {
		return err
	}
	return nop.fallback(ctx, err)
}
