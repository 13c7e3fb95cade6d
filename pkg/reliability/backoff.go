// Package reliability provides retry-with-backoff and circuit-breaker
// primitives used to wrap operations that cross the network: tracker
// registration and heartbeats, and file transfer.
package reliability

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Strategy selects how the delay between retry attempts grows.
type Strategy int

const (
	Fixed Strategy = iota
	Linear
	Exponential
	ExponentialJitter
)

// Backoff computes the delay before retry attempt n (1-indexed) for a
// given Strategy, adapted from the teacher's wait.BackoffStrategy but
// generalized from a single fixed growth factor to the four named
// strategies this substrate needs.
type Backoff struct {
	Strategy Strategy
	Initial  time.Duration
	Max      time.Duration
}

// Delay returns the backoff duration before retry attempt n (n starts at 1
// for the first retry after the initial failed attempt).
func (b Backoff) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	var d time.Duration
	switch b.Strategy {
	case Fixed:
		d = b.Initial
	case Linear:
		d = b.Initial * time.Duration(n)
	case Exponential:
		d = b.Initial * time.Duration(pow2(n-1))
	case ExponentialJitter:
		d = b.exponentialJitterDelay(n)
	default:
		d = b.Initial
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}

// exponentialJitterDelay drives a cenkalti/backoff/v4 ExponentialBackOff
// through n NextBackOff calls and returns the last, the way getployz-ployz's corrosion client
// uses the same package to pace its subscription-resync retries. A fresh
// ExponentialBackOff is built per call since attempt n must always produce
// the same delay distribution regardless of call order.
func (b Backoff) exponentialJitterDelay(n int) time.Duration {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.Initial
	if b.Max > 0 {
		eb.MaxInterval = b.Max
	}
	eb.MaxElapsedTime = 0
	eb.Reset()

	d := eb.NextBackOff()
	for i := 1; i < n; i++ {
		d = eb.NextBackOff()
	}
	if d == backoff.Stop {
		d = b.Initial
	}
	return d
}

func pow2(n int) int64 {
	if n <= 0 {
		return 1
	}
	v := int64(1)
	for i := 0; i < n; i++ {
		v *= 2
		if v > 1<<40 {
			return v
		}
	}
	return v
}
