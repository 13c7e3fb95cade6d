// Package vclock implements a vector clock, the causality primitive the
// distributed registry uses to decide whether one ServiceInstance version
// happened-before, happened-after, or is concurrent with another.
package vclock

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrEmptyPeer is returned when an operation is given an empty peer id.
var ErrEmptyPeer = errors.New("vclock: peer id must not be empty")

// Ordering is the result of comparing two clocks.
type Ordering int

const (
	Equal Ordering = iota
	Before
	After
	Concurrent
)

func (o Ordering) String() string {
	switch o {
	case Equal:
		return "EQUAL"
	case Before:
		return "BEFORE"
	case After:
		return "AFTER"
	default:
		return "CONCURRENT"
	}
}

// Clock is an immutable mapping from peer id to a monotonic counter.
// Every operation returns a new Clock; none mutate the receiver.
type Clock struct {
	counts map[string]uint64
}

// New creates a Clock with a single entry for peer, count 1. Use this to
// seed a brand-new ServiceInstance's clock.
func New(peer string) (Clock, error) {
	if peer == "" {
		return Clock{}, ErrEmptyPeer
	}
	return Clock{counts: map[string]uint64{peer: 1}}, nil
}

// Empty returns a Clock with no entries.
func Empty() Clock {
	return Clock{}
}

// Increment returns a copy of c with peer's counter incremented by one.
func (c Clock) Increment(peer string) (Clock, error) {
	if peer == "" {
		return Clock{}, ErrEmptyPeer
	}
	out := c.clone()
	out.counts[peer]++
	return out, nil
}

// Merge returns the pairwise-max union of c and other.
func (c Clock) Merge(other Clock) Clock {
	out := c.clone()
	for peer, v := range other.counts {
		if cur := out.counts[peer]; v > cur {
			out.counts[peer] = v
		}
	}
	return out
}

// Get returns the counter value for peer, or 0 if the peer is unknown.
func (c Clock) Get(peer string) uint64 {
	return c.counts[peer]
}

// Peers returns the sorted list of peer ids known to this clock.
func (c Clock) Peers() []string {
	out := make([]string, 0, len(c.counts))
	for p := range c.counts {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Compare returns how c relates to other.
func (c Clock) Compare(other Clock) Ordering {
	cLessOrEq, cLess := true, false
	oLessOrEq, oLess := true, false

	for _, peer := range unionKeys(c, other) {
		a, b := c.Get(peer), other.Get(peer)
		switch {
		case a < b:
			cLess = true
		case a > b:
			cLessOrEq = false
			oLess = true
		}
		if b > a {
			oLessOrEq = false
		}
	}

	switch {
	case cLessOrEq && oLessOrEq:
		return Equal
	case cLessOrEq && cLess:
		return Before
	case oLessOrEq && oLess:
		return After
	default:
		return Concurrent
	}
}

// HappensBefore reports whether c strictly happened before other.
func (c Clock) HappensBefore(other Clock) bool {
	return c.Compare(other) == Before
}

// IsConcurrent reports whether c and other are causally unrelated.
func (c Clock) IsConcurrent(other Clock) bool {
	return c.Compare(other) == Concurrent
}

// Equals reports whether c and other carry identical counters.
func (c Clock) Equals(other Clock) bool {
	return c.Compare(other) == Equal
}

// String renders the clock as peer:count pairs in stable peer order, useful
// for log lines and test failure messages.
func (c Clock) String() string {
	peers := c.Peers()
	parts := make([]string, len(peers))
	for i, p := range peers {
		parts[i] = fmt.Sprintf("%s:%d", p, c.counts[p])
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// MarshalJSON encodes the clock as a plain peer->counter object so it
// round-trips bit-exact across the gossip wire protocol.
func (c Clock) MarshalJSON() ([]byte, error) {
	if c.counts == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(c.counts)
}

// UnmarshalJSON decodes a clock from the peer->counter object produced by
// MarshalJSON.
func (c *Clock) UnmarshalJSON(data []byte) error {
	var counts map[string]uint64
	if err := json.Unmarshal(data, &counts); err != nil {
		return err
	}
	c.counts = counts
	return nil
}

func (c Clock) clone() Clock {
	out := make(map[string]uint64, len(c.counts)+1)
	for k, v := range c.counts {
		out[k] = v
	}
	return Clock{counts: out}
}

func unionKeys(a, b Clock) []string {
	seen := make(map[string]struct{}, len(a.counts)+len(b.counts))
	for k := range a.counts {
		seen[k] = struct{}{}
	}
	for k := range b.counts {
		seen[k] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
