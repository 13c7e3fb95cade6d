package registry

import (
	"sort"

	"github.com/mcastellin/p2pmesh/pkg/vclock"
)

// Policy names a conflict resolution strategy (spec.md §4.2).
type Policy string

const (
	LastWriteWins Policy = "LAST_WRITE_WINS"
	VectorClock   Policy = "VECTOR_CLOCK"
	OriginPriority Policy = "ORIGIN_PRIORITY"
	HealthPriority Policy = "HEALTH_PRIORITY"
	Composite      Policy = "COMPOSITE"
)

// Resolver deterministically picks a winner among concurrently-written
// instances of the same identity. resolve never fabricates a result: it
// always returns an element from the input list, or nil for an empty list.
type Resolver struct {
	Policy Policy
	// OriginPriorities maps a peer id to a configured priority used by the
	// ORIGIN_PRIORITY policy. Unlisted peers default to priority 0.
	OriginPriorities map[string]int
}

// NewResolver builds a Resolver for the given policy. An empty policy
// defaults to LastWriteWins.
func NewResolver(policy Policy, originPriorities map[string]int) *Resolver {
	if policy == "" {
		policy = LastWriteWins
	}
	return &Resolver{Policy: policy, OriginPriorities: originPriorities}
}

// Resolve returns the winning Instance among list, or nil if list is empty.
func (r *Resolver) Resolve(list []Instance) *Instance {
	if len(list) == 0 {
		return nil
	}
	if len(list) == 1 {
		out := list[0]
		return &out
	}
	return r.resolveWith(r.Policy, list)
}

func (r *Resolver) resolveWith(policy Policy, list []Instance) *Instance {
	switch policy {
	case VectorClock:
		return r.resolveVectorClock(list)
	case OriginPriority:
		return r.resolveOriginPriority(list)
	case HealthPriority:
		return r.resolveHealthPriority(list)
	case Composite:
		return r.resolveComposite(list)
	default:
		return resolveLastWriteWins(list)
	}
}

// resolveLastWriteWins chooses the maximum version, tiebreaking on
// lexicographically greater originPeerId.
func resolveLastWriteWins(list []Instance) *Instance {
	best := list[0]
	for _, cand := range list[1:] {
		if NewerThan(cand, best) {
			best = cand
		}
	}
	out := best
	return &out
}

// resolveVectorClock chooses the unique instance whose clock is AFTER every
// other instance's clock. If any pair is CONCURRENT, falls through to
// LAST_WRITE_WINS.
func (r *Resolver) resolveVectorClock(list []Instance) *Instance {
	for i := range list {
		isAfterAll := true
		for j := range list {
			if i == j {
				continue
			}
			cmp := list[i].VectorClock.Compare(list[j].VectorClock)
			if cmp != vclock.After {
				isAfterAll = false
				break
			}
		}
		if isAfterAll {
			out := list[i]
			return &out
		}
	}
	return resolveLastWriteWins(list)
}

// resolveOriginPriority prefers the instance(s) whose origin peer has the
// highest configured priority, tiebreaking within the top priority tier by
// LAST_WRITE_WINS.
func (r *Resolver) resolveOriginPriority(list []Instance) *Instance {
	best := list[0]
	bestPrio := r.priorityOf(best.OriginPeerID)
	tied := []Instance{best}

	for _, cand := range list[1:] {
		p := r.priorityOf(cand.OriginPeerID)
		switch {
		case p > bestPrio:
			best, bestPrio = cand, p
			tied = []Instance{cand}
		case p == bestPrio:
			tied = append(tied, cand)
		}
	}
	return resolveLastWriteWins(tied)
}

func (r *Resolver) priorityOf(peer string) int {
	if r.OriginPriorities == nil {
		return 0
	}
	return r.OriginPriorities[peer]
}

// resolveHealthPriority filters to healthy instances and applies
// LAST_WRITE_WINS among them; if none are healthy, it applies
// LAST_WRITE_WINS over the full set.
func (r *Resolver) resolveHealthPriority(list []Instance) *Instance {
	healthy := filterHealthy(list)
	if len(healthy) > 0 {
		return resolveLastWriteWins(healthy)
	}
	return resolveLastWriteWins(list)
}

// resolveComposite applies, in order: health filter -> origin priority ->
// vector clock -> last-write-wins, each stage narrowing or deciding.
func (r *Resolver) resolveComposite(list []Instance) *Instance {
	candidates := list
	if healthy := filterHealthy(list); len(healthy) > 0 {
		candidates = healthy
	}
	if len(candidates) == 1 {
		out := candidates[0]
		return &out
	}
	if r.hasOriginPriorities() {
		top := r.priorityOf(candidates[0].OriginPeerID)
		for _, c := range candidates[1:] {
			if p := r.priorityOf(c.OriginPeerID); p > top {
				top = p
			}
		}
		tier := make([]Instance, 0, len(candidates))
		for _, c := range candidates {
			if r.priorityOf(c.OriginPeerID) == top {
				tier = append(tier, c)
			}
		}
		candidates = tier
	}
	return r.resolveVectorClock(candidates)
}

func (r *Resolver) hasOriginPriorities() bool {
	return len(r.OriginPriorities) > 0
}

func filterHealthy(list []Instance) []Instance {
	out := make([]Instance, 0, len(list))
	for _, inst := range list {
		if inst.Healthy {
			out = append(out, inst)
		}
	}
	return out
}

// MergeMetadata unions the metadata keys of list. For a key present in more
// than one instance, the value from the newest instance (by NewerThan) wins.
func MergeMetadata(list []Instance) map[string]string {
	out := map[string]string{}
	winnerVersion := map[string]Instance{}
	for _, inst := range list {
		for k, v := range inst.Metadata {
			cur, ok := winnerVersion[k]
			if !ok || NewerThan(inst, cur) {
				winnerVersion[k] = inst
				out[k] = v
			}
		}
	}
	return out
}

// sortedServiceIDs returns the keys of byID in ascending order, so callers
// like DiscoverServices return a stable order instead of Go's randomized
// map iteration.
func sortedServiceIDs(byID map[string]Instance) []string {
	out := make([]string, 0, len(byID))
	for id := range byID {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
