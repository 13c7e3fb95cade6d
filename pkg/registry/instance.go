// Package registry implements the distributed service registry: the
// (serviceType, serviceId) -> ServiceInstance map each peer maintains and
// replicates over gossip, with vector-clock causality and pluggable
// conflict resolution.
package registry

import (
	"fmt"
	"time"

	"github.com/mcastellin/p2pmesh/pkg/vclock"
)

// Identity names a service instance uniquely within the registry.
type Identity struct {
	ServiceType string
	ServiceID   string
}

func (id Identity) String() string {
	return fmt.Sprintf("%s/%s", id.ServiceType, id.ServiceID)
}

// Instance is a single discoverable endpoint under a service type.
// Instances are created by their owning peer, mutated only by that peer (as
// a new version with an incremented vector clock), and removed by
// deregistration or tombstone convergence.
type Instance struct {
	ServiceType string
	ServiceID   string

	Host string
	Port int

	Metadata map[string]string

	Version      int64
	OriginPeerID string
	VectorClock  vclock.Clock

	Healthy   bool
	Priority  int
	CreatedAt int64

	// Tombstone marks this instance as a deregistration record: a receiver
	// whose resolver picks it removes the identity. Tombstones are not
	// retained after that, so a later register message for the same
	// identity is inserted again.
	Tombstone bool
}

// Identity returns the (serviceType, serviceId) pair identifying this
// instance for conflict detection and map lookups.
func (i Instance) Identity() Identity {
	return Identity{ServiceType: i.ServiceType, ServiceID: i.ServiceID}
}

// Clone returns a deep copy of i, safe to hand to callers outside the
// registry's lock.
func (i Instance) Clone() Instance {
	out := i
	out.Metadata = make(map[string]string, len(i.Metadata))
	for k, v := range i.Metadata {
		out.Metadata[k] = v
	}
	return out
}

// Conflicts reports whether a and b share an identity but disagree on any
// field that would make them the "same" registration.
func Conflicts(a, b Instance) bool {
	if a.Identity() != b.Identity() {
		return false
	}
	return IsConflict(a, b)
}

// IsConflict reports whether a and b (assumed to share an identity) differ
// in host, port, version, metadata, or origin peer.
func IsConflict(a, b Instance) bool {
	if a.Host != b.Host || a.Port != b.Port || a.Version != b.Version || a.OriginPeerID != b.OriginPeerID {
		return true
	}
	return !metadataEqual(a.Metadata, b.Metadata)
}

func metadataEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

// NewerThan reports whether a is newer than b by the rule spec.md §3 defines:
// greater version wins, ties broken by lexicographically greater originPeerId.
func NewerThan(a, b Instance) bool {
	if a.Version != b.Version {
		return a.Version > b.Version
	}
	return a.OriginPeerID > b.OriginPeerID
}

// nowMillis is a seam so tests can avoid wall-clock flakiness if needed; in
// production it is simply time.Now().
var nowMillis = func() int64 { return time.Now().UnixMilli() }
