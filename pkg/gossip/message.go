// Package gossip implements the epidemic dissemination transport: framed
// message send/receive, an adaptive-fanout peer roster, priority queueing,
// dedupe, and anti-entropy support for the distributed registry.
package gossip

import (
	"time"

	"github.com/rs/xid"

	"github.com/mcastellin/p2pmesh/pkg/registry"
)

// Kind tags the variant of a gossip message (spec.md §3).
type Kind string

const (
	ServiceRegister   Kind = "SERVICE_REGISTER"
	ServiceDeregister Kind = "SERVICE_DEREGISTER"
	ServiceUpdate     Kind = "SERVICE_UPDATE"
	Heartbeat         Kind = "HEARTBEAT"
	SyncRequest       Kind = "SYNC_REQUEST"
	SyncResponse      Kind = "SYNC_RESPONSE"
	AntiEntropy       Kind = "ANTI_ENTROPY"
)

// Priority orders outbound delivery: High > Normal > Low.
type Priority int

const (
	Low Priority = iota
	Normal
	High
)

// defaultTTL is used when a message does not set one explicitly.
const defaultTTL = 30 * time.Second

// Message is the unit of gossip propagation. Messages are immutable: every
// mutating-looking operation (IncrementHop) returns a new value.
type Message struct {
	Kind         Kind
	MessageID    string
	SenderID     string
	TimestampMs  int64
	HopCount     int
	MaxHops      int
	VisitedPeers map[string]struct{}
	Priority     Priority
	TTLMs        int64

	// Payload. Exactly one of these is populated depending on Kind.
	Instance          *registry.Instance            `json:",omitempty"`
	RequestedTypes    []string                      `json:",omitempty"`
	Snapshot          map[string]map[string]registry.Instance `json:",omitempty"`
	SyncVersion       uint64                         `json:",omitempty"`
	RequesterAddr     string                         `json:",omitempty"`
}

// New builds a Message with a fresh id, current timestamp, and a copied
// visited set seeded with just the sender.
func New(kind Kind, senderID string, maxHops int, ttl time.Duration, priority Priority) Message {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if maxHops < 1 {
		maxHops = 1
	}
	return Message{
		Kind:         kind,
		MessageID:    xid.New().String(),
		SenderID:     senderID,
		TimestampMs:  time.Now().UnixMilli(),
		HopCount:     0,
		MaxHops:      maxHops,
		VisitedPeers: map[string]struct{}{senderID: {}},
		Priority:     priority,
		TTLMs:        ttl.Milliseconds(),
	}
}

// IncrementHop returns a copy of m with HopCount+1 and peer added to the
// visited set. The receiver is left unchanged.
func (m Message) IncrementHop(peer string) Message {
	out := m.clone()
	out.HopCount++
	out.VisitedPeers[peer] = struct{}{}
	return out
}

// CanPropagate reports whether m has hops remaining to forward.
func (m Message) CanPropagate() bool {
	return m.HopCount < m.MaxHops
}

// IsExpired reports whether m has aged past its TTL (or the provided
// default when m.TTLMs is zero).
func (m Message) IsExpired(def time.Duration) bool {
	ttl := time.Duration(m.TTLMs) * time.Millisecond
	if ttl <= 0 {
		ttl = def
	}
	age := time.Since(time.UnixMilli(m.TimestampMs))
	return age > ttl
}

// HasVisited reports whether peer is already in the visited set.
func (m Message) HasVisited(peer string) bool {
	_, ok := m.VisitedPeers[peer]
	return ok
}

func (m Message) clone() Message {
	out := m
	out.VisitedPeers = make(map[string]struct{}, len(m.VisitedPeers))
	for k := range m.VisitedPeers {
		out.VisitedPeers[k] = struct{}{}
	}
	if m.RequestedTypes != nil {
		out.RequestedTypes = append([]string(nil), m.RequestedTypes...)
	}
	return out
}

// RegistryMessage translates a gossip Message carrying a service instance
// payload into the narrower registry.Message the apply path consumes.
func (m Message) RegistryMessage() (registry.Message, bool) {
	if m.Instance == nil {
		return registry.Message{}, false
	}
	var kind registry.MessageKind
	switch m.Kind {
	case ServiceRegister:
		kind = registry.KindRegister
	case ServiceDeregister:
		kind = registry.KindDeregister
	case ServiceUpdate, Heartbeat:
		kind = registry.KindUpdate
	default:
		return registry.Message{}, false
	}
	inst := *m.Instance
	if m.Kind == Heartbeat {
		inst.Healthy = true
	}
	return registry.Message{Kind: kind, Instance: inst}, true
}
