// Package discovery composes the distributed registry (pkg/registry) with
// the gossip transport (pkg/gossip) into the running node spec.md §6.4
// calls the "discovery.distributed" subsystem: it owns the onMessage
// wiring for SYNC_REQUEST/SYNC_RESPONSE/ANTI_ENTROPY traffic that neither
// package can handle on its own without widening its interface, and drives
// the periodic anti-entropy exchange of spec.md §4.4.
//
// Registry and Transport are deliberately kept ignorant of each other
// beyond the narrow Broadcaster capability (spec.md §9): this package is
// the composition root, modeled on the App type in the teacher's
// distributed-queue/main.go that wires workers and a server together
// without either depending on the concrete other.
package discovery

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mcastellin/p2pmesh/pkg/gossip"
	"github.com/mcastellin/p2pmesh/pkg/registry"
)

// Config controls one Node.
type Config struct {
	SelfID         string
	GossipBindAddr string
	BootstrapPeers []string

	BaseFanout    int
	Adaptive      bool
	MaxHops       int
	DefaultTTL    time.Duration
	DialTimeout   time.Duration
	AcceptTimeout time.Duration

	AntiEntropyInterval time.Duration
	AntiEntropyPeers    int

	ConflictPolicy   registry.Policy
	OriginPriorities map[string]int
}

func (c *Config) setDefaults() {
	if c.AntiEntropyInterval <= 0 {
		c.AntiEntropyInterval = 60 * time.Second
	}
	if c.AntiEntropyPeers <= 0 {
		c.AntiEntropyPeers = 3
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 3 * time.Second
	}
}

// Node is a running peer's distributed-discovery half: a Registry backed
// by a gossip Transport, plus the anti-entropy loop and sync-request
// handling that glues the two together.
type Node struct {
	cfg Config
	log *zap.Logger

	Registry  *registry.Registry
	Transport *gossip.Transport

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Node with its registry and transport wired together but not
// yet serving; call Serve to bind the gossip listener and start the
// anti-entropy loop.
func New(cfg Config, log *zap.Logger) *Node {
	cfg.setDefaults()
	if log == nil {
		log = zap.NewNop()
	}

	n := &Node{cfg: cfg, log: log}
	n.Registry = registry.New(registry.Config{
		PeerID:              cfg.SelfID,
		ConflictPolicy:      cfg.ConflictPolicy,
		OriginPriorities:    cfg.OriginPriorities,
		AntiEntropyInterval: cfg.AntiEntropyInterval,
		AntiEntropyPeers:    cfg.AntiEntropyPeers,
	}, nil, log)

	n.Transport = gossip.NewTransport(gossip.Config{
		SelfID:        cfg.SelfID,
		BindAddr:      cfg.GossipBindAddr,
		BaseFanout:    cfg.BaseFanout,
		Adaptive:      cfg.Adaptive,
		MaxHops:       cfg.MaxHops,
		DefaultTTL:    cfg.DefaultTTL,
		DialTimeout:   cfg.DialTimeout,
		AcceptTimeout: cfg.AcceptTimeout,
	}, n.handleGossip, log)

	n.Registry.SetBroadcaster(n.Transport)
	return n
}

// Serve binds the gossip listener, dials the configured bootstrap peers,
// starts the registry's own diagnostic tick, and starts this node's
// network anti-entropy loop.
func (n *Node) Serve() error {
	if err := n.Transport.Serve(); err != nil {
		return err
	}
	for _, addr := range n.cfg.BootstrapPeers {
		n.Transport.AddPeer(addr)
	}
	n.Registry.Start()

	n.stopCh = make(chan struct{})
	n.wg.Add(1)
	go n.antiEntropyLoop()
	return nil
}

// Shutdown stops the anti-entropy loop, the registry, and the transport.
func (n *Node) Shutdown() error {
	if n.stopCh != nil {
		close(n.stopCh)
		n.wg.Wait()
	}
	n.Registry.Stop()
	return n.Transport.Shutdown()
}

// handleGossip is the gossip.OnMessageFunc wired into the Transport: it
// routes service-instance updates into the registry's apply path and
// answers/consumes SYNC_REQUEST, SYNC_RESPONSE, and ANTI_ENTROPY traffic
// the registry's narrower Broadcaster interface cannot see.
func (n *Node) handleGossip(msg gossip.Message, fromAddr string) {
	switch msg.Kind {
	case gossip.ServiceRegister, gossip.ServiceDeregister, gossip.ServiceUpdate, gossip.Heartbeat:
		if rm, ok := msg.RegistryMessage(); ok {
			n.Registry.Apply(rm)
		}

	case gossip.SyncRequest:
		n.replyToSyncRequest(msg, fromAddr)

	case gossip.SyncResponse, gossip.AntiEntropy:
		n.Registry.ApplySnapshot(filterSnapshot(msg.Snapshot, nil))
	}
}

func (n *Node) replyToSyncRequest(msg gossip.Message, fromAddr string) {
	replyTo := msg.RequesterAddr
	if replyTo == "" {
		replyTo = fromAddr
	}

	snapshot := filterSnapshot(n.Registry.GetRegistrySnapshot(), msg.RequestedTypes)
	resp := gossip.New(gossip.SyncResponse, n.cfg.SelfID, n.effectiveMaxHops(), n.cfg.DefaultTTL, gossip.Normal)
	resp.Snapshot = snapshot
	resp.SyncVersion = n.Registry.GetStatistics().RegistryVersion

	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.DialTimeout)
	defer cancel()
	if err := n.Transport.SendTo(ctx, replyTo, resp); err != nil {
		n.log.Debug("discovery: sync response delivery failed", zap.String("peer", replyTo), zap.Error(err))
	}
}

// RequestSync asks peerAddr for a snapshot of its registry, optionally
// filtered to serviceTypes (nil/empty requests everything). Used when a
// node joins the mesh and wants to catch up before its first anti-entropy
// tick.
func (n *Node) RequestSync(ctx context.Context, peerAddr string, serviceTypes []string) error {
	req := gossip.New(gossip.SyncRequest, n.cfg.SelfID, n.effectiveMaxHops(), n.cfg.DefaultTTL, gossip.High)
	req.RequestedTypes = serviceTypes
	req.RequesterAddr = n.Transport.ListenAddr()
	return n.Transport.SendTo(ctx, peerAddr, req)
}

func (n *Node) effectiveMaxHops() int {
	if n.cfg.MaxHops < 1 {
		return 1
	}
	return n.cfg.MaxHops
}

// antiEntropyLoop implements spec.md §4.4: every AntiEntropyInterval, send
// the current snapshot to up to AntiEntropyPeers random peers.
func (n *Node) antiEntropyLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(n.cfg.AntiEntropyInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.stopCh:
			return
		case <-ticker.C:
			n.runAntiEntropy()
		}
	}
}

func (n *Node) runAntiEntropy() {
	targets := pickRandom(n.Transport.Peers(), n.cfg.AntiEntropyPeers)
	if len(targets) == 0 {
		return
	}
	snapshot := n.Registry.GetRegistrySnapshot()

	for _, addr := range targets {
		msg := gossip.New(gossip.AntiEntropy, n.cfg.SelfID, n.effectiveMaxHops(), n.cfg.DefaultTTL, gossip.Low)
		msg.Snapshot = snapshot
		ctx, cancel := context.WithTimeout(context.Background(), n.cfg.DialTimeout)
		err := n.Transport.SendTo(ctx, addr, msg)
		cancel()
		if err != nil {
			n.log.Debug("discovery: anti-entropy send failed", zap.String("peer", addr), zap.Error(err))
		}
	}
}

func pickRandom(pool []string, n int) []string {
	if n <= 0 || len(pool) == 0 {
		return nil
	}
	if n >= len(pool) {
		return pool
	}
	shuffled := append([]string(nil), pool...)
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	return shuffled[:n]
}

func filterSnapshot(snapshot map[string]map[string]registry.Instance, types []string) map[string]map[string]registry.Instance {
	if len(types) == 0 {
		return snapshot
	}
	allow := make(map[string]struct{}, len(types))
	for _, t := range types {
		allow[t] = struct{}{}
	}
	out := make(map[string]map[string]registry.Instance, len(allow))
	for t, byID := range snapshot {
		if _, ok := allow[t]; ok {
			out[t] = byID
		}
	}
	return out
}
