package registry

import (
	"sync"
	"time"

	"github.com/rs/xid"
	"go.uber.org/zap"

	"github.com/mcastellin/p2pmesh/pkg/vclock"
)

// Broadcaster is the narrow capability the registry needs from the gossip
// transport: fire-and-forget dissemination of a replicated update. The
// registry never depends on the whole gossip.Transport surface, per the
// narrow-interface guidance in spec.md §9.
type Broadcaster interface {
	Broadcast(msg Message, priority Priority)
}

// Priority mirrors gossip.Priority without creating an import cycle between
// the registry and gossip packages; gossip.Priority values convert directly.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// MessageKind tags the variant of a replicated registry update.
type MessageKind int

const (
	KindRegister MessageKind = iota
	KindDeregister
	KindUpdate
)

// Message is the registry-level payload handed to the gossip transport for
// propagation. It intentionally carries only what the registry's apply path
// needs; gossip.Message wraps this with hop/ttl/envelope metadata.
type Message struct {
	Kind     MessageKind
	Instance Instance
}

// Config controls registry behavior.
type Config struct {
	PeerID              string
	ConflictPolicy      Policy
	OriginPriorities    map[string]int
	AntiEntropyInterval time.Duration
	AntiEntropyPeers    int
}

// Registry maintains the local (serviceType, serviceId) -> Instance map for
// one peer and keeps it converging with the rest of the cluster via gossip.
// All public methods are safe for concurrent use.
type Registry struct {
	cfg      Config
	resolver *Resolver
	log      *zap.Logger

	mu              sync.RWMutex
	byType          map[string]map[string]Instance
	registryVersion uint64
	clock           vclock.Clock

	broadcaster Broadcaster

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a Registry for the given peer. broadcaster may be nil in
// tests that only exercise the local map; production callers wire in a
// gossip.Transport adapter.
func New(cfg Config, broadcaster Broadcaster, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.AntiEntropyInterval <= 0 {
		cfg.AntiEntropyInterval = 60 * time.Second
	}
	if cfg.AntiEntropyPeers <= 0 {
		cfg.AntiEntropyPeers = 3
	}
	return &Registry{
		cfg:         cfg,
		resolver:    NewResolver(cfg.ConflictPolicy, cfg.OriginPriorities),
		log:         log,
		byType:      map[string]map[string]Instance{},
		clock:       vclock.Empty(),
		broadcaster: broadcaster,
	}
}

// SetBroadcaster wires the gossip broadcaster after construction, for
// callers that must build the registry before the transport that will
// carry its broadcasts exists (the registry is the transport's onMessage
// target, so one of the two must be built first).
func (r *Registry) SetBroadcaster(b Broadcaster) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcaster = b
}

// Start begins the registry's background tick loop, which only logs a
// periodic debug line; network anti-entropy runs in pkg/discovery.
// Idempotent.
func (r *Registry) Start() {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	stopCh := r.stopCh
	r.mu.Unlock()

	r.wg.Add(1)
	go r.antiEntropyLoop(stopCh)
}

// Stop halts the background tick loop and waits for it to exit. Idempotent.
func (r *Registry) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()

	r.wg.Wait()
}

// RegisterService validates inputs, builds a new Instance with a freshly
// incremented vector clock, applies it locally, and broadcasts a
// SERVICE_REGISTER update at HIGH priority. Returns false on validation
// failure or when a strictly-newer instance already exists under the same
// identity.
func (r *Registry) RegisterService(serviceType, serviceID, host string, port int, metadata map[string]string) bool {
	if !validRegistration(serviceType, serviceID, host, port) {
		r.log.Warn("rejected invalid service registration",
			zap.String("serviceType", serviceType), zap.String("serviceId", serviceID))
		return false
	}

	r.mu.Lock()
	clock, err := r.clock.Increment(r.cfg.PeerID)
	if err != nil {
		r.mu.Unlock()
		r.log.Error("failed to increment vector clock", zap.Error(err))
		return false
	}
	r.clock = clock

	inst := Instance{
		ServiceType:  serviceType,
		ServiceID:    serviceID,
		Host:         host,
		Port:         port,
		Metadata:     cloneMeta(metadata),
		Version:      time.Now().UnixMilli(),
		OriginPeerID: r.cfg.PeerID,
		VectorClock:  clock,
		Healthy:      true,
		CreatedAt:    time.Now().UnixMilli(),
	}

	if existing, ok := r.lookupLocked(serviceType, serviceID); ok && NewerThan(existing, inst) {
		r.mu.Unlock()
		return false
	}

	r.putLocked(inst)
	r.mu.Unlock()

	r.broadcast(Message{Kind: KindRegister, Instance: inst}, PriorityHigh)
	return true
}

// DeregisterService removes the local entry and broadcasts a tombstoned
// SERVICE_DEREGISTER update so other peers converge on the removal.
func (r *Registry) DeregisterService(serviceType, serviceID string) bool {
	r.mu.Lock()
	existing, ok := r.lookupLocked(serviceType, serviceID)
	if !ok {
		r.mu.Unlock()
		return false
	}

	clock, err := r.clock.Increment(r.cfg.PeerID)
	if err != nil {
		r.mu.Unlock()
		return false
	}
	r.clock = clock

	tombstone := existing
	tombstone.VectorClock = clock
	tombstone.Tombstone = true
	tombstone.Version = time.Now().UnixMilli()
	tombstone.OriginPeerID = r.cfg.PeerID

	r.deleteLocked(serviceType, serviceID)
	r.mu.Unlock()

	r.broadcast(Message{Kind: KindDeregister, Instance: tombstone}, PriorityHigh)
	return true
}

// UpdateServiceHealth mutates the healthy flag locally and gossips a
// SERVICE_UPDATE at NORMAL priority.
func (r *Registry) UpdateServiceHealth(serviceType, serviceID string, healthy bool) bool {
	r.mu.Lock()
	existing, ok := r.lookupLocked(serviceType, serviceID)
	if !ok {
		r.mu.Unlock()
		return false
	}

	clock, err := r.clock.Increment(r.cfg.PeerID)
	if err != nil {
		r.mu.Unlock()
		return false
	}
	r.clock = clock

	updated := existing
	updated.Healthy = healthy
	updated.VectorClock = clock
	updated.Version = time.Now().UnixMilli()

	r.putLocked(updated)
	r.mu.Unlock()

	r.broadcast(Message{Kind: KindUpdate, Instance: updated}, PriorityNormal)
	return true
}

// DiscoverServices returns a snapshot of instances for serviceType, ordered
// by serviceId for stable output across calls.
func (r *Registry) DiscoverServices(serviceType string) []Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byID := r.byType[serviceType]
	out := make([]Instance, 0, len(byID))
	for _, id := range sortedServiceIDs(byID) {
		out = append(out, byID[id].Clone())
	}
	return out
}

// GetService returns a copy of the instance at (serviceType, serviceId), if
// present.
func (r *Registry) GetService(serviceType, serviceID string) (Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.lookupLocked(serviceType, serviceID)
	if !ok {
		return Instance{}, false
	}
	return inst.Clone(), true
}

// GetRegistrySnapshot returns a deep-copy map of the full registry state.
func (r *Registry) GetRegistrySnapshot() map[string]map[string]Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]map[string]Instance, len(r.byType))
	for svcType, byID := range r.byType {
		inner := make(map[string]Instance, len(byID))
		for id, inst := range byID {
			inner[id] = inst.Clone()
		}
		out[svcType] = inner
	}
	return out
}

// Statistics summarizes registry state for operator visibility.
type Statistics struct {
	PeerID          string
	Running         bool
	RegistryVersion uint64
	ServiceTypes    int
	TotalServices   int
}

// GetStatistics returns a snapshot of registry-wide counters.
func (r *Registry) GetStatistics() Statistics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := 0
	for _, byID := range r.byType {
		total += len(byID)
	}
	return Statistics{
		PeerID:          r.cfg.PeerID,
		Running:         r.running,
		RegistryVersion: r.registryVersion,
		ServiceTypes:    len(r.byType),
		TotalServices:   total,
	}
}

// Apply runs the registry apply algorithm for an incoming replicated
// message (spec.md §4.4). It is idempotent: applying the same message twice
// produces the same end state as applying it once, and it never replaces a
// stored instance with a strictly-older one.
func (r *Registry) Apply(msg Message) {
	switch msg.Kind {
	case KindRegister, KindUpdate:
		r.applyUpsert(msg.Instance, false)
	case KindDeregister:
		r.applyUpsert(msg.Instance, true)
	}
}

// ApplySnapshot applies every instance in a full or filtered snapshot using
// the same upsert rule as Apply, for anti-entropy and SYNC_RESPONSE
// handling.
func (r *Registry) ApplySnapshot(snapshot map[string]map[string]Instance) {
	for _, byID := range snapshot {
		for _, inst := range byID {
			r.applyUpsert(inst, inst.Tombstone)
		}
	}
}

func (r *Registry) applyUpsert(incoming Instance, asTombstone bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.lookupLocked(incoming.ServiceType, incoming.ServiceID)
	switch {
	case !ok:
		if asTombstone {
			// Nothing to remove and no prior state to compare against;
			// a tombstone for an identity we never saw is a no-op.
			return
		}
		r.putLocked(incoming)
		return

	case existing.VectorClock.Compare(incoming.VectorClock) == vclock.After:
		// Our stored instance is causally newer: drop the incoming update.
		return

	case incoming.VectorClock.Compare(existing.VectorClock) == vclock.After:
		r.replaceLocked(incoming, asTombstone)
		return

	default:
		// CONCURRENT or EQUAL: defer to the configured conflict resolver.
		winner := r.resolver.Resolve([]Instance{existing, incoming})
		if winner == nil || winner.Identity() != incoming.Identity() {
			return
		}
		if !sameContent(*winner, existing) {
			r.replaceLocked(*winner, asTombstone)
		}
	}
}

func sameContent(a, b Instance) bool {
	return !IsConflict(a, b)
}

func (r *Registry) replaceLocked(inst Instance, asTombstone bool) {
	if asTombstone {
		r.deleteLocked(inst.ServiceType, inst.ServiceID)
		return
	}
	r.putLocked(inst)
}

func (r *Registry) lookupLocked(serviceType, serviceID string) (Instance, bool) {
	byID, ok := r.byType[serviceType]
	if !ok {
		return Instance{}, false
	}
	inst, ok := byID[serviceID]
	return inst, ok
}

func (r *Registry) putLocked(inst Instance) {
	byID, ok := r.byType[inst.ServiceType]
	if !ok {
		byID = map[string]Instance{}
		r.byType[inst.ServiceType] = byID
	}
	byID[inst.ServiceID] = inst
	r.registryVersion++
}

func (r *Registry) deleteLocked(serviceType, serviceID string) {
	byID, ok := r.byType[serviceType]
	if !ok {
		return
	}
	if _, ok := byID[serviceID]; !ok {
		return
	}
	delete(byID, serviceID)
	if len(byID) == 0 {
		delete(r.byType, serviceType)
	}
	r.registryVersion++
}

func (r *Registry) broadcast(msg Message, priority Priority) {
	r.mu.RLock()
	b := r.broadcaster
	r.mu.RUnlock()
	if b == nil {
		return
	}
	// Broadcast is asynchronous and must never block the apply/register
	// path; gossip.Transport.Broadcast already enqueues and returns.
	b.Broadcast(msg, priority)
}

func (r *Registry) antiEntropyLoop(stopCh chan struct{}) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.AntiEntropyInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			r.log.Debug("anti-entropy tick", zap.Uint64("registryVersion", r.registryVersion))
		}
	}
}

func validRegistration(serviceType, serviceID, host string, port int) bool {
	if serviceType == "" || serviceID == "" || host == "" {
		return false
	}
	return port >= 1 && port <= 65535
}

func cloneMeta(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// newMessageID mints a time-sortable, globally unique gossip message id.
func newMessageID() string {
	return xid.New().String()
}
