package gossip

import (
	"context"
	"fmt"
	"math"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mcastellin/p2pmesh/pkg/registry"
)

// OnMessageFunc is invoked once per newly-seen message delivered to this
// peer; fromAddr is the remote address it arrived from.
type OnMessageFunc func(msg Message, fromAddr string)

// Config controls one Transport instance.
type Config struct {
	SelfID        string
	BindAddr      string
	BaseFanout    int
	Adaptive      bool
	MaxHops       int
	DefaultTTL    time.Duration
	DialTimeout   time.Duration
	AcceptTimeout time.Duration
	QueueSize     int
	DedupeMax     int
}

func (c *Config) setDefaults() {
	if c.BaseFanout <= 0 {
		c.BaseFanout = 3
	}
	if c.MaxHops <= 0 {
		c.MaxHops = 5
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = 30 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 3 * time.Second
	}
	if c.AcceptTimeout <= 0 {
		c.AcceptTimeout = 500 * time.Millisecond
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.DedupeMax <= 0 {
		c.DedupeMax = 10000
	}
}

// Transport implements the gossip dissemination protocol: roster
// management, adaptive fanout, dedupe + TTL, optional compression, and
// framed send/receive over TCP.
type Transport struct {
	cfg       Config
	log       *zap.Logger
	onMessage OnMessageFunc

	roster *roster
	dedupe *dedupeCache

	highQ   chan Message
	normalQ chan Message
	lowQ    chan Message

	listener net.Listener
	stopCh   chan struct{}
	wg       sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// NewTransport creates a Transport. onMessage is called for every newly
// delivered message; it must not block for long as it runs on the
// goroutine handling the inbound connection.
func NewTransport(cfg Config, onMessage OnMessageFunc, log *zap.Logger) *Transport {
	cfg.setDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Transport{
		cfg:       cfg,
		log:       log,
		onMessage: onMessage,
		roster:    newRoster(5 * time.Minute),
		dedupe:    newDedupeCache(cfg.DedupeMax, cfg.DefaultTTL),
		highQ:     make(chan Message, cfg.QueueSize),
		normalQ:   make(chan Message, cfg.QueueSize),
		lowQ:      make(chan Message, cfg.QueueSize),
	}
}

// Serve starts the accept loop and the outbound dispatcher. It returns once
// the listener is bound; both loops run in the background until Shutdown.
func (t *Transport) Serve() error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return fmt.Errorf("gossip: transport already running")
	}
	l, err := net.Listen("tcp", t.cfg.BindAddr)
	if err != nil {
		t.mu.Unlock()
		return fmt.Errorf("gossip: listen %s: %w", t.cfg.BindAddr, err)
	}
	t.listener = l
	t.stopCh = make(chan struct{})
	t.running = true
	t.mu.Unlock()

	t.wg.Add(2)
	go t.acceptLoop()
	go t.dispatchLoop()
	return nil
}

// Shutdown stops the accept loop and dispatcher and closes the listener.
func (t *Transport) Shutdown() error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = false
	close(t.stopCh)
	err := t.listener.Close()
	t.mu.Unlock()

	t.wg.Wait()
	return err
}

// AddPeer registers addr in the roster.
func (t *Transport) AddPeer(addr string) { t.roster.addPeer(addr) }

// RemovePeer drops addr from the roster.
func (t *Transport) RemovePeer(addr string) { t.roster.removePeer(addr) }

// Peers returns the currently known peer addresses.
func (t *Transport) Peers() []string { return t.roster.peerAddrs() }

// ListenAddr returns the transport's bound listener address; valid only
// after a successful Serve.
func (t *Transport) ListenAddr() string {
	return t.listener.Addr().String()
}

// Broadcast implements registry.Broadcaster: it wraps a registry update as
// a gossip Message and enqueues it for asynchronous fanout delivery.
func (t *Transport) Broadcast(msg registry.Message, priority registry.Priority) {
	kind := gossipKindForRegistry(msg.Kind)
	gm := New(kind, t.cfg.SelfID, t.cfg.MaxHops, t.cfg.DefaultTTL, gossipPriorityForRegistry(priority))
	inst := msg.Instance
	gm.Instance = &inst
	t.BroadcastMessage(gm, gm.Priority)
}

// BroadcastMessage records an already-built gossip Message as seen and
// enqueues it for fanout delivery. Broadcast builds its messages and hands
// them here; directed SYNC_REQUEST/SYNC_RESPONSE/ANTI_ENTROPY traffic goes
// through SendTo instead.
func (t *Transport) BroadcastMessage(msg Message, priority Priority) {
	t.dedupe.Record(msg.MessageID, time.Duration(msg.TTLMs)*time.Millisecond)
	t.enqueue(msg, priority)
}

// SendTo delivers msg directly to peerAddr over a fresh connection and
// blocks until the write succeeds or fails.
func (t *Transport) SendTo(ctx context.Context, peerAddr string, msg Message) error {
	start := time.Now()
	dialer := net.Dialer{Timeout: t.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", peerAddr)
	if err != nil {
		t.roster.recordFailure(peerAddr)
		return fmt.Errorf("gossip: dial %s: %w", peerAddr, err)
	}
	defer conn.Close()

	if err := writeFrame(conn, msg); err != nil {
		t.roster.recordFailure(peerAddr)
		return err
	}
	t.roster.recordSuccess(peerAddr, time.Since(start))
	return nil
}

func (t *Transport) enqueue(msg Message, priority Priority) {
	q := t.queueFor(priority)
	select {
	case q <- msg:
	default:
		t.log.Warn("gossip outbound queue full, dropping message",
			zap.String("messageId", msg.MessageID), zap.Int("priority", int(priority)))
	}
}

func (t *Transport) queueFor(p Priority) chan Message {
	switch p {
	case High:
		return t.highQ
	case Low:
		return t.lowQ
	default:
		return t.normalQ
	}
}

// dispatchLoop drains the priority queues, always preferring HIGH over
// NORMAL over LOW. Under sustained HIGH/NORMAL traffic this can starve LOW
// messages; spec.md §9 leaves that fairness tradeoff an open question and
// this implementation intentionally does not guess at a fairer policy.
func (t *Transport) dispatchLoop() {
	defer t.wg.Done()
	for {
		select {
		case <-t.stopCh:
			return
		case m := <-t.highQ:
			t.deliverOutbound(m)
			continue
		default:
		}

		select {
		case <-t.stopCh:
			return
		case m := <-t.highQ:
			t.deliverOutbound(m)
		case m := <-t.normalQ:
			t.deliverOutbound(m)
		case m := <-t.lowQ:
			t.deliverOutbound(m)
		}
	}
}

func (t *Transport) deliverOutbound(msg Message) {
	fanout := t.effectiveFanout()
	targets := t.roster.selectFanout(fanout, msg.VisitedPeers)
	if len(targets) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, addr := range targets {
		addr := addr
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), t.cfg.DialTimeout)
			defer cancel()
			if err := t.SendTo(ctx, addr, msg); err != nil {
				t.log.Debug("gossip send failed", zap.String("peer", addr), zap.Error(err))
			}
		}()
	}
	wg.Wait()
}

// effectiveFanout computes F per spec.md §4.3: adaptive mode scales with
// log2 of the healthy peer count, otherwise it is simply min(F0, N).
func (t *Transport) effectiveFanout() int {
	n := t.roster.healthyCount()
	f0 := t.cfg.BaseFanout
	if n <= 0 {
		return 0
	}
	if !t.cfg.Adaptive {
		return clamp(f0, 1, n)
	}
	nn := n
	if nn < 2 {
		nn = 2
	}
	f := int(math.Ceil(float64(f0) * math.Log2(float64(nn))))
	return clamp(f, 1, n)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (t *Transport) acceptLoop() {
	defer t.wg.Done()
	for {
		select {
		case <-t.stopCh:
			return
		default:
		}

		if tc, ok := t.listener.(*net.TCPListener); ok {
			tc.SetDeadline(time.Now().Add(t.cfg.AcceptTimeout))
		}
		conn, err := t.listener.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-t.stopCh:
				return
			default:
				t.log.Warn("gossip accept error", zap.Error(err))
				continue
			}
		}
		go t.handleConn(conn)
	}
}

func (t *Transport) handleConn(conn net.Conn) {
	defer conn.Close()
	msg, err := readFrame(conn)
	if err != nil {
		t.log.Debug("gossip read frame failed", zap.Error(err))
		return
	}
	remote := conn.RemoteAddr().String()
	t.onReceive(msg, remote)
}

// onReceive implements the propagation algorithm of spec.md §4.3: reject
// duplicates and expired messages, record+deliver, then forward to a fresh
// fanout selection if hops remain.
func (t *Transport) onReceive(msg Message, fromAddr string) {
	if t.dedupe.SeenBefore(msg.MessageID) {
		return
	}
	if msg.IsExpired(t.cfg.DefaultTTL) {
		return
	}
	t.dedupe.Record(msg.MessageID, time.Duration(msg.TTLMs)*time.Millisecond)

	if t.onMessage != nil {
		t.onMessage(msg, fromAddr)
	}

	if msg.CanPropagate() {
		forwarded := msg.IncrementHop(t.cfg.SelfID)
		t.enqueue(forwarded, forwarded.Priority)
	}
}

func gossipKindForRegistry(k registry.MessageKind) Kind {
	switch k {
	case registry.KindRegister:
		return ServiceRegister
	case registry.KindDeregister:
		return ServiceDeregister
	default:
		return ServiceUpdate
	}
}

func gossipPriorityForRegistry(p registry.Priority) Priority {
	switch p {
	case registry.PriorityHigh:
		return High
	case registry.PriorityLow:
		return Low
	default:
		return Normal
	}
}
