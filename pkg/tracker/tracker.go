// Package tracker implements the TCP line-protocol control plane (spec.md
// §4.5, §6.2): peer liveness via REGISTER/HEARTBEAT and discovery via
// DISCOVER/IS_PEER_ALIVE/DEREGISTER. The accept loop follows the same
// SetDeadline-driven shutdown shape as gossip.Transport's.
package tracker

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// PeerInfo is the liveness-table record for one registered peer.
type PeerInfo struct {
	PeerID  string
	Address string
	Port    int
}

// RegistryRegistrar is the narrow capability the tracker needs from the
// distributed registry: registering itself as a discoverable "tracker"
// service instance, per spec.md §4.5. It never depends on the registry's
// wider surface.
type RegistryRegistrar interface {
	RegisterService(serviceType, serviceID, host string, port int, metadata map[string]string) bool
}

// Config controls one tracker Server.
type Config struct {
	BindAddr      string
	PeerTimeout   time.Duration
	AcceptTimeout time.Duration
	SelfPeerID    string
}

func (c *Config) setDefaults() {
	if c.PeerTimeout <= 0 {
		c.PeerTimeout = 90 * time.Second
	}
	if c.AcceptTimeout <= 0 {
		c.AcceptTimeout = 500 * time.Millisecond
	}
}

// Server is the tracker's TCP line-protocol listener. All public methods
// are safe for concurrent use.
type Server struct {
	cfg      Config
	log      *zap.Logger
	registry RegistryRegistrar

	mu           sync.Mutex
	peers        map[string]PeerInfo
	peerLastSeen map[string]int64

	listener net.Listener
	stopCh   chan struct{}
	wg       sync.WaitGroup
	running  bool
}

// NewServer creates a tracker Server. registry may be nil in tests that do
// not care about the tracker's own registry self-registration.
func NewServer(cfg Config, registry RegistryRegistrar, log *zap.Logger) *Server {
	cfg.setDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		cfg:          cfg,
		log:          log,
		registry:     registry,
		peers:        map[string]PeerInfo{},
		peerLastSeen: map[string]int64{},
	}
}

// Serve binds the listener and starts the accept loop; it returns once
// bound, with the accept loop running in the background until Stop.
func (s *Server) Serve() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("tracker: already running")
	}
	l, err := net.Listen("tcp", s.cfg.BindAddr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("tracker: listen %s: %w", s.cfg.BindAddr, err)
	}
	s.listener = l
	s.stopCh = make(chan struct{})
	s.running = true
	s.mu.Unlock()

	if s.registry != nil {
		host, portStr, splitErr := net.SplitHostPort(l.Addr().String())
		if splitErr == nil {
			port, _ := strconv.Atoi(portStr)
			s.registry.RegisterService("tracker", s.cfg.SelfPeerID, host, port, nil)
		}
	}

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Stop closes the listener and waits for the accept loop to exit.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	err := s.listener.Close()
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		if tc, ok := s.listener.(*net.TCPListener); ok {
			tc.SetDeadline(time.Now().Add(s.cfg.AcceptTimeout))
		}
		conn, err := s.listener.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-s.stopCh:
				return
			default:
				s.log.Warn("tracker accept error", zap.Error(err))
				continue
			}
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// handleConn reads lines until EOF, processing one command per line.
// Malformed commands return a textual error but keep the connection open;
// unexpected errors close the connection without crashing the server.
func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	remoteHost, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	scanner := bufio.NewScanner(conn)
	writer := bufio.NewWriter(conn)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		resp := s.dispatch(line, remoteHost)
		if _, err := writer.WriteString(resp + "\n"); err != nil {
			return
		}
		if err := writer.Flush(); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(line, remoteHost string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return errResp("INVALID_PARAMETERS", "empty command")
	}

	switch fields[0] {
	case "REGISTER":
		return s.handleRegister(fields[1:], remoteHost)
	case "HEARTBEAT":
		return s.handleHeartbeat(fields[1:])
	case "DEREGISTER":
		return s.handleDeregister(fields[1:])
	case "DISCOVER":
		return s.handleDiscover()
	case "IS_PEER_ALIVE":
		return s.handleIsAlive(fields[1:])
	default:
		return errResp("UNKNOWN_COMMAND", line)
	}
}

func (s *Server) handleRegister(args []string, remoteHost string) string {
	if len(args) != 2 {
		return errResp("INVALID_PARAMETERS", "usage: REGISTER <peerId> <port>")
	}
	peerID := args[0]
	port, err := strconv.Atoi(args[1])
	if err != nil || port < 1 || port > 65535 {
		return errResp("INVALID_PARAMETERS", "port must be 1-65535")
	}
	if peerID == "" {
		return errResp("INVALID_PARAMETERS", "peerId must not be empty")
	}

	s.mu.Lock()
	s.peers[peerID] = PeerInfo{PeerID: peerID, Address: remoteHost, Port: port}
	s.peerLastSeen[peerID] = time.Now().UnixMilli()
	s.mu.Unlock()

	return "REGISTERED " + peerID
}

func (s *Server) handleHeartbeat(args []string) string {
	if len(args) != 1 || args[0] == "" {
		return errResp("INVALID_PARAMETERS", "usage: HEARTBEAT <peerId>")
	}
	peerID := args[0]

	s.mu.Lock()
	_, known := s.peers[peerID]
	if known {
		s.peerLastSeen[peerID] = time.Now().UnixMilli()
	}
	s.mu.Unlock()

	if !known {
		return errResp("REGISTRATION_FAILED", "peer not registered: "+peerID)
	}
	return "HEARTBEAT_ACK"
}

func (s *Server) handleDeregister(args []string) string {
	if len(args) != 1 || args[0] == "" {
		return errResp("INVALID_PARAMETERS", "usage: DEREGISTER <peerId>")
	}
	peerID := args[0]

	s.mu.Lock()
	_, existed := s.peers[peerID]
	delete(s.peers, peerID)
	delete(s.peerLastSeen, peerID)
	s.mu.Unlock()

	if !existed {
		return errResp("REGISTRATION_FAILED", "peer not registered: "+peerID)
	}
	return "DEREGISTERED " + peerID
}

func (s *Server) handleDiscover() string {
	s.mu.Lock()
	parts := make([]string, 0, len(s.peers))
	for _, p := range s.peers {
		parts = append(parts, fmt.Sprintf("%s@%s:%d", p.PeerID, p.Address, p.Port))
	}
	s.mu.Unlock()
	return "PEERS " + strings.Join(parts, ",")
}

func (s *Server) handleIsAlive(args []string) string {
	if len(args) != 1 || args[0] == "" {
		return errResp("INVALID_PARAMETERS", "usage: IS_PEER_ALIVE <peerId>")
	}
	if s.IsAlive(args[0]) {
		return "ALIVE"
	}
	return "NOT_ALIVE"
}

// IsAlive reports whether peerID last heartbeat within PeerTimeout, per the
// liveness boundary in spec.md §8 property 7.
func (s *Server) IsAlive(peerID string) bool {
	s.mu.Lock()
	last, ok := s.peerLastSeen[peerID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	return time.Now().UnixMilli()-last < s.cfg.PeerTimeout.Milliseconds()
}

// ListenAddr returns the tracker's bound listener address; valid only
// after a successful Serve.
func (s *Server) ListenAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener.Addr().String()
}

// Peers returns a snapshot of every currently-registered peer.
func (s *Server) Peers() []PeerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PeerInfo, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	return out
}

func errResp(code, msg string) string {
	return "ERROR " + code + " " + msg
}
