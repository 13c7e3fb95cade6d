package tracker

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"
)

func dialTracker(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial tracker: %v", err)
	}
	return conn
}

func send(t *testing.T, conn net.Conn, line string) string {
	t.Helper()
	if _, err := conn.Write([]byte(line + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	reader := bufio.NewReader(conn)
	resp, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return strings.TrimRight(resp, "\n")
}

func startTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:0"
	}
	s := NewServer(cfg, nil, nil)
	if err := s.Serve(); err != nil {
		t.Fatalf("serve: %v", err)
	}
	t.Cleanup(func() { s.Stop() })
	return s
}

// TestTrackerRegisterAndDiscover covers scenario S1: register, discover,
// liveness check.
func TestTrackerRegisterAndDiscover(t *testing.T) {
	s := startTestServer(t, Config{})
	addr := s.listener.Addr().String()

	conn := dialTracker(t, addr)
	defer conn.Close()

	if resp := send(t, conn, "REGISTER peerA 7001"); resp != "REGISTERED peerA" {
		t.Fatalf("unexpected register response: %q", resp)
	}
	if resp := send(t, conn, "DISCOVER"); !strings.HasPrefix(resp, "PEERS ") || !strings.Contains(resp, "peerA") {
		t.Fatalf("unexpected discover response: %q", resp)
	}
	if resp := send(t, conn, "IS_PEER_ALIVE peerA"); resp != "ALIVE" {
		t.Fatalf("expected ALIVE, got %q", resp)
	}
}

// TestTrackerLivenessTimeout covers scenario S2.
func TestTrackerLivenessTimeout(t *testing.T) {
	s := startTestServer(t, Config{PeerTimeout: 100 * time.Millisecond})
	addr := s.listener.Addr().String()

	conn := dialTracker(t, addr)
	defer conn.Close()

	send(t, conn, "REGISTER peerB 7002")
	time.Sleep(150 * time.Millisecond)

	if resp := send(t, conn, "IS_PEER_ALIVE peerB"); resp != "NOT_ALIVE" {
		t.Fatalf("expected NOT_ALIVE after timeout, got %q", resp)
	}
}

func TestTrackerHeartbeatRefreshesLiveness(t *testing.T) {
	s := startTestServer(t, Config{PeerTimeout: 200 * time.Millisecond})
	addr := s.listener.Addr().String()

	conn := dialTracker(t, addr)
	defer conn.Close()

	send(t, conn, "REGISTER peerC 7003")
	time.Sleep(120 * time.Millisecond)
	if resp := send(t, conn, "HEARTBEAT peerC"); resp != "HEARTBEAT_ACK" {
		t.Fatalf("unexpected heartbeat response: %q", resp)
	}
	time.Sleep(120 * time.Millisecond)
	if resp := send(t, conn, "IS_PEER_ALIVE peerC"); resp != "ALIVE" {
		t.Fatalf("expected the heartbeat to keep peerC alive, got %q", resp)
	}
}

func TestTrackerDeregister(t *testing.T) {
	s := startTestServer(t, Config{})
	addr := s.listener.Addr().String()

	conn := dialTracker(t, addr)
	defer conn.Close()

	send(t, conn, "REGISTER peerD 7004")
	if resp := send(t, conn, "DEREGISTER peerD"); resp != "DEREGISTERED peerD" {
		t.Fatalf("unexpected deregister response: %q", resp)
	}
	if resp := send(t, conn, "IS_PEER_ALIVE peerD"); resp != "NOT_ALIVE" {
		t.Fatalf("expected NOT_ALIVE for a deregistered peer, got %q", resp)
	}
	if resp := send(t, conn, "DEREGISTER peerD"); !strings.HasPrefix(resp, "ERROR") {
		t.Fatalf("expected an error deregistering twice, got %q", resp)
	}
}

func TestTrackerUnknownCommand(t *testing.T) {
	s := startTestServer(t, Config{})
	addr := s.listener.Addr().String()

	conn := dialTracker(t, addr)
	defer conn.Close()

	resp := send(t, conn, "FROBNICATE abc")
	if !strings.HasPrefix(resp, "ERROR UNKNOWN_COMMAND") {
		t.Fatalf("unexpected response: %q", resp)
	}
	// connection must stay open after a malformed command
	if r2 := send(t, conn, "DISCOVER"); !strings.HasPrefix(r2, "PEERS ") {
		t.Fatalf("expected connection to remain usable, got %q", r2)
	}
}

func TestTrackerRegisterValidation(t *testing.T) {
	s := startTestServer(t, Config{})
	addr := s.listener.Addr().String()

	conn := dialTracker(t, addr)
	defer conn.Close()

	if resp := send(t, conn, "REGISTER peerE notaport"); !strings.HasPrefix(resp, "ERROR") {
		t.Fatalf("expected a validation error, got %q", resp)
	}
}
