package peer

import (
	"context"
	"testing"
	"time"

	"github.com/mcastellin/p2pmesh/pkg/tracker"
)

type fakeRegistry struct {
	registered   []string
	deregistered []string
}

func (f *fakeRegistry) RegisterService(serviceType, serviceID, host string, port int, metadata map[string]string) bool {
	f.registered = append(f.registered, serviceType+"/"+serviceID)
	return true
}

func (f *fakeRegistry) DeregisterService(serviceType, serviceID string) bool {
	f.deregistered = append(f.deregistered, serviceType+"/"+serviceID)
	return true
}

func startTestTracker(t *testing.T) *tracker.Server {
	t.Helper()
	s := tracker.NewServer(tracker.Config{BindAddr: "127.0.0.1:0"}, nil, nil)
	if err := s.Serve(); err != nil {
		t.Fatalf("start tracker: %v", err)
	}
	t.Cleanup(func() { s.Stop() })
	return s
}

func TestRuntimeStartupReachesRunning(t *testing.T) {
	trackerSrv := startTestTracker(t)
	reg := &fakeRegistry{}

	rt := NewRuntime(RuntimeConfig{
		PeerID:            "peerX",
		BindAddr:          "127.0.0.1:0",
		TrackerAddr:       trackerAddr(trackerSrv),
		HeartbeatInterval: 20 * time.Millisecond,
		DialTimeout:       time.Second,
	}, reg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer rt.Stop(context.Background())

	select {
	case <-rt.Ready():
	case <-time.After(time.Second):
		t.Fatalf("runtime never signaled readiness")
	}
	if rt.State() != Running {
		t.Fatalf("expected RUNNING, got %v", rt.State())
	}
	if len(reg.registered) != 1 || reg.registered[0] != "peer/peerX" {
		t.Fatalf("expected self-registration under type peer, got %v", reg.registered)
	}

	alive, err := (&TrackerClient{TrackerAddr: trackerAddr(trackerSrv)}).IsAlive(context.Background(), "peerX")
	if err != nil || !alive {
		t.Fatalf("expected tracker to report peerX alive, err=%v alive=%v", err, alive)
	}
}

func TestRuntimeStopDeregisters(t *testing.T) {
	trackerSrv := startTestTracker(t)
	reg := &fakeRegistry{}

	rt := NewRuntime(RuntimeConfig{
		PeerID:      "peerY",
		BindAddr:    "127.0.0.1:0",
		TrackerAddr: trackerAddr(trackerSrv),
		DialTimeout: time.Second,
	}, reg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := rt.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if rt.State() != Stopped {
		t.Fatalf("expected STOPPED, got %v", rt.State())
	}
	if len(reg.deregistered) != 1 {
		t.Fatalf("expected a registry deregistration, got %v", reg.deregistered)
	}
}

// trackerAddr returns the started tracker test server's bound address via
// Server.ListenAddr.
func trackerAddr(s *tracker.Server) string {
	return s.ListenAddr()
}
