package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/mcastellin/p2pmesh/pkg/registry"
)

func newTestNode(t *testing.T, id string) *Node {
	t.Helper()
	n := New(Config{
		SelfID:              id,
		GossipBindAddr:      "127.0.0.1:0",
		BaseFanout:          3,
		MaxHops:             5,
		DefaultTTL:          10 * time.Second,
		AntiEntropyInterval: 30 * time.Millisecond,
		AntiEntropyPeers:    2,
	}, nil)
	if err := n.Serve(); err != nil {
		t.Fatalf("serve %s: %v", id, err)
	}
	t.Cleanup(func() { n.Shutdown() })
	return n
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %s", timeout)
	}
}

// TestGossipConvergesAcrossThreePeers covers scenario S5: a registration on
// one node propagates to the others via gossip broadcast.
func TestGossipConvergesAcrossThreePeers(t *testing.T) {
	a := newTestNode(t, "node-a")
	b := newTestNode(t, "node-b")
	c := newTestNode(t, "node-c")

	a.Transport.AddPeer(b.Transport.ListenAddr())
	b.Transport.AddPeer(a.Transport.ListenAddr())
	b.Transport.AddPeer(c.Transport.ListenAddr())
	c.Transport.AddPeer(b.Transport.ListenAddr())

	a.Registry.RegisterService("web", "w1", "10.0.0.1", 8080, nil)

	waitFor(t, 2*time.Second, func() bool {
		_, ok := c.Registry.GetService("web", "w1")
		return ok
	})
}

// TestAntiEntropyReconcilesDivergentState: two linked nodes that registered
// disjoint instances converge, by gossip broadcast or by the anti-entropy
// loop exchanging snapshots.
func TestAntiEntropyReconcilesDivergentState(t *testing.T) {
	a := newTestNode(t, "node-a2")
	b := newTestNode(t, "node-b2")

	a.Transport.AddPeer(b.Transport.ListenAddr())
	b.Transport.AddPeer(a.Transport.ListenAddr())

	a.Registry.RegisterService("web", "only-a", "10.0.0.1", 8080, nil)
	b.Registry.RegisterService("web", "only-b", "10.0.0.2", 8080, nil)

	waitFor(t, 2*time.Second, func() bool {
		_, okA := a.Registry.GetService("web", "only-b")
		_, okB := b.Registry.GetService("web", "only-a")
		return okA && okB
	})
}

func TestSyncRequestReturnsFilteredSnapshot(t *testing.T) {
	a := newTestNode(t, "node-a3")
	b := newTestNode(t, "node-b3")

	a.Transport.AddPeer(b.Transport.ListenAddr())
	b.Transport.AddPeer(a.Transport.ListenAddr())

	b.Registry.RegisterService("web", "w1", "10.0.0.1", 8080, nil)
	b.Registry.RegisterService("worker", "k1", "10.0.0.2", 9090, nil)

	if err := a.RequestSync(context.Background(), b.Transport.ListenAddr(), []string{"web"}); err != nil {
		t.Fatalf("request sync: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		_, ok := a.Registry.GetService("web", "w1")
		return ok
	})
	if _, ok := a.Registry.GetService("worker", "k1"); ok {
		t.Fatalf("expected worker/k1 to be excluded by the sync filter")
	}
}

func TestFilterSnapshotEmptyFilterReturnsAll(t *testing.T) {
	snap := map[string]map[string]registry.Instance{
		"web": {"w1": registry.Instance{ServiceType: "web", ServiceID: "w1"}},
	}
	out := filterSnapshot(snap, nil)
	if len(out) != 1 {
		t.Fatalf("expected snapshot to pass through unfiltered, got %v", out)
	}
}

func TestPickRandomBoundsSelection(t *testing.T) {
	pool := []string{"a", "b", "c", "d"}
	out := pickRandom(pool, 2)
	if len(out) != 2 {
		t.Fatalf("expected 2 picks, got %d", len(out))
	}
	if len(pickRandom(pool, 10)) != len(pool) {
		t.Fatalf("expected capped selection to return the whole pool")
	}
	if pickRandom(nil, 2) != nil {
		t.Fatalf("expected nil pool to yield no picks")
	}
}
