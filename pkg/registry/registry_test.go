package registry

import (
	"testing"
	"time"
)

type fakeBroadcaster struct {
	sent []Message
}

func (f *fakeBroadcaster) Broadcast(msg Message, _ Priority) {
	f.sent = append(f.sent, msg)
}

func newTestRegistry(peer string, b Broadcaster) *Registry {
	return New(Config{PeerID: peer, ConflictPolicy: LastWriteWins}, b, nil)
}

func TestRegisterServiceValidation(t *testing.T) {
	r := newTestRegistry("p1", nil)

	cases := []struct {
		name string
		typ  string
		id   string
		host string
		port int
	}{
		{"empty type", "", "s1", "h1", 80},
		{"empty id", "web", "", "h1", 80},
		{"empty host", "web", "s1", "", 80},
		{"port too low", "web", "s1", "h1", 0},
		{"port too high", "web", "s1", "h1", 65536},
	}
	for _, c := range cases {
		if r.RegisterService(c.typ, c.id, c.host, c.port, nil) {
			t.Errorf("%s: expected rejection", c.name)
		}
	}
}

func TestRegisterThenDiscover(t *testing.T) {
	b := &fakeBroadcaster{}
	r := newTestRegistry("p1", b)

	if !r.RegisterService("web", "s1", "h1", 8080, map[string]string{"region": "us"}) {
		t.Fatalf("expected registration to succeed")
	}

	found := r.DiscoverServices("web")
	if len(found) != 1 || found[0].Host != "h1" {
		t.Fatalf("expected to discover s1, got %+v", found)
	}
	if len(b.sent) != 1 || b.sent[0].Kind != KindRegister {
		t.Fatalf("expected a single SERVICE_REGISTER broadcast, got %+v", b.sent)
	}
}

func TestRegisterDeregisterRoundTrip(t *testing.T) {
	r := newTestRegistry("p1", nil)
	r.RegisterService("web", "s1", "h1", 8080, nil)

	if !r.DeregisterService("web", "s1") {
		t.Fatalf("expected deregistration to succeed")
	}
	if _, ok := r.GetService("web", "s1"); ok {
		t.Fatalf("expected s1 to be gone after deregistration")
	}
	if r.DeregisterService("web", "s1") {
		t.Fatalf("deregistering an absent identity should return false")
	}
}

func TestUpdateServiceHealth(t *testing.T) {
	b := &fakeBroadcaster{}
	r := newTestRegistry("p1", b)
	r.RegisterService("web", "s1", "h1", 8080, nil)

	if !r.UpdateServiceHealth("web", "s1", false) {
		t.Fatalf("expected health update to succeed")
	}
	inst, ok := r.GetService("web", "s1")
	if !ok || inst.Healthy {
		t.Fatalf("expected instance to be unhealthy, got %+v", inst)
	}

	last := b.sent[len(b.sent)-1]
	if last.Kind != KindUpdate {
		t.Fatalf("expected a SERVICE_UPDATE broadcast, got %v", last.Kind)
	}
}

func TestApplyIdempotent(t *testing.T) {
	r := newTestRegistry("p1", nil)
	other := Instance{
		ServiceType: "web", ServiceID: "s1", Host: "h2", Port: 9090,
		Version: 42, OriginPeerID: "p2",
	}

	r.Apply(Message{Kind: KindRegister, Instance: other})
	first := r.GetStatistics().RegistryVersion

	r.Apply(Message{Kind: KindRegister, Instance: other})
	second := r.GetStatistics().RegistryVersion

	if first != second {
		t.Fatalf("re-applying the same instance must be a no-op: %d != %d", first, second)
	}

	got, ok := r.GetService("web", "s1")
	if !ok || got.Host != "h2" {
		t.Fatalf("expected applied instance to be present, got %+v", got)
	}
}

func TestApplyNeverReplacesWithOlder(t *testing.T) {
	r := newTestRegistry("p1", nil)
	newer := Instance{ServiceType: "web", ServiceID: "s1", Host: "new", Version: 100, OriginPeerID: "p2"}
	older := Instance{ServiceType: "web", ServiceID: "s1", Host: "old", Version: 1, OriginPeerID: "p2"}

	r.Apply(Message{Kind: KindRegister, Instance: newer})
	r.Apply(Message{Kind: KindRegister, Instance: older})

	got, _ := r.GetService("web", "s1")
	if got.Host != "new" {
		t.Fatalf("expected the newer instance to remain, got host=%s", got.Host)
	}
}

func TestStatisticsReflectState(t *testing.T) {
	r := newTestRegistry("p1", nil)
	r.RegisterService("web", "s1", "h1", 80, nil)
	r.RegisterService("db", "s2", "h2", 81, nil)

	stats := r.GetStatistics()
	if stats.TotalServices != 2 || stats.ServiceTypes != 2 {
		t.Fatalf("unexpected statistics: %+v", stats)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	r := New(Config{PeerID: "p1", AntiEntropyInterval: 10 * time.Millisecond}, nil, nil)
	r.Start()
	r.Start()
	r.Stop()
	r.Stop()
}
