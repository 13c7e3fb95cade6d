package gossip

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mcastellin/p2pmesh/pkg/registry"
)

func newTestPair(t *testing.T) (*Transport, *Transport, func()) {
	t.Helper()

	var mu sync.Mutex
	var received []Message

	onMsgB := func(m Message, from string) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, m)
	}

	a := NewTransport(Config{SelfID: "peer-a", BindAddr: "127.0.0.1:0", BaseFanout: 2, MaxHops: 3}, nil, nil)
	b := NewTransport(Config{SelfID: "peer-b", BindAddr: "127.0.0.1:0", BaseFanout: 2, MaxHops: 3}, onMsgB, nil)

	if err := a.Serve(); err != nil {
		t.Fatalf("serve a: %v", err)
	}
	if err := b.Serve(); err != nil {
		t.Fatalf("serve b: %v", err)
	}

	a.AddPeer(b.listener.Addr().String())
	b.AddPeer(a.listener.Addr().String())

	cleanup := func() {
		a.Shutdown()
		b.Shutdown()
	}
	_ = received
	return a, b, cleanup
}

func TestSendToDeliversFrame(t *testing.T) {
	a, b, cleanup := newTestPair(t)
	defer cleanup()

	msg := New(ServiceRegister, "peer-a", 3, time.Second, Normal)
	inst := registry.Instance{ServiceType: "peer", ServiceID: "p1", Host: "10.0.0.1", Port: 9001}
	msg.Instance = &inst

	done := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := a.SendTo(ctx, b.listener.Addr().String(), msg); err != nil {
			t.Errorf("sendTo: %v", err)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for send")
	}
}

func TestEffectiveFanoutNonAdaptiveClampsToPeerCount(t *testing.T) {
	tr := NewTransport(Config{SelfID: "x", BindAddr: "127.0.0.1:0", BaseFanout: 5, Adaptive: false}, nil, nil)
	tr.AddPeer("p1")
	tr.AddPeer("p2")
	if got := tr.effectiveFanout(); got != 2 {
		t.Fatalf("expected fanout clamped to peer count 2, got %d", got)
	}
}

func TestEffectiveFanoutAdaptiveGrowsWithLogN(t *testing.T) {
	tr := NewTransport(Config{SelfID: "x", BindAddr: "127.0.0.1:0", BaseFanout: 1, Adaptive: true}, nil, nil)
	for i := 0; i < 16; i++ {
		tr.AddPeer(string(rune('a' + i)))
	}
	f := tr.effectiveFanout()
	if f < 1 || f > 16 {
		t.Fatalf("fanout %d out of bounds", f)
	}
}

func TestOnReceiveDropsDuplicates(t *testing.T) {
	var count int
	var mu sync.Mutex
	tr := NewTransport(Config{SelfID: "x", BindAddr: "127.0.0.1:0", MaxHops: 3}, func(m Message, from string) {
		mu.Lock()
		count++
		mu.Unlock()
	}, nil)

	msg := New(ServiceUpdate, "other", 3, time.Minute, Normal)
	tr.onReceive(msg, "addr1")
	tr.onReceive(msg, "addr1")

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Fatalf("expected delivery exactly once, got %d", count)
	}
}

func TestOnReceiveDropsExpired(t *testing.T) {
	var delivered bool
	tr := NewTransport(Config{SelfID: "x", BindAddr: "127.0.0.1:0", MaxHops: 3, DefaultTTL: time.Millisecond}, func(m Message, from string) {
		delivered = true
	}, nil)

	msg := New(ServiceUpdate, "other", 3, time.Millisecond, Normal)
	time.Sleep(5 * time.Millisecond)
	tr.onReceive(msg, "addr1")

	if delivered {
		t.Fatal("expected expired message to be dropped, not delivered")
	}
}

func TestBroadcastEnqueuesToCorrectPriorityQueue(t *testing.T) {
	tr := NewTransport(Config{SelfID: "x", BindAddr: "127.0.0.1:0"}, nil, nil)
	tr.Broadcast(registry.Message{Kind: registry.KindRegister, Instance: registry.Instance{ServiceType: "peer", ServiceID: "p1"}}, registry.PriorityHigh)

	select {
	case <-tr.highQ:
	default:
		t.Fatal("expected a message enqueued on the high-priority queue")
	}
}
