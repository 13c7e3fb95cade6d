package gossip

import (
	"testing"
	"time"
)

func TestDedupeSeenBeforeFalseInitially(t *testing.T) {
	c := newDedupeCache(10, time.Minute)
	if c.SeenBefore("a") {
		t.Fatal("expected unseen id to report false")
	}
}

func TestDedupeRecordThenSeenBefore(t *testing.T) {
	c := newDedupeCache(10, time.Minute)
	c.Record("a", 0)
	if !c.SeenBefore("a") {
		t.Fatal("expected recorded id to report true")
	}
}

func TestDedupeExpiry(t *testing.T) {
	c := newDedupeCache(10, time.Minute)
	c.Record("a", time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	if c.SeenBefore("a") {
		t.Fatal("expected expired id to report false")
	}
}

func TestDedupeRecordIdempotent(t *testing.T) {
	c := newDedupeCache(10, time.Minute)
	c.Record("a", time.Minute)
	c.Record("a", time.Millisecond)
	if !c.SeenBefore("a") {
		t.Fatal("second Record with a shorter ttl must not have replaced the first")
	}
	if c.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", c.Len())
	}
}

func TestDedupeEvictsOldestAtCapacity(t *testing.T) {
	c := newDedupeCache(2, time.Hour)
	c.Record("a", time.Millisecond)
	c.Record("b", time.Hour)
	c.Record("c", time.Hour)

	if c.Len() != 2 {
		t.Fatalf("expected cache capped at 2 entries, got %d", c.Len())
	}
	if c.SeenBefore("a") {
		t.Fatal("expected soonest-to-expire entry to have been evicted")
	}
	if !c.SeenBefore("b") || !c.SeenBefore("c") {
		t.Fatal("expected the two most recent entries to survive eviction")
	}
}
