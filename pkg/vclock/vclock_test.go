package vclock

import "testing"

func TestIncrementMonotonic(t *testing.T) {
	c, err := New("p1")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	prev := c.Get("p1")
	for i := 0; i < 5; i++ {
		c, err = c.Increment("p1")
		if err != nil {
			t.Fatalf("Increment: %v", err)
		}
		if c.Get("p1") <= prev {
			t.Fatalf("counter did not strictly increase: %d -> %d", prev, c.Get("p1"))
		}
		prev = c.Get("p1")
	}
}

func TestIncrementRejectsEmptyPeer(t *testing.T) {
	c := Empty()
	if _, err := c.Increment(""); err != ErrEmptyPeer {
		t.Fatalf("expected ErrEmptyPeer, got %v", err)
	}
	if _, err := New(""); err != ErrEmptyPeer {
		t.Fatalf("expected ErrEmptyPeer, got %v", err)
	}
}

func TestCompareAntisymmetry(t *testing.T) {
	a, _ := New("p1")
	b, _ := a.Increment("p1")

	if !a.HappensBefore(b) {
		t.Fatalf("expected a BEFORE b")
	}
	if b.HappensBefore(a) {
		t.Fatalf("b must not happen before a when a happens before b")
	}
	if b.Compare(a) != After {
		t.Fatalf("expected b AFTER a, got %s", b.Compare(a))
	}
}

func TestCompareEqual(t *testing.T) {
	a, _ := New("p1")
	b, _ := New("p1")
	if a.Compare(b) != Equal {
		t.Fatalf("expected EQUAL, got %s", a.Compare(b))
	}
	if !a.Equals(b) {
		t.Fatalf("expected Equals() true")
	}
}

func TestCompareConcurrent(t *testing.T) {
	base, _ := New("p1")
	a, _ := base.Increment("p1")
	b, _ := base.Increment("p2")

	if a.Compare(b) != Concurrent {
		t.Fatalf("expected CONCURRENT, got %s", a.Compare(b))
	}
	if !a.IsConcurrent(b) || !b.IsConcurrent(a) {
		t.Fatalf("IsConcurrent should be symmetric")
	}
}

func TestMergeIsPairwiseMax(t *testing.T) {
	a := Clock{counts: map[string]uint64{"p1": 3, "p2": 1}}
	b := Clock{counts: map[string]uint64{"p1": 1, "p3": 5}}

	merged := a.Merge(b)
	if merged.Get("p1") != 3 || merged.Get("p2") != 1 || merged.Get("p3") != 5 {
		t.Fatalf("unexpected merge result: %s", merged)
	}
}

func TestIncrementDoesNotMutateReceiver(t *testing.T) {
	a, _ := New("p1")
	b, _ := a.Increment("p1")
	if a.Get("p1") == b.Get("p1") {
		t.Fatalf("increment must return a new clock, not mutate in place")
	}
}
