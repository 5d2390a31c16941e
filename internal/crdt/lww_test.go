package crdt

import (
	"testing"
	"time"
)

func TestLWWRegisterLaterWins(t *testing.T) {
	r := NewLWWRegister[string]()
	base := time.Now()

	r.Set("first", base, "node-a")
	r.Set("second", base.Add(time.Second), "node-b")

	val, _ := r.Get()
	if val != "second" {
		t.Fatalf("got %q, want %q", val, "second")
	}
}

func TestLWWRegisterTieBreaksByNodeID(t *testing.T) {
	r := NewLWWRegister[string]()
	ts := time.Now()

	r.Set("from-a", ts, "node-a")
	r.Set("from-z", ts, "node-z") // same timestamp, higher nodeID wins
	val, _ := r.Get()
	if val != "from-z" {
		t.Fatalf("got %q, want from-z to win tie", val)
	}

	r2 := NewLWWRegister[string]()
	r2.Set("from-z", ts, "node-z")
	r2.Set("from-a", ts, "node-a") // lower nodeID must not override
	val2, _ := r2.Get()
	if val2 != "from-z" {
		t.Fatalf("got %q, want from-z to remain", val2)
	}
}

func TestLWWRegisterMergeIdempotent(t *testing.T) {
	a := NewLWWRegister[int]()
	b := NewLWWRegister[int]()
	a.Set(42, time.Now(), "node-a")

	b.Merge(a)
	b.Merge(a) // second merge must not change anything

	val, _ := b.Get()
	if val != 42 {
		t.Fatalf("got %d, want 42", val)
	}
}
