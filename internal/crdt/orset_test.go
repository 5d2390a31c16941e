package crdt

import (
	"reflect"
	"testing"
)

func TestORSetAddContainsRemove(t *testing.T) {
	s := NewORSet()
	s.Add("card-1", "node-a")

	if !s.Contains("card-1") {
		t.Fatalf("expected card-1 to be present")
	}
	s.Remove("card-1")
	if s.Contains("card-1") {
		t.Fatalf("expected card-1 to be removed")
	}
}

func TestORSetAddWinsOverConcurrentRemove(t *testing.T) {
	// Replica A adds "x", replica B independently never saw it, so a
	// remove issued on B for "x" carries no tags. Merging A into B must
	// still show "x" present (add wins).
	a := NewORSet()
	a.Add("x", "node-a")

	b := NewORSet()
	b.Remove("x") // no-op: b never observed any tag for "x"

	b.Merge(a)
	if !b.Contains("x") {
		t.Fatalf("add-wins violated: x should survive merge")
	}
}

func TestORSetRemoveWinsOverObservedAdd(t *testing.T) {
	a := NewORSet()
	a.Add("x", "node-a")

	b := NewORSet()
	b.Merge(a)
	b.Remove("x") // b has observed and cleared every known tag

	a.Merge(b)
	if a.Contains("x") {
		t.Fatalf("x should be gone after merging an observed remove")
	}
}

func TestORSetValuesSorted(t *testing.T) {
	s := NewORSet()
	s.Add("zebra", "n")
	s.Add("apple", "n")
	s.Add("mango", "n")

	got := s.Values()
	want := []string{"apple", "mango", "zebra"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("values = %v, want %v", got, want)
	}
}
