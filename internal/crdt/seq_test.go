package crdt

import (
	"math/rand"
	"reflect"
	"testing"
)

func TestSeqAppendOrder(t *testing.T) {
	q := NewSeq()
	s1 := Stamp{Ts: 1, Replica: "r1"}
	s2 := Stamp{Ts: 2, Replica: "r1"}
	s3 := Stamp{Ts: 3, Replica: "r1"}

	q.Insert("c1", Stamp{}, s1)
	q.Insert("c2", s1, s2)
	q.Insert("c3", s2, s3)

	want := []string{"c1", "c2", "c3"}
	if got := q.Slice(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestSeqDuplicateApplyIsNoop(t *testing.T) {
	q := NewSeq()
	e := SeqElem{ID: "c1", S: Stamp{Ts: 1, Replica: "r1"}}
	if !q.Apply(e) {
		t.Fatal("first apply must take effect")
	}
	if q.Apply(e) {
		t.Fatal("re-delivering the same insertion must be a no-op")
	}
	if got := q.Slice(); len(got) != 1 {
		t.Fatalf("expected one element, got %v", got)
	}
}

func TestSeqReinsertRepositions(t *testing.T) {
	q := NewSeq()
	s1 := Stamp{Ts: 1, Replica: "r1"}
	s2 := Stamp{Ts: 2, Replica: "r1"}
	q.Insert("c1", Stamp{}, s1)
	q.Insert("c2", s1, s2)

	// Move c1 after c2 under a fresh stamp.
	q.Insert("c1", s2, Stamp{Ts: 3, Replica: "r1"})

	want := []string{"c2", "c1"}
	if got := q.Slice(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v after reinsert, got %v", want, got)
	}
}

func TestSeqRemoveHidesElement(t *testing.T) {
	q := NewSeq()
	s1 := Stamp{Ts: 1, Replica: "r1"}
	s2 := Stamp{Ts: 2, Replica: "r1"}
	q.Insert("c1", Stamp{}, s1)
	q.Insert("c2", s1, s2)

	if !q.Remove("c1", Stamp{Ts: 3, Replica: "r1"}) {
		t.Fatal("removing a present element must take effect")
	}
	if q.Has("c1") {
		t.Fatal("removed element must not be visible")
	}
	if got := q.Slice(); !reflect.DeepEqual(got, []string{"c2"}) {
		t.Fatalf("expected [c2], got %v", got)
	}
	if q.Remove("ghost", Stamp{Ts: 4, Replica: "r1"}) {
		t.Fatal("removing an unknown id must be a no-op")
	}
}

func TestSeqRemovedAnchorStillResolves(t *testing.T) {
	q := NewSeq()
	s1 := Stamp{Ts: 1, Replica: "r1"}
	q.Insert("c1", Stamp{}, s1)
	q.Remove("c1", Stamp{Ts: 2, Replica: "r1"})

	// A late insert anchored on the tombstoned element still places.
	q.Insert("c2", s1, Stamp{Ts: 3, Replica: "r1"})
	if got := q.Slice(); !reflect.DeepEqual(got, []string{"c2"}) {
		t.Fatalf("expected [c2], got %v", got)
	}
}

func TestSeqConcurrentReinsertBeatsRemove(t *testing.T) {
	// Replica a removes c1 while replica b concurrently re-inserts it
	// under a fresh stamp. The re-insert must survive on both.
	a := NewSeq()
	b := NewSeq()
	s1 := Stamp{Ts: 1, Replica: "r0"}
	a.Insert("c1", Stamp{}, s1)
	b.Insert("c1", Stamp{}, s1)

	a.Remove("c1", Stamp{Ts: 5, Replica: "ra"})
	b.Insert("c1", s1, Stamp{Ts: 5, Replica: "rb"})

	a.Merge(b)
	b.Merge(a)

	got1 := a.Slice()
	got2 := b.Slice()
	if !reflect.DeepEqual(got1, got2) {
		t.Fatalf("replicas diverged: %v vs %v", got1, got2)
	}
	if !reflect.DeepEqual(got1, []string{"c1"}) {
		t.Fatalf("re-inserted element must survive a concurrent remove, got %v", got1)
	}
}

func TestSeqConcurrentInsertsBothSurvive(t *testing.T) {
	// Two replicas append a different child after the same anchor.
	a := NewSeq()
	b := NewSeq()
	head := Stamp{Ts: 1, Replica: "r0"}
	a.Insert("c1", Stamp{}, head)
	b.Insert("c1", Stamp{}, head)

	a.Insert("c2", head, Stamp{Ts: 5, Replica: "ra"})
	b.Insert("c3", head, Stamp{Ts: 5, Replica: "rb"})

	a.Merge(b)
	b.Merge(a)

	got1 := a.Slice()
	got2 := b.Slice()
	if !reflect.DeepEqual(got1, got2) {
		t.Fatalf("replicas diverged: %v vs %v", got1, got2)
	}
	if len(got1) != 3 {
		t.Fatalf("both concurrent children must survive, got %v", got1)
	}
	// Same anchor, tied timestamps: higher replica id sorts first.
	if got1[1] != "c3" || got1[2] != "c2" {
		t.Fatalf("sibling order must be deterministic, got %v", got1)
	}
}

func TestSeqBuffersUnknownAnchor(t *testing.T) {
	q := NewSeq()
	s1 := Stamp{Ts: 1, Replica: "r1"}
	s2 := Stamp{Ts: 2, Replica: "r1"}

	// Child arrives before its anchor.
	q.Insert("c2", s1, s2)
	if q.Has("c2") {
		t.Fatal("element with missing anchor must not link yet")
	}

	q.Insert("c1", Stamp{}, s1)
	want := []string{"c1", "c2"}
	if got := q.Slice(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v after anchor arrived, got %v", want, got)
	}
}

func TestSeqConvergenceUnderPermutedDelivery(t *testing.T) {
	elems := []SeqElem{
		{ID: "a", S: Stamp{Ts: 1, Replica: "r1"}},
		{ID: "b", S: Stamp{Ts: 2, Replica: "r1"}, Anchor: Stamp{Ts: 1, Replica: "r1"}},
		{ID: "c", S: Stamp{Ts: 2, Replica: "r2"}, Anchor: Stamp{Ts: 1, Replica: "r1"}},
		{ID: "d", S: Stamp{Ts: 3, Replica: "r1"}, Anchor: Stamp{Ts: 2, Replica: "r1"}},
		{ID: "e", S: Stamp{Ts: 4, Replica: "r3"}},
	}

	rng := rand.New(rand.NewSource(7))
	var want []string
	for trial := 0; trial < 50; trial++ {
		q := NewSeq()
		for _, i := range rng.Perm(len(elems)) {
			q.Apply(elems[i])
			q.Apply(elems[i]) // duplicates are harmless
		}
		got := q.Slice()
		if len(got) != len(elems) {
			t.Fatalf("lost elements: %v", got)
		}
		if want == nil {
			want = got
			continue
		}
		if !reflect.DeepEqual(want, got) {
			t.Fatalf("replicas diverged: %v vs %v", want, got)
		}
	}
}
