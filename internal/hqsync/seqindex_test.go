package hqsync

import (
	"testing"
)

func TestSequenceIndexPutTake(t *testing.T) {
	idx := NewSequenceIndex[string](4, nil)

	if err := idx.Put(7, "a"); err != nil {
		t.Fatalf("Put returned error: %v", err)
	}
	if got := idx.Len(); got != 1 {
		t.Fatalf("Len = %d, want 1", got)
	}

	payload, ok := idx.Take(7)
	if !ok || payload != "a" {
		t.Fatalf("Take(7) = %q, %v, want \"a\", true", payload, ok)
	}
	if _, ok := idx.Take(7); ok {
		t.Fatal("second Take(7) succeeded, entry should be gone")
	}
}

func TestSequenceIndexDuplicateReplaces(t *testing.T) {
	idx := NewSequenceIndex[string](4, nil)

	idx.Put(3, "old")
	if err := idx.Put(3, "new"); err != ErrDuplicateSequence {
		t.Fatalf("duplicate Put error = %v, want ErrDuplicateSequence", err)
	}

	payload, ok := idx.Take(3)
	if !ok || payload != "new" {
		t.Fatalf("Take(3) = %q, %v, want \"new\", true", payload, ok)
	}
	if got := idx.Len(); got != 0 {
		t.Fatalf("Len after take = %d, want 0", got)
	}
}

func TestSequenceIndexEvictsOldest(t *testing.T) {
	var evictedSeqs []uint64
	idx := NewSequenceIndex[int](2, func(seq uint64, _ int) {
		evictedSeqs = append(evictedSeqs, seq)
	})

	idx.Put(10, 1)
	idx.Put(11, 2)
	idx.Put(12, 3) // evicts 10
	idx.Put(13, 4) // evicts 11

	if got := idx.Len(); got != 2 {
		t.Fatalf("Len = %d, want 2", got)
	}
	if got := idx.Evicted(); got != 2 {
		t.Fatalf("Evicted = %d, want 2", got)
	}
	if len(evictedSeqs) != 2 || evictedSeqs[0] != 10 || evictedSeqs[1] != 11 {
		t.Fatalf("eviction callback sequences = %v, want [10 11]", evictedSeqs)
	}
	if _, ok := idx.Take(10); ok {
		t.Fatal("Take(10) succeeded after eviction")
	}
	if _, ok := idx.Take(12); !ok {
		t.Fatal("Take(12) failed, entry should have survived")
	}
}

func TestSequenceIndexEvictionOrderIgnoresInsertionOrder(t *testing.T) {
	var evictedSeqs []uint64
	idx := NewSequenceIndex[int](2, func(seq uint64, _ int) {
		evictedSeqs = append(evictedSeqs, seq)
	})

	// out-of-order inserts still evict the smallest sequence first
	idx.Put(20, 1)
	idx.Put(5, 2)
	idx.Put(30, 3)

	if len(evictedSeqs) != 1 || evictedSeqs[0] != 5 {
		t.Fatalf("evicted %v, want [5]", evictedSeqs)
	}
}

func TestSequenceIndexEvictOlderThan(t *testing.T) {
	idx := NewSequenceIndex[int](8, nil)
	for _, seq := range []uint64{4, 1, 3, 9, 2} {
		idx.Put(seq, int(seq)*10)
	}

	removed := idx.EvictOlderThan(4)
	if len(removed) != 3 {
		t.Fatalf("EvictOlderThan(4) removed %d entries, want 3", len(removed))
	}
	for i, want := range []int{10, 20, 30} {
		if removed[i] != want {
			t.Fatalf("removed[%d] = %d, want %d (ascending key order)", i, removed[i], want)
		}
	}
	if got := idx.Len(); got != 2 {
		t.Fatalf("Len = %d, want 2", got)
	}
	// selective eviction is normal consumption, not capacity pressure
	if got := idx.Evicted(); got != 0 {
		t.Fatalf("Evicted = %d, want 0", got)
	}
}

func TestSequenceIndexMaxKey(t *testing.T) {
	idx := NewSequenceIndex[int](4, nil)

	if _, ok := idx.MaxKey(); ok {
		t.Fatal("MaxKey on empty index reported a key")
	}

	idx.Put(2, 0)
	idx.Put(8, 0)
	idx.Put(5, 0)

	maxKey, ok := idx.MaxKey()
	if !ok || maxKey != 8 {
		t.Fatalf("MaxKey = %d, %v, want 8, true", maxKey, ok)
	}
}
