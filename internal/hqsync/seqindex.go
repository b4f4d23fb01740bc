package hqsync

import (
	"errors"
	"sort"
	"sync"
)

// ErrDuplicateSequence is returned by Put when the sequence number is
// already present. The new payload replaces the old one; the error exists
// so callers can log the producer misbehavior.
var ErrDuplicateSequence = errors.New("duplicate sequence number")

// SequenceIndex is a bounded associative buffer keyed by sequence number.
// When the capacity is exceeded the entry with the smallest sequence number
// is evicted, the eviction counter is incremented and the eviction callback
// (if any) is invoked. Safe for concurrent use.
type SequenceIndex[T any] struct {
	mu       sync.Mutex
	entries  map[uint64]T
	keys     []uint64 // sorted ascending
	capacity int
	evicted  uint64
	onEvict  func(seq uint64, payload T)
}

// NewSequenceIndex creates an index holding at most capacity entries.
func NewSequenceIndex[T any](capacity int, onEvict func(seq uint64, payload T)) *SequenceIndex[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &SequenceIndex[T]{
		entries:  make(map[uint64]T, capacity),
		keys:     make([]uint64, 0, capacity),
		capacity: capacity,
		onEvict:  onEvict,
	}
}

// Put stores payload under seq. A duplicate sequence number replaces the
// prior payload and returns ErrDuplicateSequence. If the index is full the
// oldest entry is evicted first.
func (idx *SequenceIndex[T]) Put(seq uint64, payload T) error {
	idx.mu.Lock()

	if _, ok := idx.entries[seq]; ok {
		idx.entries[seq] = payload
		idx.mu.Unlock()
		return ErrDuplicateSequence
	}

	var evictedSeq uint64
	var evictedPayload T
	evictedOne := false
	if len(idx.keys) >= idx.capacity {
		evictedSeq = idx.keys[0]
		evictedPayload = idx.entries[evictedSeq]
		delete(idx.entries, evictedSeq)
		idx.keys = idx.keys[1:]
		idx.evicted++
		evictedOne = true
	}

	idx.entries[seq] = payload
	idx.insertKey(seq)
	onEvict := idx.onEvict
	idx.mu.Unlock()

	if evictedOne && onEvict != nil {
		onEvict(evictedSeq, evictedPayload)
	}
	return nil
}

// Take removes and returns the payload for seq. The second return value is
// false when the entry is absent; absence is not an error, the counterpart
// stream may simply not have delivered yet.
func (idx *SequenceIndex[T]) Take(seq uint64) (T, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	payload, ok := idx.entries[seq]
	if !ok {
		var zero T
		return zero, false
	}

	delete(idx.entries, seq)
	idx.removeKey(seq)
	return payload, true
}

// EvictOlderThan removes all entries with key < seq and returns their
// payloads in ascending key order. These removals are part of normal
// consumption and are not counted as capacity evictions.
func (idx *SequenceIndex[T]) EvictOlderThan(seq uint64) []T {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	cut := sort.Search(len(idx.keys), func(i int) bool { return idx.keys[i] >= seq })
	if cut == 0 {
		return nil
	}

	removed := make([]T, 0, cut)
	for _, k := range idx.keys[:cut] {
		removed = append(removed, idx.entries[k])
		delete(idx.entries, k)
	}
	idx.keys = append(idx.keys[:0], idx.keys[cut:]...)
	return removed
}

// Len returns the number of pending entries.
func (idx *SequenceIndex[T]) Len() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return len(idx.entries)
}

// Evicted returns the number of entries evicted under capacity pressure.
func (idx *SequenceIndex[T]) Evicted() uint64 {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.evicted
}

// MaxKey returns the largest pending sequence number.
func (idx *SequenceIndex[T]) MaxKey() (uint64, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if len(idx.keys) == 0 {
		return 0, false
	}
	return idx.keys[len(idx.keys)-1], true
}

// insertKey inserts seq into the sorted key slice (lock held).
func (idx *SequenceIndex[T]) insertKey(seq uint64) {
	pos := sort.Search(len(idx.keys), func(i int) bool { return idx.keys[i] >= seq })
	idx.keys = append(idx.keys, 0)
	copy(idx.keys[pos+1:], idx.keys[pos:])
	idx.keys[pos] = seq
}

// removeKey removes seq from the sorted key slice (lock held).
func (idx *SequenceIndex[T]) removeKey(seq uint64) {
	pos := sort.Search(len(idx.keys), func(i int) bool { return idx.keys[i] >= seq })
	if pos < len(idx.keys) && idx.keys[pos] == seq {
		idx.keys = append(idx.keys[:pos], idx.keys[pos+1:]...)
	}
}
