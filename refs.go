package slotvault

import "sync"

// referenceTracker counts, per slot, how many other slots' stored objects
// currently depend on the object stored there. Counts change only when a
// dependency-carrying object becomes visible or stops being visible, so
// staged transaction writes touch the tracker only at commit.
type referenceTracker struct {
	mu     sync.Mutex
	counts map[SlotNumber]int
}

func newReferenceTracker() *referenceTracker {
	return &referenceTracker{counts: make(map[SlotNumber]int)}
}

func (t *referenceTracker) increment(target SlotNumber) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts[target]++
}

// decrement drops one reference. Decrementing a zero counter is a broken
// invariant and aborts.
func (t *referenceTracker) decrement(target SlotNumber) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.counts[target]
	if n == 0 {
		panic("slotvault: reference count underflow")
	}
	if n == 1 {
		delete(t.counts, target)
		return
	}
	t.counts[target] = n - 1
}

func (t *referenceTracker) count(target SlotNumber) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[target]
}

// apply atomically applies a batch of count deltas, as computed by a commit.
// Any underflow aborts; commit validation must have rejected it earlier.
func (t *referenceTracker) apply(deltas map[SlotNumber]int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for target, delta := range deltas {
		n := t.counts[target] + delta
		if n < 0 {
			panic("slotvault: reference count underflow")
		}
		if n == 0 {
			delete(t.counts, target)
			continue
		}
		t.counts[target] = n
	}
}
