// Package relay hands the latest item from one goroutine to another without
// back-pressure.
package relay

import "sync"

// Stats reports relay activity since creation
type Stats struct {
	Published uint64 `json:"published"`
	Taken     uint64 `json:"taken"`
	Dropped   uint64 `json:"dropped"` // Overwritten before anyone took them
}

// Relay is a single-slot mailbox with latest-wins semantics.
//
// Publish overwrites an unconsumed item and returns immediately; TryTake
// never waits. The slot is guarded by a mutex held only for the swap, so
// neither side blocks beyond that.
type Relay[T any] struct {
	mu    sync.Mutex
	item  T
	full  bool
	stats Stats
}

// New creates an empty relay
func New[T any]() *Relay[T] {
	return &Relay[T]{}
}

// Publish stores item, discarding any unconsumed predecessor
func (r *Relay[T]) Publish(item T) {
	r.mu.Lock()
	if r.full {
		r.stats.Dropped++
	}
	r.item = item
	r.full = true
	r.stats.Published++
	r.mu.Unlock()
}

// TryTake removes and returns the pending item, if any
func (r *Relay[T]) TryTake() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	if !r.full {
		return zero, false
	}
	item := r.item
	r.item = zero
	r.full = false
	r.stats.Taken++
	return item, true
}

// Clear drops the pending item without counting it as taken
func (r *Relay[T]) Clear() {
	r.mu.Lock()
	var zero T
	r.item = zero
	r.full = false
	r.mu.Unlock()
}

// Stats returns a copy of the activity counters
func (r *Relay[T]) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}
