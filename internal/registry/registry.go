package registry

import (
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/relayfleet/relayfleet/internal/fleetid"
)

// retiredEntry pairs a retiring handle with the name it was last live
// under, for the benefit of SweepFinal's final stat emission.
type retiredEntry[T any] struct {
	name   fleetid.Name
	handle *Handle[T]
}

// Registry is the per-kind (escaper, server, resolver, user-group, auditor)
// mapping from NodeName to the current shared handle of that entity. A
// single entry can be atomically swapped during reload; the previous
// handle moves to the retiring set rather than being dropped immediately,
// so stat emitters can still observe it down to its final count.
type Registry[T any] struct {
	live *xsync.Map[fleetid.Name, *Handle[T]]
	// retiring is keyed by handle pointer identity (not name) so that a
	// name respawned multiple times before a sweep runs doesn't clobber an
	// earlier retirement under the same name.
	retiring *xsync.Map[*Handle[T], retiredEntry[T]]
}

// New creates an empty Registry.
func New[T any]() *Registry[T] {
	return &Registry[T]{
		live:     xsync.NewMap[fleetid.Name, *Handle[T]](),
		retiring: xsync.NewMap[*Handle[T], retiredEntry[T]](),
	}
}

// Get returns the live handle for name, if any.
func (r *Registry[T]) Get(name fleetid.Name) (*Handle[T], bool) {
	return r.live.Load(name)
}

// Store inserts or overwrites the live handle for name without retiring
// anything — used for SpawnNew, where there is no prior entity.
func (r *Registry[T]) Store(name fleetid.Name, h *Handle[T]) {
	r.live.Store(name, h)
}

// Swap atomically replaces the live handle for name with next, returning
// the previous handle (if any). The previous handle is moved to the
// retiring set; it is not deleted until SweepFinal observes its strong
// count has dropped to 1.
func (r *Registry[T]) Swap(name fleetid.Name, next *Handle[T]) (prev *Handle[T], hadPrev bool) {
	prev, hadPrev = r.live.Load(name)
	r.live.Store(name, next)
	if hadPrev {
		r.retiring.Store(prev, retiredEntry[T]{name: name, handle: prev})
	}
	return prev, hadPrev
}

// Delete removes name from the live set (config no longer names this
// entity). The handle moves to the retiring set for final stat emission.
func (r *Registry[T]) Delete(name fleetid.Name) (prev *Handle[T], existed bool) {
	prev, existed = r.live.LoadAndDelete(name)
	if existed {
		r.retiring.Store(prev, retiredEntry[T]{name: name, handle: prev})
	}
	return prev, existed
}

// Range iterates every live (name, handle) pair. Return false to stop.
func (r *Registry[T]) Range(fn func(fleetid.Name, *Handle[T]) bool) {
	r.live.Range(fn)
}

// Size returns the number of live entries.
func (r *Registry[T]) Size() int {
	return r.live.Size()
}

// SweepFinal visits every retiring handle whose strong count has dropped
// to 1 (only the retiring set itself still references it), calls fn for a
// final stat emission, and removes it from the retiring set. Handles still
// referenced by in-flight work (StrongCount > 1) are left for a later
// sweep.
func (r *Registry[T]) SweepFinal(fn func(fleetid.Name, *Handle[T])) {
	var drop []*Handle[T]
	r.retiring.Range(func(key *Handle[T], entry retiredEntry[T]) bool {
		if entry.handle.IsFinal() {
			if fn != nil {
				fn(entry.name, entry.handle)
			}
			drop = append(drop, key)
		}
		return true
	})
	for _, key := range drop {
		r.retiring.Delete(key)
	}
}

// RetiringCount returns the number of handles awaiting final sweep.
func (r *Registry[T]) RetiringCount() int {
	return r.retiring.Size()
}
