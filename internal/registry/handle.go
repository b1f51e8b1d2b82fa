package registry

import "sync/atomic"

// Handle is a reference-counted wrapper around a live entity value. The
// Registry itself always holds one reference; in-flight connections that
// capture an entity for the duration of a request hold additional
// references via Acquire/Release. When an entity is replaced (Reload*)
// the old Handle moves to the registry's retiring set and its stats stay
// readable until strong_count drops back to 1 — at that point only the
// retiring set itself holds it, so one final stat emission is still
// possible before it is dropped for good.
type Handle[T any] struct {
	value  T
	strong atomic.Int32
}

// NewHandle wraps value with an initial strong count of 1 (the Registry's
// own reference).
func NewHandle[T any](value T) *Handle[T] {
	h := &Handle[T]{value: value}
	h.strong.Store(1)
	return h
}

// Value returns the wrapped entity.
func (h *Handle[T]) Value() T { return h.value }

// Acquire increments the strong count and returns it. Callers that keep a
// Handle beyond a single lookup (e.g. for the lifetime of a connection)
// must call Acquire and later Release exactly once.
func (h *Handle[T]) Acquire() int32 {
	return h.strong.Add(1)
}

// Release decrements the strong count and returns it. A return value of 1
// means only the registry's retiring set still references this handle —
// the next Release (or a scheduled sweep observing strong_count == 1) may
// emit final stats and drop it.
func (h *Handle[T]) Release() int32 {
	return h.strong.Add(-1)
}

// StrongCount returns the current reference count.
func (h *Handle[T]) StrongCount() int32 {
	return h.strong.Load()
}

// IsFinal reports whether this handle is down to the registry's own
// retiring-set reference, i.e. safe for a final stat emission and drop.
func (h *Handle[T]) IsFinal() bool {
	return h.strong.Load() <= 1
}
