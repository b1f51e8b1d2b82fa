package registry

import (
	"testing"

	"github.com/relayfleet/relayfleet/internal/fleetid"
)

func TestRegistry_StoreGet(t *testing.T) {
	r := New[string]()
	h := NewHandle("direct-fixed-1")
	r.Store(fleetid.Name("escaper-a"), h)

	got, ok := r.Get(fleetid.Name("escaper-a"))
	if !ok {
		t.Fatal("expected entry to exist")
	}
	if got.Value() != "direct-fixed-1" {
		t.Fatalf("got %q", got.Value())
	}
	if r.Size() != 1 {
		t.Fatalf("Size() = %d, want 1", r.Size())
	}
}

func TestRegistry_SwapRetiresPrevious(t *testing.T) {
	r := New[string]()
	name := fleetid.Name("escaper-a")
	old := NewHandle("v1")
	r.Store(name, old)

	next := NewHandle("v2")
	prev, hadPrev := r.Swap(name, next)
	if !hadPrev || prev != old {
		t.Fatal("expected Swap to return the previous handle")
	}

	got, _ := r.Get(name)
	if got.Value() != "v2" {
		t.Fatalf("live entry should be the new handle, got %q", got.Value())
	}
	if r.RetiringCount() != 1 {
		t.Fatalf("expected 1 retiring handle, got %d", r.RetiringCount())
	}
}

func TestRegistry_SweepFinalOnlyDropsUnreferencedHandles(t *testing.T) {
	r := New[string]()
	name := fleetid.Name("escaper-a")
	old := NewHandle("v1")
	old.Acquire() // simulate an in-flight connection still holding v1
	r.Store(name, old)
	r.Swap(name, NewHandle("v2"))

	var emitted []string
	r.SweepFinal(func(n fleetid.Name, h *Handle[string]) {
		emitted = append(emitted, h.Value())
	})
	if len(emitted) != 0 {
		t.Fatalf("expected no emission while still referenced, got %v", emitted)
	}
	if r.RetiringCount() != 1 {
		t.Fatal("handle should remain in retiring set while referenced")
	}

	old.Release()
	r.SweepFinal(func(n fleetid.Name, h *Handle[string]) {
		emitted = append(emitted, h.Value())
	})
	if len(emitted) != 1 || emitted[0] != "v1" {
		t.Fatalf("expected final emission of v1, got %v", emitted)
	}
	if r.RetiringCount() != 0 {
		t.Fatal("handle should be dropped after final sweep")
	}
}

func TestRegistry_DeleteRetiresHandle(t *testing.T) {
	r := New[string]()
	name := fleetid.Name("escaper-a")
	h := NewHandle("v1")
	r.Store(name, h)

	prev, existed := r.Delete(name)
	if !existed || prev != h {
		t.Fatal("expected Delete to report and return the existing handle")
	}
	if _, ok := r.Get(name); ok {
		t.Fatal("entry should no longer be live")
	}
	if r.RetiringCount() != 1 {
		t.Fatalf("expected 1 retiring handle after delete, got %d", r.RetiringCount())
	}
}

func TestRegistry_RepeatedRetirementsOfSameNameDontClobber(t *testing.T) {
	r := New[string]()
	name := fleetid.Name("escaper-a")
	v1 := NewHandle("v1")
	v1.Acquire()
	r.Store(name, v1)

	r.Swap(name, NewHandle("v2")) // v1 retires, still referenced
	r.Swap(name, NewHandle("v3")) // v2 retires immediately final

	if r.RetiringCount() != 2 {
		t.Fatalf("expected both v1 and v2 tracked in retiring set, got %d", r.RetiringCount())
	}

	var emitted []string
	r.SweepFinal(func(n fleetid.Name, h *Handle[string]) {
		emitted = append(emitted, h.Value())
	})
	if len(emitted) != 1 || emitted[0] != "v2" {
		t.Fatalf("expected only v2 to sweep final, got %v", emitted)
	}

	v1.Release()
	r.SweepFinal(func(n fleetid.Name, h *Handle[string]) {
		emitted = append(emitted, h.Value())
	})
	if len(emitted) != 2 || emitted[1] != "v1" {
		t.Fatalf("expected v1 to sweep final after release, got %v", emitted)
	}
}
